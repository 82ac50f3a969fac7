package bus

import (
	"context"
	"testing"

	logx "notibot/pkg/logx"
)

func TestDecodeCarriesRawData(t *testing.T) {
	t.Parallel()

	env, err := Decode([]byte(`{"event":"impulse_alert","user_id":42,"data":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != "impulse_alert" || env.UserID != 42 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if string(env.Data) != `{"text":"hi"}` {
		t.Fatalf("data not kept raw: %s", env.Data)
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"event":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPublishBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()

	// A nil client would panic on any command; an empty batch must not reach it.
	b := New(nil, logx.Nop())
	if err := b.PublishBatch(context.Background(), ChannelReports, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestSubscribeRejectsEmptyChannelList(t *testing.T) {
	t.Parallel()

	b := New(nil, logx.Nop())
	if _, err := b.Subscribe(context.Background(), []string{}...); err == nil {
		t.Fatalf("expected error for empty channel list")
	}
}

func TestDefaultChannels(t *testing.T) {
	t.Parallel()

	got := DefaultChannels()
	want := []string{"impulse:notifications", "impulse:activity", "impulse:reports", "impulse:errors"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channel %d = %q, want %q", i, got[i], want[i])
		}
	}
}
