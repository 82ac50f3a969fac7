package app

import (
	"context"
	"testing"

	"notibot/internal/transport"
)

type recordingSender struct {
	userID int64
	text   string
	opt    transport.SendOptions
}

func (r *recordingSender) Send(_ context.Context, userID int64, text string, opt *transport.SendOptions) error {
	r.userID = userID
	r.text = text
	if opt != nil {
		r.opt = *opt
	}
	return nil
}

func (r *recordingSender) CreateThread(context.Context, int64, string, int) (int, error) {
	return 0, nil
}

func TestOutboundAppliesDefaultParseMode(t *testing.T) {
	t.Parallel()

	inner := &recordingSender{}
	out := &outbound{inner: inner, mode: "HTML"}
	ctx := context.Background()

	if err := out.Send(ctx, 5, "hello", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if inner.opt.ParseMode != "HTML" {
		t.Fatalf("parse mode = %q, want default applied", inner.opt.ParseMode)
	}

	// An explicit mode wins over the default.
	if err := out.Send(ctx, 5, "hi", &transport.SendOptions{ParseMode: "MarkdownV2"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if inner.opt.ParseMode != "MarkdownV2" {
		t.Fatalf("parse mode = %q, want explicit kept", inner.opt.ParseMode)
	}
}

func TestOutboundDoesNotMutateCallerOptions(t *testing.T) {
	t.Parallel()

	inner := &recordingSender{}
	out := &outbound{inner: inner, mode: "HTML"}

	opt := &transport.SendOptions{Silent: true, ThreadID: 12}
	if err := out.Send(context.Background(), 7, "x", opt); err != nil {
		t.Fatalf("send: %v", err)
	}
	if opt.ParseMode != "" {
		t.Fatalf("caller options mutated: %+v", opt)
	}
	if !inner.opt.Silent || inner.opt.ThreadID != 12 || inner.opt.ParseMode != "HTML" {
		t.Fatalf("sent options = %+v", inner.opt)
	}

	out.setMode("MarkdownV2")
	if err := out.Send(context.Background(), 7, "y", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if inner.opt.ParseMode != "MarkdownV2" {
		t.Fatalf("mode after setMode = %q", inner.opt.ParseMode)
	}
}
