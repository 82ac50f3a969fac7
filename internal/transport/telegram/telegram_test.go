package telegram

import (
	"errors"
	"testing"
	"time"

	"notibot/internal/transport"
	logx "notibot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Token: "   "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestClassifyThreadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"thread invalid constant", errors.New("telegram: Bad Request: MESSAGE_THREAD_INVALID (400)"), transport.ErrInvalidThread},
		{"thread not found", errors.New("telegram: Bad Request: message thread not found (400)"), transport.ErrInvalidThread},
		{"topic closed", errors.New("telegram: Bad Request: TOPIC_CLOSED (400)"), transport.ErrInvalidThread},
		{"topic deleted", errors.New("telegram: Bad Request: TOPIC_DELETED (400)"), transport.ErrInvalidThread},
		{"topics not enabled", errors.New("telegram: Bad Request: TOPICS_NOT_ENABLED (400)"), transport.ErrThreadsUnsupported},
		{"no rights", errors.New("telegram: Bad Request: not enough rights to manage topics (400)"), transport.ErrThreadsUnsupported},
		{"blocked sentinel", tele.ErrBlockedByUser, transport.ErrBlocked},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyForbiddenCode(t *testing.T) {
	t.Parallel()

	err := classify(tele.NewError(403, "Forbidden: user is deactivated"))
	if !errors.Is(err, transport.ErrBlocked) {
		t.Fatalf("403 should classify as blocked, got %v", err)
	}
}

func TestClassifyFlood(t *testing.T) {
	t.Parallel()

	got := classify(tele.FloodError{RetryAfter: 3})
	after, ok := transport.RetryAfterOf(got)
	if !ok {
		t.Fatalf("flood error should classify as rate limited")
	}
	if after != 3*time.Second {
		t.Fatalf("retry after = %v, want 3s", after)
	}
}

func TestClassifyPassesThroughUnknown(t *testing.T) {
	t.Parallel()

	base := errors.New("telegram: Internal Server Error (500)")
	if got := classify(base); !errors.Is(got, base) {
		t.Fatalf("unknown errors must pass through, got %v", got)
	}
}
