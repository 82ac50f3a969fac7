package transport

import "context"

// SendOptions carries per-message delivery knobs.
//
// ThreadID routes the message into a chat sub-thread (forum topic); 0 sends
// untargeted. Silent suppresses the client-side notification sound.
type SendOptions struct {
	ParseMode string
	Silent    bool
	ThreadID  int
}

// Sender is the outbound messaging surface the pipeline depends on.
//
// Send returns nil on success or one of the taxonomy errors from errors.go;
// anything else is treated as a permanent failure for that message.
type Sender interface {
	Send(ctx context.Context, userID int64, text string, opt *SendOptions) error

	// CreateThread creates a named sub-thread in the user's chat and returns
	// its thread id. iconColor is the transport's topic color (0 = default).
	CreateThread(ctx context.Context, userID int64, name string, iconColor int) (int, error)
}
