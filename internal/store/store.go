// Package store provides the optional durable mirror for room history. All
// implementations are best-effort: the in-memory message buffers stay the
// source of truth and no client-visible operation waits on this layer.
package store

import (
	"context"

	"codeberg.org/securechat/server/securechat/messages"
)

// MessageStore is the durable-store adapter consumed by the gateway.
type MessageStore interface {
	// Ready reports whether the backend is usable; when false every
	// call must be a harmless no-op.
	Ready() bool

	Save(ctx context.Context, msg *messages.Message) error
	Edit(ctx context.Context, msg *messages.Message) error
	Delete(ctx context.Context, roomID, messageID string) error
	DeleteAllByUser(ctx context.Context, userID string) (int64, error)
	LoadRecent(ctx context.Context, roomID string, limit int) ([]*messages.Message, error)
	ClearRoom(ctx context.Context, roomID string) error
	Close()
}

// Disabled is the adapter used when no backend is configured.
type Disabled struct{}

func (Disabled) Ready() bool { return false }

func (Disabled) Save(context.Context, *messages.Message) error { return nil }

func (Disabled) Edit(context.Context, *messages.Message) error { return nil }

func (Disabled) Delete(context.Context, string, string) error { return nil }

func (Disabled) DeleteAllByUser(context.Context, string) (int64, error) { return 0, nil }

func (Disabled) LoadRecent(context.Context, string, int) ([]*messages.Message, error) {
	return nil, nil
}

func (Disabled) ClearRoom(context.Context, string) error { return nil }

func (Disabled) Close() {}
