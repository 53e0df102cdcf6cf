package interfaces

import (
	"context"
	"time"

	"huddle/pkg/types"
)

// MessageQuery selects stored messages. A non-empty MessageID selects that
// single message; otherwise GroupID is required and results are the newest
// Limit messages created strictly before Before (zero Before means now).
// PinnedOnly narrows a group query to pinned messages.
type MessageQuery struct {
	GroupID    string
	MessageID  string
	Before     time.Time
	Limit      int
	PinnedOnly bool
}

// DurableStore is the system of record for messages and groups.
// ARCHITECTURAL DISCOVERY: The only state shared across process instances;
// everything else in the core is local and safe to drop and rebuild.
type DurableStore interface {
	// CreateMessage persists a new message in its stored (possibly encrypted) form.
	CreateMessage(ctx context.Context, msg *types.Message) error

	// FindMessages returns matching messages ordered newest first.
	FindMessages(ctx context.Context, q MessageQuery) ([]*types.Message, error)

	// UpdateMessage replaces the mutable fields of an existing message.
	// Returns ErrNotFound when the message does not exist.
	UpdateMessage(ctx context.Context, msg *types.Message) error

	// DeleteMessage removes a message. Returns ErrNotFound when absent.
	DeleteMessage(ctx context.Context, messageID string) error

	// SaveGroup upserts a group including membership and its encryption key.
	SaveGroup(ctx context.Context, group *types.Group) error

	// ListGroups loads every group, used to warm the directory at startup.
	ListGroups(ctx context.Context) ([]*types.Group, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
