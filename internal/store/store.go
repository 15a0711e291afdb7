// Package store defines the mailbox storage contract shared by the filesystem
// and sqlite backends, along with the account rules both enforce.
package store

import (
	"context"

	"github.com/shineum/glomail/internal/message"
)

// Stats summarizes an inbox.
type Stats struct {
	Count int
	Size  int64
}

// Store persists accounts, credentials and inbox messages.
// Implementations are not required to be safe for concurrent use; the server
// calls them from a single goroutine.
type Store interface {
	// CreateAccount validates and creates an account with an empty inbox.
	// Either every part of the account is created or none is.
	CreateAccount(ctx context.Context, username, password string) error

	// Authenticate returns ErrInvalidCredentials when the account does not
	// exist or the password does not match.
	Authenticate(ctx context.Context, username, password string) error

	// AccountExists reports whether username names an account.
	AccountExists(ctx context.Context, username string) (bool, error)

	// ListInbox returns the inbox newest first. An empty inbox is not an error.
	ListInbox(ctx context.Context, username string) ([]message.Message, error)

	// ReadMessage returns one stored message by its ID.
	ReadMessage(ctx context.Context, username, id string) (*message.Message, error)

	// Deliver durably appends msg to the inbox of username and sets msg.ID.
	Deliver(ctx context.Context, username string, msg *message.Message) error

	// Stats counts the inbox messages and their serialized size.
	Stats(ctx context.Context, username string) (Stats, error)

	LostSink
}

// LostSink keeps messages that were addressed to a local-looking recipient
// that does not exist.
type LostSink interface {
	DeliverToLost(ctx context.Context, id string, msg *message.Message) error
}
