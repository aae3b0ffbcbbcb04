package store

import (
	"context"
	"errors"

	"github.com/nhle/mailer/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface the dispatcher depends on. It only reads
// pending work and writes delivery status; records are created by the
// hosting application.
type Store interface {
	// FindPendingMessages returns messages with process set, complete unset
	// and an owning account, in insertion order, each with its recipients
	// and their contact addresses.
	FindPendingMessages(ctx context.Context) ([]model.Message, error)

	// FindAccount loads an account by ID. It returns ErrNotFound (wrapped)
	// when the account does not exist.
	FindAccount(ctx context.Context, id string) (*model.Account, error)

	// MarkMessageComplete sets complete on a message.
	MarkMessageComplete(ctx context.Context, id string) error

	// MarkRecipientSent sets sent on a recipient. Repeating it is harmless.
	MarkRecipientSent(ctx context.Context, messageID, contactID string) error

	// MarkRecipientFailed sets failed on a recipient and leaves sent alone.
	MarkRecipientFailed(ctx context.Context, messageID, contactID string) error
}
