// Package transport defines the outbound mail session used by the pool
// manager and the delivery tracker.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Config is everything needed to open a session for one account.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// MaxConnections caps simultaneous server connections for the session.
	MaxConnections int

	// MaxMessagesPerConnection recycles a connection after this many sends.
	MaxMessagesPerConnection int

	// IMAPHost and IMAPPort locate the mailbox that receives sent copies.
	IMAPHost string
	IMAPPort int
}

// Envelope is one outbound mail for a single recipient.
type Envelope struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Session is an authenticated, possibly pooled, connection to a mail server.
// Implementations must be safe for concurrent Send calls.
type Session interface {
	// Verify checks that the server is reachable and accepts the credentials.
	Verify(ctx context.Context) error

	// Send delivers env. A nil error means the server accepted the message.
	Send(ctx context.Context, env Envelope) error

	// Close releases every connection held by the session.
	Close() error
}

// Factory opens sessions.
type Factory interface {
	OpenSession(ctx context.Context, cfg Config) (Session, error)
}

// SendError describes a rejected delivery.
type SendError struct {
	Recipient string
	// Code is the SMTP reply code, or 0 when the failure was not a reply.
	Code int
	Err  error
}

func (e *SendError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("send to %s: %d: %v", e.Recipient, e.Code, e.Err)
	}
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a 5xx reply.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code >= 500 && se.Code < 600
	}
	return false
}
