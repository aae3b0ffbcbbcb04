package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	netsmtp "net/smtp"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailer/internal/transport"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("smtp session closed")

type conn struct {
	client  *netsmtp.Client
	netConn net.Conn
	sent    int
}

func (c *conn) quit() {
	if err := c.client.Quit(); err != nil {
		_ = c.client.Close()
	}
}

// session keeps up to MaxConnections authenticated connections to one
// server. A connection is retired after MaxMessagesPerConnection sends or
// after any error.
type session struct {
	factory *Factory
	cfg     transport.Config

	slots chan struct{}
	idle  chan *conn

	mu     sync.Mutex
	closed bool
}

func newSession(f *Factory, cfg transport.Config) *session {
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1
	}
	return &session{
		factory: f,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxConnections),
		idle:    make(chan *conn, cfg.MaxConnections),
	}
}

// Verify opens (or reuses) a connection and checks it with NOOP.
func (s *session) Verify(ctx context.Context) error {
	c, err := s.checkout(ctx)
	if err != nil {
		return err
	}

	err = c.client.Noop()
	s.checkin(c, err == nil)
	if err != nil {
		return fmt.Errorf("noop: %w", err)
	}
	return nil
}

// Send composes env as a plain-text message and transmits it on a pooled
// connection.
func (s *session) Send(ctx context.Context, env transport.Envelope) error {
	raw, err := compose(env)
	if err != nil {
		return &transport.SendError{Recipient: env.To, Err: err}
	}
	if s.factory.opts.Signer != nil {
		raw, err = s.factory.opts.Signer.Sign(raw, env.From)
		if err != nil {
			return &transport.SendError{Recipient: env.To, Err: err}
		}
	}

	c, err := s.checkout(ctx)
	if err != nil {
		return &transport.SendError{Recipient: env.To, Code: replyCode(err), Err: err}
	}

	err = s.transmit(ctx, c, env.From, env.To, raw)
	c.sent++
	s.checkin(c, err == nil)
	if err != nil {
		return &transport.SendError{Recipient: env.To, Code: replyCode(err), Err: err}
	}

	if s.factory.opts.Archiver != nil {
		if err := s.factory.opts.Archiver.Archive(ctx, s.cfg, raw); err != nil {
			s.factory.opts.Logger.Warn().Err(err).
				Str("host", s.cfg.IMAPHost).
				Str("to", env.To).
				Msg("storing sent copy failed")
		}
	}

	return nil
}

func (s *session) transmit(ctx context.Context, c *conn, from, to string, raw []byte) error {
	if err := c.netConn.SetDeadline(deadline(ctx, s.factory.opts.CommandTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := c.client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	return nil
}

// Close quits every idle connection. Connections checked out at the time
// are closed when they are returned.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for {
		select {
		case c := <-s.idle:
			c.quit()
		default:
			return nil
		}
	}
}

func (s *session) checkout(ctx context.Context) (*conn, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		<-s.slots
		return nil, ErrSessionClosed
	}

	select {
	case c := <-s.idle:
		if err := s.revive(ctx, c); err == nil {
			return c, nil
		}
		_ = c.client.Close()
	default:
	}

	c, err := s.factory.dial(ctx, s.cfg)
	if err != nil {
		<-s.slots
		return nil, err
	}
	return c, nil
}

// revive refreshes the deadline of an idle connection and checks the
// server still answers.
func (s *session) revive(ctx context.Context, c *conn) error {
	if err := c.netConn.SetDeadline(deadline(ctx, s.factory.opts.CommandTimeout)); err != nil {
		return err
	}
	return c.client.Reset()
}

func (s *session) checkin(c *conn, healthy bool) {
	defer func() { <-s.slots }()

	if !healthy {
		_ = c.client.Close()
		return
	}
	if limit := s.cfg.MaxMessagesPerConnection; limit > 0 && c.sent >= limit {
		c.quit()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		c.quit()
		return
	}
	s.idle <- c
}

// compose renders env as a single-part text/plain message.
func compose(env transport.Envelope) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: env.From}})
	h.SetAddressList("To", []*mail.Address{{Address: env.To}})
	h.SetSubject(env.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, env.Body); err != nil {
		return nil, fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}
	return buf.Bytes(), nil
}
