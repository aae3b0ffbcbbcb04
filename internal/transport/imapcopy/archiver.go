// Package imapcopy keeps a copy of delivered mail in the sender's IMAP
// mailbox.
package imapcopy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailer/internal/transport"
)

const implicitTLSPort = 993

// Options configure an Archiver.
type Options struct {
	// Mailbox receives the copies. Defaults to "Sent".
	Mailbox string

	DialTimeout time.Duration

	// CommandTimeout bounds a whole Archive call, from dial to logout.
	CommandTimeout time.Duration

	InsecureSkipVerify bool
}

// Archiver appends raw messages to a mailbox on the account's IMAP server.
type Archiver struct {
	opts Options
}

// New returns an Archiver with defaults applied to opts.
func New(opts Options) *Archiver {
	if opts.Mailbox == "" {
		opts.Mailbox = "Sent"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	return &Archiver{opts: opts}
}

// Mailbox returns the target mailbox name.
func (a *Archiver) Mailbox() string {
	return a.opts.Mailbox
}

// Archive stores raw in the configured mailbox, flagged as seen. It is a
// no-op when the account has no IMAP host. The connection is closed as soon
// as ctx is done or CommandTimeout elapses.
func (a *Archiver) Archive(ctx context.Context, cfg transport.Config, raw []byte) error {
	if cfg.IMAPHost == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CommandTimeout)
	defer cancel()

	port := cfg.IMAPPort
	if port == 0 {
		port = implicitTLSPort
	}
	addr := net.JoinHostPort(cfg.IMAPHost, strconv.Itoa(port))

	client, err := a.dial(ctx, cfg.IMAPHost, addr, port == implicitTLSPort)
	if err != nil {
		return withCause(ctx, fmt.Errorf("connecting to IMAP %s: %w", addr, err))
	}
	defer func() { _ = client.Logout().Wait() }()

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		return withCause(ctx, fmt.Errorf("IMAP login for %s: %w", cfg.Username, err))
	}

	cmd := client.Append(a.opts.Mailbox, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
	})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return withCause(ctx, fmt.Errorf("writing message to %s: %w", a.opts.Mailbox, err))
	}
	if err := cmd.Close(); err != nil {
		return withCause(ctx, fmt.Errorf("closing append to %s: %w", a.opts.Mailbox, err))
	}
	if _, err := cmd.Wait(); err != nil {
		return withCause(ctx, fmt.Errorf("appending to %s: %w", a.opts.Mailbox, err))
	}

	return nil
}

// dial connects to addr and negotiates TLS. The raw connection is closed
// when ctx is done, which fails any command still waiting on the server.
func (a *Archiver) dial(ctx context.Context, host, addr string, implicit bool) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: a.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { _ = conn.Close() })

	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: a.opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if !implicit {
		return imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
	}

	tlsConfig.NextProtos = []string{"imap"}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return imapclient.New(tlsConn, nil), nil
}

// withCause attaches ctx's error to err once ctx is done.
func withCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%w)", err, ctxErr)
	}
	return err
}
