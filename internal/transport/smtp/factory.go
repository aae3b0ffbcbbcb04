// Package smtp implements pooled SMTP sessions over net/smtp.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	netsmtp "net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailer/internal/model"
	"github.com/nhle/mailer/internal/transport"
)

// TLS modes accepted in Options.TLSMode.
const (
	TLSOpportunistic = "opportunistic"
	TLSStartTLS      = "starttls"
	TLSImplicit      = "smtps"
	TLSNone          = "none"
)

const implicitTLSPort = 465

// Signer signs a composed message before it is transmitted.
type Signer interface {
	Sign(message []byte, from string) ([]byte, error)
}

// Archiver stores a copy of a delivered message.
type Archiver interface {
	Archive(ctx context.Context, cfg transport.Config, raw []byte) error
}

// Options configure every session opened by a Factory.
type Options struct {
	TLSMode            string
	HeloName           string
	DialTimeout        time.Duration
	CommandTimeout     time.Duration
	InsecureSkipVerify bool

	// Signer is optional.
	Signer Signer

	// Archiver is optional. Archive failures are logged and never fail a send.
	Archiver Archiver

	Logger zerolog.Logger
}

// OptionsFromConfig maps the smtp section of the application config.
func OptionsFromConfig(cfg model.SMTPConfig, logger zerolog.Logger) Options {
	return Options{
		TLSMode:            cfg.TLSMode,
		HeloName:           cfg.HeloName,
		DialTimeout:        cfg.DialTimeout,
		CommandTimeout:     cfg.CommandTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Logger:             logger,
	}
}

// Factory opens pooled SMTP sessions.
type Factory struct {
	opts Options
}

// NewFactory returns a Factory with defaults applied to opts.
func NewFactory(opts Options) *Factory {
	if opts.TLSMode == "" {
		opts.TLSMode = TLSOpportunistic
	}
	if opts.HeloName == "" {
		opts.HeloName = "localhost"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	return &Factory{opts: opts}
}

// OpenSession returns a session for cfg. No connection is made until the
// session is verified or used.
func (f *Factory) OpenSession(_ context.Context, cfg transport.Config) (transport.Session, error) {
	switch f.opts.TLSMode {
	case TLSOpportunistic, TLSStartTLS, TLSImplicit, TLSNone:
	default:
		return nil, fmt.Errorf("unknown smtp tls mode %q", f.opts.TLSMode)
	}
	if cfg.Host == "" {
		return nil, errors.New("smtp host is empty")
	}
	return newSession(f, cfg), nil
}

// dial connects, negotiates TLS and authenticates one connection.
func (f *Factory) dial(ctx context.Context, cfg transport.Config) (*conn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: f.opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	dialer := &net.Dialer{Timeout: f.opts.DialTimeout}

	implicit := f.opts.TLSMode == TLSImplicit ||
		(f.opts.TLSMode == TLSOpportunistic && cfg.Port == implicitTLSPort)

	var (
		nc  net.Conn
		err error
	)
	if implicit {
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		nc, err = td.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := nc.SetDeadline(deadline(ctx, f.opts.CommandTimeout)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client, err := netsmtp.NewClient(nc, cfg.Host)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("smtp greeting from %s: %w", addr, err)
	}

	if err := client.Hello(f.opts.HeloName); err != nil {
		client.Close()
		return nil, fmt.Errorf("helo: %w", err)
	}

	if !implicit && f.opts.TLSMode != TLSNone {
		ok, _ := client.Extension("STARTTLS")
		if !ok && f.opts.TLSMode == TLSStartTLS {
			client.Close()
			return nil, fmt.Errorf("%s does not offer STARTTLS", addr)
		}
		if ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if err := authenticate(client, cfg); err != nil {
		client.Close()
		return nil, err
	}

	return &conn{client: client, netConn: nc}, nil
}

// authenticate logs in with PLAIN when offered and LOGIN otherwise. Servers
// that do not advertise AUTH are used without logging in.
func authenticate(client *netsmtp.Client, cfg transport.Config) error {
	if cfg.Username == "" {
		return nil
	}
	ok, mechs := client.Extension("AUTH")
	if !ok {
		return nil
	}

	var auth netsmtp.Auth
	upper := strings.Fields(strings.ToUpper(mechs))
	switch {
	case contains(upper, "PLAIN"):
		auth = netsmtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case contains(upper, "LOGIN"):
		auth = &loginAuth{username: cfg.Username, password: cfg.Password, host: cfg.Host}
	default:
		return fmt.Errorf("no supported auth mechanism in %q", mechs)
	}

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth for %s: %w", cfg.Username, err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// deadline returns the earlier of ctx's deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// replyCode extracts the SMTP reply code carried by err, if any.
func replyCode(err error) int {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	if errors.Is(err, io.EOF) {
		return 421
	}
	return 0
}

// loginAuth implements SMTP LOGIN authentication. Like net/smtp's PlainAuth
// it only sends credentials over TLS or to localhost.
type loginAuth struct {
	username, password string
	host               string
}

func (a *loginAuth) Start(server *netsmtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("unencrypted connection")
	}
	if server.Name != a.host {
		return "", nil, errors.New("wrong host name")
	}
	return "LOGIN", []byte{}, nil
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
	}
}
