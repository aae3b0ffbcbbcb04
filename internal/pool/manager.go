// Package pool caches one verified transport session per account and
// replaces it when the account's credentials change.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailer/internal/metrics"
	"github.com/nhle/mailer/internal/model"
	"github.com/nhle/mailer/internal/store"
	"github.com/nhle/mailer/internal/transport"
)

// AccountFinder loads accounts.
type AccountFinder interface {
	FindAccount(ctx context.Context, id string) (*model.Account, error)
}

// SecretResolver turns a stored password into the value sent to the server.
type SecretResolver interface {
	Resolve(secret string) (string, error)
}

// Limits caps the connections of each account session.
type Limits struct {
	MaxConnections           int
	MaxMessagesPerConnection int
}

// DefaultLimits returns 5 connections of 100 messages each.
func DefaultLimits() Limits {
	return Limits{MaxConnections: 5, MaxMessagesPerConnection: 100}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxConnections <= 0 {
		l.MaxConnections = d.MaxConnections
	}
	if l.MaxMessagesPerConnection <= 0 {
		l.MaxMessagesPerConnection = d.MaxMessagesPerConnection
	}
	return l
}

// Entry is a cached session together with the credentials it was built from.
type Entry struct {
	AccountID string
	// Sender is the account email captured when the session was opened.
	Sender  string
	Session transport.Session

	creds model.Credentials
}

// Credentials returns the snapshot the session was opened with.
func (e *Entry) Credentials() model.Credentials {
	return e.creds
}

// Config holds the optional collaborators of a Manager.
type Config struct {
	Resolver SecretResolver
	Limits   Limits
	Logger   zerolog.Logger
}

// Manager owns the per-account sessions. It is safe for concurrent use;
// acquisitions for the same account are serialised.
type Manager struct {
	store    AccountFinder
	factory  transport.Factory
	resolver SecretResolver
	limits   Limits
	log      zerolog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu    sync.Mutex
	entry *Entry
}

// NewManager returns an empty Manager.
func NewManager(accounts AccountFinder, factory transport.Factory, cfg Config) *Manager {
	return &Manager{
		store:    accounts,
		factory:  factory,
		resolver: cfg.Resolver,
		limits:   cfg.Limits.withDefaults(),
		log:      cfg.Logger.With().Str("component", "pool").Logger(),
		slots:    make(map[string]*slot),
	}
}

// Acquire returns a verified session for accountID, reusing the cached one
// when the account's credentials are unchanged. Failures to load the
// account, open or verify a session are returned as *ConnectError and leave
// nothing cached. Other store errors are returned wrapped and leave the
// cache untouched.
func (m *Manager) Acquire(ctx context.Context, accountID string) (*Entry, error) {
	s := m.slotFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := m.store.FindAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		m.discard(s, "account removed")
		metrics.RecordConnectFailure()
		return nil, &ConnectError{AccountID: accountID, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("loading account %s: %w", accountID, err)
	}

	creds := account.Credentials()
	if s.entry != nil {
		if s.entry.creds == creds {
			return s.entry, nil
		}
		m.discard(s, "credentials changed")
	}

	entry, err := m.open(ctx, account)
	if err != nil {
		metrics.RecordConnectFailure()
		return nil, &ConnectError{AccountID: accountID, Err: err}
	}

	s.entry = entry
	metrics.SessionOpened()
	m.log.Info().
		Str("account", accountID).
		Str("host", account.Host).
		Int("port", account.Port).
		Msg("session opened")

	return entry, nil
}

// Close closes and forgets the session of accountID, if any.
func (m *Manager) Close(accountID string) {
	m.mu.Lock()
	s, ok := m.slots[accountID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.discard(s, "closed")
}

// CloseAll closes every cached session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		m.discard(s, "shutdown")
		s.mu.Unlock()
	}
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range slots {
		s.mu.Lock()
		if s.entry != nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// slotFor returns the slot of accountID, creating it on first use. Slots
// are never removed so that one account always maps to one lock.
func (m *Manager) slotFor(accountID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[accountID]
	if !ok {
		s = &slot{}
		m.slots[accountID] = s
	}
	return s
}

// discard closes the slot's session. The caller holds s.mu.
func (m *Manager) discard(s *slot, reason string) {
	if s.entry == nil {
		return
	}

	if err := s.entry.Session.Close(); err != nil {
		m.log.Warn().Err(err).Str("account", s.entry.AccountID).Msg("closing session")
	}
	m.log.Info().
		Str("account", s.entry.AccountID).
		Str("reason", reason).
		Msg("session closed")

	s.entry = nil
	metrics.SessionClosed()
}

func (m *Manager) open(ctx context.Context, account *model.Account) (*Entry, error) {
	password := account.Password
	if m.resolver != nil {
		resolved, err := m.resolver.Resolve(password)
		if err != nil {
			return nil, fmt.Errorf("resolving password: %w", err)
		}
		password = resolved
	}

	session, err := m.factory.OpenSession(ctx, transport.Config{
		Host:                     account.Host,
		Port:                     account.Port,
		Username:                 account.Email,
		Password:                 password,
		MaxConnections:           m.limits.MaxConnections,
		MaxMessagesPerConnection: m.limits.MaxMessagesPerConnection,
		IMAPHost:                 account.IMAPHost,
		IMAPPort:                 account.IMAPPort,
	})
	if err != nil {
		return nil, fmt.Errorf("opening session to %s:%d: %w", account.Host, account.Port, err)
	}

	if err := session.Verify(ctx); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("verifying session to %s:%d: %w", account.Host, account.Port, err)
	}

	return &Entry{
		AccountID: account.ID,
		Sender:    account.Email,
		Session:   session,
		creds:     account.Credentials(),
	}, nil
}
