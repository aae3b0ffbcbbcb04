package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/nhle/mailer/internal/transport"
)

// ErrFakeClosed is returned by a FakeSession used after Close.
var ErrFakeClosed = errors.New("fake session closed")

// FakeFactory is an in-memory transport.Factory. Failures are scripted per
// host (open, verify) or per recipient (send).
type FakeFactory struct {
	mu        sync.Mutex
	openErr   map[string]error
	verifyErr map[string]error
	sendErr   map[string]error
	onSend    func(transport.Envelope)

	opens    []transport.Config
	sent     []transport.Envelope
	sessions []*FakeSession
}

// NewFakeFactory returns a factory whose sessions accept everything.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		openErr:   map[string]error{},
		verifyErr: map[string]error{},
		sendErr:   map[string]error{},
	}
}

// FailOpen makes OpenSession fail for host. A nil err clears it.
func (f *FakeFactory) FailOpen(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.openErr, host, err)
}

// FailVerify makes Verify fail for sessions to host. A nil err clears it.
func (f *FakeFactory) FailVerify(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.verifyErr, host, err)
}

// FailSend makes Send to recipient fail. A nil err clears it.
func (f *FakeFactory) FailSend(recipient string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.sendErr, recipient, err)
}

// OnSend registers a hook run at the start of every Send.
func (f *FakeFactory) OnSend(fn func(transport.Envelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

// OpenSession records cfg and returns a FakeSession.
func (f *FakeFactory) OpenSession(_ context.Context, cfg transport.Config) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens = append(f.opens, cfg)
	if err := f.openErr[cfg.Host]; err != nil {
		return nil, err
	}

	s := &FakeSession{factory: f, Config: cfg}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Opens returns every config passed to OpenSession, in order.
func (f *FakeFactory) Opens() []transport.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Config(nil), f.opens...)
}

// Sent returns every accepted envelope, in order.
func (f *FakeFactory) Sent() []transport.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Envelope(nil), f.sent...)
}

// SendCount returns how many envelopes to recipient were accepted.
func (f *FakeFactory) SendCount(recipient string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, env := range f.sent {
		if env.To == recipient {
			n++
		}
	}
	return n
}

// Sessions returns every session opened so far.
func (f *FakeFactory) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions...)
}

// OpenSessions counts sessions that have not been closed.
func (f *FakeFactory) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.sessions {
		if !s.closed {
			n++
		}
	}
	return n
}

// FakeSession is returned by FakeFactory.
type FakeSession struct {
	factory *FakeFactory
	Config  transport.Config
	closed  bool
}

// Verify fails when the factory scripts a verify error for the host.
func (s *FakeSession) Verify(_ context.Context) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()

	if s.closed {
		return ErrFakeClosed
	}
	return s.factory.verifyErr[s.Config.Host]
}

// Send records env unless a send error is scripted for its recipient.
func (s *FakeSession) Send(_ context.Context, env transport.Envelope) error {
	s.factory.mu.Lock()
	hook := s.factory.onSend
	s.factory.mu.Unlock()

	if hook != nil {
		hook(env)
	}

	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()

	if s.closed {
		return ErrFakeClosed
	}
	if err := s.factory.sendErr[env.To]; err != nil {
		return &transport.SendError{Recipient: env.To, Code: 550, Err: err}
	}
	s.factory.sent = append(s.factory.sent, env)
	return nil
}

// Close marks the session closed.
func (s *FakeSession) Close() error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	return s.closed
}

func setOrClear(m map[string]error, key string, err error) {
	if err == nil {
		delete(m, key)
		return
	}
	m[key] = err
}
