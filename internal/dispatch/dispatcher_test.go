package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailer/internal/dispatch"
	"github.com/nhle/mailer/internal/model"
	"github.com/nhle/mailer/internal/pool"
	"github.com/nhle/mailer/internal/store"
	"github.com/nhle/mailer/tests/testutil"
)

type harness struct {
	store      *store.SQLiteStore
	factory    *testutil.FakeFactory
	pool       *pool.Manager
	dispatcher *dispatch.Dispatcher
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()

	s := testutil.NewTestStore(t)
	f := testutil.NewFakeFactory()
	p := pool.NewManager(s, f, pool.Config{Logger: zerolog.Nop()})
	t.Cleanup(p.CloseAll)

	tracker := dispatch.NewTracker(s, workers, zerolog.Nop())
	return &harness{
		store:      s,
		factory:    f,
		pool:       p,
		dispatcher: dispatch.NewDispatcher(s, p, tracker, zerolog.Nop()),
	}
}

func (h *harness) cycle(t *testing.T) dispatch.Report {
	t.Helper()

	report, err := h.dispatcher.RunCycle(context.Background())
	require.NoError(t, err)
	return report
}

func TestAllSuccessCompletesNextCycle(t *testing.T) {
	h := newHarness(t, 1)
	account := testutil.SeedAccount(t, h.store, "smtp.example.com", 587, "sender@example.com", "secret")
	alice := testutil.SeedContact(t, h.store, account.ID, "alice@example.com")
	bob := testutil.SeedContact(t, h.store, account.ID, "bob@example.com")
	msg := testutil.SeedMessage(t, h.store, account.ID, "Hello", "Body text", alice, bob)

	report := h.cycle(t)
	assert.Equal(t, 2, report.Jobs)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 0, report.Completed)

	got := testutil.MustGetMessage(t, h.store, msg.ID)
	assert.False(t, got.Complete, "completion is promoted on the following cycle")
	for _, r := range got.Recipients {
		assert.True(t, r.Sent)
		assert.False(t, r.Failed)
	}

	sent := h.factory.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "sender@example.com", sent[0].From)
	assert.Equal(t, "alice@example.com", sent[0].To)
	assert.Equal(t, "Hello", sent[0].Subject)
	assert.Equal(t, "Body text", sent[0].Body)
	assert.Equal(t, "bob@example.com", sent[1].To)

	report = h.cycle(t)
	assert.Equal(t, 0, report.Jobs)
	assert.Equal(t, 1, report.Completed)
	assert.True(t, testutil.MustGetMessage(t, h.store, msg.ID).Complete)
	assert.Len(t, h.factory.Sent(), 2)
}

func TestIdempotentCycles(t *testing.T) {
	h := newHarness(t, 1)
	account := testutil.SeedAccount(t, h.store, "smtp.example.com", 587, "sender@example.com", "secret")
	alice := testutil.SeedContact(t, h.store, account.ID, "alice@example.com")
	testutil.SeedMessage(t, h.store, account.ID, "Hello", "Body", alice)

	for i := 0; i < 4; i++ {
		h.cycle(t)
	}

	assert.Equal(t, 1, h.factory.SendCount("alice@example.com"))
	assert.Len(t, h.factory.Opens(), 1, "session reused across cycles")

	report := h.cycle(t)
	assert.Equal(t, 0, report.Messages)
}

func TestPartialFailureRetriesOnlyUnsent(t *testing.T) {
	h := newHarness(t, 1)
	account := testutil.SeedAccount(t, h.store, "smtp.example.com", 587, "sender@example.com", "secret")
	alice := testutil.SeedContact(t, h.store, account.ID, "alice@example.com")
	bounce := testutil.SeedContact(t, h.store, account.ID, "bounce@example.com")
	msg := testutil.SeedMessage(t, h.store, account.ID, "Hello", "Body", alice, bounce)

	h.factory.FailSend("bounce@example.com", errors.New("mailbox unavailable"))

	report := h.cycle(t)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)

	r, err := h.store.GetRecipient(context.Background(), msg.ID, bounce.ID)
	require.NoError(t, err)
	assert.True(t, r.Failed)
	assert.False(t, r.Sent)

	report = h.cycle(t)
	assert.Equal(t, 1, report.Jobs, "only the failed recipient is retried")
	assert.Equal(t, 1, report.Failed)
	assert.False(t, testutil.MustGetMessage(t, h.store, msg.ID).Complete)
	assert.Equal(t, 1, h.factory.SendCount("alice@example.com"))

	h.factory.FailSend("bounce@example.com", nil)
	report = h.cycle(t)
	assert.Equal(t, 1, report.Sent)

	r, err = h.store.GetRecipient(context.Background(), msg.ID, bounce.ID)
	require.NoError(t, err)
	assert.True(t, r.Sent)
	assert.True(t, r.Failed, "failed flag is history, not state")

	report = h.cycle(t)
	assert.Equal(t, 1, report.Completed)
	assert.True(t, testutil.MustGetMessage(t, h.store, msg.ID).Complete)
}

func TestCredentialRotationReplacesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	account := testutil.SeedAccount(t, h.store, "smtp.example.com", 587, "sender@example.com", "old")
	alice := testutil.SeedContact(t, h.store, account.ID, "alice@example.com")
	bob := testutil.SeedContact(t, h.store, account.ID, "bob@example.com")

	testutil.SeedMessage(t, h.store, account.ID, "First", "Body", alice)
	h.cycle(t)

	account.Password = "new"
	account.Email = "renamed@example.com"
	require.NoError(t, h.store.UpdateAccount(ctx, account))

	testutil.SeedMessage(t, h.store, account.ID, "Second", "Body", bob)
	h.cycle(t)

	opens := h.factory.Opens()
	require.Len(t, opens, 2)
	assert.Equal(t, "old", opens[0].Password)
	assert.Equal(t, "new", opens[1].Password)
	assert.Equal(t, "renamed@example.com", opens[1].Username)

	sessions := h.factory.Sessions()
	assert.True(t, sessions[0].Closed())
	assert.False(t, sessions[1].Closed())

	sent := h.factory.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "renamed@example.com", sent[1].From)
}

func TestUnreachableAccountIsIsolated(t *testing.T) {
	h := newHarness(t, 1)
	down := testutil.SeedAccount(t, h.store, "down.example.com", 587, "down@example.com", "secret")
	up := testutil.SeedAccount(t, h.store, "up.example.com", 587, "up@example.com", "secret")

	downContact := testutil.SeedContact(t, h.store, down.ID, "x@example.com")
	upContact := testutil.SeedContact(t, h.store, up.ID, "y@example.com")

	downMsg := testutil.SeedMessage(t, h.store, down.ID, "Down", "Body", downContact)
	empty := testutil.SeedMessage(t, h.store, down.ID, "Empty", "Body")
	testutil.SeedMessage(t, h.store, up.ID, "Up", "Body", upContact)

	h.factory.FailVerify("down.example.com", errors.New("auth rejected"))

	report := h.cycle(t)
	assert.Equal(t, 2, report.Accounts)
	assert.Equal(t, 1, report.SkippedAccounts)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 0, report.Completed)

	got := testutil.MustGetMessage(t, h.store, downMsg.ID)
	assert.False(t, got.Recipients[0].Sent)
	assert.False(t, got.Recipients[0].Failed, "skipped accounts are untouched")
	assert.False(t, testutil.MustGetMessage(t, h.store, empty.ID).Complete)
	assert.Equal(t, 1, h.factory.SendCount("y@example.com"))

	h.factory.FailVerify("down.example.com", nil)
	h.cycle(t)
	assert.Equal(t, 1, h.factory.SendCount("x@example.com"))
	assert.True(t, testutil.MustGetMessage(t, h.store, empty.ID).Complete)
}

func TestVacuousCompletion(t *testing.T) {
	h := newHarness(t, 1)
	account := testutil.SeedAccount(t, h.store, "smtp.example.com", 587, "sender@example.com", "secret")
	msg := testutil.SeedMessage(t, h.store, account.ID, "Nobody", "Body")

	report := h.cycle(t)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 0, report.Jobs)
	assert.True(t, testutil.MustGetMessage(t, h.store, msg.ID).Complete)
	assert.Empty(t, h.factory.Sent())
}

func TestDraftsAndOrphansAreIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	account := testutil.SeedAccount(t, h.store, "smtp.example.com", 587, "sender@example.com", "secret")
	alice := testutil.SeedContact(t, h.store, account.ID, "alice@example.com")

	draft, err := h.store.CreateMessage(ctx, model.Message{AccountID: account.ID, Subject: "Draft"})
	require.NoError(t, err)
	require.NoError(t, h.store.AddRecipient(ctx, draft.ID, alice.ID))
	testutil.SeedMessage(t, h.store, "", "Orphan", "Body")

	report := h.cycle(t)
	assert.Equal(t, 0, report.Messages)
	assert.Empty(t, h.factory.Opens())

	require.NoError(t, h.store.SetMessageProcess(ctx, draft.ID, true))
	report = h.cycle(t)
	assert.Equal(t, 1, report.Sent)
}

func TestScanOrderIsPreserved(t *testing.T) {
	h := newHarness(t, 1)
	a := testutil.SeedAccount(t, h.store, "a.example.com", 587, "a@example.com", "secret")
	b := testutil.SeedAccount(t, h.store, "b.example.com", 587, "b@example.com", "secret")

	c1 := testutil.SeedContact(t, h.store, a.ID, "1@example.com")
	c2 := testutil.SeedContact(t, h.store, b.ID, "2@example.com")
	c3 := testutil.SeedContact(t, h.store, a.ID, "3@example.com")

	testutil.SeedMessage(t, h.store, a.ID, "m1", "Body", c1)
	testutil.SeedMessage(t, h.store, b.ID, "m2", "Body", c2)
	testutil.SeedMessage(t, h.store, a.ID, "m3", "Body", c3)

	h.cycle(t)

	var order []string
	for _, env := range h.factory.Sent() {
		order = append(order, env.To)
	}
	assert.Equal(t, []string{"1@example.com", "2@example.com", "3@example.com"}, order)
}

func TestParallelWorkersDeliverEverything(t *testing.T) {
	h := newHarness(t, 4)

	var msgs []model.Message
	for i, host := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		account := testutil.SeedAccount(t, h.store, host, 587, host+"@example.com", "secret")
		var contacts []model.Contact
		for j := 0; j < 3; j++ {
			contacts = append(contacts, testutil.SeedContact(t, h.store, account.ID,
				string(rune('a'+i))+string(rune('0'+j))+"@example.com"))
		}
		msgs = append(msgs, testutil.SeedMessage(t, h.store, account.ID, "Hi", "Body", contacts...))
	}

	report := h.cycle(t)
	assert.Equal(t, 9, report.Sent)
	assert.Len(t, h.factory.Sent(), 9)

	h.cycle(t)
	for _, m := range msgs {
		assert.True(t, testutil.MustGetMessage(t, h.store, m.ID).Complete)
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) FindPendingMessages(context.Context) ([]model.Message, error) {
	return nil, errors.New("database is locked")
}

func TestLoadFailureAbortsCycle(t *testing.T) {
	f := testutil.NewFakeFactory()
	s := failingStore{}
	p := pool.NewManager(testutil.NewTestStore(t), f, pool.Config{Logger: zerolog.Nop()})
	d := dispatch.NewDispatcher(s, p, dispatch.NewTracker(s, 1, zerolog.Nop()), zerolog.Nop())

	_, err := d.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Empty(t, f.Opens())
}
