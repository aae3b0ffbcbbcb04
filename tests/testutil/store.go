package testutil

import (
	"context"
	"testing"

	"github.com/nhle/mailer/internal/model"
	"github.com/nhle/mailer/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount stores an account pointing at host:port with the given login.
func SeedAccount(t *testing.T, s *store.SQLiteStore, host string, port int, email, password string) model.Account {
	t.Helper()

	a, err := s.CreateAccount(context.Background(), model.Account{
		Host:     host,
		Port:     port,
		Email:    email,
		Password: password,
	})
	if err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	return a
}

// SeedContact stores a contact owned by accountID.
func SeedContact(t *testing.T, s *store.SQLiteStore, accountID, email string) model.Contact {
	t.Helper()

	c, err := s.CreateContact(context.Background(), model.Contact{AccountID: accountID, Email: email})
	if err != nil {
		t.Fatalf("seeding contact: %v", err)
	}
	return c
}

// SeedMessage stores a message flagged for processing with one unsent
// recipient per contact, in the order given.
func SeedMessage(t *testing.T, s *store.SQLiteStore, accountID, subject, body string, contacts ...model.Contact) model.Message {
	t.Helper()
	ctx := context.Background()

	m, err := s.CreateMessage(ctx, model.Message{
		AccountID: accountID,
		Subject:   subject,
		Body:      body,
		Process:   true,
	})
	if err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	for _, c := range contacts {
		if err := s.AddRecipient(ctx, m.ID, c.ID); err != nil {
			t.Fatalf("seeding recipient: %v", err)
		}
	}
	return m
}

// MustGetMessage reloads a message with its recipients.
func MustGetMessage(t *testing.T, s *store.SQLiteStore, id string) *model.Message {
	t.Helper()

	m, err := s.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("loading message %s: %v", id, err)
	}
	return m
}
