package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &SQLiteStore{db: sqlx.NewDb(db, "sqlite")}, mock
}

func TestFindAccountWrapsDriverErrors(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("disk I/O error")

	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE id = ?")).
		WithArgs("a1").
		WillReturnError(boom)

	_, err := s.FindAccount(context.Background(), "a1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("driver error must not look like not-found: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindAccountNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE id = ?")).
		WithArgs("a1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindAccount(context.Background(), "a1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindPendingMessagesSkipsRecipientQueryWhenEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE process = 1 AND complete = 0 AND account_id IS NOT NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "subject", "body", "process", "complete"}))

	got, err := s.FindPendingMessages(context.Background())
	if err != nil {
		t.Fatalf("FindPendingMessages: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unexpected messages: %v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkRecipientSentWrapsErrors(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("database is locked")

	mock.ExpectExec(regexp.QuoteMeta("UPDATE recipients SET sent = 1 WHERE message_id = ? AND contact_id = ?")).
		WithArgs("m1", "c1").
		WillReturnError(boom)

	err := s.MarkRecipientSent(context.Background(), "m1", "c1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
