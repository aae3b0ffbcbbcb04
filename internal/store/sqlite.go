package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailer/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// FindPendingMessages returns every message awaiting dispatch in insertion
// order, with recipients loaded in insertion order.
func (s *SQLiteStore) FindPendingMessages(ctx context.Context) ([]model.Message, error) {
	var messages []model.Message
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, account_id, subject, body, process, complete
		FROM messages
		WHERE process = 1 AND complete = 0 AND account_id IS NOT NULL
		ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying pending messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		index[m.ID] = i
	}

	query, args, err := sqlx.In(`
		SELECT r.message_id, r.contact_id, c.email, r.sent, r.failed
		FROM recipients r
		JOIN contacts c ON c.id = r.contact_id
		WHERE r.message_id IN (?)
		ORDER BY r.rowid`, ids)
	if err != nil {
		return nil, fmt.Errorf("building recipients query: %w", err)
	}

	var recipients []model.Recipient
	if err := s.db.SelectContext(ctx, &recipients, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying recipients: %w", err)
	}

	for _, r := range recipients {
		i := index[r.MessageID]
		messages[i].Recipients = append(messages[i].Recipients, r)
	}

	return messages, nil
}

// FindAccount retrieves a single account by ID.
func (s *SQLiteStore) FindAccount(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := s.db.GetContext(ctx, &account, `
		SELECT id, host, port, email, password, imap_host, imap_port
		FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	return &account, nil
}

// MarkMessageComplete sets the complete flag on a message.
func (s *SQLiteStore) MarkMessageComplete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET complete = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking message %s complete: %w", id, err)
	}
	return nil
}

// MarkRecipientSent sets the sent flag on a recipient.
func (s *SQLiteStore) MarkRecipientSent(ctx context.Context, messageID, contactID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE recipients SET sent = 1 WHERE message_id = ? AND contact_id = ?",
		messageID, contactID,
	)
	if err != nil {
		return fmt.Errorf("marking recipient %s/%s sent: %w", messageID, contactID, err)
	}
	return nil
}

// MarkRecipientFailed sets the failed flag on a recipient.
func (s *SQLiteStore) MarkRecipientFailed(ctx context.Context, messageID, contactID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE recipients SET failed = 1 WHERE message_id = ? AND contact_id = ?",
		messageID, contactID,
	)
	if err != nil {
		return fmt.Errorf("marking recipient %s/%s failed: %w", messageID, contactID, err)
	}
	return nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
