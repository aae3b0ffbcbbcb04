package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailer/internal/model"
)

// CreateAccount inserts a new account. Generates a UUID if ID is empty and
// returns the stored record.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	if strings.TrimSpace(a.Host) == "" || strings.TrimSpace(a.Email) == "" {
		return model.Account{}, fmt.Errorf("account host and email must not be empty")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, host, port, email, password, imap_host, imap_port)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Host, a.Port, a.Email, a.Password, a.IMAPHost, a.IMAPPort,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("creating account: %w", err)
	}
	return a, nil
}

// UpdateAccount replaces the transport settings of an existing account.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, a model.Account) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			host = ?, port = ?, email = ?, password = ?,
			imap_host = ?, imap_port = ?, updated_at = ?
		WHERE id = ?`,
		a.Host, a.Port, a.Email, a.Password,
		a.IMAPHost, a.IMAPPort, time.Now().UTC(),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", a.ID, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// DeleteAccount removes an account. Its contacts cascade away and its
// messages lose their owner.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateContact inserts a new contact.
func (s *SQLiteStore) CreateContact(ctx context.Context, c model.Contact) (model.Contact, error) {
	if strings.TrimSpace(c.Email) == "" {
		return model.Contact{}, fmt.Errorf("contact email must not be empty")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO contacts (id, account_id, email) VALUES (?, ?, ?)",
		c.ID, nullString(c.AccountID), c.Email,
	)
	if err != nil {
		return model.Contact{}, fmt.Errorf("creating contact: %w", err)
	}
	return c, nil
}

// CreateMessage inserts a new message. Recipients on the value are ignored;
// attach them with AddRecipient.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, account_id, subject, body, process, complete)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, nullString(m.AccountID), m.Subject, m.Body,
		boolToInt(m.Process), boolToInt(m.Complete),
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("creating message: %w", err)
	}
	m.Recipients = nil
	return m, nil
}

// AddRecipient attaches a contact to a message as an unsent recipient.
func (s *SQLiteStore) AddRecipient(ctx context.Context, messageID, contactID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO recipients (message_id, contact_id) VALUES (?, ?)",
		messageID, contactID,
	)
	if err != nil {
		return fmt.Errorf("adding recipient %s to message %s: %w", contactID, messageID, err)
	}
	return nil
}

// SetMessageProcess flips the process flag the hosting application uses to
// hand a message to the dispatcher.
func (s *SQLiteStore) SetMessageProcess(ctx context.Context, id string, process bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET process = ?, updated_at = ? WHERE id = ?",
		boolToInt(process), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetMessage retrieves a message with all of its recipients.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.db.GetContext(ctx, &m, `
		SELECT id, COALESCE(account_id, '') AS account_id, subject, body, process, complete
		FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	err = s.db.SelectContext(ctx, &m.Recipients, `
		SELECT r.message_id, r.contact_id, c.email, r.sent, r.failed
		FROM recipients r
		JOIN contacts c ON c.id = r.contact_id
		WHERE r.message_id = ?
		ORDER BY r.rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("loading recipients for message %s: %w", id, err)
	}

	return &m, nil
}

// GetRecipient retrieves the delivery record for one contact of a message.
func (s *SQLiteStore) GetRecipient(ctx context.Context, messageID, contactID string) (*model.Recipient, error) {
	var r model.Recipient
	err := s.db.GetContext(ctx, &r, `
		SELECT r.message_id, r.contact_id, c.email, r.sent, r.failed
		FROM recipients r
		JOIN contacts c ON c.id = r.contact_id
		WHERE r.message_id = ? AND r.contact_id = ?`,
		messageID, contactID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s/%s: %w", messageID, contactID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting recipient %s/%s: %w", messageID, contactID, err)
	}
	return &r, nil
}

// nullString maps an empty ID to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
