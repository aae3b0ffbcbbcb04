package model

// Message is an outbound mail authored in the hosting application.
type Message struct {
	// ID is the unique identifier for this message.
	ID string `db:"id" json:"id"`

	// AccountID is the sending account. Messages without an account are
	// never dispatched.
	AccountID string `db:"account_id" json:"account_id"`

	// Subject is the mail subject line.
	Subject string `db:"subject" json:"subject"`

	// Body is the plain-text mail body.
	Body string `db:"body" json:"body"`

	// Process is set by the hosting application once the message is
	// ready to send.
	Process bool `db:"process" json:"process"`

	// Complete is set by the dispatcher once every recipient has been sent.
	Complete bool `db:"complete" json:"complete"`

	// Recipients are the per-contact delivery records of this message.
	Recipients []Recipient `db:"-" json:"recipients"`
}

// Recipient binds a message to one contact and tracks its delivery.
type Recipient struct {
	MessageID string `db:"message_id" json:"message_id"`
	ContactID string `db:"contact_id" json:"contact_id"`

	// Email is the contact's delivery address.
	Email string `db:"email" json:"email"`

	// Sent is terminal: a sent recipient is never delivered again.
	Sent bool `db:"sent" json:"sent"`

	// Failed records that the last attempt failed. It does not stop retries.
	Failed bool `db:"failed" json:"failed"`
}

// Unsent returns the recipients that still need a delivery attempt,
// including ones whose previous attempt failed.
func (m Message) Unsent() []Recipient {
	var unsent []Recipient
	for _, r := range m.Recipients {
		if !r.Sent {
			unsent = append(unsent, r)
		}
	}
	return unsent
}

// Pending reports whether the message is waiting for dispatch.
func (m Message) Pending() bool {
	return m.Process && !m.Complete && m.AccountID != ""
}
