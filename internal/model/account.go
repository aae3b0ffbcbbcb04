package model

// Account is a sending mailbox owned by the hosting application. It is the
// source of the outbound transport configuration for its messages.
type Account struct {
	// ID is the unique identifier for this account.
	ID string `db:"id" json:"id"`

	// Host is the SMTP server hostname.
	Host string `db:"host" json:"host"`

	// Port is the SMTP server port.
	Port int `db:"port" json:"port"`

	// Email is both the SMTP login and the From address of outgoing mail.
	Email string `db:"email" json:"email"`

	// Password is the SMTP credential. It may be a plain value or a
	// "keyring:<key>" reference resolved when a session is opened.
	Password string `db:"password" json:"-"`

	// IMAPHost is the optional IMAP server used to keep a copy of sent mail.
	IMAPHost string `db:"imap_host" json:"imap_host,omitempty"`

	// IMAPPort is the IMAP server port; zero means the protocol default.
	IMAPPort int `db:"imap_port" json:"imap_port,omitempty"`
}

// Credentials is a comparable snapshot of everything a transport session
// was built from. Two snapshots are equal only if a cached session can be
// reused as-is.
type Credentials struct {
	Host     string
	Port     int
	Email    string
	Password string
	IMAPHost string
	IMAPPort int
}

// Credentials returns the account's current transport snapshot.
func (a Account) Credentials() Credentials {
	return Credentials{
		Host:     a.Host,
		Port:     a.Port,
		Email:    a.Email,
		Password: a.Password,
		IMAPHost: a.IMAPHost,
		IMAPPort: a.IMAPPort,
	}
}
