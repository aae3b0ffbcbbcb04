package model

// Contact is a delivery address belonging to an account.
type Contact struct {
	ID        string `db:"id" json:"id"`
	AccountID string `db:"account_id" json:"account_id"`
	Email     string `db:"email" json:"email"`
}
