package account

import "time"

// Account is an owner of gas bank resources. Every gas account and
// withdrawal is scoped to exactly one owner account.
type Account struct {
	ID        string            `json:"id"`
	Owner     string            `json:"owner"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
