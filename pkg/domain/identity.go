package domain

import "time"

// Identity is what the external identity provider vouched for.
type Identity struct {
	Subject string
	Name    string
	Email   string
	Picture string
}

// Principal is the caller recovered from a session token.
type Principal struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Picture   string    `json:"pictureUrl,omitempty"`
	ExpiresAt time.Time `json:"-"`
	TokenID   string    `json:"-"`
}
