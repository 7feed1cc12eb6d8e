package domain

import "time"

// Account owns projects and authenticates against the control API.
type Account struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
