package auth

import "time"

// Account is a registered participant. Its ID is the caller identity used by
// the claim, token and issue services.
type Account struct {
	ID           string
	Handle       string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}
