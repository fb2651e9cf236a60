package models

import "time"

// UserRole is the access level of an account.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleNamed UserRole = "user"
	RoleGuest UserRole = "guest"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleNamed, RoleGuest:
		return true
	}
	return false
}

// User is a backend account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is the user-editable part of an account.
type Profile struct {
	Name string `json:"name"`
}

// Identity is what the identity provider knows about the signed-in caller.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}
