package models

import "time"

type User struct {
	ID           string    `json:"user_id"`
	Handle       string    `json:"handle"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserSummary is the public projection returned by directory search.
type UserSummary struct {
	UserID    string `json:"user_id"`
	Handle    string `json:"handle"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ProfileUpdate carries the fields a user may change about themselves.
// PasswordHash is always set; nil name fields are left untouched.
type ProfileUpdate struct {
	PasswordHash string
	FirstName    *string
	LastName     *string
}

type SignupRequest struct {
	Handle    string `json:"handle" validate:"required,email,max=254"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Password  string `json:"password" validate:"required,min=6,max=72"`
}

type UpdateUserRequest struct {
	Password  string  `json:"password" validate:"required,min=6,max=72"`
	FirstName *string `json:"first_name" validate:"omitempty,min=1,max=100"`
	LastName  *string `json:"last_name" validate:"omitempty,min=1,max=100"`
}
