package models

import "github.com/golang-jwt/jwt/v5"

type SigninRequest struct {
	Handle   string `json:"handle" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id,omitempty"`
}

// Claims defines the JWT claims structure
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}
