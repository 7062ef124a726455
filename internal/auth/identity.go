package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the stable user identity resolved from a credential.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Claims mirrors the JWT payload carried by Sitecraft access tokens.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

func (c Claims) identity() Identity {
	userID := strings.TrimSpace(c.UserID)
	if userID == "" {
		userID = strings.TrimSpace(c.Subject)
	}
	username := strings.TrimSpace(c.Username)
	if username == "" {
		username = strings.TrimSpace(c.Email)
	}
	return Identity{
		UserID:   userID,
		Username: username,
		Email:    strings.ToLower(strings.TrimSpace(c.Email)),
	}
}
