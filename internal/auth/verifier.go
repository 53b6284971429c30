// Package auth verifies the signed identity tokens clients present when
// opening a websocket connection.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier validates HMAC-signed identity tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for tokens signed with the given secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("auth: invalid token claims")
	}

	userID, _ := claims["userId"].(string)
	if userID == "" {
		return Identity{}, fmt.Errorf("auth: token missing userId claim")
	}
	username, _ := claims["username"].(string)

	return Identity{UserID: userID, DisplayName: username}, nil
}

// Issue signs a token for an identity. Used by tests and tooling.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId":   id.UserID,
		"username": id.DisplayName,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
