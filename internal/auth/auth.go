// Package auth resolves the bearer credential a client supplies at connect
// time (query parameter or cookie) to a stable user identifier.
package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated is returned when no credential accompanies the request.
var ErrNotAuthenticated = errors.New("not authenticated")

// Verifier validates HS256 access tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the shared signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// TokenFromRequest extracts the bearer token from the ?token= query
// parameter or the jwt_token cookie. Browsers can't set custom headers on
// WebSocket connections, so the query parameter carries the token when the
// cookie isn't available cross-origin.
func TokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if cookie, err := r.Cookie("jwt_token"); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", ErrNotAuthenticated
}

// UserID validates the token and returns the user identifier claim.
func (v *Verifier) UserID(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}

	if id, ok := claims["google_id"].(string); ok && id != "" {
		return id, nil
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", errors.New("no user identifier in token")
}
