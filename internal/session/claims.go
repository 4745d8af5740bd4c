package session

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Claims is what the client can learn from the backend's bearer token. The
// signature is not checked: only the server holds the key.
type Claims struct {
	Subject   string
	Username  string
	UserID    int64
	ExpiresAt time.Time
}

// ParseClaims decodes token without verifying it.
func ParseClaims(token string) (Claims, error) {
	if token == "" {
		return Claims{}, errors.New("empty token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, errors.Wrap(err, "parse token")
	}
	out := Claims{}
	out.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if name, ok := claims["username"].(string); ok {
		out.Username = name
	}
	switch v := claims["userId"].(type) {
	case float64:
		out.UserID = int64(v)
	case string:
		out.UserID, _ = strconv.ParseInt(v, 10, 64)
	}
	if out.Username == "" {
		out.Username = out.Subject
	}
	return out, nil
}

// Expired reports whether the token has an expiry at or before now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
