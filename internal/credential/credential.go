package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Credential is the persisted bearer token plus its decoded expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the credential can still be presented. A missing
// token or an expiry at or before now is invalid.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && c.ExpiresAt.After(now)
}

var errMalformedToken = errors.New("malformed token")

// DecodeExpiry reads the exp claim from a JWT without verifying the
// signature; verification is the server's job. Any decode failure is an
// error, which callers treat the same as an expired token.
func DecodeExpiry(token string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return time.Time{}, errMalformedToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		payload, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("decode claims: %w", err)
		}
	}

	var claims struct {
		Exp json.Number `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse claims: %w", err)
	}

	exp, err := claims.Exp.Float64()
	if err != nil || exp <= 0 {
		return time.Time{}, errMalformedToken
	}
	return time.Unix(int64(exp), 0), nil
}
