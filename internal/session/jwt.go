package session

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when a token carries no exp claim.
var ErrNoExpiry = errors.New("token has no expiry claim")

// TokenExpiry extracts the expiry from a bearer token without verifying
// the signature. Verification is the backend's job; the client only needs
// the timestamp to schedule its own teardown.
func TokenExpiry(token string) (time.Time, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}
