package auth

import "errors"

var (
	// ErrInvalidToken is returned when no active credential matches the presented token
	ErrInvalidToken = errors.New("invalid proxy token")

	// ErrMissingToken is returned when the request carries no token at all
	ErrMissingToken = errors.New("missing proxy token")
)
