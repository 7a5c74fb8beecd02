package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: already exists")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrInfrastructure = errors.New("auth: infrastructure failure")

	// ErrInvalidCredentials is the only credential failure callers should surface.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUserNotFound wraps ErrInvalidCredentials so login callers can treat both alike.
	ErrUserNotFound = fmt.Errorf("%w: unknown username", ErrInvalidCredentials)

	// ErrInvalidToken indicates the token failed signature or structural validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired indicates a correctly signed token whose exp is in the past.
	ErrTokenExpired = errors.New("auth: token expired")
)
