package auth

import (
	"context"
	"net/http"
	"strings"
)

const (
	BasicAuthPrefix = "Basic "
)

type BasicAuthEngine struct {
	credentials Credentials
}

// NewBasicAuthEngine creates a BasicAuthEngine accepting any of the given
// credentials.
func NewBasicAuthEngine(creds Credentials) *BasicAuthEngine {
	return &BasicAuthEngine{
		credentials: creds,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), BasicAuthPrefix) {
		return nil, nil
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, ErrMalformedAuthorization
	}

	if !e.credentials.Verify(user, pass) {
		return nil, ErrInvalidCredentials
	}

	return NewUser(user), nil
}
