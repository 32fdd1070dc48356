package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCredentials is returned when a request carries credentials
	// meant for an engine but they do not check out.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrMalformedAuthorization is returned for an Authorization header that
	// names a scheme but cannot be parsed.
	ErrMalformedAuthorization = errors.New("malformed authorization header")
)

type User struct {
	AccessKeyID string
	Owner       uuid.UUID
}

// OwnerFor derives the stable owner id recorded on buckets, objects and
// uploads created by the given access key.
func OwnerFor(accessKeyID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(accessKeyID))
}

func NewUser(accessKeyID string) *User {
	return &User{
		AccessKeyID: accessKeyID,
		Owner:       OwnerFor(accessKeyID),
	}
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for credentials.
	// It returns (nil, nil) when the request carries nothing this engine
	// understands, a User when the credentials are valid, and an error when
	// they are present but wrong.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

type userKey struct{}

func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user, or nil for anonymous
// requests.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userKey{}).(*User)
	return user
}
