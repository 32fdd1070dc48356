package auth

import "crypto/subtle"

const (
	DefaultAccessKeyID     = "strataadmin"
	DefaultSecretAccessKey = "strataadmin"
)

// Credentials maps access key ids to their secrets.
type Credentials map[string]string

func NewCredentials(pairs ...string) Credentials {
	creds := make(Credentials, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		creds[pairs[i]] = pairs[i+1]
	}
	return creds
}

// DefaultCredentials holds the single built-in key pair used when nothing
// else is configured.
func DefaultCredentials() Credentials {
	return NewCredentials(DefaultAccessKeyID, DefaultSecretAccessKey)
}

func (c Credentials) Secret(accessKeyID string) (string, bool) {
	secret, ok := c[accessKeyID]
	return secret, ok
}

// Verify reports whether secret belongs to accessKeyID.
func (c Credentials) Verify(accessKeyID string, secret string) bool {
	want, ok := c[accessKeyID]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(secret)) == 1
}
