package auth_test

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/eteran/strata/internal/auth"

	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "strataadmin"
	SecretAccessKey = "strataadmin"

	region  = "us-east-1"
	service = "s3"
)

var signedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testCredentials() auth.Credentials {
	return auth.NewCredentials(AccessKeyID, SecretAccessKey, "reader", "reader-secret")
}

func signRequestSigV4(t *testing.T, r *http.Request, accessKeyID string, secret string) {
	t.Helper()

	amzDate := signedAt.Format("20060102T150405Z")
	dateStamp := signedAt.Format("20060102")

	if r.Host == "" && r.URL.Host != "" {
		r.Host = r.URL.Host
	}

	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", auth.UnsignedPayload)
	}
	r.Header.Set("X-Amz-Date", amzDate)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonicalReq := auth.BuildCanonicalRequest(r, signedHeaders, r.Header.Get("X-Amz-Content-Sha256"))

	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	key := auth.SigningKey(secret, dateStamp, region, service)
	sig := auth.HmacSHA256(key, auth.StringToSign(amzDate, credentialScope, canonicalReq))

	cred := strings.Join([]string{accessKeyID, dateStamp, region, service, "aws4_request"}, "/")
	header := strings.Join([]string{
		"AWS4-HMAC-SHA256 Credential=" + cred,
		"SignedHeaders=host;x-amz-content-sha256;x-amz-date",
		"Signature=" + hex.EncodeToString(sig),
	}, ", ")

	r.Header.Set("Authorization", header)
}

func presign(t *testing.T, rawURL string, expires time.Duration) *http.Request {
	t.Helper()

	dateStamp := signedAt.Format("20060102")
	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	q := u.Query()
	q.Set("X-Amz-Algorithm", auth.AWSv4Algorithm)
	q.Set("X-Amz-Credential", strings.Join([]string{AccessKeyID, dateStamp, region, service, "aws4_request"}, "/"))
	q.Set("X-Amz-Date", signedAt.Format("20060102T150405Z"))
	q.Set("X-Amz-Expires", strconv.Itoa(int(expires/time.Second)))
	q.Set("X-Amz-SignedHeaders", "host")
	u.RawQuery = q.Encode()

	r := httptest.NewRequestWithContext(t.Context(), http.MethodGet, u.String(), nil)

	canonicalReq := auth.BuildPresignedCanonicalRequest(r, []string{"host"})
	scope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	key := auth.SigningKey(SecretAccessKey, dateStamp, region, service)
	sig := auth.HmacSHA256(key, auth.StringToSign(q.Get("X-Amz-Date"), scope, canonicalReq))

	q.Set("X-Amz-Signature", hex.EncodeToString(sig))
	r.URL.RawQuery = q.Encode()
	return r
}

func TestAWSSigV4Succeeds(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket/some%20key?list-type=2&prefix=a/b", nil)
	signRequestSigV4(t, req, AccessKeyID, SecretAccessKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "expected AWS SigV4 authentication to succeed")
	require.NotNil(t, user, "expected non-nil user from successful AWS SigV4 authentication")
	require.Equal(t, AccessKeyID, user.AccessKeyID)
	require.Equal(t, auth.OwnerFor(AccessKeyID), user.Owner)
}

func TestAWSSigV4SecondCredential(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	signRequestSigV4(t, req, "reader", "reader-secret")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, "reader", user.AccessKeyID)
	require.NotEqual(t, auth.OwnerFor(AccessKeyID), user.Owner, "owners differ per access key")
}

func TestAWSSigV4InvalidSignature(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req, AccessKeyID, "wrong-secret")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	require.Nil(t, user, "expected nil user from failed AWS SigV4 authentication")
}

func TestAWSSigV4CorruptSignature(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req, AccessKeyID, SecretAccessKey)

	// Odd-length hex can't be decoded.
	req.Header.Set("Authorization", req.Header.Get("Authorization")+"0")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrMalformedAuthorization)
	require.Nil(t, user)
}

func TestAWSSigV4UnknownAccessKey(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	signRequestSigV4(t, req, "mallory", "whatever")

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestAWSSigV4TamperedRequest(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req, AccessKeyID, SecretAccessKey)
	req.URL.Path = "/other-bucket"

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestAWSSigV4IgnoresOtherSchemes(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestAWSSigV4Presigned(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{name: "within window", now: signedAt.Add(30 * time.Minute)},
		{name: "expired", now: signedAt.Add(2 * time.Hour), wantErr: auth.ErrInvalidCredentials},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := auth.NewAwsHmacAuthEngine(testCredentials()).WithClock(func() time.Time { return tc.now })
			req := presign(t, "http://example.com/photos/cat.png", time.Hour)

			user, err := e.AuthenticateRequest(t.Context(), req)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, AccessKeyID, user.AccessKeyID)
		})
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	e := auth.NewBasicAuthEngine(testCredentials())

	tests := []struct {
		name     string
		setup    func(r *http.Request)
		wantUser string
		wantErr  error
	}{
		{name: "no header", setup: func(*http.Request) {}},
		{name: "valid", setup: func(r *http.Request) { r.SetBasicAuth("reader", "reader-secret") }, wantUser: "reader"},
		{name: "wrong secret", setup: func(r *http.Request) { r.SetBasicAuth("reader", "nope") }, wantErr: auth.ErrInvalidCredentials},
		{name: "garbage", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic !!!") }, wantErr: auth.ErrMalformedAuthorization},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
			tc.setup(req)

			user, err := e.AuthenticateRequest(t.Context(), req)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Nil(t, user)
				return
			}
			require.NoError(t, err)
			if tc.wantUser == "" {
				require.Nil(t, user)
				return
			}
			require.Equal(t, tc.wantUser, user.AccessKeyID)
		})
	}
}

func TestCompoundAuth(t *testing.T) {
	t.Parallel()

	creds := testCredentials()
	e := auth.NewCompoundAuthEngine(auth.NewAwsHmacAuthEngine(creds), auth.NewBasicAuthEngine(creds))

	anon := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	user, err := e.AuthenticateRequest(t.Context(), anon)
	require.NoError(t, err)
	require.Nil(t, user, "no credentials means anonymous")

	basic := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	basic.SetBasicAuth(AccessKeyID, SecretAccessKey)
	user, err = e.AuthenticateRequest(t.Context(), basic)
	require.NoError(t, err)
	require.Equal(t, AccessKeyID, user.AccessKeyID)

	bad := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	bad.SetBasicAuth(AccessKeyID, "wrong")
	user, err = e.AuthenticateRequest(t.Context(), bad)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	require.Nil(t, user)
}

func TestUserContext(t *testing.T) {
	t.Parallel()

	require.Nil(t, auth.UserFromContext(t.Context()))

	ctx := auth.WithUser(t.Context(), auth.NewUser("alice"))
	user := auth.UserFromContext(ctx)
	require.NotNil(t, user)
	require.Equal(t, auth.OwnerFor("alice"), user.Owner)
	require.Equal(t, auth.OwnerFor("alice"), auth.OwnerFor("alice"), "owner ids are stable")
}
