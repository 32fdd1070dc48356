package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	AWSv4Prefix    = "AWS4-HMAC-SHA256 "
	AWSv4Algorithm = "AWS4-HMAC-SHA256"

	// UnsignedPayload is the payload hash used by presigned URLs.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	amzDateFormat = "20060102T150405Z"

	// Longest validity a presigned URL may ask for.
	maxPresignExpiry = 7 * 24 * time.Hour
)

type AwsHmacAuthEngine struct {
	credentials Credentials
	now         func() time.Time
}

// NewAwsHmacAuthEngine creates an AwsHmacAuthEngine that verifies SigV4
// signatures made with any of the given credentials.
func NewAwsHmacAuthEngine(creds Credentials) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{
		credentials: creds,
		now:         time.Now,
	}
}

// WithClock replaces the clock used to check presigned URL expiry.
func (e *AwsHmacAuthEngine) WithClock(now func() time.Time) *AwsHmacAuthEngine {
	e.now = now
	return e
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(u *url.URL, skip string) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			encodedKey := awsURLEncode(k, true)
			encodedVal := awsURLEncode(v, true)
			parts = append(parts, encodedKey+"="+encodedVal)
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	fields := strings.Fields(v)
	return strings.Join(fields, " ")
}

// BuildCanonicalRequest renders the SigV4 canonical request for a request
// signed in its Authorization header.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	return buildCanonicalRequest(r, signedHeaderNames, payloadHash, "")
}

// BuildPresignedCanonicalRequest renders the canonical request for a
// presigned URL, which leaves the signature out of the query string.
func BuildPresignedCanonicalRequest(r *http.Request, signedHeaderNames []string) string {
	return buildCanonicalRequest(r, signedHeaderNames, UnsignedPayload, "X-Amz-Signature")
}

func buildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string, skipQuery string) string {
	canonicalURI := awsURLEncode(r.URL.EscapedPath(), false)
	canonicalQS := canonicalQueryString(r.URL, skipQuery)

	// Headers
	lowerNames := make([]string, len(signedHeaderNames))
	for i, h := range signedHeaderNames {
		lowerNames[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		if name == "" {
			continue
		}
		var value string
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		} else {
			value = r.Header.Get(name)
		}
		value = canonicalHeaderValue(value)
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(value)
		hdrBuilder.WriteString("\n")
	}
	canonicalHeaders := hdrBuilder.String()
	canonicalSignedHeaders := strings.Join(lowerNames, ";")

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(canonicalURI)
	b.WriteString("\n")
	b.WriteString(canonicalQS)
	b.WriteString("\n")
	b.WriteString(canonicalHeaders)
	b.WriteString("\n")
	b.WriteString(canonicalSignedHeaders)
	b.WriteString("\n")
	b.WriteString(payloadHash)

	return b.String()
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// StringToSign assembles the SigV4 string to sign for a canonical request.
func StringToSign(amzDate string, credentialScope string, canonicalRequest string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest))

	var b strings.Builder
	b.WriteString(AWSv4Algorithm)
	b.WriteString("\n")
	b.WriteString(amzDate)
	b.WriteString("\n")
	b.WriteString(credentialScope)
	b.WriteString("\n")
	b.WriteString(hex.EncodeToString(crHash[:]))
	return b.String()
}

// SigningKey derives the SigV4 signing key for one day, region and service.
func SigningKey(secret string, dateStamp string, region string, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, "aws4_request")
}

type credentialScope struct {
	accessKeyID string
	dateStamp   string
	region      string
	service     string
}

func parseCredential(credStr string) (credentialScope, error) {
	credParts := strings.Split(credStr, "/")
	if len(credParts) != 5 || credParts[4] != "aws4_request" {
		return credentialScope{}, fmt.Errorf("%w: bad credential scope", ErrMalformedAuthorization)
	}

	scope := credentialScope{
		accessKeyID: credParts[0],
		dateStamp:   credParts[1],
		region:      credParts[2],
		service:     credParts[3],
	}
	if scope.accessKeyID == "" || scope.region == "" || scope.service == "" {
		return credentialScope{}, fmt.Errorf("%w: incomplete credential scope", ErrMalformedAuthorization)
	}
	return scope, nil
}

func (c credentialScope) String() string {
	return strings.Join([]string{c.dateStamp, c.region, c.service, "aws4_request"}, "/")
}

// verify checks signatureHex against the request's string to sign.
func (e *AwsHmacAuthEngine) verify(scope credentialScope, amzDate string, canonicalReq string, signatureHex string) (*User, error) {
	secret, ok := e.credentials.Secret(scope.accessKeyID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown access key %q", ErrInvalidCredentials, scope.accessKeyID)
	}

	decodedSignature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex", ErrMalformedAuthorization)
	}

	signingKey := SigningKey(secret, scope.dateStamp, scope.region, scope.service)
	computedSignature := HmacSHA256(signingKey, StringToSign(amzDate, scope.String(), canonicalReq))

	if !hmac.Equal(computedSignature, decodedSignature) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidCredentials)
	}

	return NewUser(scope.accessKeyID), nil
}

// AuthenticateRequest verifies AWS Signature Version 4, either from the
// Authorization header or from presigned query parameters.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, AWSv4Prefix) {
		return e.authenticateHeader(r, auth)
	}

	if r.URL.Query().Get("X-Amz-Algorithm") == AWSv4Algorithm {
		return e.authenticatePresigned(r)
	}

	return nil, nil
}

func (e *AwsHmacAuthEngine) authenticateHeader(r *http.Request, auth string) (*User, error) {
	params := strings.TrimSpace(strings.TrimPrefix(auth, AWSv4Prefix))
	parts := strings.Split(params, ",")
	kv := make(map[string]string, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		kv[p[:idx]] = strings.TrimSpace(p[idx+1:])
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return nil, fmt.Errorf("%w: missing Credential, SignedHeaders or Signature", ErrMalformedAuthorization)
	}

	scope, err := parseCredential(credStr)
	if err != nil {
		return nil, err
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return nil, fmt.Errorf("%w: missing X-Amz-Date", ErrMalformedAuthorization)
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		return nil, fmt.Errorf("%w: missing X-Amz-Content-Sha256", ErrMalformedAuthorization)
	}

	signedHeaderNames := strings.Split(signedHeadersStr, ";")
	canonicalReq := BuildCanonicalRequest(r, signedHeaderNames, payloadHash)

	return e.verify(scope, amzDate, canonicalReq, signatureHex)
}

func (e *AwsHmacAuthEngine) authenticatePresigned(r *http.Request) (*User, error) {
	q := r.URL.Query()

	scope, err := parseCredential(q.Get("X-Amz-Credential"))
	if err != nil {
		return nil, err
	}

	amzDate := q.Get("X-Amz-Date")
	signedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad X-Amz-Date", ErrMalformedAuthorization)
	}

	expires, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || expires <= 0 || time.Duration(expires)*time.Second > maxPresignExpiry {
		return nil, fmt.Errorf("%w: bad X-Amz-Expires", ErrMalformedAuthorization)
	}

	if e.now().After(signedAt.Add(time.Duration(expires) * time.Second)) {
		return nil, fmt.Errorf("%w: presigned url expired", ErrInvalidCredentials)
	}

	signedHeaderNames := strings.Split(q.Get("X-Amz-SignedHeaders"), ";")
	canonicalReq := BuildPresignedCanonicalRequest(r, signedHeaderNames)

	return e.verify(scope, amzDate, canonicalReq, q.Get("X-Amz-Signature"))
}
