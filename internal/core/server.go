package core

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/eteran/strata/internal/auth"
	"github.com/eteran/strata/internal/keypath"
	"github.com/eteran/strata/internal/meta"
	"github.com/eteran/strata/internal/policy"
	"github.com/eteran/strata/internal/storage"
	"github.com/google/uuid"
)

const (
	DefaultRegion       = "us-east-1"
	DefaultDatabaseName = "strata.db"
)

var (
	// Regex for validating S3 bucket names.
	// matches lowercase letters, digits, dots, and hyphens,
	// must start and end with a letter or digit, and must be between 3 and 63 characters long.
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
)

// Server provides an S3-compatible HTTP API on top of the metadata store
// and the blob store.
type Server struct {
	Config Config
	Store  *meta.Store
}

// NewServer opens the metadata database and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, DefaultDatabaseName)
	}

	if cfg.Engine == nil {
		engine, err := storage.NewLocalFileStorage(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		cfg.Engine = engine
	}

	if cfg.Authenticator == nil {
		creds := auth.DefaultCredentials()
		cfg.Authenticator = auth.NewCompoundAuthEngine(
			auth.NewAwsHmacAuthEngine(creds),
			auth.NewBasicAuthEngine(creds),
		)
	}

	if cfg.Policy == nil {
		cfg.Policy = policy.Visibility{}
	}

	store, err := meta.Open(ctx, cfg.DatabasePath, meta.WithDeletePolicy(cfg.DeletePolicy))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	return &Server{Config: cfg, Store: store}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.Store.Close()
}

// authorize asks the policy evaluator whether the caller may perform
// action on bucket, writing AccessDenied when it may not.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, action policy.Action, bucket *meta.Bucket) bool {
	req := policy.Request{
		Principal: auth.UserFromContext(r.Context()),
		Action:    action,
		Bucket:    bucket,
	}

	if !s.Config.Policy.Allowed(r.Context(), req) {
		writeAccessDenied(w, r)
		return false
	}
	return true
}

// lookupBucket loads the bucket and checks that the caller may perform
// action on it. It writes the error response and returns nil on failure.
func (s *Server) lookupBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, action policy.Action) *meta.Bucket {
	b, err := s.Store.GetBucket(ctx, bucket)
	if err != nil {
		s.writeStoreError(w, r, err, "Lookup bucket", "bucket", bucket)
		return nil
	}

	if !s.authorize(w, r, action, b) {
		return nil
	}
	return b
}

// owner returns the owner id recorded for writes made by this request.
func owner(ctx context.Context) uuid.UUID {
	if user := auth.UserFromContext(ctx); user != nil {
		return user.Owner
	}
	return uuid.Nil
}

func ownerElement(id uuid.UUID) Owner {
	if id == uuid.Nil {
		return Owner{ID: "anonymous", DisplayName: "anonymous"}
	}
	return Owner{ID: id.String(), DisplayName: id.String()}
}

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {

	// Must consist only of lowercase letters, digits, dots, or hyphens,
	// and must start and end with a letter or digit.
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	return net.ParseIP(name) == nil
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, r, "InvalidBucketName", "The specified bucket is not valid.", http.StatusBadRequest)
		return false
	}
	return true
}

// validateObjectKeyOrError writes an S3-style error for keys that cannot be
// stored: empty or control characters, too long, or with an empty, "." or
// ".." path segment.
func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if err := keypath.Validate(key); err != nil {
		writeS3Error(w, r, "InvalidObjectName", "The specified key is not valid.", http.StatusBadRequest)
		return false
	}
	return true
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
