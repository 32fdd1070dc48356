package core

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/eteran/strata/internal/auth"
	"github.com/eteran/strata/internal/meta"
	"github.com/eteran/strata/internal/policy"
)

const (
	headerFileSizeLimit    = "x-strata-file-size-limit"
	headerAllowedMimeTypes = "x-strata-allowed-mime-types"
	headerBucketType       = "x-strata-bucket-type"
	headerRemovedCount     = "x-strata-removed-count"
)

// ------ Dispatchers for bucket-level HTTP handlers ------

// handleBucketPut dispatches PUT /bucket[?subresource] between CreateBucket
// and the bucket configuration APIs.
func (s *Server) handleBucketPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("acl"):
		s.handlePutBucketACL(ctx, w, r, bucket)
	case q.Has("tagging"):
		writeNotImplemented(w, r, "PutBucketTagging")
	case q.Has("versioning"):
		writeNotImplemented(w, r, "PutBucketVersioning")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "PutBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "PutBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "PutBucketLifecycleConfiguration")
	case q.Has("policy"):
		writeNotImplemented(w, r, "PutBucketPolicy")
	default:
		s.handleCreateBucket(ctx, w, r, bucket)
	}
}

// handleBucketPost implements POST /bucket[?subresource].
func (s *Server) handleBucketPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("delete"):
		s.handleDeleteObjects(ctx, w, r, bucket)
	case q.Has("empty"):
		s.handleEmptyBucket(ctx, w, r, bucket)
	default:
		writeNotImplemented(w, r, "BucketPost")
	}
}

// handleBucketGet dispatches GET /bucket[?subresource] between the listing
// APIs and bucket-level read APIs.
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(ctx, w, r, bucket)
	case q.Has("uploads"):
		s.handleListMultipartUploads(ctx, w, r, bucket)
	case q.Has("tagging"):
		writeNotImplemented(w, r, "GetBucketTagging")
	case q.Has("versioning"):
		writeNotImplemented(w, r, "GetBucketVersioning")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "GetBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "GetBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "GetBucketLifecycleConfiguration")
	case q.Has("policy"):
		writeNotImplemented(w, r, "GetBucketPolicy")
	case q.Has("versions"):
		writeNotImplemented(w, r, "ListObjectVersions")
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(ctx, w, r, bucket)
	default:
		s.handleListObjects(ctx, w, r, bucket)
	}
}

// handleBucketDelete implements DELETE /bucket[?subresource].
func (s *Server) handleBucketDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		writeNotImplemented(w, r, "DeleteBucketTagging")
	case q.Has("cors"):
		writeNotImplemented(w, r, "DeleteBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "DeleteBucketLifecycle")
	case q.Has("policy"):
		writeNotImplemented(w, r, "DeleteBucketPolicy")
	default:
		s.handleDeleteBucket(ctx, w, r, bucket)
	}
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	b := s.lookupBucket(ctx, w, r, bucket, policy.ActionBucketHead)
	if b == nil {
		return
	}

	w.Header().Set("x-amz-bucket-region", s.Config.Region)
	w.Header().Set(headerBucketType, string(b.Type))
	w.WriteHeader(http.StatusOK)
}

// ------ Individual API HTTP handlers ------

// handleListBuckets implements GET / to list the buckets visible to the
// caller.
func (s *Server) handleListBuckets(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	buckets, err := s.Store.ListBuckets(ctx, meta.BucketFilter{})
	if err != nil {
		slog.Error("List buckets", "err", err)
		writeInternalError(w, r)
		return
	}

	principal := auth.UserFromContext(ctx)

	entries := make([]BucketEntry, 0, len(buckets))
	for i := range buckets {
		b := &buckets[i]
		if !s.Config.Policy.Allowed(ctx, policy.Request{Principal: principal, Action: policy.ActionBucketList, Bucket: b}) {
			continue
		}
		entries = append(entries, BucketEntry{
			Name:         b.ID,
			CreationDate: formatTime(b.CreatedAt),
		})
	}

	resp := ListAllMyBucketsResult{
		XMLNS:   s3XMLNamespace,
		Owner:   ownerElement(owner(ctx)),
		Buckets: entries,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets XML", "err", err)
	}
}

// bucketInputFromHeaders reads the bucket settings carried by a
// CreateBucket request. It writes an InvalidArgument error and returns
// false when a header cannot be parsed.
func bucketInputFromHeaders(w http.ResponseWriter, r *http.Request, bucket string) (meta.BucketInput, bool) {
	in := meta.BucketInput{
		ID:     bucket,
		Name:   bucket,
		Public: isPublicACL(r.Header.Get("x-amz-acl")),
		Type:   meta.BucketType(strings.ToUpper(r.Header.Get(headerBucketType))),
	}

	if raw := r.Header.Get(headerFileSizeLimit); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || limit < 0 {
			writeS3Error(w, r, "InvalidArgument", "The "+headerFileSizeLimit+" header must be a non-negative integer.", http.StatusBadRequest)
			return meta.BucketInput{}, false
		}
		in.FileSizeLimit = &limit
	}

	in.AllowedMimeTypes = splitList(r.Header.Get(headerAllowedMimeTypes))
	return in, true
}

func isPublicACL(acl string) bool {
	return acl == "public-read" || acl == "public-read-write"
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// handleCreateBucket implements PUT /bucket to create a new bucket.
func (s *Server) handleCreateBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.authorize(w, r, policy.ActionBucketCreate, nil) {
		return
	}

	in, ok := bucketInputFromHeaders(w, r, bucket)
	if !ok {
		return
	}
	in.Owner = owner(ctx)

	if _, err := s.Store.CreateBucket(ctx, in); err != nil {
		s.writeStoreError(w, r, err, "Create bucket", "bucket", bucket)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handlePutBucketACL implements PUT /bucket?acl for the canned ACLs that
// toggle public read access.
func (s *Server) handlePutBucketACL(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionBucketCreate) == nil {
		return
	}

	public := isPublicACL(r.Header.Get("x-amz-acl"))
	if _, err := s.Store.UpdateBucket(ctx, bucket, meta.BucketUpdate{Public: &public}); err != nil {
		s.writeStoreError(w, r, err, "Update bucket visibility", "bucket", bucket)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleGetBucketLocation implements GET /bucket?location
func (s *Server) handleGetBucketLocation(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionBucketHead) == nil {
		return
	}

	resp := LocationConstraint{
		XMLNS:  s3XMLNamespace,
		Region: s.Config.Region,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

// handleDeleteBucket implements DELETE /bucket. Whether objects and
// in-progress uploads block the delete or go with it is decided by the
// store's delete policy.
func (s *Server) handleDeleteBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionBucketDelete) == nil {
		return
	}

	if err := s.Store.DeleteBucket(ctx, bucket); err != nil {
		s.writeStoreError(w, r, err, "Delete bucket", "bucket", bucket)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleEmptyBucket implements POST /bucket?empty, removing every object
// while keeping the bucket and its multipart uploads.
func (s *Server) handleEmptyBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectDelete) == nil {
		return
	}

	removed, err := s.Store.EmptyBucket(ctx, bucket)
	if err != nil {
		s.writeStoreError(w, r, err, "Empty bucket", "bucket", bucket)
		return
	}

	w.Header().Set(headerRemovedCount, strconv.FormatInt(removed, 10))
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteObjects implements the multi-object delete API:
// POST /bucket?delete
func (s *Server) handleDeleteObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectDelete) == nil {
		return
	}

	defer r.Body.Close()
	var req DeleteObjectsRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Decode DeleteObjects XML", "bucket", bucket, "err", err)
		writeMalformedXML(w, r)
		return
	}

	if len(req.Objects) == 0 {
		writeS3Error(w, r, "InvalidRequest", "You must specify at least one object to delete.", http.StatusBadRequest)
		return
	}

	resp := DeleteResult{XMLNS: s3XMLNamespace}
	for _, obj := range req.Objects {
		_, err := s.Store.DeleteObject(ctx, bucket, obj.Key)
		if err != nil && !errors.Is(err, meta.ErrObjectNotFound) {
			code, message, _, ok := s3ErrorCode(err)
			if !ok {
				slog.Error("DeleteObjects delete object", "bucket", bucket, "key", obj.Key, "err", err)
				code, message = "InternalError", "We encountered an internal error. Please try again."
			}
			resp.Errors = append(resp.Errors, DeleteError{Key: obj.Key, Code: code, Message: message})
			continue
		}

		if !req.Quiet {
			resp.Deleted = append(resp.Deleted, obj)
		}
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode DeleteObjects XML", "bucket", bucket, "err", err)
	}
}
