package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/eteran/strata/internal/keypath"
	"github.com/eteran/strata/internal/meta"
	"github.com/eteran/strata/internal/policy"
	"github.com/eteran/strata/internal/storage"
)

const (
	userMetadataPrefix  = "X-Amz-Meta-"
	headerVersion       = "x-strata-version"
	headerIfVersion     = "x-strata-if-version"
	headerRenameSource  = "x-amz-rename-source"
	defaultContentType  = "application/octet-stream"
	metadataDirective   = "x-amz-metadata-directive"
	directiveReplace    = "REPLACE"
	storageClassDefault = "STANDARD"
)

// ------ Dispatchers for object-level HTTP handlers ------

// handleObjectPut dispatches PUT /bucket/key between PutObject, CopyObject,
// RenameObject and UploadPart.
func (s *Server) handleObjectPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()

	if uploadID := q.Get("uploadId"); uploadID != "" {
		if r.Header.Get("x-amz-copy-source") != "" {
			writeNotImplemented(w, r, "UploadPartCopy")
			return
		}

		partNum, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil || partNum < meta.MinPartNumber || partNum > meta.MaxPartNumber {
			writeS3Error(w, r, "InvalidArgument", "Part number must be an integer between 1 and 10000, inclusive.", http.StatusBadRequest)
			return
		}

		s.handleUploadPart(ctx, w, r, bucket, key, uploadID, partNum)
		return
	}

	switch {
	case q.Has("renameObject"):
		s.handleRenameObject(ctx, w, r, bucket, key)
	case q.Has("tagging"):
		writeNotImplemented(w, r, "PutObjectTagging")
	case q.Has("acl"):
		writeNotImplemented(w, r, "PutObjectAcl")
	case q.Has("retention"):
		writeNotImplemented(w, r, "PutObjectRetention")
	case q.Has("legal-hold"):
		writeNotImplemented(w, r, "PutObjectLegalHold")
	case r.Header.Get("x-amz-copy-source") != "":
		s.handleCopyObject(ctx, w, r, bucket, key, r.Header.Get("x-amz-copy-source"))
	default:
		s.handlePutObject(ctx, w, r, bucket, key)
	}
}

// handleObjectGet dispatches GET /bucket/key between GetObject and ListParts.
func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleListParts(ctx, w, r, bucket, key, q.Get("uploadId"))
	case q.Has("tagging"):
		writeNotImplemented(w, r, "GetObjectTagging")
	case q.Has("attributes"):
		writeNotImplemented(w, r, "GetObjectAttributes")
	case q.Has("acl"):
		writeNotImplemented(w, r, "GetObjectAcl")
	default:
		s.handleGetObject(ctx, w, r, bucket, key)
	}
}

// handleObjectDelete dispatches DELETE /bucket/key between DeleteObject and
// AbortMultipartUpload.
func (s *Server) handleObjectDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleAbortMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	case q.Has("tagging"):
		writeNotImplemented(w, r, "DeleteObjectTagging")
	default:
		s.handleDeleteObject(ctx, w, r, bucket, key)
	}
}

// handleObjectPost dispatches POST /bucket/key between the multipart
// initiate and complete APIs.
func (s *Server) handleObjectPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(ctx, w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	case q.Has("restore"):
		writeNotImplemented(w, r, "RestoreObject")
	case q.Has("select"):
		writeNotImplemented(w, r, "SelectObjectContent")
	default:
		writeNotImplemented(w, r, "ObjectPost")
	}
}

// handleObjectHead implements HEAD /bucket/key, returning metadata headers
// compatible with S3 but without a response body.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectHead) == nil {
		return
	}

	obj, err := s.Store.GetObject(ctx, bucket, key)
	if err != nil {
		s.writeStoreError(w, r, err, "Lookup object metadata (HEAD)", "bucket", bucket, "key", key)
		return
	}

	setObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Metadata.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// ------ Individual API HTTP handlers ------

// setObjectHeaders writes the system and user metadata of obj as response
// headers.
func setObjectHeaders(w http.ResponseWriter, obj *meta.Object) {
	h := w.Header()

	contentType := obj.Metadata.Mimetype
	if contentType == "" {
		contentType = defaultContentType
	}
	h.Set("Content-Type", contentType)
	h.Set("ETag", createETag(obj.Metadata.ETag))
	h.Set("Last-Modified", obj.Metadata.LastModified.UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
	h.Set(headerVersion, obj.Version)

	if obj.Metadata.CacheControl != "" {
		h.Set("Cache-Control", obj.Metadata.CacheControl)
	}

	for k, v := range obj.UserMetadata {
		h.Set(userMetadataPrefix+k, v)
	}
}

// userMetadata collects the x-amz-meta-* request headers. Keys are stored
// lower case without the prefix.
func userMetadata(header http.Header) map[string]string {
	var out map[string]string
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, userMetadataPrefix) || len(values) == 0 {
			continue
		}

		if out == nil {
			out = make(map[string]string)
		}
		out[strings.ToLower(strings.TrimPrefix(canonical, userMetadataPrefix))] = strings.Join(values, ",")
	}
	return out
}

func requestContentType(r *http.Request) string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return defaultContentType
}

// checkDeclaredSize rejects a payload whose announced length already
// exceeds the bucket's file size limit, before any byte is read.
func checkDeclaredSize(w http.ResponseWriter, r *http.Request, b *meta.Bucket) bool {
	if b.FileSizeLimit == nil {
		return true
	}

	if n := declaredLength(r); n > *b.FileSizeLimit {
		writeS3Error(w, r, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed size.", http.StatusBadRequest)
		return false
	}
	return true
}

// storePayload writes the request payload to the blob store. It writes the
// error response and returns false on failure.
func (s *Server) storePayload(w http.ResponseWriter, r *http.Request, bucket string, key string) (storage.Staged, bool) {
	defer r.Body.Close()

	staged, err := storage.Store(s.Config.Engine, payloadReader(r))
	switch {
	case errors.Is(err, errMalformedChunk):
		slog.Debug("Decode streaming payload", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, r, "InvalidRequest", "Failed to decode streaming payload", http.StatusBadRequest)
		return storage.Staged{}, false
	case errors.Is(err, errReadBody):
		slog.Debug("Read request body", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, r, "IncompleteBody", "Failed to read request body", http.StatusBadRequest)
		return storage.Staged{}, false
	case err != nil:
		slog.Error("Store object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return storage.Staged{}, false
	}

	if want := declaredLength(r); isStreamingPayload(r) && want >= 0 && want != staged.Size {
		slog.Debug("Decoded streaming payload length mismatch", "expected", want, "actual", staged.Size)
	}

	if sum := r.Header.Get("X-Amz-Content-Sha256"); len(sum) == 64 && !strings.EqualFold(sum, staged.Hash) {
		writeS3Error(w, r, "XAmzContentSHA256Mismatch", "The provided 'x-amz-content-sha256' header does not match what was computed.", http.StatusBadRequest)
		return storage.Staged{}, false
	}

	return staged, true
}

// handlePutObject implements PUT /bucket/key to store an object.
func (s *Server) handlePutObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	b := s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectPut)
	if b == nil {
		return
	}

	contentType := requestContentType(r)
	if !b.AllowsContentType(contentType) {
		writeS3Error(w, r, "InvalidArgument", "The content type is not allowed in this bucket.", http.StatusBadRequest)
		return
	}

	if !checkDeclaredSize(w, r, b) {
		return
	}

	staged, ok := s.storePayload(w, r, bucket, key)
	if !ok {
		return
	}

	ifVersion := r.Header.Get(headerIfVersion)
	obj, err := s.Store.PutObject(ctx, meta.PutObjectInput{
		Bucket: bucket,
		Key:    key,
		Owner:  owner(ctx),
		Metadata: meta.ObjectMetadata{
			Size:         staged.Size,
			Mimetype:     contentType,
			ETag:         staged.Hash,
			CacheControl: r.Header.Get("Cache-Control"),
			Path:         staged.Hash,
		},
		UserMetadata: userMetadata(r.Header),
		IfVersion:    ifVersion,
	})
	if err != nil {
		if ifVersion != "" && errors.Is(err, meta.ErrConflict) {
			writeS3Error(w, r, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold.", http.StatusPreconditionFailed)
			return
		}
		s.writeStoreError(w, r, err, "Put object metadata", "bucket", bucket, "key", key)
		return
	}

	w.Header().Set("ETag", createETag(obj.Metadata.ETag))
	w.Header().Set(headerVersion, obj.Version)
	w.WriteHeader(http.StatusOK)
}

// handleGetObject streams an object's payload. Range and conditional
// requests are answered by http.ServeContent.
func (s *Server) handleGetObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectGet) == nil {
		return
	}

	obj, err := s.Store.GetObject(ctx, bucket, key)
	if err != nil {
		s.writeStoreError(w, r, err, "Lookup object metadata", "bucket", bucket, "key", key)
		return
	}

	f, err := s.Config.Engine.OpenObject(obj.Metadata.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Error("Object payload missing", "bucket", bucket, "key", key, "path", obj.Metadata.Path)
		} else {
			slog.Error("Open object payload", "bucket", bucket, "key", key, "err", err)
		}
		writeInternalError(w, r)
		return
	}
	defer f.Close()

	if err := s.Store.TouchObject(ctx, bucket, key); err != nil {
		slog.Debug("Touch object", "bucket", bucket, "key", key, "err", err)
	}

	setObjectHeaders(w, obj)
	http.ServeContent(w, r, keypath.Base(obj.Name), obj.Metadata.LastModified, f)
}

// handleDeleteObject implements DELETE /bucket/key. Deleting a key that
// does not exist succeeds, as in S3.
func (s *Server) handleDeleteObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectDelete) == nil {
		return
	}

	if _, err := s.Store.DeleteObject(ctx, bucket, key); err != nil && !errors.Is(err, meta.ErrObjectNotFound) {
		s.writeStoreError(w, r, err, "Delete object metadata", "bucket", bucket, "key", key)
		return
	}

	// Payloads are content addressed and may be shared, so the blob stays.
	w.WriteHeader(http.StatusNoContent)
}

// parseObjectSource splits a copy or rename source of the form
// "[/]bucket/key[?versionId=...]", URL-encoded or not.
func parseObjectSource(source string) (bucket string, key string, ok bool) {
	if i := strings.Index(source, "?"); i != -1 {
		source = source[:i]
	}

	decoded, err := url.PathUnescape(strings.TrimPrefix(source, "/"))
	if err != nil {
		return "", "", false
	}

	bucket, key, ok = strings.Cut(decoded, "/")
	return bucket, key, ok && bucket != "" && key != ""
}

// handleCopyObject implements CopyObject. With the COPY metadata directive
// the destination shares the source's payload and metadata; with REPLACE
// the payload is shared but metadata comes from the request.
func (s *Server) handleCopyObject(ctx context.Context, w http.ResponseWriter, r *http.Request, destBucket string, destKey string, copySource string) {
	srcBucket, srcKey, ok := parseObjectSource(copySource)
	if !ok {
		writeS3Error(w, r, "InvalidArgument", "Copy Source must mention the source bucket and key: sourcebucket/sourcekey.", http.StatusBadRequest)
		return
	}

	if s.lookupBucket(ctx, w, r, srcBucket, policy.ActionObjectGet) == nil {
		return
	}

	if s.lookupBucket(ctx, w, r, destBucket, policy.ActionObjectCopy) == nil {
		return
	}

	var (
		obj *meta.Object
		err error
	)

	if strings.EqualFold(r.Header.Get(metadataDirective), directiveReplace) {
		var src *meta.Object
		src, err = s.Store.GetObject(ctx, srcBucket, srcKey)
		if err == nil {
			md := src.Metadata
			md.Mimetype = requestContentType(r)
			md.CacheControl = r.Header.Get("Cache-Control")

			obj, err = s.Store.PutObject(ctx, meta.PutObjectInput{
				Bucket:       destBucket,
				Key:          destKey,
				Owner:        owner(ctx),
				Metadata:     md,
				UserMetadata: userMetadata(r.Header),
			})
		}
	} else {
		obj, err = s.Store.CopyObject(ctx, srcBucket, srcKey, destBucket, destKey, owner(ctx))
	}

	if err != nil {
		s.writeStoreError(w, r, err, "Copy object", "srcBucket", srcBucket, "srcKey", srcKey, "destBucket", destBucket, "destKey", destKey)
		return
	}

	resp := CopyObjectResult{
		XMLNS:        s3XMLNamespace,
		LastModified: formatTime(obj.Metadata.LastModified),
		ETag:         createETag(obj.Metadata.ETag),
	}

	w.Header().Set(headerVersion, obj.Version)
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode copy object XML", "destBucket", destBucket, "destKey", destKey, "err", err)
	}
}

// handleRenameObject implements PUT /bucket/key?renameObject, moving the
// object named by x-amz-rename-source within the same bucket. The source
// may be given as a bare key or as "/bucket/key".
func (s *Server) handleRenameObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	source := r.Header.Get(headerRenameSource)
	if source == "" {
		writeS3Error(w, r, "InvalidArgument", "The "+headerRenameSource+" header is required.", http.StatusBadRequest)
		return
	}

	srcKey, err := url.PathUnescape(strings.TrimPrefix(source, "/"))
	if err != nil {
		writeS3Error(w, r, "InvalidArgument", "Unable to parse rename source.", http.StatusBadRequest)
		return
	}
	if b, k, ok := strings.Cut(srcKey, "/"); ok && strings.HasPrefix(source, "/") {
		if b != bucket {
			writeS3Error(w, r, "InvalidArgument", "Objects can only be renamed within a bucket.", http.StatusBadRequest)
			return
		}
		srcKey = k
	}

	if !validateObjectKeyOrError(w, r, srcKey) {
		return
	}

	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectRename) == nil {
		return
	}

	obj, err := s.Store.RenameObject(ctx, bucket, srcKey, key)
	if err != nil {
		s.writeStoreError(w, r, err, "Rename object", "bucket", bucket, "from", srcKey, "to", key)
		return
	}

	resp := RenameObjectResult{
		XMLNS:        s3XMLNamespace,
		Key:          obj.Name,
		LastModified: formatTime(obj.UpdatedAt),
		ETag:         createETag(obj.Metadata.ETag),
	}

	w.Header().Set(headerVersion, obj.Version)
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode rename object XML", "bucket", bucket, "key", key, "err", err)
	}
}
