package core

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/eteran/strata/internal/meta"
	"github.com/eteran/strata/internal/policy"
	"github.com/eteran/strata/internal/storage"
	"github.com/google/uuid"
)

// headerUploadSignature carries the secret issued with a new upload. When a
// later request on the upload presents it, it must match.
const headerUploadSignature = "x-strata-upload-signature"

// loadUpload resolves the upload named in the request and checks that it
// belongs to bucket and key. A signature presented with the request must
// match. When finishing is set the request completes or aborts the upload
// and must prove the right to do so: by the upload signature, or, unless
// signatures are required, by coming from the principal that started the
// upload. It writes the error response and returns nil on failure.
func (s *Server) loadUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, rawID string, finishing bool) *meta.Upload {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeNoSuchUploadError(w, r)
		return nil
	}

	u, err := s.Store.GetUpload(ctx, id)
	if err != nil {
		s.writeStoreError(w, r, err, "Lookup multipart upload", "bucket", bucket, "key", key, "uploadId", rawID)
		return nil
	}

	if u.BucketID != bucket || u.Key != key {
		writeNoSuchUploadError(w, r)
		return nil
	}

	sig := r.Header.Get(headerUploadSignature)
	if sig != "" {
		if err := s.Store.VerifyUploadSignature(ctx, id, sig); err != nil {
			s.writeStoreError(w, r, err, "Verify upload signature", "uploadId", rawID)
			return nil
		}
		return u
	}

	if finishing && (s.Config.RequireUploadSignature || owner(ctx) != u.Owner) {
		slog.Debug("Upload signature missing", "bucket", bucket, "key", key, "uploadId", rawID, "required", s.Config.RequireUploadSignature)
		writeAccessDenied(w, r)
		return nil
	}

	return u
}

// handleCreateMultipartUpload implements CreateMultipartUpload
// (InitiateMultipartUpload): POST /bucket/key?uploads
func (s *Server) handleCreateMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionMultipart) == nil {
		return
	}

	u, err := s.Store.InitiateUpload(ctx, meta.InitiateInput{
		Bucket:       bucket,
		Key:          key,
		Owner:        owner(ctx),
		ContentType:  requestContentType(r),
		UserMetadata: userMetadata(r.Header),
	})
	if err != nil {
		s.writeStoreError(w, r, err, "Create multipart upload", "bucket", bucket, "key", key)
		return
	}

	resp := InitiateMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: u.ID.String(),
	}

	w.Header().Set(headerUploadSignature, u.Signature)
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode create multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements UploadPart: PUT /bucket/key?partNumber=N&uploadId=ID
func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber int) {
	b := s.lookupBucket(ctx, w, r, bucket, policy.ActionMultipart)
	if b == nil {
		return
	}

	u := s.loadUpload(ctx, w, r, bucket, key, uploadID, false)
	if u == nil {
		return
	}

	if !checkDeclaredSize(w, r, b) {
		return
	}

	staged, ok := s.storePayload(w, r, bucket, key)
	if !ok {
		return
	}

	part, err := s.Store.UploadPart(ctx, meta.UploadPartInput{
		UploadID:   u.ID,
		PartNumber: partNumber,
		Size:       staged.Size,
		ETag:       staged.Hash,
		Owner:      owner(ctx),
	})
	if err != nil {
		s.writeStoreError(w, r, err, "Record upload part", "bucket", bucket, "key", key, "uploadId", uploadID, "part", partNumber)
		return
	}

	w.Header().Set("ETag", createETag(part.ETag))
	w.WriteHeader(http.StatusOK)
}

// matchParts checks the part list of a CompleteMultipartUpload request
// against the recorded parts and returns their payload hashes in order.
// The request must name every recorded part, in ascending order, with the
// ETag returned when it was uploaded.
func matchParts(requested []CompletePart, recorded []meta.Part) ([]string, string, error) {
	byNumber := make(map[int]meta.Part, len(recorded))
	for _, p := range recorded {
		byNumber[p.PartNumber] = p
	}

	hashes := make([]string, 0, len(requested))
	prev := 0
	for _, want := range requested {
		if want.PartNumber <= prev {
			return nil, "InvalidPartOrder", fmt.Errorf("part %d listed after part %d", want.PartNumber, prev)
		}
		prev = want.PartNumber

		got, ok := byNumber[want.PartNumber]
		if !ok || !strings.EqualFold(strings.Trim(want.ETag, `"`), got.ETag) {
			return nil, "InvalidPart", fmt.Errorf("part %d does not match an uploaded part", want.PartNumber)
		}
		hashes = append(hashes, got.ETag)
	}

	if len(hashes) != len(recorded) {
		return nil, "InvalidPart", fmt.Errorf("request names %d of %d uploaded parts", len(hashes), len(recorded))
	}

	return hashes, "", nil
}

// handleCompleteMultipartUpload implements CompleteMultipartUpload:
// POST /bucket/key?uploadId=ID
func (s *Server) handleCompleteMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionMultipart) == nil {
		return
	}

	u := s.loadUpload(ctx, w, r, bucket, key, uploadID, true)
	if u == nil {
		return
	}

	defer r.Body.Close()
	var req CompleteMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Decode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
		writeMalformedXML(w, r)
		return
	}

	if len(req.Parts) == 0 {
		writeMalformedXML(w, r)
		return
	}

	recorded, err := s.Store.ListParts(ctx, u.ID)
	if err != nil {
		s.writeStoreError(w, r, err, "List parts for complete", "uploadId", uploadID)
		return
	}

	hashes, code, err := matchParts(req.Parts, recorded)
	if err != nil {
		writeS3Error(w, r, code, err.Error(), http.StatusBadRequest)
		return
	}

	// CompleteUpload fails if any of recorded was replaced since.
	staged, err := storage.Concatenate(s.Config.Engine, hashes)
	if err != nil {
		slog.Error("Assemble multipart object", "bucket", bucket, "key", key, "uploadId", uploadID, "err", err)
		writeInternalError(w, r)
		return
	}

	obj, err := s.Store.CompleteUpload(ctx, meta.CompleteInput{
		UploadID:     u.ID,
		Path:         staged.Hash,
		CacheControl: r.Header.Get("Cache-Control"),
		Parts:        recorded,
	})
	if err != nil {
		s.writeStoreError(w, r, err, "Complete multipart upload", "bucket", bucket, "key", key, "uploadId", uploadID)
		return
	}

	resp := CompleteMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     createETag(obj.Metadata.ETag),
	}

	w.Header().Set(headerVersion, obj.Version)
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleAbortMultipartUpload implements AbortMultipartUpload:
// DELETE /bucket/key?uploadId=ID
func (s *Server) handleAbortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionMultipart) == nil {
		return
	}

	u := s.loadUpload(ctx, w, r, bucket, key, uploadID, true)
	if u == nil {
		return
	}

	if err := s.Store.AbortUpload(ctx, u.ID); err != nil {
		s.writeStoreError(w, r, err, "Abort multipart upload", "bucket", bucket, "key", key, "uploadId", uploadID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// handleListParts implements the ListParts API:
// GET /bucket/key?uploadId=ID[&part-number-marker=N][&max-parts=M]
func (s *Server) handleListParts(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectList) == nil {
		return
	}

	u := s.loadUpload(ctx, w, r, bucket, key, uploadID, false)
	if u == nil {
		return
	}

	partNumberMarker, ok := queryInt(r, "part-number-marker", 0)
	if !ok {
		writeS3Error(w, r, "InvalidArgument", "The part-number-marker query parameter is invalid.", http.StatusBadRequest)
		return
	}

	maxParts, ok := queryInt(r, "max-parts", 1000)
	if !ok || maxParts == 0 || maxParts > 1000 {
		maxParts = 1000
	}

	recorded, err := s.Store.ListParts(ctx, u.ID)
	if err != nil {
		s.writeStoreError(w, r, err, "List parts", "uploadId", uploadID)
		return
	}

	resp := ListPartsResult{
		XMLNS:                s3XMLNamespace,
		Bucket:               bucket,
		Key:                  key,
		UploadID:             uploadID,
		Initiator:            ownerElement(u.Owner),
		Owner:                ownerElement(u.Owner),
		StorageClass:         storageClassDefault,
		PartNumberMarker:     partNumberMarker,
		NextPartNumberMarker: partNumberMarker,
		MaxParts:             maxParts,
	}

	for _, p := range recorded {
		if p.PartNumber <= partNumberMarker {
			continue
		}

		if len(resp.Parts) == maxParts {
			resp.IsTruncated = true
			break
		}

		resp.Parts = append(resp.Parts, ListPartsPart{
			PartNumber:   p.PartNumber,
			LastModified: formatTime(p.CreatedAt),
			ETag:         createETag(p.ETag),
			Size:         p.Size,
		})
		resp.NextPartNumberMarker = p.PartNumber
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListParts XML", "bucket", bucket, "key", key, "err", err)
	}
}

// uploadsAfter drops the uploads up to and including the (key, upload id)
// marker. Uploads are ordered by key and then by creation.
func uploadsAfter(uploads []meta.Upload, keyMarker string, uploadIDMarker string) []meta.Upload {
	if keyMarker == "" {
		return uploads
	}

	for i, u := range uploads {
		if u.Key < keyMarker {
			continue
		}

		if u.Key == keyMarker {
			if uploadIDMarker != "" && u.ID.String() == uploadIDMarker {
				return uploads[i+1:]
			}
			continue
		}

		return uploads[i:]
	}
	return nil
}

// handleListMultipartUploads implements ListMultipartUploads:
// GET /bucket?uploads
func (s *Server) handleListMultipartUploads(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectList) == nil {
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")

	maxUploads, ok := queryInt(r, "max-uploads", 1000)
	if !ok || maxUploads == 0 || maxUploads > 1000 {
		maxUploads = 1000
	}

	uploads, err := s.Store.ListUploads(ctx, bucket, meta.UploadFilter{Prefix: prefix})
	if err != nil {
		s.writeStoreError(w, r, err, "List multipart uploads", "bucket", bucket)
		return
	}

	uploads = uploadsAfter(uploads, keyMarker, uploadIDMarker)

	resp := ListMultipartUploadsResult{
		XMLNS:          s3XMLNamespace,
		Bucket:         bucket,
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		Prefix:         prefix,
		MaxUploads:     maxUploads,
	}

	for _, u := range uploads {
		if len(resp.Uploads) == maxUploads {
			resp.IsTruncated = true
			break
		}

		resp.Uploads = append(resp.Uploads, MultipartUploadInfo{
			Key:          u.Key,
			UploadID:     u.ID.String(),
			Initiator:    ownerElement(u.Owner),
			Owner:        ownerElement(u.Owner),
			StorageClass: storageClassDefault,
			Initiated:    formatTime(u.CreatedAt),
		})
		resp.NextKeyMarker = u.Key
		resp.NextUploadIDMarker = u.ID.String()
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListMultipartUploads XML", "bucket", bucket, "err", err)
	}
}
