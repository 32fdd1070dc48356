package core

import (
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"

	"github.com/eteran/strata/internal/meta"
)

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, r *http.Request, code string, message string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:      code,
		Message:   message,
		Resource:  r.URL.Path,
		RequestID: w.Header().Get(requestIDHeader),
	})
}

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	writeS3Error(w, r, "NotImplemented", op+" is not implemented.", http.StatusNotImplemented)
}

// writeInternalError writes a generic S3 InternalError response.
func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
}

func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound)
}

func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
}

func writeNoSuchUploadError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "NoSuchUpload", "The specified multipart upload does not exist.", http.StatusNotFound)
}

func writeAccessDenied(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "AccessDenied", "Access Denied", http.StatusForbidden)
}

func writeMalformedXML(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", http.StatusBadRequest)
}

// s3ErrorCode maps a metadata store error onto an S3 error code and status.
// ok is false for errors that have no client-facing meaning.
func s3ErrorCode(err error) (code string, message string, status int, ok bool) {
	switch {
	case errors.Is(err, meta.ErrBucketNotFound):
		return "NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound, true
	case errors.Is(err, meta.ErrObjectNotFound):
		return "NoSuchKey", "The specified key does not exist.", http.StatusNotFound, true
	case errors.Is(err, meta.ErrUploadNotFound):
		return "NoSuchUpload", "The specified multipart upload does not exist.", http.StatusNotFound, true
	case errors.Is(err, meta.ErrDuplicateBucket):
		return "BucketAlreadyExists", "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.", http.StatusConflict, true
	case errors.Is(err, meta.ErrBucketNotEmpty):
		return "BucketNotEmpty", "The bucket you tried to delete is not empty.", http.StatusConflict, true
	case errors.Is(err, meta.ErrQuotaExceeded):
		return "EntityTooLarge", "Your proposed upload exceeds the maximum allowed size.", http.StatusBadRequest, true
	case errors.Is(err, meta.ErrInvalidPartNumber):
		return "InvalidArgument", "Part number must be an integer between 1 and 10000, inclusive.", http.StatusBadRequest, true
	case errors.Is(err, meta.ErrIncompleteParts):
		return "InvalidPart", "One or more of the specified parts could not be found.", http.StatusBadRequest, true
	case errors.Is(err, meta.ErrInvalidKey):
		return "InvalidObjectName", "The specified key is not valid.", http.StatusBadRequest, true
	case errors.Is(err, meta.ErrInvalidContentType):
		return "InvalidArgument", "The content type is not allowed in this bucket.", http.StatusBadRequest, true
	case errors.Is(err, meta.ErrInvalidArgument):
		return "InvalidArgument", err.Error(), http.StatusBadRequest, true
	case errors.Is(err, meta.ErrInvalidSignature):
		return "AccessDenied", "The upload signature does not match.", http.StatusForbidden, true
	case errors.Is(err, meta.ErrConflict):
		return "OperationAborted", "A conflicting operation is in progress against this resource. Please try again.", http.StatusConflict, true
	}
	return "", "", 0, false
}

// writeStoreError writes the S3 error matching err. Errors without an S3
// meaning are logged with msg and args and reported as InternalError.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, msg string, args ...any) {
	if code, message, status, ok := s3ErrorCode(err); ok {
		writeS3Error(w, r, code, message, status)
		return
	}

	slog.Error(msg, append(args, "err", err)...)
	writeInternalError(w, r)
}
