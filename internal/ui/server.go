package ui

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eteran/strata/internal/keypath"
	"github.com/eteran/strata/internal/meta"
)

// Server renders the browser pages straight from the metadata store.
type Server struct {
	Store *meta.Store
}

// Handler returns the browser routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.Home)
	mux.HandleFunc("GET /bucket/{bucket}/{path...}", s.Browse)
	mux.HandleFunc("POST /buckets", s.CreateBucket)
	return mux
}

func (s *Server) Home(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	buckets, err := s.Store.ListBuckets(ctx, meta.BucketFilter{})
	if err != nil {
		slog.Error("List buckets", "err", err)
		http.Error(w, "failed to list buckets", http.StatusInternalServerError)
		return
	}

	rows := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, Bucket{
			Name:          b.ID,
			Public:        b.Public,
			Type:          string(b.Type),
			FileSizeLimit: b.FileSizeLimit,
			AllowedTypes:  b.AllowedMimeTypes,
			CreatedAt:     b.CreatedAt,
		})
	}

	if err := BucketsPage(rows).Render(ctx, w); err != nil {
		slog.Error("Render buckets page", "err", err)
	}
}

// Browse lists one directory level of a bucket using the prefix index.
func (s *Server) Browse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")
	prefix := strings.Trim(r.PathValue("path"), "/")

	listing := Listing{Bucket: bucket, Prefix: prefix}

	opts := meta.ListOptions{}
	if prefix != "" {
		opts.Prefix = prefix + keypath.Separator
		opts.Level = keypath.LevelOf(opts.Prefix)
	}

	for e, err := range s.Store.ListObjects(ctx, bucket, opts) {
		if err != nil {
			if errors.Is(err, meta.ErrBucketNotFound) {
				http.NotFound(w, r)
				return
			}
			slog.Error("List objects", "bucket", bucket, "prefix", prefix, "err", err)
			http.Error(w, "failed to list objects", http.StatusInternalServerError)
			return
		}

		if e.Kind == meta.KindPrefix {
			listing.Folders = append(listing.Folders, Folder{Path: e.Name})
			continue
		}

		listing.Files = append(listing.Files, File{
			Key:          e.Object.Name,
			Size:         e.Object.Metadata.Size,
			ContentType:  e.Object.Metadata.Mimetype,
			LastModified: e.Object.Metadata.LastModified,
		})
	}

	uploads, err := s.Store.ListUploads(ctx, bucket, meta.UploadFilter{Prefix: opts.Prefix})
	if err != nil {
		slog.Error("List uploads", "bucket", bucket, "err", err)
		http.Error(w, "failed to list uploads", http.StatusInternalServerError)
		return
	}

	for _, u := range uploads {
		listing.Uploads = append(listing.Uploads, Upload{
			ID:        u.ID.String(),
			Key:       u.Key,
			Size:      u.InProgressSize,
			State:     string(u.State),
			CreatedAt: u.CreatedAt,
		})
	}

	if err := BrowserPage(listing).Render(ctx, w); err != nil {
		slog.Error("Render browser page", "bucket", bucket, "err", err)
	}
}

func (s *Server) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	htmx := r.Header.Get("HX-Request") == "true"

	fail := func(msg string, status int) {
		if htmx {
			w.WriteHeader(http.StatusBadRequest)
			_ = ErrorMessage(msg).Render(ctx, w)
			return
		}
		http.Error(w, msg, status)
	}

	if err := r.ParseForm(); err != nil {
		fail(fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		fail("bucket name is required", http.StatusBadRequest)
		return
	}

	_, err := s.Store.CreateBucket(ctx, meta.BucketInput{
		ID:     name,
		Public: r.FormValue("public") == "true",
	})
	switch {
	case errors.Is(err, meta.ErrDuplicateBucket):
		fail("bucket "+name+" already exists", http.StatusConflict)
		return
	case err != nil:
		slog.Error("Create bucket", "bucket", name, "err", err)
		fail("failed to create bucket", http.StatusInternalServerError)
		return
	}

	redirectURL := BucketURL(name, "")
	if htmx {
		w.Header().Set("HX-Redirect", redirectURL)
		w.WriteHeader(http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
}
