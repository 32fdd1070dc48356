package core

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eteran/strata/internal/keypath"
	"github.com/eteran/strata/internal/meta"
	"github.com/eteran/strata/internal/policy"
)

const defaultMaxKeys = 1000

type listRequest struct {
	Prefix    string
	Delimiter string

	// After is the marker, continuation token or start-after key. A value
	// ending in the delimiter names a common prefix that was already
	// returned.
	After string

	MaxKeys    int
	FetchOwner bool
}

type listPage struct {
	Contents       []ObjectSummary
	CommonPrefixes []CommonPrefix
	IsTruncated    bool

	// Next is the marker of the last returned entry.
	Next string
}

func (p *listPage) count() int {
	return len(p.Contents) + len(p.CommonPrefixes)
}

func parseMaxKeys(r *http.Request) int {
	maxKeys, ok := queryInt(r, "max-keys", defaultMaxKeys)
	if !ok || maxKeys == 0 || maxKeys > defaultMaxKeys {
		return defaultMaxKeys
	}
	return maxKeys
}

// listOptions translates a listing request into a store query. With the
// "/" delimiter the prefix index answers the query directly: the level of
// the prefix selects its immediate children, whether it ends on a segment
// boundary or in the middle of one. Other delimiters fall back to a
// recursive scan grouped in memory.
func listOptions(req listRequest) meta.ListOptions {
	opts := meta.ListOptions{
		Prefix:   req.Prefix,
		PageSize: min(req.MaxKeys+1, meta.DefaultPageSize),
	}

	if req.Delimiter == keypath.Separator {
		opts.Level = keypath.LevelOf(req.Prefix)
		opts.StartAfter, opts.StartAfterPrefix = strings.CutSuffix(req.After, keypath.Separator)
		return opts
	}

	opts.Recursive = true
	opts.StartAfter = req.After
	return opts
}

// trimPrefixFold removes prefix from the start of name ignoring case, as
// the store matches listing prefixes.
func trimPrefixFold(name, prefix string) string {
	if len(name) >= len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
		return name[len(prefix):]
	}
	return name
}

// collectPage reads one page of a listing.
func (s *Server) collectPage(ctx context.Context, bucket string, req listRequest) (listPage, error) {
	var (
		page       listPage
		grouped    = req.Delimiter != "" && req.Delimiter != keypath.Separator
		seen       = make(map[string]struct{})
		skipPrefix string
	)

	if grouped && strings.HasSuffix(req.After, req.Delimiter) {
		skipPrefix = req.After
	}

	for e, err := range s.Store.ListObjects(ctx, bucket, listOptions(req)) {
		if err != nil {
			return listPage{}, err
		}

		commonPrefix := ""
		switch {
		case e.Kind == meta.KindPrefix:
			commonPrefix = e.Name + keypath.Separator
		case grouped:
			rel := trimPrefixFold(e.Name, req.Prefix)
			if idx := strings.Index(rel, req.Delimiter); idx != -1 {
				commonPrefix = req.Prefix + rel[:idx+len(req.Delimiter)]
				if strings.EqualFold(commonPrefix, skipPrefix) {
					continue
				}
				if _, ok := seen[strings.ToLower(commonPrefix)]; ok {
					continue
				}
			}
		}

		if page.count() == req.MaxKeys {
			page.IsTruncated = true
			break
		}

		if commonPrefix != "" {
			seen[strings.ToLower(commonPrefix)] = struct{}{}
			page.CommonPrefixes = append(page.CommonPrefixes, CommonPrefix{Prefix: commonPrefix})
			page.Next = commonPrefix
			continue
		}

		summary := ObjectSummary{
			Key:          e.Object.Name,
			LastModified: formatTime(e.Object.Metadata.LastModified),
			ETag:         createETag(e.Object.Metadata.ETag),
			Size:         e.Object.Metadata.Size,
			StorageClass: storageClassDefault,
		}
		if req.FetchOwner {
			o := ownerElement(e.Object.Owner)
			summary.Owner = &o
		}

		page.Contents = append(page.Contents, summary)
		page.Next = e.Object.Name
	}

	return page, nil
}

// handleListObjects implements S3 ListObjects (v1):
// GET /bucket[?prefix=&delimiter=&marker=&max-keys=].
func (s *Server) handleListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectList) == nil {
		return
	}

	q := r.URL.Query()
	req := listRequest{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		After:      q.Get("marker"),
		MaxKeys:    parseMaxKeys(r),
		FetchOwner: true,
	}

	page, err := s.collectPage(ctx, bucket, req)
	if err != nil {
		s.writeStoreError(w, r, err, "List objects", "bucket", bucket)
		return
	}

	resp := ListBucketResult{
		XMLNS:          s3XMLNamespace,
		Name:           bucket,
		Prefix:         req.Prefix,
		Marker:         req.After,
		Delimiter:      req.Delimiter,
		MaxKeys:        req.MaxKeys,
		IsTruncated:    page.IsTruncated,
		Contents:       page.Contents,
		CommonPrefixes: page.CommonPrefixes,
	}
	if page.IsTruncated {
		resp.NextMarker = page.Next
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects XML", "bucket", bucket, "err", err)
	}
}

// handleListObjectsV2 implements S3 ListObjectsV2:
// GET /bucket?list-type=2[&prefix=&delimiter=&max-keys=&continuation-token=&start-after=&fetch-owner=].
func (s *Server) handleListObjectsV2(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if s.lookupBucket(ctx, w, r, bucket, policy.ActionObjectList) == nil {
		return
	}

	q := r.URL.Query()
	continuationToken := q.Get("continuation-token")
	startAfter := q.Get("start-after")

	req := listRequest{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		After:      startAfter,
		MaxKeys:    parseMaxKeys(r),
		FetchOwner: q.Get("fetch-owner") == "true",
	}
	if continuationToken != "" {
		req.After = continuationToken
	}

	page, err := s.collectPage(ctx, bucket, req)
	if err != nil {
		s.writeStoreError(w, r, err, "List objects v2", "bucket", bucket)
		return
	}

	resp := ListBucketResultV2{
		XMLNS:             s3XMLNamespace,
		Name:              bucket,
		Prefix:            req.Prefix,
		Delimiter:         req.Delimiter,
		KeyCount:          page.count(),
		MaxKeys:           req.MaxKeys,
		IsTruncated:       page.IsTruncated,
		ContinuationToken: continuationToken,
		StartAfter:        startAfter,
		Contents:          page.Contents,
		CommonPrefixes:    page.CommonPrefixes,
	}
	if page.IsTruncated {
		resp.NextContinuationToken = page.Next
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}
