package meta_test

import (
	"testing"
	"time"

	"github.com/eteran/strata/internal/meta"
	"github.com/google/uuid"

	"github.com/stretchr/testify/require"
)

func TestCreateBucketTwice(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	limit := int64(1024)

	first, err := s.CreateBucket(t.Context(), meta.BucketInput{ID: "images", Name: "Images", Public: true, FileSizeLimit: &limit})
	require.NoError(t, err)

	_, err = s.CreateBucket(t.Context(), meta.BucketInput{ID: "images", Name: "Other"})
	require.ErrorIs(t, err, meta.ErrDuplicateBucket)

	got, err := s.GetBucket(t.Context(), "images")
	require.NoError(t, err)
	require.Equal(t, first.Name, got.Name, "first bucket is unaffected")
	require.True(t, got.Public)
	require.Equal(t, &limit, got.FileSizeLimit)
}

func TestCreateBucketNameTaken(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	_, err := s.CreateBucket(t.Context(), meta.BucketInput{ID: "a", Name: "b"})
	require.NoError(t, err)

	_, err = s.CreateBucket(t.Context(), meta.BucketInput{ID: "b"})
	require.ErrorIs(t, err, meta.ErrConflict)
	require.NotErrorIs(t, err, meta.ErrDuplicateBucket, "no bucket has id b")
	require.ErrorContains(t, err, "name")

	_, err = s.GetBucket(t.Context(), "b")
	require.ErrorIs(t, err, meta.ErrBucketNotFound)
}

func TestCreateBucketDefaults(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	owner := uuid.New()

	b, err := s.CreateBucket(t.Context(), meta.BucketInput{ID: "avatars", Owner: owner})
	require.NoError(t, err)
	require.Equal(t, "avatars", b.Name, "name defaults to id")
	require.Equal(t, meta.BucketStandard, b.Type)

	got, err := s.GetBucket(t.Context(), "avatars")
	require.NoError(t, err)
	require.Equal(t, owner, got.Owner)
	require.False(t, got.Public)
	require.Nil(t, got.FileSizeLimit)
	require.Empty(t, got.AllowedMimeTypes)
}

func TestCreateBucketInvalidInput(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	negative := int64(-1)

	tests := []struct {
		name string
		in   meta.BucketInput
	}{
		{name: "empty id", in: meta.BucketInput{}},
		{name: "unknown type", in: meta.BucketInput{ID: "x", Type: "COLD"}},
		{name: "negative limit", in: meta.BucketInput{ID: "y", FileSizeLimit: &negative}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateBucket(t.Context(), tc.in)
			require.ErrorIs(t, err, meta.ErrInvalidArgument)
		})
	}
}

func TestGetBucketNotFound(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	_, err := s.GetBucket(t.Context(), "missing")
	require.ErrorIs(t, err, meta.ErrBucketNotFound)
	require.ErrorIs(t, err, meta.ErrNotFound)

	ok, err := s.BucketExists(t.Context(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListBucketsOrderAndFilter(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newStore(t, meta.WithClock(clock.Now))
	alice, bob := uuid.New(), uuid.New()

	for _, in := range []meta.BucketInput{
		{ID: "zeta", Owner: alice, Public: true},
		{ID: "alpha", Owner: bob},
		{ID: "mid", Owner: alice},
	} {
		_, err := s.CreateBucket(t.Context(), in)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	ids := func(buckets []meta.Bucket) []string {
		out := make([]string, 0, len(buckets))
		for _, b := range buckets {
			out = append(out, b.ID)
		}
		return out
	}

	all, err := s.ListBuckets(t.Context(), meta.BucketFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"zeta", "alpha", "mid"}, ids(all), "oldest first")

	again, err := s.ListBuckets(t.Context(), meta.BucketFilter{})
	require.NoError(t, err)
	require.Equal(t, ids(all), ids(again), "listing is re-runnable")

	owned, err := s.ListBuckets(t.Context(), meta.BucketFilter{Owner: &alice})
	require.NoError(t, err)
	require.Equal(t, []string{"zeta", "mid"}, ids(owned))

	public := true
	visible, err := s.ListBuckets(t.Context(), meta.BucketFilter{Owner: &alice, Public: &public})
	require.NoError(t, err)
	require.Equal(t, []string{"zeta"}, ids(visible))
}

func TestUpdateBucket(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "docs")

	public := true
	limit := int64(100)
	types := []string{"application/pdf"}

	b, err := s.UpdateBucket(t.Context(), "docs", meta.BucketUpdate{Public: &public, FileSizeLimit: &limit, AllowedMimeTypes: &types})
	require.NoError(t, err)
	require.True(t, b.Public)
	require.Equal(t, int64(100), *b.FileSizeLimit)

	got, err := s.GetBucket(t.Context(), "docs")
	require.NoError(t, err)
	require.Equal(t, types, got.AllowedMimeTypes)
	require.Equal(t, int64(100), *got.FileSizeLimit)

	got, err = s.UpdateBucket(t.Context(), "docs", meta.BucketUpdate{ClearFileSizeLimit: true})
	require.NoError(t, err)
	require.Nil(t, got.FileSizeLimit)
	require.True(t, got.Public, "untouched fields are kept")

	_, err = s.UpdateBucket(t.Context(), "nope", meta.BucketUpdate{Public: &public})
	require.ErrorIs(t, err, meta.ErrBucketNotFound)
}

func TestDeleteBucketPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		policy     meta.DeletePolicy
		withObject bool
		withUpload bool
		wantErr    error
	}{
		{name: "empty bucket", policy: meta.DeletePolicy{}},
		{name: "objects block by default", withObject: true, wantErr: meta.ErrBucketNotEmpty},
		{name: "uploads block by default", withUpload: true, wantErr: meta.ErrBucketNotEmpty},
		{name: "objects cascade", policy: meta.DeletePolicy{Objects: meta.Cascade}, withObject: true},
		{name: "objects cascade but uploads block", policy: meta.DeletePolicy{Objects: meta.Cascade}, withObject: true, withUpload: true, wantErr: meta.ErrBucketNotEmpty},
		{name: "everything cascades", policy: meta.DeletePolicy{Objects: meta.Cascade, Uploads: meta.Cascade}, withObject: true, withUpload: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newStore(t, meta.WithDeletePolicy(tc.policy))
			newBucket(t, s, "b")

			if tc.withObject {
				putObject(t, s, "b", "dir/sub/file.txt")
			}

			if tc.withUpload {
				u, err := s.InitiateUpload(t.Context(), meta.InitiateInput{Bucket: "b", Key: "big.bin"})
				require.NoError(t, err)
				_, err = s.UploadPart(t.Context(), meta.UploadPartInput{UploadID: u.ID, PartNumber: 1, Size: 5, ETag: "aa"})
				require.NoError(t, err)
			}

			err := s.DeleteBucket(t.Context(), "b")
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)

				_, err = s.GetBucket(t.Context(), "b")
				require.NoError(t, err, "blocked delete leaves the bucket")
				return
			}

			require.NoError(t, err)
			_, err = s.GetBucket(t.Context(), "b")
			require.ErrorIs(t, err, meta.ErrBucketNotFound)

			// A bucket recreated under the same id starts out empty.
			newBucket(t, s, "b")
			prefixes, err := s.ListPrefixes(t.Context(), "b")
			require.NoError(t, err)
			require.Empty(t, prefixes)

			uploads, err := s.ListUploads(t.Context(), "b", meta.UploadFilter{})
			require.NoError(t, err)
			require.Empty(t, uploads)
		})
	}
}

func TestDeleteBucketNotFound(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	require.ErrorIs(t, s.DeleteBucket(t.Context(), "ghost"), meta.ErrBucketNotFound)
}

func TestEmptyBucket(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	putObject(t, s, "b", "a/1.txt")
	putObject(t, s, "b", "a/b/2.txt")
	putObject(t, s, "b", "3.txt")

	u, err := s.InitiateUpload(t.Context(), meta.InitiateInput{Bucket: "b", Key: "pending"})
	require.NoError(t, err)

	n, err := s.EmptyBucket(t.Context(), "b")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	require.Empty(t, collect(t, s.ListObjects(t.Context(), "b", meta.ListOptions{Recursive: true})))
	requirePrefixIndex(t, s, "b")

	_, err = s.GetUpload(t.Context(), u.ID)
	require.NoError(t, err, "uploads are left alone")

	// Uploads still block a plain delete.
	require.ErrorIs(t, s.DeleteBucket(t.Context(), "b"), meta.ErrBucketNotEmpty)
}

func TestAllowsContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		allowed     []string
		contentType string
		want        bool
	}{
		{allowed: nil, contentType: "anything/at-all", want: true},
		{allowed: []string{"image/png"}, contentType: "image/png", want: true},
		{allowed: []string{"image/png"}, contentType: "IMAGE/PNG", want: true},
		{allowed: []string{"image/png"}, contentType: "image/jpeg", want: false},
		{allowed: []string{"image/*"}, contentType: "image/jpeg", want: true},
		{allowed: []string{"image/*"}, contentType: "imagex/jpeg", want: false},
		{allowed: []string{"text/plain"}, contentType: "text/plain; charset=utf-8", want: true},
		{allowed: []string{"*/*"}, contentType: "video/mp4", want: true},
		{allowed: []string{"image/png"}, contentType: "", want: false},
	}

	for _, tc := range tests {
		b := meta.Bucket{AllowedMimeTypes: tc.allowed}
		require.Equalf(t, tc.want, b.AllowsContentType(tc.contentType), "%v allows %q", tc.allowed, tc.contentType)
	}
}
