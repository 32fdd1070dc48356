package meta_test

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/eteran/strata/internal/meta"
	"github.com/google/uuid"

	"github.com/stretchr/testify/require"
)

func initiate(t *testing.T, s *meta.Store, bucket, key string) *meta.Upload {
	t.Helper()

	u, err := s.InitiateUpload(t.Context(), meta.InitiateInput{
		Bucket:       bucket,
		Key:          key,
		ContentType:  "video/mp4",
		UserMetadata: map[string]string{"origin": "test"},
	})
	require.NoError(t, err, "initiate %q", key)
	return u
}

func uploadPart(t *testing.T, s *meta.Store, id uuid.UUID, number int, size int64) *meta.Part {
	t.Helper()

	sum := md5.Sum([]byte{byte(number), byte(size)})
	p, err := s.UploadPart(t.Context(), meta.UploadPartInput{
		UploadID:   id,
		PartNumber: number,
		Size:       size,
		ETag:       hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err, "upload part %d", number)
	return p
}

func TestInitiateUpload(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")

	u := initiate(t, s, "b", "movies/clip.mp4")
	require.Equal(t, meta.UploadInitiated, u.State)
	require.Len(t, u.Signature, 64)
	require.NotEmpty(t, u.Version)

	got, err := s.GetUpload(t.Context(), u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Signature, got.Signature)
	require.Equal(t, "video/mp4", got.ContentType)
	require.Equal(t, map[string]string{"origin": "test"}, got.UserMetadata)
	require.Equal(t, int64(0), got.InProgressSize)

	_, err = s.InitiateUpload(t.Context(), meta.InitiateInput{Bucket: "ghost", Key: "k"})
	require.ErrorIs(t, err, meta.ErrBucketNotFound)

	_, err = s.InitiateUpload(t.Context(), meta.InitiateInput{Bucket: "b", Key: "/abs"})
	require.ErrorIs(t, err, meta.ErrInvalidKey)
}

func TestInitiateUploadChecksContentType(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	_, err := s.CreateBucket(t.Context(), meta.BucketInput{ID: "pics", AllowedMimeTypes: []string{"image/*"}})
	require.NoError(t, err)

	_, err = s.InitiateUpload(t.Context(), meta.InitiateInput{Bucket: "pics", Key: "x.mp4", ContentType: "video/mp4"})
	require.ErrorIs(t, err, meta.ErrInvalidContentType)

	_, err = s.InitiateUpload(t.Context(), meta.InitiateInput{Bucket: "pics", Key: "x.png", ContentType: "image/png"})
	require.NoError(t, err)
}

func TestUploadPartReplaces(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	u := initiate(t, s, "b", "big.bin")

	uploadPart(t, s, u.ID, 1, 10)
	uploadPart(t, s, u.ID, 1, 20)

	got, err := s.GetUpload(t.Context(), u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(20), got.InProgressSize, "replaced part is not counted twice")
	require.Equal(t, meta.UploadInProgress, got.State)

	parts, err := s.ListParts(t.Context(), u.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, int64(20), parts[0].Size)
	require.Equal(t, u.Version, parts[0].Version)
	require.Equal(t, "big.bin", parts[0].Key)

	uploadPart(t, s, u.ID, 2, 7)
	got, err = s.GetUpload(t.Context(), u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(27), got.InProgressSize)
}

func TestUploadPartErrors(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	limit := int64(25)
	_, err := s.CreateBucket(t.Context(), meta.BucketInput{ID: "b", FileSizeLimit: &limit})
	require.NoError(t, err)
	u := initiate(t, s, "b", "big.bin")

	for _, n := range []int{0, -1, meta.MaxPartNumber + 1} {
		_, err := s.UploadPart(t.Context(), meta.UploadPartInput{UploadID: u.ID, PartNumber: n, Size: 1})
		require.ErrorIsf(t, err, meta.ErrInvalidPartNumber, "part number %d", n)
	}

	_, err = s.UploadPart(t.Context(), meta.UploadPartInput{UploadID: uuid.New(), PartNumber: 1, Size: 1})
	require.ErrorIs(t, err, meta.ErrUploadNotFound)

	uploadPart(t, s, u.ID, 1, 20)

	_, err = s.UploadPart(t.Context(), meta.UploadPartInput{UploadID: u.ID, PartNumber: 2, Size: 6})
	require.ErrorIs(t, err, meta.ErrQuotaExceeded)

	got, err := s.GetUpload(t.Context(), u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(20), got.InProgressSize, "rejected part is not recorded")

	// Shrinking an existing part keeps the total within the limit.
	uploadPart(t, s, u.ID, 1, 15)
	uploadPart(t, s, u.ID, 2, 10)
}

func TestCompleteUpload(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	u := initiate(t, s, "b", "media/video.mp4")

	parts := []*meta.Part{
		uploadPart(t, s, u.ID, 1, 5),
		uploadPart(t, s, u.ID, 2, 5),
		uploadPart(t, s, u.ID, 3, 6),
	}

	obj, err := s.CompleteUpload(t.Context(), meta.CompleteInput{UploadID: u.ID, Path: "cafebabe", CacheControl: "max-age=60"})
	require.NoError(t, err)
	require.Equal(t, int64(16), obj.Metadata.Size)
	require.Equal(t, u.Version, obj.Version, "object takes the upload's version")
	require.Equal(t, "video/mp4", obj.Metadata.Mimetype)
	require.Equal(t, "cafebabe", obj.Metadata.Path)
	require.Equal(t, "max-age=60", obj.Metadata.CacheControl)
	require.Equal(t, map[string]string{"origin": "test"}, obj.UserMetadata)
	require.True(t, strings.HasSuffix(obj.Metadata.ETag, "-3"), "etag %q", obj.Metadata.ETag)

	expected := make([]meta.Part, 0, len(parts))
	for _, p := range parts {
		expected = append(expected, *p)
	}
	require.Equal(t, meta.CombinedETag(expected), obj.Metadata.ETag)

	_, err = s.GetUpload(t.Context(), u.ID)
	require.ErrorIs(t, err, meta.ErrUploadNotFound, "upload is consumed")

	_, err = s.ListParts(t.Context(), u.ID)
	require.ErrorIs(t, err, meta.ErrUploadNotFound)

	got, err := s.GetObject(t.Context(), "b", "media/video.mp4")
	require.NoError(t, err)
	require.Equal(t, obj.ID, got.ID)
	requirePrefixIndex(t, s, "b")

	_, err = s.CompleteUpload(t.Context(), meta.CompleteInput{UploadID: u.ID})
	require.ErrorIs(t, err, meta.ErrUploadNotFound, "completing twice fails")
}

func TestCompleteUploadDetectsReplacedPart(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	u := initiate(t, s, "b", "disk.img")

	uploadPart(t, s, u.ID, 1, 5)
	uploadPart(t, s, u.ID, 2, 5)

	assembled, err := s.ListParts(t.Context(), u.ID)
	require.NoError(t, err)

	// Part 2 is uploaded again after the payload was assembled.
	uploadPart(t, s, u.ID, 2, 9)

	_, err = s.CompleteUpload(t.Context(), meta.CompleteInput{UploadID: u.ID, Path: "stale", Parts: assembled})
	require.ErrorIs(t, err, meta.ErrConflict)

	_, err = s.GetObject(t.Context(), "b", "disk.img")
	require.ErrorIs(t, err, meta.ErrObjectNotFound, "nothing is committed")

	current, err := s.ListParts(t.Context(), u.ID)
	require.NoError(t, err, "upload is untouched")
	require.Len(t, current, 2)

	obj, err := s.CompleteUpload(t.Context(), meta.CompleteInput{UploadID: u.ID, Path: "fresh", Parts: current})
	require.NoError(t, err)
	require.Equal(t, int64(14), obj.Metadata.Size)
	require.Equal(t, meta.CombinedETag(current), obj.Metadata.ETag)
}

func TestCompleteUploadReplacesObject(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	existing := putObject(t, s, "b", "report.pdf")

	u := initiate(t, s, "b", "report.pdf")
	uploadPart(t, s, u.ID, 1, 3)

	obj, err := s.CompleteUpload(t.Context(), meta.CompleteInput{UploadID: u.ID})
	require.NoError(t, err)
	require.Equal(t, existing.ID, obj.ID)
	require.Equal(t, u.Version, obj.Version)
}

func TestCompleteUploadWithGap(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	u := initiate(t, s, "b", "gappy.bin")

	uploadPart(t, s, u.ID, 1, 5)
	uploadPart(t, s, u.ID, 3, 5)

	_, err := s.CompleteUpload(t.Context(), meta.CompleteInput{UploadID: u.ID})
	require.ErrorIs(t, err, meta.ErrIncompleteParts)

	got, err := s.GetUpload(t.Context(), u.ID)
	require.NoError(t, err, "upload is left untouched")
	require.Equal(t, int64(10), got.InProgressSize)

	parts, err := s.ListParts(t.Context(), u.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	_, err = s.GetObject(t.Context(), "b", "gappy.bin")
	require.ErrorIs(t, err, meta.ErrObjectNotFound)
	requirePrefixIndex(t, s, "b")
}

func TestCompleteUploadWithoutParts(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	u := initiate(t, s, "b", "empty.bin")

	_, err := s.CompleteUpload(t.Context(), meta.CompleteInput{UploadID: u.ID})
	require.ErrorIs(t, err, meta.ErrIncompleteParts)
}

func TestAbortUpload(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	u := initiate(t, s, "b", "x")
	uploadPart(t, s, u.ID, 1, 5)
	uploadPart(t, s, u.ID, 2, 5)

	require.NoError(t, s.AbortUpload(t.Context(), u.ID))
	require.ErrorIs(t, s.AbortUpload(t.Context(), u.ID), meta.ErrUploadNotFound, "second abort reports the upload as gone")

	_, err := s.GetUpload(t.Context(), u.ID)
	require.ErrorIs(t, err, meta.ErrUploadNotFound)

	require.NoError(t, s.DeleteBucket(t.Context(), "b"), "no parts are left behind")
}

func TestVerifyUploadSignature(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	newBucket(t, s, "b")
	u := initiate(t, s, "b", "x")

	require.NoError(t, s.VerifyUploadSignature(t.Context(), u.ID, u.Signature))
	require.ErrorIs(t, s.VerifyUploadSignature(t.Context(), u.ID, "forged"), meta.ErrInvalidSignature)
	require.ErrorIs(t, s.VerifyUploadSignature(t.Context(), uuid.New(), u.Signature), meta.ErrUploadNotFound)
}

func TestListUploads(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newStore(t, meta.WithClock(clock.Now))
	newBucket(t, s, "b")
	newBucket(t, s, "other")

	second := initiate(t, s, "b", "logs/b.txt")
	clock.Advance(time.Second)
	first := initiate(t, s, "b", "logs/a.txt")
	clock.Advance(time.Second)
	again := initiate(t, s, "b", "logs/b.txt")
	clock.Advance(time.Second)
	initiate(t, s, "b", "zzz")
	initiate(t, s, "other", "logs/a.txt")

	uploads, err := s.ListUploads(t.Context(), "b", meta.UploadFilter{Prefix: "logs/"})
	require.NoError(t, err)
	require.Len(t, uploads, 3)
	require.Equal(t, first.ID, uploads[0].ID)
	require.Equal(t, second.ID, uploads[1].ID)
	require.Equal(t, again.ID, uploads[2].ID)

	all, err := s.ListUploads(t.Context(), "b", meta.UploadFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	_, err = s.ListUploads(t.Context(), "ghost", meta.UploadFilter{})
	require.ErrorIs(t, err, meta.ErrBucketNotFound)
}

func TestListExpiredUploads(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newStore(t, meta.WithClock(clock.Now))
	newBucket(t, s, "b")

	idle := initiate(t, s, "b", "idle")
	active := initiate(t, s, "b", "active")

	clock.Advance(2 * time.Hour)
	uploadPart(t, s, active.ID, 1, 1)

	clock.Advance(30 * time.Minute)
	fresh := initiate(t, s, "b", "fresh")

	cutoff := clock.Now().Add(-time.Hour)
	expired, err := s.ListExpiredUploads(t.Context(), cutoff, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, idle.ID, expired[0].ID)

	// Every upload is idle once the cutoff passes the last part.
	expired, err = s.ListExpiredUploads(t.Context(), clock.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	ids := []uuid.UUID{}
	for _, u := range expired {
		ids = append(ids, u.ID)
	}
	require.ElementsMatch(t, []uuid.UUID{idle.ID, active.ID, fresh.ID}, ids)

	limited, err := s.ListExpiredUploads(t.Context(), clock.Now().Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestAbortUploadIfIdle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newStore(t, meta.WithClock(clock.Now))
	newBucket(t, s, "b")

	idle := initiate(t, s, "b", "idle")
	revived := initiate(t, s, "b", "revived")

	clock.Advance(2 * time.Hour)
	cutoff := clock.Now().Add(-time.Hour)

	expired, err := s.ListExpiredUploads(t.Context(), cutoff, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)

	// A part arrives after the listing.
	uploadPart(t, s, revived.ID, 1, 1)

	require.NoError(t, s.AbortUploadIfIdle(t.Context(), idle.ID, cutoff))
	_, err = s.GetUpload(t.Context(), idle.ID)
	require.ErrorIs(t, err, meta.ErrUploadNotFound)

	err = s.AbortUploadIfIdle(t.Context(), revived.ID, cutoff)
	require.ErrorIs(t, err, meta.ErrConflict)
	_, err = s.GetUpload(t.Context(), revived.ID)
	require.NoError(t, err, "active upload survives")

	err = s.AbortUploadIfIdle(t.Context(), idle.ID, cutoff)
	require.ErrorIs(t, err, meta.ErrUploadNotFound)
}

func TestCombinedETag(t *testing.T) {
	t.Parallel()

	a := md5.Sum([]byte("part one"))
	b := md5.Sum([]byte("part two"))

	h := md5.New()
	h.Write(a[:])
	h.Write(b[:])
	want := hex.EncodeToString(h.Sum(nil)) + "-2"

	got := meta.CombinedETag([]meta.Part{
		{PartNumber: 1, ETag: `"` + hex.EncodeToString(a[:]) + `"`},
		{PartNumber: 2, ETag: hex.EncodeToString(b[:])},
	})
	require.Equal(t, want, got)
}
