// Package sweeper aborts multipart uploads that have seen no activity for
// longer than a configured time to live.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eteran/strata/internal/meta"
	"github.com/google/uuid"
)

// Uploads is the part of the metadata store the sweeper needs.
type Uploads interface {
	ListExpiredUploads(ctx context.Context, cutoff time.Time, limit int) ([]meta.Upload, error)
	AbortUploadIfIdle(ctx context.Context, id uuid.UUID, cutoff time.Time) error
}

type Sweeper struct {
	Uploads Uploads

	// TTL is how long an upload may stay idle. Idle time is measured from
	// its newest part, or from its creation when it has none.
	TTL time.Duration

	// Limit caps the number of uploads aborted by one sweep. Zero uses the
	// store's default page size.
	Limit int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Cutoff  time.Time
	Scanned int
	Aborted int

	// Vanished counts uploads that were completed or aborted by someone
	// else between the listing and the abort.
	Vanished int

	// Revived counts uploads that received a part between the listing and
	// the abort and were kept.
	Revived int
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sweep aborts every expired upload it finds, up to Limit. It keeps going
// past individual failures and returns them joined.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	res := Result{Cutoff: s.now().Add(-s.TTL).UTC()}

	uploads, err := s.Uploads.ListExpiredUploads(ctx, res.Cutoff, s.Limit)
	if err != nil {
		return res, err
	}
	res.Scanned = len(uploads)

	var errs []error
	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		err := s.Uploads.AbortUploadIfIdle(ctx, u.ID, res.Cutoff)
		switch {
		case err == nil:
			res.Aborted++
			slog.Debug("Aborted expired upload", "bucket", u.BucketID, "key", u.Key, "uploadId", u.ID, "created", u.CreatedAt)
		case errors.Is(err, meta.ErrUploadNotFound):
			res.Vanished++
		case errors.Is(err, meta.ErrConflict):
			res.Revived++
		default:
			errs = append(errs, err)
		}
	}

	return res, errors.Join(errs...)
}

// Run sweeps once every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.LogSweep(ctx, "Multipart periodic sweep")
		}
	}
}

// LogSweep runs a sweep and logs its outcome under msg.
func (s *Sweeper) LogSweep(ctx context.Context, msg string) {
	res, err := s.Sweep(ctx)
	attrs := []any{
		"cutoff", res.Cutoff,
		"uploads_scanned", res.Scanned,
		"uploads_aborted", res.Aborted,
		"uploads_vanished", res.Vanished,
		"uploads_revived", res.Revived,
	}

	if err != nil {
		slog.Warn(msg+" completed with errors", append(attrs, "err", err)...)
		return
	}
	slog.Info(msg+" completed", attrs...)
}
