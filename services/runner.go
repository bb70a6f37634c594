package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"megler-scraper/models"
	"megler-scraper/storage"
	"megler-scraper/utils"
)

const mergedLabel = "all_listings"

// ErrAllSourcesFailed is returned when no enabled connector finished.
var ErrAllSourcesFailed = errors.New("every enabled source failed")

// Connector paginates one source API and returns its canonical records. It
// returns the records gathered so far even when it also returns an error.
type Connector interface {
	Name() string
	Source() models.Source
	Collect(ctx context.Context, snapshotAt time.Time) ([]*models.Listing, error)
}

// RunnerOptions tune how connectors are scheduled.
type RunnerOptions struct {
	// Concurrency is the number of connectors run at once; 1 runs them in order.
	Concurrency int
	// StaggerMs is the minimum gap between connector starts.
	StaggerMs int
	// Now supplies the snapshot time. Defaults to time.Now.
	Now func() time.Time
}

// Runner executes one snapshot run: collect every source, write the
// artifacts, then persist the merged batch.
type Runner struct {
	connectors []Connector
	sink       storage.SnapshotSink
	store      storage.ListingStore
	opts       RunnerOptions
	logger     *utils.Logger
}

// NewRunner wires a run. store may be nil to skip persistence.
func NewRunner(connectors []Connector, sink storage.SnapshotSink, store storage.ListingStore, opts RunnerOptions, logger *utils.Logger) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		connectors: connectors,
		sink:       sink,
		store:      store,
		opts:       opts,
		logger:     logger,
	}
}

type collected struct {
	rows     []*models.Listing
	err      error
	duration time.Duration
}

// Run performs the snapshot and returns its report with the merged records.
// A failing connector does not fail the run unless every connector failed;
// artifact and persistence failures do.
func (r *Runner) Run(ctx context.Context) (*models.RunReport, []*models.Listing, error) {
	start := time.Now()
	report := &models.RunReport{
		RunID:      uuid.NewString(),
		SnapshotAt: r.opts.Now().UTC().Truncate(time.Microsecond),
	}
	r.logger.Info("[runner] Run %s started, snapshot_at=%s, %d source(s), concurrency %d",
		report.RunID, report.SnapshotAt.Format(time.RFC3339Nano), len(r.connectors), r.opts.Concurrency)

	results := r.collect(ctx, report.SnapshotAt)

	var (
		merged     []*models.Listing
		sourceErrs *multierror.Error
		runErrs    *multierror.Error
		succeeded  int
	)
	for i, c := range r.connectors {
		res := results[i]
		sr := models.SourceResult{
			Name:     c.Name(),
			Source:   c.Source(),
			Rows:     len(res.rows),
			Err:      res.err,
			Duration: res.duration,
		}
		if res.err != nil {
			sourceErrs = multierror.Append(sourceErrs, fmt.Errorf("%s: %w", c.Name(), res.err))
			r.logger.Error("[runner] %s failed after %d records: %v", c.Source(), len(res.rows), res.err)
		} else {
			succeeded++
			r.logger.Info("[runner] %s collected %d records in %s", c.Source(), len(res.rows), res.duration.Round(time.Millisecond))
		}

		path, err := r.sink.WriteSnapshot(c.Name()+"_listings", report.SnapshotAt, res.rows)
		if err != nil {
			runErrs = multierror.Append(runErrs, err)
			r.logger.Error("[runner] Snapshot for %s failed: %v", c.Source(), err)
		} else {
			sr.Artifact = path
			r.logger.Info("[runner] Wrote %d %s records to %s", len(res.rows), c.Source(), path)
		}

		report.Sources = append(report.Sources, sr)
		merged = append(merged, res.rows...)
	}
	report.TotalRows = len(merged)

	if sourceErrs != nil {
		r.logger.Warn("[runner] %d of %d sources failed: %v", len(sourceErrs.Errors), len(r.connectors), sourceErrs)
	}
	if len(r.connectors) > 0 && succeeded == 0 {
		runErrs = multierror.Append(runErrs, fmt.Errorf("%w: %v", ErrAllSourcesFailed, sourceErrs.ErrorOrNil()))
	}

	if len(merged) > 0 {
		path, err := r.sink.WriteSnapshot(mergedLabel, report.SnapshotAt, merged)
		if err != nil {
			runErrs = multierror.Append(runErrs, err)
			r.logger.Error("[runner] Combined snapshot failed: %v", err)
		} else {
			report.Artifact = path
			r.logger.Info("[runner] Wrote %d combined records to %s", len(merged), path)
		}

		if r.store != nil {
			if err := r.persist(ctx, report, merged); err != nil {
				runErrs = multierror.Append(runErrs, err)
			}
		}
	} else {
		r.logger.Warn("[runner] No records collected, nothing to persist")
	}

	report.Duration = time.Since(start)
	if err := runErrs.ErrorOrNil(); err != nil {
		r.logger.Error("[runner] Run %s failed: %v", report.RunID, err)
		return report, merged, err
	}
	r.logger.Info("[runner] Run %s finished: %d records in %s", report.RunID, report.TotalRows, report.Duration.Round(time.Millisecond))
	return report, merged, nil
}

// collect runs every connector on the worker pool. Results are indexed by
// connector position so the merge order does not depend on timing.
func (r *Runner) collect(ctx context.Context, snapshotAt time.Time) []collected {
	results := make([]collected, len(r.connectors))
	pool := utils.NewWorkerPool(r.opts.Concurrency, r.opts.StaggerMs)

	for i, c := range r.connectors {
		pool.Submit(ctx, func(ctx context.Context) {
			started := time.Now()
			r.logger.Info("[runner] Collecting %s", c.Source())
			rows, err := c.Collect(ctx, snapshotAt)
			results[i] = collected{rows: rows, err: err, duration: time.Since(started)}
		})
		if r.opts.Concurrency == 1 {
			// Sequential mode: finish one source before starting the next.
			pool.Wait()
		}
	}
	pool.Wait()
	return results
}

func (r *Runner) persist(ctx context.Context, report *models.RunReport, rows []*models.Listing) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	res, err := r.store.Upsert(ctx, rows)
	if err != nil {
		r.logger.Error("[runner] Persistence failed, run rolled back: %v", err)
		return fmt.Errorf("persist: %w", err)
	}
	report.Upsert = &res

	counts, err := r.store.Counts(ctx)
	if err != nil {
		r.logger.Warn("[runner] Could not read row counts: %v", err)
		return nil
	}
	report.Stored = &counts
	return nil
}
