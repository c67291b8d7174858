package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/time/rate"

	"github.com/isometry/ldap-replicator/internal/ldap"
	"github.com/isometry/ldap-replicator/internal/replica"
)

// queueDepth bounds how far the fastest worker may run ahead of the slowest.
const queueDepth = 64

// Replicator applies a record to one replica.
type Replicator interface {
	Replicate(ctx context.Context, rec *replica.Record) replica.Outcome
}

// boundReporter is implemented by replicators that know their bind state.
type boundReporter interface {
	IsBound() bool
}

// Target is one replica fed by the driver.
type Target struct {
	Name       string
	Replicator Replicator
}

// Source yields records in order, returning io.EOF when exhausted.
type Source interface {
	Next() (*replica.Record, error)
}

// SliceSource serves records from memory.
type SliceSource struct {
	records []*replica.Record
	pos     int
}

// NewSliceSource returns a Source over records.
func NewSliceSource(records []*replica.Record) *SliceSource {
	return &SliceSource{records: records}
}

// Next implements Source.
func (s *SliceSource) Next() (*replica.Record, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

// Options configures retry and pacing.
type Options struct {
	MaxRetries     int           // Retries per record after the first attempt
	InitialBackoff time.Duration // Wait before the first retry
	MaxBackoff     time.Duration // Upper bound on the wait
	BackoffFactor  float64       // Backoff multiplication factor

	// Limiter paces attempts across all workers; nil means unlimited.
	Limiter *rate.Limiter
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// NewLimiter returns a limiter for ratePerSecond, or nil when it is zero.
func NewLimiter(ratePerSecond float64, burst int) *rate.Limiter {
	if ratePerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}

// Rejection describes a record a replica refused or never accepted.
type Rejection struct {
	DN         string
	ChangeType string
	Message    string
}

// Report summarises one replica's run.
type Report struct {
	Replica    string
	OK         int
	Rejected   int
	Retried    int // Retry attempts, not records
	Rejections []Rejection
}

// Failed reports whether any record was rejected.
func (r Report) Failed() bool {
	return r.Rejected > 0
}

// Driver fans records out to one worker per target.
type Driver struct {
	opts    Options
	workers []*worker
}

// NewDriver creates a driver for targets.
func NewDriver(targets []Target, opts Options) *Driver {
	d := &Driver{opts: opts}
	for _, t := range targets {
		d.workers = append(d.workers, &worker{target: t, opts: opts})
	}
	return d
}

// Health returns the bound state of every target. It is safe to call while
// Run is in progress.
func (d *Driver) Health() map[string]bool {
	states := make(map[string]bool, len(d.workers))
	for _, w := range d.workers {
		states[w.target.Name] = w.bound.Load()
	}
	return states
}

// Run feeds every record from src to every target, in order, and waits for
// all workers to finish. Reports are returned in target order even when an
// error stops the run early.
func (d *Driver) Run(ctx context.Context, src Source) ([]Report, error) {
	queues := make([]chan *replica.Record, len(d.workers))
	var wg sync.WaitGroup

	for i, w := range d.workers {
		queues[i] = make(chan *replica.Record, queueDepth)
		wg.Add(1)
		go func(w *worker, queue <-chan *replica.Record) {
			defer wg.Done()
			w.run(ctx, queue)
		}(w, queues[i])
	}

	feedErr := d.feed(ctx, src, queues)
	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	reports := make([]Report, len(d.workers))
	for i, w := range d.workers {
		reports[i] = w.report
	}

	if feedErr != nil {
		return reports, feedErr
	}
	return reports, ctx.Err()
}

func (d *Driver) feed(ctx context.Context, src Source, queues []chan *replica.Record) error {
	count := 0
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			tflog.SubsystemDebug(ctx, ldap.SubsystemReplay, "Record source exhausted", map[string]any{
				"records": count,
			})
			return nil
		}
		if err != nil {
			tflog.SubsystemError(ctx, ldap.SubsystemReplay, "Failed to read record", map[string]any{
				"error":   err.Error(),
				"records": count,
			})
			return fmt.Errorf("failed to read records: %w", err)
		}
		count++

		for _, q := range queues {
			select {
			case q <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type worker struct {
	target Target
	opts   Options
	report Report
	bound  atomic.Bool
}

func (w *worker) run(ctx context.Context, queue <-chan *replica.Record) {
	w.report.Replica = w.target.Name
	ctx = tflog.SubsystemSetField(ctx, ldap.SubsystemReplay, "replica", w.target.Name)

	for rec := range queue {
		if ctx.Err() != nil {
			// Drain so the feeder never blocks on a stopped worker.
			continue
		}

		out := w.process(ctx, rec)
		if br, ok := w.target.Replicator.(boundReporter); ok {
			w.bound.Store(br.IsBound())
		}

		if out.OK() {
			w.report.OK++
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		w.report.Rejected++
		w.report.Rejections = append(w.report.Rejections, Rejection{
			DN:         rec.DN,
			ChangeType: rec.ChangeTag(),
			Message:    out.Message,
		})
		tflog.SubsystemError(ctx, ldap.SubsystemReplay, "Record rejected", map[string]any{
			"dn":          rec.DN,
			"change_type": rec.ChangeTag(),
			"status":      out.Status.String(),
			"message":     out.Message,
		})
	}

	tflog.SubsystemInfo(ctx, ldap.SubsystemReplay, "Replay finished", map[string]any{
		"ok":       w.report.OK,
		"rejected": w.report.Rejected,
		"retried":  w.report.Retried,
	})
}

// process replicates rec, retrying Retryable outcomes with exponential
// backoff. The final outcome is never Retryable.
func (w *worker) process(ctx context.Context, rec *replica.Record) replica.Outcome {
	backoff := w.opts.InitialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.report.Retried++
			tflog.SubsystemDebug(ctx, ldap.SubsystemReplay, "Retrying record", map[string]any{
				"dn":         rec.DN,
				"attempt":    attempt,
				"max_retry":  w.opts.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
			})
		}

		if w.opts.Limiter != nil {
			if err := w.opts.Limiter.Wait(ctx); err != nil {
				return cancelled(rec, err)
			}
		}

		out := w.target.Replicator.Replicate(ctx, rec)
		if out.Status != replica.StatusRetryable {
			if out.OK() && attempt > 0 {
				tflog.SubsystemInfo(ctx, ldap.SubsystemReplay, "Record replicated after retries", map[string]any{
					"dn":             rec.DN,
					"total_attempts": attempt + 1,
				})
			}
			return out
		}

		if attempt == w.opts.MaxRetries {
			return replica.Outcome{
				Status:  replica.StatusFatal,
				Message: fmt.Sprintf("giving up after %d attempts: %s", attempt+1, out.Message),
				Code:    out.Code,
			}
		}

		select {
		case <-ctx.Done():
			tflog.SubsystemWarn(ctx, ldap.SubsystemReplay, "Replay cancelled during retry", map[string]any{
				"dn":            rec.DN,
				"context_error": ctx.Err().Error(),
				"attempt":       attempt + 1,
			})
			return cancelled(rec, ctx.Err())
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*w.opts.BackoffFactor), w.opts.MaxBackoff)
		}
	}
}

func cancelled(rec *replica.Record, err error) replica.Outcome {
	return replica.Outcome{
		Status:  replica.StatusFatal,
		Message: fmt.Sprintf("replication of %q cancelled: %v", rec.DN, err),
	}
}
