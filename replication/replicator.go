package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/alexhholmes/gendb"
)

const (
	DefaultInterval   = time.Second
	DefaultMaxRetries = 5
	DefaultBackoff    = 100 * time.Millisecond
)

// Option configures a Replicator.
type Option func(*Replicator)

// WithInterval sets how long Run waits between polls once caught up.
func WithInterval(d time.Duration) Option {
	return func(r *Replicator) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatch sets the number of records requested per fetch.
func WithBatch(n int) Option {
	return func(r *Replicator) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithRetries sets the retry budget and the base Fibonacci backoff for
// transient failures.
func WithRetries(n uint64, base time.Duration) Option {
	return func(r *Replicator) {
		r.maxRetries = n
		if base > 0 {
			r.backoff = base
		}
	}
}

// Replicator keeps a follower database in step with a Source. The follower
// must only be written through the Replicator.
type Replicator struct {
	db     *gendb.DB
	source Source

	interval   time.Duration
	batch      int
	maxRetries uint64
	backoff    time.Duration

	acked uint64
}

func NewReplicator(db *gendb.DB, source Source, opts ...Option) *Replicator {
	r := &Replicator{
		db:         db,
		source:     source,
		interval:   DefaultInterval,
		batch:      DefaultBatch,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Step fetches one batch following the follower's sequence, applies it and
// acknowledges the new position. It returns the number of records applied.
func (r *Replicator) Step(ctx context.Context) (int, error) {
	from := r.db.Sequence() + 1
	recs, err := r.source.Fetch(ctx, from, r.batch)
	if err != nil {
		return 0, fmt.Errorf("fetch from %d: %w", from, err)
	}

	applied := 0
	for _, rec := range recs {
		if rec.Sequence <= r.db.Sequence() {
			continue
		}
		if err := r.db.Apply(rec); err != nil {
			return applied, err
		}
		applied++
	}

	if seq := r.db.Sequence(); seq > r.acked {
		if err := r.source.Ack(ctx, r.db.ID(), seq); err != nil {
			return applied, fmt.Errorf("ack %d: %w", seq, err)
		}
		r.acked = seq
	}
	return applied, nil
}

// Sync steps until the source has nothing newer, retrying transient
// failures with Fibonacci backoff.
func (r *Replicator) Sync(ctx context.Context) (int, error) {
	total := 0
	b := retry.WithMaxRetries(r.maxRetries, retry.NewFibonacci(r.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		for {
			n, err := r.Step(ctx)
			total += n
			if err != nil {
				if shouldRetry(err) {
					r.db.Logger().Warn("replication step failed, retrying",
						"sequence", r.db.Sequence(), "error", err)
					return retry.RetryableError(err)
				}
				return err
			}
			if n == 0 {
				return nil
			}
		}
	})
	if total > 0 {
		r.db.Logger().Info("replicated log records", "count", total, "sequence", r.db.Sequence())
	}
	return total, err
}

// Run syncs every interval until ctx is done. Permanent failures stop it;
// exhausted retries are logged and polling continues.
func (r *Replicator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !shouldRetry(err) {
				r.db.Logger().Error("replication stopped", "sequence", r.db.Sequence(), "error", err)
				return err
			}
			r.db.Logger().Warn("replication gave up for this round", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// shouldRetry reports whether a replication failure may clear on its own.
// A gap is retried because the next fetch restarts at the follower's
// sequence.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var gap *gendb.GapError
	switch {
	case errors.As(err, &gap):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, gendb.ErrLogPruned),
		errors.Is(err, gendb.ErrConstraintViolation),
		errors.Is(err, gendb.ErrStorage),
		errors.Is(err, gendb.ErrDatabaseClosed),
		errors.Is(err, gendb.ErrTableNotFound),
		errors.Is(err, gendb.ErrTableExists),
		errors.Is(err, gendb.ErrIndexNotFound),
		errors.Is(err, gendb.ErrIndexExists),
		errors.Is(err, gendb.ErrRowNotFound):
		return false
	}
	return true
}
