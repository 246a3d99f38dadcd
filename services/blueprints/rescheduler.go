package blueprints

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfcci/autotune/pkg/db"
)

// SlugLister lists the blueprints eligible for a periodic re-sync.
type SlugLister interface {
	ListSyncable(ctx context.Context) ([]string, error)
}

// PoolLister reads syncable slugs straight from the database.
type PoolLister struct {
	Pool *pgxpool.Pool
}

// ListSyncable returns blueprints that synced successfully at least once.
// New blueprints already have a job queued by their creation and broken ones
// wait for an explicit re-sync.
func (l PoolLister) ListSyncable(ctx context.Context) ([]string, error) {
	var slugs []string
	err := db.Select(ctx, l.Pool, &slugs,
		`SELECT slug FROM blueprints WHERE status NOT IN ($1, $2) ORDER BY slug`,
		string(StatusNew), string(StatusBroken))
	return slugs, err
}

// Pass summarizes one rescheduler pass.
type Pass struct {
	ID       string
	At       time.Time
	Enqueued int
	Failed   int
}

// Rescheduler periodically enqueues a sync of every syncable blueprint so
// upstream changes are picked up without manual requests.
type Rescheduler struct {
	lister   SlugLister
	enqueuer SyncEnqueuer
	interval time.Duration
	log      zerolog.Logger

	mu      sync.RWMutex
	started time.Time
	last    Pass
}

// NewRescheduler builds a Rescheduler. Interval must be positive.
func NewRescheduler(lister SlugLister, enqueuer SyncEnqueuer, interval time.Duration, log zerolog.Logger) (*Rescheduler, error) {
	if lister == nil {
		return nil, errors.New("lister is required")
	}
	if enqueuer == nil {
		return nil, errors.New("enqueuer is required")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	return &Rescheduler{lister: lister, enqueuer: enqueuer, interval: interval, log: log}, nil
}

// Start runs a pass every interval until ctx is done. A failed listing is
// logged and retried on the next tick.
func (r *Rescheduler) Start(ctx context.Context) error {
	r.mu.Lock()
	r.started = time.Now().UTC()
	r.mu.Unlock()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("list syncable blueprints")
			}
		}
	}
}

// RunOnce enqueues one sync per syncable blueprint.
func (r *Rescheduler) RunOnce(ctx context.Context) (Pass, error) {
	slugs, err := r.lister.ListSyncable(ctx)
	if err != nil {
		return Pass{}, err
	}

	pass := Pass{ID: uuid.NewString(), At: time.Now().UTC()}
	for _, slug := range slugs {
		if _, err := r.enqueuer.Enqueue(ctx, slug, OriginRescheduler); err != nil {
			pass.Failed++
			r.log.Warn().Err(err).Str("blueprint", slug).Msg("enqueue periodic sync")
			continue
		}
		pass.Enqueued++
	}

	r.mu.Lock()
	r.last = pass
	r.mu.Unlock()

	r.log.Info().Str("pass", pass.ID).Int("enqueued", pass.Enqueued).Int("failed", pass.Failed).Msg("periodic sync pass")
	return pass, nil
}

// LastPass returns the most recent completed pass.
func (r *Rescheduler) LastPass() Pass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Check fails when no pass has completed for two intervals, counted from the
// last pass or from Start. A rescheduler that was never started passes.
func (r *Rescheduler) Check(now time.Time) error {
	r.mu.RLock()
	since := r.started
	r.mu.RUnlock()

	last := r.LastPass()
	if !last.At.IsZero() {
		since = last.At
	}
	if since.IsZero() {
		return nil
	}
	if idle := now.Sub(since); idle > 2*r.interval {
		if last.At.IsZero() {
			return fmt.Errorf("no periodic sync pass since start %s ago", idle.Round(time.Second))
		}
		return fmt.Errorf("last periodic sync pass %s was %s ago", last.ID, idle.Round(time.Second))
	}
	return nil
}
