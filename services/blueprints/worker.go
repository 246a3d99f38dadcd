package blueprints

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfcci/autotune/pkg/bus"
	"github.com/openfcci/autotune/pkg/errs"
)

const (
	// SyncConsumer is the durable consumer and queue group of sync workers.
	SyncConsumer = "blueprints-sync"

	defaultConcurrency = 2
	defaultMaxDeliver  = 5
	defaultAckWait     = time.Minute
	defaultRetryDelay  = 30 * time.Second
)

// Syncer runs one blueprint sync.
type Syncer interface {
	Sync(ctx context.Context, slug string) error
}

// WorkerConfig tunes job consumption. Zero values select defaults.
type WorkerConfig struct {
	Concurrency int
	MaxDeliver  int
	AckWait     time.Duration
	RetryDelay  time.Duration
}

// Worker consumes sync jobs from the bus. Failed syncs are negatively
// acknowledged so the queue redelivers them up to MaxDeliver times.
type Worker struct {
	bus    *bus.Bus
	syncer Syncer
	cfg    WorkerConfig
	log    zerolog.Logger

	mu   sync.Mutex
	subs []io.Closer
}

// NewWorker creates a Worker.
func NewWorker(b *bus.Bus, syncer Syncer, cfg WorkerConfig, log zerolog.Logger) (*Worker, error) {
	if syncer == nil {
		return nil, errors.New("syncer is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = defaultMaxDeliver
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Worker{bus: b, syncer: syncer, cfg: cfg, log: log}, nil
}

// Start subscribes Concurrency queue members to the job subject.
func (w *Worker) Start(ctx context.Context) error {
	if w.bus == nil {
		return errors.New("bus is required")
	}
	for i := 0; i < w.cfg.Concurrency; i++ {
		sub, err := w.bus.QueueSubscribe(ctx, SubjectSyncJob, SyncConsumer, SyncConsumer, w.handle,
			nats.MaxDeliver(w.cfg.MaxDeliver),
			nats.AckWait(w.cfg.AckWait),
			nats.DeliverAll(),
		)
		if err != nil {
			w.Close()
			return err
		}
		w.mu.Lock()
		w.subs = append(w.subs, sub)
		w.mu.Unlock()
	}
	w.log.Info().Int("concurrency", w.cfg.Concurrency).Int("max_deliver", w.cfg.MaxDeliver).Msg("sync worker started")
	return nil
}

// Close drains every subscription.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	return firstErr
}

func (w *Worker) handle(ctx context.Context, data []byte) error {
	var req SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		w.log.Error().Err(err).Bytes("payload", truncate(data, 256)).Msg("dropping malformed sync request")
		return bus.Permanent(err)
	}
	if req.Blueprint == "" {
		w.log.Error().Str("request_id", req.RequestID.String()).Msg("dropping sync request without blueprint")
		return bus.Permanent(errors.New("sync request without blueprint"))
	}

	log := w.log.With().Str("request_id", req.RequestID.String()).Str("blueprint", req.Blueprint).Logger()
	err := w.syncer.Sync(ctx, req.Blueprint)
	if err == nil {
		return nil
	}

	var serr *SyncError
	if errors.As(err, &serr) && serr.Step == StepResolve && serr.Kind == errs.KindOf(errs.ErrNotFound) {
		log.Warn().Msg("blueprint no longer exists, dropping request")
		return bus.Permanent(err)
	}
	log.Warn().Err(err).Dur("retry_in", w.cfg.RetryDelay).Msg("sync attempt failed")
	return bus.RetryAfter(err, w.cfg.RetryDelay)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
