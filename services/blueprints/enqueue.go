package blueprints

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/openfcci/autotune/pkg/bus"
	"github.com/openfcci/autotune/pkg/errs"
	"github.com/openfcci/autotune/pkg/workdir"
)

// Enqueue origins, used as a metric label.
const (
	OriginAPI         = "api"
	OriginCLI         = "cli"
	OriginRescheduler = "rescheduler"
)

// SyncRequest is the payload of a sync job.
type SyncRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	Blueprint string    `json:"blueprint"`
}

// SyncEnqueuer schedules syncs.
type SyncEnqueuer interface {
	Enqueue(ctx context.Context, slug, origin string) (SyncRequest, error)
}

// Enqueuer publishes sync jobs on the bus.
type Enqueuer struct {
	bus     *bus.Bus
	metrics *Metrics
}

// NewEnqueuer creates an Enqueuer bound to b.
func NewEnqueuer(b *bus.Bus, metrics *Metrics) (*Enqueuer, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &Enqueuer{bus: b, metrics: metrics}, nil
}

// Enqueue publishes a sync request for slug. The request ID doubles as the
// JetStream message ID so a retried publish is not queued twice.
func (e *Enqueuer) Enqueue(ctx context.Context, slug, origin string) (SyncRequest, error) {
	if !workdir.ValidSlug(slug) {
		return SyncRequest{}, fmt.Errorf("%w: invalid blueprint slug %q", errs.ErrValidation, slug)
	}
	req := SyncRequest{RequestID: uuid.New(), Blueprint: slug}
	if err := e.bus.Publish(ctx, SubjectSyncJob, req, nats.MsgId(req.RequestID.String())); err != nil {
		return SyncRequest{}, fmt.Errorf("enqueue sync of %s: %w", slug, err)
	}
	e.metrics.recordEnqueue(origin)
	return req, nil
}
