package blueprints

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/openfcci/autotune/pkg/bus"
)

const (
	// StreamName is the JetStream stream holding every autotune subject.
	StreamName = "AUTOTUNE"
	// StreamSubjects is the subject filter of StreamName.
	StreamSubjects = "autotune.>"

	SubjectSyncJob          = "autotune.jobs.sync_blueprint"
	SubjectBlueprintChanged = "autotune.changes.blueprint"

	entityBlueprint = "blueprint"
)

// ChangeEvent announces a persisted status change to live-update consumers.
type ChangeEvent struct {
	EntityType string    `json:"entity_type"`
	ID         uuid.UUID `json:"id"`
	Slug       string    `json:"slug"`
	Status     Status    `json:"status"`
}

func changeEvent(bp Blueprint) ChangeEvent {
	return ChangeEvent{EntityType: entityBlueprint, ID: bp.ID, Slug: bp.Slug, Status: bp.Status}
}

// Notifier publishes change events.
type Notifier interface {
	Notify(ctx context.Context, evt ChangeEvent) error
}

// BusNotifier publishes change events on the bus.
type BusNotifier struct {
	bus *bus.Bus
}

// NewBusNotifier creates a notifier bound to b.
func NewBusNotifier(b *bus.Bus) (*BusNotifier, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &BusNotifier{bus: b}, nil
}

func (n *BusNotifier) Notify(ctx context.Context, evt ChangeEvent) error {
	return n.bus.Publish(ctx, SubjectBlueprintChanged, evt)
}
