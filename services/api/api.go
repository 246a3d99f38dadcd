package api

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/openfcci/autotune/services/blueprints"
)

// Catalog is the blueprint persistence the handlers read and write.
type Catalog interface {
	Find(ctx context.Context, slug string) (blueprints.Blueprint, error)
	Create(ctx context.Context, in blueprints.NewBlueprint) (blueprints.Blueprint, error)
	List(ctx context.Context, opts blueprints.ListOptions) ([]blueprints.Blueprint, error)
	ListTags(ctx context.Context) ([]blueprints.Tag, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	// RateLimit caps requests per client IP and minute on mutating routes.
	RateLimit int
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// API wires the catalog and the sync queue to HTTP handlers.
type API struct {
	catalog  Catalog
	enqueuer blueprints.SyncEnqueuer
	config   Config
	log      zerolog.Logger
}

const defaultRateLimit = 60

// New validates dependencies and applies defaults to cfg.
func New(catalog Catalog, enqueuer blueprints.SyncEnqueuer, cfg Config, log zerolog.Logger) (*API, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if enqueuer == nil {
		return nil, errors.New("enqueuer is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &API{catalog: catalog, enqueuer: enqueuer, config: cfg, log: log}, nil
}
