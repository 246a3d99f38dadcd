// Package app assembles the sync pipeline from configuration. It is shared by
// the blueprints service and autotunectl.
package app

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfcci/autotune/pkg/bus"
	"github.com/openfcci/autotune/pkg/config"
	"github.com/openfcci/autotune/pkg/db"
	"github.com/openfcci/autotune/pkg/git"
	gos3 "github.com/openfcci/autotune/pkg/s3"
	"github.com/openfcci/autotune/pkg/workdir"
	"github.com/openfcci/autotune/services/blueprints"
)

// Options selects which parts of the runtime Open builds.
type Options struct {
	// Migrate applies schema migrations before anything else touches the
	// database.
	Migrate bool
	// Bus connects to NATS for change events and the job queue. Without it
	// Enqueuer is nil and syncs publish no events.
	Bus bool
}

// Runtime holds the wired sync pipeline.
type Runtime struct {
	Pool     *pgxpool.Pool
	Bus      *bus.Bus
	Store    *blueprints.GormStore
	Workdirs *workdir.Manager
	Metrics  *blueprints.Metrics
	Job      *blueprints.Job
	Enqueuer *blueprints.Enqueuer
}

// Open connects to the database (and optionally NATS) and builds the sync job.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Metrics: blueprints.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	rt.Pool = pool

	if opts.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	orm, err := db.OpenORM(pool)
	if err != nil {
		return nil, fmt.Errorf("open orm: %w", err)
	}
	policy, err := blueprints.ParseThemePolicy(cfg.ThemePolicy)
	if err != nil {
		return nil, err
	}
	rt.Store, err = blueprints.NewGormStore(orm, policy, log)
	if err != nil {
		return nil, err
	}

	rt.Workdirs, err = Workdirs(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gitOpts, err := GitOptions(cfg)
	if err != nil {
		return nil, err
	}

	var notifier blueprints.Notifier
	if opts.Bus {
		rt.Bus, err = bus.New(cfg.NATSURL, nats.Name("autotune-blueprints"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		if err := rt.Bus.EnsureStream(blueprints.StreamName, blueprints.StreamSubjects); err != nil {
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		if notifier, err = blueprints.NewBusNotifier(rt.Bus); err != nil {
			return nil, err
		}
		if rt.Enqueuer, err = blueprints.NewEnqueuer(rt.Bus, rt.Metrics); err != nil {
			return nil, err
		}
	}

	rt.Job, err = blueprints.NewJob(blueprints.JobConfig{
		Store:    rt.Store,
		Workdirs: rt.Workdirs,
		OpenRepo: blueprints.GitRepos(gitOpts),
		Notifier: notifier,
		Metrics:  rt.Metrics,
		Logger:   log,
		Sync: blueprints.SyncConfig{
			ConfigFile:  cfg.ConfigFile,
			MediaPrefix: cfg.MediaPrefix,
		},
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return rt, nil
}

// Ready reports whether the database and, when connected, NATS are reachable.
func (rt *Runtime) Ready(ctx context.Context) error {
	if err := db.Ping(ctx, rt.Pool); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if rt.Bus != nil && !rt.Bus.Connected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close releases connections in reverse order of Open.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.Bus != nil {
		rt.Bus.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// Workdirs builds the working-directory manager together with the configured
// media destination.
func Workdirs(ctx context.Context, cfg config.Config) (*workdir.Manager, error) {
	var dest workdir.Destination
	switch cfg.MediaBackend {
	case "s3":
		client, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		if dest, err = gos3.NewDestination(client, cfg.S3Bucket, cfg.MediaURL); err != nil {
			return nil, err
		}
	default:
		local, err := workdir.NewLocalDestination(cfg.MediaRoot, cfg.MediaURL)
		if err != nil {
			return nil, err
		}
		dest = local
	}
	return workdir.NewManager(cfg.WorkingDirRoot, dest)
}

// GitOptions builds repository options from cfg. SETUP_ENV entries are added
// to the descriptor environment and win over it.
func GitOptions(cfg config.Config) (git.Options, error) {
	desc := git.DefaultDescriptor()
	if cfg.SetupStepsFile != "" {
		loaded, err := git.LoadDescriptor(cfg.SetupStepsFile)
		if err != nil {
			return git.Options{}, err
		}
		desc = loaded
	}
	if len(cfg.SetupEnv) > 0 {
		if desc.Env == nil {
			desc.Env = map[string]string{}
		}
		maps.Copy(desc.Env, cfg.SetupEnv)
	}
	return git.Options{
		FetchTimeout: cfg.FetchTimeout,
		SetupTimeout: cfg.SetupTimeout,
		Setup:        desc,
	}, nil
}
