package blueprints

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfcci/autotune/pkg/errs"
	"github.com/openfcci/autotune/pkg/git"
)

// Sync steps, in order.
const (
	StepResolve   = "resolve"
	StepFetch     = "fetch"
	StepSetup     = "setup"
	StepConfig    = "config"
	StepDerive    = "derive"
	StepThumbnail = "thumbnail"
	StepCommit    = "commit"
)

// DefaultConfigFile is the configuration file read from each working copy.
const DefaultConfigFile = "autotune-config.json"

// failureWriteTimeout bounds the status write made after a failed attempt,
// which must happen even when the attempt's context is already done.
const failureWriteTimeout = 10 * time.Second

// Repository is the working copy a sync drives.
type Repository interface {
	Exists(ctx context.Context) bool
	Clone(ctx context.Context, url string) error
	Update(ctx context.Context) error
	SetupEnvironment(ctx context.Context) error
	Read(rel string) ([]byte, error)
	HasFile(rel string) bool
	Version(ctx context.Context) (string, error)
}

// RepoFactory opens the working copy at dir.
type RepoFactory func(dir string) Repository

// GitRepos returns a RepoFactory backed by the git CLI.
func GitRepos(opts git.Options) RepoFactory {
	return func(dir string) Repository {
		return git.NewRepository(dir, opts)
	}
}

// Workdirs maps blueprints to working directories.
type Workdirs interface {
	Resolve(slug string) (string, error)
	Lock(ctx context.Context, slug string) (func() error, error)
	DeployFile(ctx context.Context, workingDir, rel, prefix string) (string, error)
}

// SyncConfig is the explicit configuration of a Job.
type SyncConfig struct {
	// ConfigFile is the path of the blueprint config inside the working copy.
	ConfigFile string
	// MediaPrefix namespaces deployed media. Each revision of a blueprint
	// gets <MediaPrefix>/<slug>/<version>.
	MediaPrefix string
}

// JobConfig wires a Job.
type JobConfig struct {
	Store    Store
	Workdirs Workdirs
	OpenRepo RepoFactory
	Notifier Notifier
	Metrics  *Metrics
	Logger   zerolog.Logger
	Sync     SyncConfig
}

// Job runs blueprint syncs. It is safe for concurrent use; same-slug syncs
// serialize on the working directory lock.
type Job struct {
	store    Store
	workdirs Workdirs
	openRepo RepoFactory
	notifier Notifier
	metrics  *Metrics
	log      zerolog.Logger
	cfg      SyncConfig
	tracer   trace.Tracer
}

// NewJob validates cfg and returns a Job.
func NewJob(cfg JobConfig) (*Job, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Workdirs == nil {
		return nil, errors.New("working directory manager is required")
	}
	if cfg.OpenRepo == nil {
		return nil, errors.New("repository factory is required")
	}
	if cfg.Sync.ConfigFile == "" {
		cfg.Sync.ConfigFile = DefaultConfigFile
	}
	return &Job{
		store:    cfg.Store,
		workdirs: cfg.Workdirs,
		openRepo: cfg.OpenRepo,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		cfg:      cfg.Sync,
		tracer:   otel.Tracer("github.com/openfcci/autotune/services/blueprints"),
	}, nil
}

// SyncError is returned by Sync for every failed attempt.
type SyncError struct {
	Slug string
	Step string
	Kind string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s (%s): %v", e.Slug, e.Step, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Sync fetches the blueprint's repository, derives its metadata and commits
// it with status testing. Any failure before the commit marks the blueprint
// broken and leaves every other field as it was.
func (j *Job) Sync(ctx context.Context, slug string) error {
	start := time.Now()
	ctx, span := j.tracer.Start(ctx, "blueprints.Sync", trace.WithAttributes(attribute.String("blueprint.slug", slug)))
	defer span.End()

	bp, err := j.store.Find(ctx, slug)
	if err != nil {
		return j.reject(span, slug, err, start)
	}

	log := j.log.With().Str("blueprint", bp.Slug).Logger()
	log.Info().Str("status", string(StatusSyncing)).Str("from", string(bp.Status)).Msg("sync started")

	dir, err := j.workdirs.Resolve(bp.Slug)
	if err != nil {
		return j.fail(ctx, span, log, bp, StepResolve, err, start)
	}
	unlock, err := j.workdirs.Lock(ctx, bp.Slug)
	if err != nil {
		return j.fail(ctx, span, log, bp, StepResolve, fmt.Errorf("%w: lock working directory: %w", errs.ErrIO, err), start)
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warn().Err(err).Msg("release working directory lock")
		}
	}()

	repo := j.openRepo(dir)
	var (
		doc *Document
		res SyncResult
	)
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{StepFetch, func(ctx context.Context) error {
			if repo.Exists(ctx) {
				return repo.Update(ctx)
			}
			return repo.Clone(ctx, bp.RepoURL)
		}},
		{StepSetup, repo.SetupEnvironment},
		{StepConfig, func(context.Context) error {
			data, err := repo.Read(j.cfg.ConfigFile)
			if err != nil {
				return err
			}
			doc, err = ParseDocument(j.cfg.ConfigFile, data)
			return err
		}},
		{StepDerive, func(ctx context.Context) error {
			res, err = derive(ctx, repo, doc)
			return err
		}},
	}
	for _, s := range steps {
		if err := j.step(ctx, s.name, s.run); err != nil {
			return j.fail(ctx, span, log, bp, s.name, err, start)
		}
	}

	res.ThumbURL = j.deployThumbnail(ctx, log, bp, dir, res.Version, repo, doc)

	var committed Blueprint
	err = j.step(ctx, StepCommit, func(ctx context.Context) error {
		committed, err = j.store.CommitSync(ctx, bp.ID, res)
		return err
	})
	if err != nil {
		return j.fail(ctx, span, log, bp, StepCommit, err, start)
	}

	j.notify(ctx, log, committed)
	j.metrics.recordSync(outcomeSuccess, "", time.Since(start))
	log.Info().
		Str("status", string(committed.Status)).
		Str("type", committed.Type).
		Str("version", committed.Version).
		Dur("duration", time.Since(start)).
		Msg("sync succeeded")
	return nil
}

func derive(ctx context.Context, repo Repository, doc *Document) (SyncResult, error) {
	typ, err := ExtractType(doc)
	if err != nil {
		return SyncResult{}, err
	}
	tags, err := ExtractTags(doc)
	if err != nil {
		return SyncResult{}, err
	}
	themes, err := ExtractThemes(doc)
	if err != nil {
		return SyncResult{}, err
	}
	version, err := repo.Version(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	title, _ := Title(doc)
	description, _ := Description(doc)
	return SyncResult{
		Config:      doc.Map(),
		Type:        strings.ToLower(typ),
		Version:     version,
		Title:       title,
		Description: description,
		Tags:        tags,
		Themes:      themes,
	}, nil
}

// deployThumbnail publishes the declared thumbnail under the revision being
// synced, so a failed commit never changes what the stored URL serves.
// Failures are logged and leave the stored URL unchanged; a config without a
// thumbnail clears it.
func (j *Job) deployThumbnail(ctx context.Context, log zerolog.Logger, bp Blueprint, dir, version string, repo Repository, doc *Document) *string {
	rel, ok := Thumbnail(doc)
	if !ok {
		none := ""
		return &none
	}

	var url string
	err := j.step(ctx, StepThumbnail, func(ctx context.Context) error {
		if !repo.HasFile(rel) {
			return fmt.Errorf("%w: %w: thumbnail %s", errs.ErrIO, errs.ErrNotFound, rel)
		}
		var err error
		url, err = j.workdirs.DeployFile(ctx, dir, rel, path.Join(j.cfg.MediaPrefix, bp.Slug, version))
		return err
	})
	if err != nil {
		j.metrics.recordThumbnailFailure()
		log.Warn().
			Err(err).
			Str("step", StepThumbnail).
			Str("kind", errs.KindOf(err)).
			Str("thumbnail", rel).
			Msg("thumbnail not deployed")
		return nil
	}
	return &url
}

func (j *Job) step(ctx context.Context, name string, run func(context.Context) error) error {
	ctx, span := j.tracer.Start(ctx, "blueprints.sync."+name)
	defer span.End()

	if err := run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// fail marks the blueprint broken, logs the cause and returns it typed. An
// attempt cut short because its caller went away is not the blueprint's
// fault: nothing is written and the error is returned for redelivery.
func (j *Job) fail(ctx context.Context, span trace.Span, log zerolog.Logger, bp Blueprint, step string, err error, start time.Time) error {
	kind := errs.KindOf(err)
	serr := &SyncError{Slug: bp.Slug, Step: step, Kind: kind, Err: err}
	span.RecordError(err)
	span.SetStatus(codes.Error, serr.Error())

	if interrupted(ctx) {
		j.metrics.recordSync(outcomeInterrupted, kind, time.Since(start))
		log.Warn().
			Err(err).
			Str("step", step).
			Str("kind", kind).
			Dur("duration", time.Since(start)).
			Msg("sync interrupted")
		return serr
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if werr := j.store.SetStatus(wctx, bp.ID, StatusBroken); werr != nil {
		log.Error().Err(werr).Msg("mark blueprint broken")
	} else {
		bp.Status = StatusBroken
		j.notify(wctx, log, bp)
	}

	j.metrics.recordSync(outcomeBroken, kind, time.Since(start))
	log.Error().
		Err(err).
		Str("status", string(StatusBroken)).
		Str("step", step).
		Str("kind", kind).
		Dur("duration", time.Since(start)).
		Msg("sync failed")
	return serr
}

// interrupted reports whether ctx was cancelled by the caller. Deadlines are
// excluded: a sync that runs out of time is a failure of the blueprint.
func interrupted(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// reject reports a sync that could not start. Nothing is written.
func (j *Job) reject(span trace.Span, slug string, err error, start time.Time) error {
	kind := errs.KindOf(err)
	serr := &SyncError{Slug: slug, Step: StepResolve, Kind: kind, Err: err}
	span.RecordError(err)
	span.SetStatus(codes.Error, serr.Error())

	j.metrics.recordSync(outcomeRejected, kind, time.Since(start))
	j.log.Error().Err(err).Str("blueprint", slug).Str("kind", kind).Msg("sync rejected")
	return serr
}

func (j *Job) notify(ctx context.Context, log zerolog.Logger, bp Blueprint) {
	if j.notifier == nil {
		return
	}
	if err := j.notifier.Notify(ctx, changeEvent(bp)); err != nil {
		log.Warn().Err(err).Str("status", string(bp.Status)).Msg("publish change event")
	}
}
