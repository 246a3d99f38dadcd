package blueprints

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openfcci/autotune/pkg/errs"
	"github.com/openfcci/autotune/pkg/workdir"
)

// ErrDuplicateSlug is returned by Create when the slug is taken.
var ErrDuplicateSlug = errors.New("blueprint slug already exists")

// Store is the persistence the sync job depends on.
type Store interface {
	// Find returns the blueprint identified by slug, or an ErrNotFound error.
	Find(ctx context.Context, slug string) (Blueprint, error)
	// CommitSync writes every derived field and status testing atomically.
	CommitSync(ctx context.Context, id uuid.UUID, res SyncResult) (Blueprint, error)
	// SetStatus writes status alone.
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
}

// SyncResult is everything one successful sync derives from a working copy.
type SyncResult struct {
	Config  map[string]any
	Type    string
	Version string
	// Title replaces the stored title when non-empty.
	Title       string
	Description string
	Tags        []TagRef
	Themes      []ThemeRef
	// ThumbURL replaces the stored thumbnail URL when non-nil.
	ThumbURL *string
}

// ThemePolicy decides what happens to declared themes with no stored record.
type ThemePolicy string

const (
	ThemeCreate ThemePolicy = "create"
	ThemeIgnore ThemePolicy = "ignore"
)

// ParseThemePolicy validates s. An empty string selects ThemeCreate.
func ParseThemePolicy(s string) (ThemePolicy, error) {
	switch p := ThemePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ThemeCreate, nil
	case ThemeCreate, ThemeIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("unknown theme policy %q (want %q or %q)", s, ThemeCreate, ThemeIgnore)
	}
}

// NewBlueprint is the input to Create.
type NewBlueprint struct {
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	RepoURL string `json:"repo_url"`
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	Status Status
	Type   string
	Tag    string
}

// GormStore implements Store on gorm.
type GormStore struct {
	orm    *gorm.DB
	themes ThemePolicy
	log    zerolog.Logger
}

// NewGormStore creates a store bound to orm.
func NewGormStore(orm *gorm.DB, themes ThemePolicy, log zerolog.Logger) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if themes == "" {
		themes = ThemeCreate
	}
	return &GormStore{orm: orm, themes: themes, log: log}, nil
}

func (s *GormStore) Find(ctx context.Context, slug string) (Blueprint, error) {
	var m blueprintModel
	err := s.orm.WithContext(ctx).
		Preload("Tags", orderBySlug).
		Preload("Themes", orderBySlug).
		Where("slug = ?", slug).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Blueprint{}, fmt.Errorf("%w: blueprint %q", errs.ErrNotFound, slug)
		}
		return Blueprint{}, fmt.Errorf("find blueprint %q: %w", slug, err)
	}
	return m.toAPI(), nil
}

func (s *GormStore) CommitSync(ctx context.Context, id uuid.UUID, res SyncResult) (Blueprint, error) {
	var committed blueprintModel
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m blueprintModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: blueprint %s", errs.ErrNotFound, id)
			}
			return err
		}

		tags := make([]tagModel, 0, len(res.Tags))
		for _, ref := range res.Tags {
			tag, err := findOrCreate(tx, tagModel{ID: uuid.New(), Title: ref.Title, Slug: ref.Slug}, ref.Slug)
			if err != nil {
				return fmt.Errorf("tag %q: %w", ref.Slug, err)
			}
			tags = append(tags, tag)
		}

		themes, err := s.resolveThemes(tx, m.Slug, res.Themes)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"config":      toJSONMap(res.Config),
			"type":        res.Type,
			"version":     res.Version,
			"description": res.Description,
			"status":      string(StatusTesting),
		}
		if res.Title != "" {
			updates["title"] = res.Title
		}
		if res.ThumbURL != nil {
			updates["thumb_url"] = *res.ThumbURL
		}
		if err := tx.Model(&m).Updates(updates).Error; err != nil {
			return err
		}

		if err := replaceAssociation(tx, &m, "Tags", tags); err != nil {
			return err
		}
		if err := replaceAssociation(tx, &m, "Themes", themes); err != nil {
			return err
		}

		return tx.Preload("Tags", orderBySlug).Preload("Themes", orderBySlug).Where("id = ?", id).First(&committed).Error
	})
	if err != nil {
		return Blueprint{}, fmt.Errorf("commit sync of %s: %w", id, err)
	}
	return committed.toAPI(), nil
}

func (s *GormStore) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	res := s.orm.WithContext(ctx).
		Model(&blueprintModel{}).
		Where("id = ?", id).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("set status of %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: blueprint %s", errs.ErrNotFound, id)
	}
	return nil
}

// Create stores a new blueprint in status new. A missing slug is derived from
// the title.
func (s *GormStore) Create(ctx context.Context, in NewBlueprint) (Blueprint, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.RepoURL = strings.TrimSpace(in.RepoURL)
	in.Slug = strings.TrimSpace(in.Slug)
	if in.Slug == "" {
		in.Slug = workdir.Slugify(in.Title)
	}

	switch {
	case in.Title == "":
		return Blueprint{}, fmt.Errorf("%w: title is required", errs.ErrValidation)
	case in.RepoURL == "":
		return Blueprint{}, fmt.Errorf("%w: repo_url is required", errs.ErrValidation)
	case !workdir.ValidSlug(in.Slug):
		return Blueprint{}, fmt.Errorf("%w: invalid slug %q", errs.ErrValidation, in.Slug)
	}

	m := blueprintModel{
		ID:      uuid.New(),
		Slug:    in.Slug,
		Title:   in.Title,
		RepoURL: in.RepoURL,
		Status:  string(StatusNew),
	}
	if err := s.orm.WithContext(ctx).Omit(clause.Associations).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return Blueprint{}, fmt.Errorf("%w: %q", ErrDuplicateSlug, in.Slug)
		}
		return Blueprint{}, fmt.Errorf("create blueprint: %w", err)
	}
	return m.toAPI(), nil
}

// List returns blueprints newest first.
func (s *GormStore) List(ctx context.Context, opts ListOptions) ([]Blueprint, error) {
	q := s.orm.WithContext(ctx).
		Preload("Tags", orderBySlug).
		Preload("Themes", orderBySlug).
		Order("blueprints.created_at DESC")
	if opts.Status != "" {
		q = q.Where("blueprints.status = ?", string(opts.Status))
	}
	if opts.Type != "" {
		q = q.Where("blueprints.type = ?", strings.ToLower(opts.Type))
	}
	if opts.Tag != "" {
		q = q.Where("EXISTS (SELECT 1 FROM blueprint_tags bt JOIN tags t ON t.id = bt.tag_id WHERE bt.blueprint_id = blueprints.id AND t.slug = ?)", opts.Tag)
	}

	var models []blueprintModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	out := make([]Blueprint, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// ListTags returns every stored tag ordered by slug.
func (s *GormStore) ListTags(ctx context.Context) ([]Tag, error) {
	var models []tagModel
	if err := s.orm.WithContext(ctx).Order("slug").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := make([]Tag, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

func (s *GormStore) resolveThemes(tx *gorm.DB, blueprint string, refs []ThemeRef) ([]themeModel, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	if s.themes == ThemeCreate {
		out := make([]themeModel, 0, len(refs))
		for _, ref := range refs {
			theme, err := findOrCreate(tx, themeModel{ID: uuid.New(), Title: ref.Title, Slug: ref.Slug}, ref.Slug)
			if err != nil {
				return nil, fmt.Errorf("theme %q: %w", ref.Slug, err)
			}
			out = append(out, theme)
		}
		return out, nil
	}

	slugs := make([]string, 0, len(refs))
	for _, ref := range refs {
		slugs = append(slugs, ref.Slug)
	}
	var found []themeModel
	if err := tx.Where("slug IN ?", slugs).Order("slug").Find(&found).Error; err != nil {
		return nil, fmt.Errorf("resolve themes: %w", err)
	}
	known := make(map[string]bool, len(found))
	for _, t := range found {
		known[t.Slug] = true
	}
	for _, slug := range slugs {
		if !known[slug] {
			s.log.Info().Str("blueprint", blueprint).Str("theme", slug).Msg("ignoring unknown theme")
		}
	}
	return found, nil
}

// findOrCreate inserts m unless a row with slug exists, then returns the
// stored row.
func findOrCreate[M tagModel | themeModel](tx *gorm.DB, m M, slug string) (M, error) {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoNothing: true,
	}).Create(&m).Error
	if err != nil {
		return m, err
	}
	var stored M
	if err := tx.Where("slug = ?", slug).First(&stored).Error; err != nil {
		return stored, err
	}
	return stored, nil
}

func replaceAssociation[M tagModel | themeModel](tx *gorm.DB, owner *blueprintModel, name string, values []M) error {
	assoc := tx.Model(owner).Omit(name + ".*").Association(name)
	if len(values) == 0 {
		if err := assoc.Clear(); err != nil {
			return fmt.Errorf("clear %s: %w", strings.ToLower(name), err)
		}
		return nil
	}
	if err := assoc.Replace(values); err != nil {
		return fmt.Errorf("replace %s: %w", strings.ToLower(name), err)
	}
	return nil
}

func orderBySlug(db *gorm.DB) *gorm.DB {
	return db.Order("slug")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
