package blueprints

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfcci/autotune/pkg/db"
	"github.com/openfcci/autotune/pkg/errs"
)

// testDSNEnv names a disposable Postgres database for the store tests.
const testDSNEnv = "AUTOTUNE_TEST_DSN"

func openTestStore(t *testing.T, policy ThemePolicy) *GormStore {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		t.Fatalf("open orm: %v", err)
	}
	store, err := NewGormStore(orm, policy, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// unique suffixes slugs so runs against a shared database do not collide.
func unique(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func createTestBlueprint(t *testing.T, store *GormStore) Blueprint {
	t.Helper()
	slug := unique("bp")
	bp, err := store.Create(context.Background(), NewBlueprint{Title: slug, Slug: slug, RepoURL: "https://git.test/" + slug + ".git"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return bp
}

func tagSlugs(tags []Tag) []string {
	out := []string{}
	for _, tag := range tags {
		out = append(out, tag.Slug)
	}
	return out
}

func themeSlugs(themes []Theme) []string {
	out := []string{}
	for _, theme := range themes {
		out = append(out, theme.Slug)
	}
	return out
}

func TestGormStoreCommitSyncReplacesAssociations(t *testing.T) {
	store := openTestStore(t, ThemeCreate)
	ctx := context.Background()
	bp := createTestBlueprint(t, store)

	a, b, c, theme := unique("a"), unique("b"), unique("c"), unique("theme")
	thumb := "https://media.test/blueprints/" + bp.Slug + "/v1/thumb.png"
	first, err := store.CommitSync(ctx, bp.ID, SyncResult{
		Config:      map[string]any{"type": "App", "title": "Election map"},
		Type:        "app",
		Version:     "v1",
		Title:       "Election map",
		Description: "Results by county",
		Tags:        []TagRef{{Slug: a, Title: "A"}, {Slug: b, Title: "B"}},
		Themes:      []ThemeRef{{Slug: theme, Title: "Theme"}},
		ThumbURL:    &thumb,
	})
	if err != nil {
		t.Fatalf("first CommitSync: %v", err)
	}
	if first.Status != StatusTesting || first.Version != "v1" || first.Type != "app" || first.ThumbURL != thumb {
		t.Fatalf("first commit = %+v", first)
	}
	if first.Title != "Election map" || first.Description != "Results by county" {
		t.Fatalf("title=%q description=%q", first.Title, first.Description)
	}
	if got := themeSlugs(first.Themes); !reflect.DeepEqual(got, []string{theme}) {
		t.Fatalf("themes = %v", got)
	}

	second, err := store.CommitSync(ctx, bp.ID, SyncResult{
		Config:  map[string]any{"type": "Graphic"},
		Type:    "graphic",
		Version: "v2",
		Tags:    []TagRef{{Slug: c, Title: "C"}, {Slug: b, Title: "B"}},
	})
	if err != nil {
		t.Fatalf("second CommitSync: %v", err)
	}
	if got := tagSlugs(second.Tags); !reflect.DeepEqual(got, []string{b, c}) {
		t.Fatalf("tags = %v, want %v", got, []string{b, c})
	}
	if len(second.Themes) != 0 {
		t.Fatalf("themes = %+v, want none", second.Themes)
	}
	if second.ThumbURL != thumb {
		t.Fatalf("ThumbURL = %q, want %q kept", second.ThumbURL, thumb)
	}
	if second.Title != "Election map" || second.Description != "" {
		t.Fatalf("title=%q description=%q, want title kept and description cleared", second.Title, second.Description)
	}
	if second.Config["type"] != "Graphic" {
		t.Fatalf("Config = %v", second.Config)
	}

	found, err := store.Find(ctx, bp.Slug)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !reflect.DeepEqual(found, second) {
		t.Fatalf("Find = %+v\nwant %+v", found, second)
	}

	tagged, err := store.List(ctx, ListOptions{Tag: a})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tagged) != 0 {
		t.Fatalf("List(tag=%s) = %d blueprints, want none after replacement", a, len(tagged))
	}
}

func TestGormStoreThemePolicies(t *testing.T) {
	ctx := context.Background()
	creating := openTestStore(t, ThemeCreate)

	known := unique("known")
	seed := createTestBlueprint(t, creating)
	if _, err := creating.CommitSync(ctx, seed.ID, SyncResult{Type: "app", Version: "v1", Themes: []ThemeRef{{Slug: known, Title: "Known"}}}); err != nil {
		t.Fatalf("seed CommitSync: %v", err)
	}

	tests := []struct {
		policy ThemePolicy
		want   func(unknown string) []string
	}{
		{policy: ThemeCreate, want: func(unknown string) []string { return []string{known, unknown} }},
		{policy: ThemeIgnore, want: func(string) []string { return []string{known} }},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			store := openTestStore(t, tt.policy)
			bp := createTestBlueprint(t, store)
			unknown := unique("unknown")

			committed, err := store.CommitSync(ctx, bp.ID, SyncResult{
				Type:    "app",
				Version: "v1",
				Themes:  []ThemeRef{{Slug: unknown, Title: "Unknown"}, {Slug: known, Title: "Known"}},
			})
			if err != nil {
				t.Fatalf("CommitSync: %v", err)
			}
			if got, want := themeSlugs(committed.Themes), tt.want(unknown); !reflect.DeepEqual(got, want) {
				t.Fatalf("themes = %v, want %v", got, want)
			}

			var stored int64
			if err := store.orm.WithContext(ctx).Model(&themeModel{}).Where("slug = ?", unknown).Count(&stored).Error; err != nil {
				t.Fatal(err)
			}
			if created := stored == 1; created != (tt.policy == ThemeCreate) {
				t.Fatalf("unknown theme stored = %v under policy %s", created, tt.policy)
			}
		})
	}
}

func TestGormStoreSetStatusWritesStatusOnly(t *testing.T) {
	store := openTestStore(t, ThemeCreate)
	ctx := context.Background()
	bp := createTestBlueprint(t, store)

	committed, err := store.CommitSync(ctx, bp.ID, SyncResult{
		Config:  map[string]any{"type": "app"},
		Type:    "app",
		Version: "v1",
		Tags:    []TagRef{{Slug: unique("tag"), Title: "Tag"}},
	})
	if err != nil {
		t.Fatalf("CommitSync: %v", err)
	}

	if err := store.SetStatus(ctx, bp.ID, StatusBroken); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	after, err := store.Find(ctx, bp.Slug)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if after.Status != StatusBroken {
		t.Fatalf("Status = %s, want broken", after.Status)
	}
	committed.Status = StatusBroken
	committed.UpdatedAt, after.UpdatedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(after, committed) {
		t.Fatalf("SetStatus changed more than status:\nbefore %+v\nafter  %+v", committed, after)
	}

	if err := store.SetStatus(ctx, uuid.New(), StatusBroken); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("SetStatus(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestGormStoreFailedCommitLeavesFields(t *testing.T) {
	store := openTestStore(t, ThemeCreate)
	ctx := context.Background()
	bp := createTestBlueprint(t, store)

	before, err := store.CommitSync(ctx, bp.ID, SyncResult{
		Config:  map[string]any{"type": "app"},
		Type:    "app",
		Version: "v1",
		Tags:    []TagRef{{Slug: unique("kept"), Title: "Kept"}},
	})
	if err != nil {
		t.Fatalf("CommitSync: %v", err)
	}

	// The config cannot be encoded as JSON, so the commit fails after the new
	// tag was inserted inside the transaction.
	orphan := unique("orphan")
	_, err = store.CommitSync(ctx, bp.ID, SyncResult{
		Config:  map[string]any{"bad": make(chan int)},
		Type:    "graphic",
		Version: "v2",
		Tags:    []TagRef{{Slug: orphan, Title: "Orphan"}},
	})
	if err == nil {
		t.Fatal("CommitSync succeeded with an unencodable config")
	}

	after, err := store.Find(ctx, bp.Slug)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !reflect.DeepEqual(after, before) {
		t.Fatalf("failed commit changed the blueprint:\nbefore %+v\nafter  %+v", before, after)
	}

	tags, err := store.ListTags(ctx)
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	for _, tag := range tags {
		if tag.Slug == orphan {
			t.Fatalf("tag %s survived the rolled back commit", orphan)
		}
	}
}

func TestGormStoreCreateDuplicate(t *testing.T) {
	store := openTestStore(t, ThemeCreate)
	bp := createTestBlueprint(t, store)

	_, err := store.Create(context.Background(), NewBlueprint{Title: "Again", Slug: bp.Slug, RepoURL: bp.RepoURL})
	if !errors.Is(err, ErrDuplicateSlug) {
		t.Fatalf("Create duplicate error = %v, want ErrDuplicateSlug", err)
	}
}
