package workdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfcci/autotune/pkg/errs"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	media := filepath.Join(t.TempDir(), "media")
	dest, err := NewLocalDestination(media, "https://media.example.com/connect")
	if err != nil {
		t.Fatalf("NewLocalDestination: %v", err)
	}
	mgr, err := NewManager(filepath.Join(t.TempDir(), "working"), dest)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, media
}

func TestResolve(t *testing.T) {
	mgr, _ := newTestManager(t)

	tests := []struct {
		slug    string
		wantErr bool
	}{
		{slug: "election-map"},
		{slug: "a"},
		{slug: "card_stack-2"},
		{slug: "", wantErr: true},
		{slug: "Upper", wantErr: true},
		{slug: "../escape", wantErr: true},
		{slug: ".locks", wantErr: true},
		{slug: "-leading", wantErr: true},
		{slug: strings.Repeat("a", 129), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			got, err := mgr.Resolve(tt.slug)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.slug, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, errs.ErrValidation) {
					t.Fatalf("Resolve(%q) error = %v, want ErrValidation", tt.slug, err)
				}
				return
			}
			want := filepath.Join(mgr.Root(), tt.slug)
			if got != want {
				t.Fatalf("Resolve(%q) = %q, want %q", tt.slug, got, want)
			}
		})
	}
}

func TestResolveIsDeterministicAndDistinct(t *testing.T) {
	mgr, _ := newTestManager(t)

	a1, _ := mgr.Resolve("alpha")
	a2, _ := mgr.Resolve("alpha")
	b, _ := mgr.Resolve("beta")
	if a1 != a2 {
		t.Fatalf("Resolve not deterministic: %q != %q", a1, a2)
	}
	if a1 == b {
		t.Fatalf("distinct slugs resolved to the same path %q", a1)
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Election Map 2024":  "election-map-2024",
		"  Card -- Stack!! ": "card-stack",
		"Ünïcode":            "n-code",
		"already-a-slug":     "already-a-slug",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDeployFile(t *testing.T) {
	mgr, media := newTestManager(t)
	dir, _ := mgr.Resolve("gallery")
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "images", "thumb.png"), []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	location, err := mgr.DeployFile(context.Background(), dir, "images/thumb.png", "gallery")
	if err != nil {
		t.Fatalf("DeployFile: %v", err)
	}
	if want := "https://media.example.com/connect/gallery/images/thumb.png"; location != want {
		t.Fatalf("DeployFile location = %q, want %q", location, want)
	}

	data, err := os.ReadFile(filepath.Join(media, "gallery", "images", "thumb.png"))
	if err != nil {
		t.Fatalf("read deployed file: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("deployed content = %q", data)
	}
}

func TestDeployFileRejectsSymlinks(t *testing.T) {
	mgr, media := newTestManager(t)

	secret := filepath.Join(t.TempDir(), "credentials")
	if err := os.WriteFile(secret, []byte("TOP-SECRET"), 0o600); err != nil {
		t.Fatal(err)
	}
	neighbour, _ := mgr.Resolve("neighbour")
	if err := os.MkdirAll(neighbour, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(neighbour, "private.png"), []byte("other"), 0o644); err != nil {
		t.Fatal(err)
	}

	dir, _ := mgr.Resolve("evil")
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "images", "real.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	links := map[string]string{
		"thumb.png":     secret,
		"neighbour.png": filepath.Join(neighbour, "private.png"),
		"relative.png":  "../neighbour/private.png",
		"inside.png":    filepath.Join("images", "real.png"),
		"escape":        filepath.Dir(secret),
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(dir, name)); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
	}

	for _, rel := range []string{"thumb.png", "neighbour.png", "relative.png", "inside.png", "escape/credentials", "images"} {
		t.Run(rel, func(t *testing.T) {
			location, err := mgr.DeployFile(context.Background(), dir, rel, "evil")
			if err == nil {
				t.Fatalf("DeployFile(%q) = %q, want error", rel, location)
			}
			if !errors.Is(err, errs.ErrIO) {
				t.Fatalf("DeployFile(%q) error = %v, want ErrIO", rel, err)
			}
		})
	}

	var published []string
	_ = filepath.WalkDir(media, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			published = append(published, p)
		}
		return nil
	})
	if len(published) != 0 {
		t.Fatalf("files published through symlinks: %v", published)
	}
}

func TestDeployFileMissingSource(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir, _ := mgr.Resolve("gallery")

	_, err := mgr.DeployFile(context.Background(), dir, "nope.png", "gallery")
	if !errors.Is(err, errs.ErrIO) || !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("DeployFile error = %v, want ErrIO and ErrNotFound", err)
	}
}

func TestDeployFileWithoutDestination(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.DeployFile(context.Background(), mgr.Root(), "x.png", "p"); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("DeployFile error = %v, want ErrIO", err)
	}
}

func TestLockSerializesSameSlug(t *testing.T) {
	mgr, _ := newTestManager(t)

	unlock, err := mgr.Lock(context.Background(), "shared")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := mgr.Lock(ctx, "shared"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Lock error = %v, want deadline exceeded", err)
	}

	other, err := mgr.Lock(context.Background(), "other")
	if err != nil {
		t.Fatalf("Lock(other) while shared is held: %v", err)
	}
	if err := other(); err != nil {
		t.Fatalf("unlock other: %v", err)
	}

	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := mgr.Lock(context.Background(), "shared")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	_ = again()
}
