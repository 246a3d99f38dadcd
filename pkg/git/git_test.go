package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfcci/autotune/pkg/errs"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// gitCmd runs git in dir with a fixed identity and fails the test on error.
func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	fullArgs := append([]string{"-c", "commit.gpgsign=false", "-C", dir}, args...)
	command := exec.Command("git", fullArgs...)
	command.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.local",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.local",
	)
	output, err := command.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

// upstream is a bare repository plus an authoring clone used to push commits.
type upstream struct {
	bare   string
	author string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	requireGit(t)

	root := t.TempDir()
	u := &upstream{
		bare:   filepath.Join(root, "upstream.git"),
		author: filepath.Join(root, "author"),
	}
	gitCmd(t, root, "init", "--bare", "--initial-branch=main", u.bare)
	gitCmd(t, root, "clone", u.bare, u.author)
	u.commit(t, "autotune-config.json", `{"type":"app"}`)
	return u
}

// commit writes name and pushes it to main, returning the new revision.
func (u *upstream) commit(t *testing.T, name, content string) string {
	t.Helper()
	full := filepath.Join(u.author, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, u.author, "add", name)
	gitCmd(t, u.author, "commit", "-m", "update "+name)
	gitCmd(t, u.author, "push", "origin", "HEAD:main")
	return gitCmd(t, u.author, "rev-parse", "HEAD")
}

func TestCloneThenUpdate(t *testing.T) {
	u := newUpstream(t)
	ctx := context.Background()

	repo := NewRepository(filepath.Join(t.TempDir(), "working", "election-map"), Options{})
	if repo.Exists(ctx) {
		t.Fatal("Exists() = true before clone")
	}

	if err := repo.Clone(ctx, u.bare); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if !repo.Exists(ctx) {
		t.Fatal("Exists() = false after clone")
	}
	first, err := repo.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if want := gitCmd(t, u.author, "rev-parse", "HEAD"); first != want {
		t.Fatalf("Version = %q, want %q", first, want)
	}

	second := u.commit(t, "thumb.png", "png")
	if err := repo.Update(ctx); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := repo.Version(ctx)
	if err != nil {
		t.Fatalf("Version after update: %v", err)
	}
	if got != second {
		t.Fatalf("Version after update = %q, want %q", got, second)
	}
	if !repo.HasFile("thumb.png") {
		t.Fatal("HasFile(thumb.png) = false after update")
	}
}

func TestCloneUnreachableRemote(t *testing.T) {
	requireGit(t)

	dir := filepath.Join(t.TempDir(), "broken")
	repo := NewRepository(dir, Options{})

	err := repo.Clone(context.Background(), filepath.Join(t.TempDir(), "does-not-exist.git"))
	if !errors.Is(err, errs.ErrFetch) {
		t.Fatalf("Clone error = %v, want ErrFetch", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatalf("working dir left behind after failed clone: %v", statErr)
	}
	matches, _ := filepath.Glob(dir + ".clone-*")
	if len(matches) != 0 {
		t.Fatalf("staging dirs left behind: %v", matches)
	}
}

func TestCloneEmptyURL(t *testing.T) {
	repo := NewRepository(t.TempDir(), Options{})
	if err := repo.Clone(context.Background(), "  "); !errors.Is(err, errs.ErrFetch) {
		t.Fatalf("Clone error = %v, want ErrFetch", err)
	}
}

func TestCloneReplacesStaleDirectory(t *testing.T) {
	u := newUpstream(t)

	dir := filepath.Join(t.TempDir(), "stale")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	repo := NewRepository(dir, Options{})
	if repo.Exists(context.Background()) {
		t.Fatal("Exists() = true for a non-repository directory")
	}
	if err := repo.Clone(context.Background(), u.bare); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if repo.HasFile("junk") {
		t.Fatal("stale file survived clone")
	}
}

func TestUpdateLocalModificationsConflict(t *testing.T) {
	u := newUpstream(t)
	ctx := context.Background()

	repo := NewRepository(filepath.Join(t.TempDir(), "dirty"), Options{})
	if err := repo.Clone(ctx, u.bare); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repo.Dir(), "autotune-config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	u.commit(t, "autotune-config.json", `{"type":"graphic"}`)

	if err := repo.Update(ctx); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("Update error = %v, want ErrConflict", err)
	}
}

func TestUpdateKeepsSetupModifiedFiles(t *testing.T) {
	requireShell(t)
	u := newUpstream(t)
	u.commit(t, "package.json", `{"name":"election-map"}`)
	u.commit(t, "package-lock.json", `{"lockfileVersion":1}`)
	ctx := context.Background()

	repo := NewRepository(filepath.Join(t.TempDir(), "installed"), Options{
		Setup: Descriptor{Steps: []Step{
			{Name: "npm", When: "package.json", Command: []string{"sh", "-c", `printf '{"lockfileVersion":3}' > package-lock.json`}},
		}},
	})
	if err := repo.Clone(ctx, u.bare); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := repo.SetupEnvironment(ctx); err != nil {
		t.Fatalf("SetupEnvironment: %v", err)
	}
	if status := gitCmd(t, repo.Dir(), "status", "--porcelain", "--untracked-files=no"); !strings.Contains(status, "package-lock.json") {
		t.Fatalf("setup step did not modify the tracked lock file: %q", status)
	}

	want := u.commit(t, "thumb.png", "png")
	if err := repo.Update(ctx); err != nil {
		t.Fatalf("Update after setup: %v", err)
	}
	got, err := repo.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if got != want {
		t.Fatalf("Version = %q, want %q", got, want)
	}
	if err := repo.SetupEnvironment(ctx); err != nil {
		t.Fatalf("SetupEnvironment after update: %v", err)
	}
	if err := repo.Update(ctx); err != nil {
		t.Fatalf("second Update: %v", err)
	}
}

func TestUpdateDivergedHistoryConflict(t *testing.T) {
	u := newUpstream(t)
	ctx := context.Background()

	repo := NewRepository(filepath.Join(t.TempDir(), "diverged"), Options{})
	if err := repo.Clone(ctx, u.bare); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repo.Dir(), "local.txt"), []byte("local"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, repo.Dir(), "add", "local.txt")
	gitCmd(t, repo.Dir(), "commit", "-m", "local change")
	u.commit(t, "remote.txt", "remote")

	if err := repo.Update(ctx); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("Update error = %v, want ErrConflict", err)
	}
}

func TestUpdateUnreachableRemote(t *testing.T) {
	u := newUpstream(t)
	ctx := context.Background()

	repo := NewRepository(filepath.Join(t.TempDir(), "orphaned"), Options{})
	if err := repo.Clone(ctx, u.bare); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := os.RemoveAll(u.bare); err != nil {
		t.Fatal(err)
	}

	if err := repo.Update(ctx); !errors.Is(err, errs.ErrFetch) {
		t.Fatalf("Update error = %v, want ErrFetch", err)
	}
}

func TestReadAndHasFile(t *testing.T) {
	u := newUpstream(t)

	repo := NewRepository(filepath.Join(t.TempDir(), "reader"), Options{})
	if err := repo.Clone(context.Background(), u.bare); err != nil {
		t.Fatalf("Clone: %v", err)
	}

	data, err := repo.Read("autotune-config.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"type":"app"}` {
		t.Fatalf("Read = %q", data)
	}

	if _, err := repo.Read("missing.json"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Read(missing) error = %v, want ErrNotFound", err)
	}
	if repo.HasFile("missing.json") {
		t.Fatal("HasFile(missing.json) = true")
	}
	if repo.HasFile("../../etc/passwd") {
		t.Fatal("HasFile followed a path outside the working copy")
	}
	if repo.HasFile(".git") {
		t.Fatal("HasFile(.git) = true for a directory")
	}
}

func TestReadRefusesSymlinks(t *testing.T) {
	u := newUpstream(t)

	repo := NewRepository(filepath.Join(t.TempDir(), "linked"), Options{})
	if err := repo.Clone(context.Background(), u.bare); err != nil {
		t.Fatalf("Clone: %v", err)
	}

	secret := filepath.Join(t.TempDir(), "secret.json")
	if err := os.WriteFile(secret, []byte(`{"token":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	links := map[string]string{
		"outside.json": secret,
		"inside.json":  "autotune-config.json",
		"escape":       filepath.Dir(secret),
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(repo.Dir(), name)); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
	}

	for _, rel := range []string{"outside.json", "inside.json", "escape/secret.json"} {
		if data, err := repo.Read(rel); err == nil {
			t.Errorf("Read(%q) = %q, want error", rel, data)
		}
		if repo.HasFile(rel) {
			t.Errorf("HasFile(%q) = true for a symlink", rel)
		}
	}
}
