// Package git wraps a blueprint's working copy. All commands run through the
// git CLI against a fixed directory via "git -C <dir>", with terminal prompts
// disabled so credential failures surface as errors instead of hanging.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfcci/autotune/pkg/errs"
)

const (
	DefaultFetchTimeout = 5 * time.Minute
	DefaultSetupTimeout = 10 * time.Minute
)

// Options configures a Repository.
type Options struct {
	FetchTimeout time.Duration
	SetupTimeout time.Duration
	Setup        Descriptor
}

// Repository is one working copy bound to a directory.
type Repository struct {
	dir  string
	opts Options
}

// NewRepository returns a Repository for dir. Zero timeouts fall back to the
// package defaults.
func NewRepository(dir string, opts Options) *Repository {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = DefaultSetupTimeout
	}
	return &Repository{dir: dir, opts: opts}
}

// Dir returns the working directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Exists reports whether the directory holds an initialised working copy.
// The check shares the FetchTimeout bound.
func (r *Repository) Exists(ctx context.Context) bool {
	info, err := os.Stat(filepath.Join(r.dir, ".git"))
	if err != nil || !info.IsDir() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Clone checks out url at its default revision. The checkout happens in a
// staging directory next to the target and is renamed into place, so a failed
// clone never leaves a half-populated working directory behind.
func (r *Repository) Clone(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("%w: repository url is required", errs.ErrFetch)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	parent := filepath.Dir(r.dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", errs.ErrIO, parent, err)
	}

	staging := r.dir + ".clone-" + uuid.NewString()
	defer os.RemoveAll(staging)

	if _, err := runGit(ctx, "", "clone", "--recurse-submodules", "--", url, staging); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrFetch, timeoutCause(ctx, err))
	}

	// Leftovers from an interrupted run are not a repository; replace them.
	if err := os.RemoveAll(r.dir); err != nil {
		return fmt.Errorf("%w: clear %s: %w", errs.ErrIO, r.dir, err)
	}
	if err := os.Rename(staging, r.dir); err != nil {
		return fmt.Errorf("%w: move clone into %s: %w", errs.ErrIO, r.dir, err)
	}
	return nil
}

// Update fast-forwards the working copy to the latest upstream revision.
// Local modifications, such as lock files rewritten by SetupEnvironment, are
// carried along; the update conflicts only when the fast-forward would
// overwrite them or history has diverged.
func (r *Repository) Update(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	if _, err := r.run(ctx, "fetch", "--prune", "origin"); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrFetch, timeoutCause(ctx, err))
	}
	if _, err := r.run(ctx, "merge", "--ff-only", "@{upstream}"); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", errs.ErrFetch, timeoutCause(ctx, err))
		}
		return fmt.Errorf("%w: %w", errs.ErrConflict, err)
	}
	if _, err := r.run(ctx, "submodule", "update", "--init", "--recursive"); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrFetch, timeoutCause(ctx, err))
	}
	return nil
}

// Version returns the checked-out commit hash.
func (r *Repository) Version(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrFetch, err)
	}
	return strings.TrimSpace(out), nil
}

// Read returns the content of rel in the working copy. Symlinks are not
// followed out of the working copy and only regular files are read.
func (r *Repository) Read(rel string) ([]byte, error) {
	file, err := r.open(rel)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", errs.ErrIO, rel, err)
	}
	return data, nil
}

// HasFile reports whether rel is a regular file in the working copy. It never
// fails.
func (r *Repository) HasFile(rel string) bool {
	file, err := r.open(rel)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

// open resolves rel through an os.Root on the working copy and refuses
// anything but a regular file, including a symlink as the final component.
func (r *Repository) open(rel string) (*os.File, error) {
	clean := filepath.Clean(rel)
	if strings.TrimSpace(rel) == "" || !filepath.IsLocal(clean) {
		return nil, fmt.Errorf("%w: invalid path %q", errs.ErrNotFound, rel)
	}

	root, err := os.OpenRoot(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", errs.ErrNotFound, rel, r.dir)
		}
		return nil, fmt.Errorf("%w: open %s: %w", errs.ErrIO, r.dir, err)
	}
	defer root.Close()

	info, err := root.Lstat(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", errs.ErrNotFound, rel, r.dir)
		}
		return nil, fmt.Errorf("%w: %s: %w", errs.ErrNotFound, rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errs.ErrNotFound, rel)
	}

	file, err := root.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", errs.ErrIO, rel, err)
	}
	if info, err := file.Stat(); err != nil || !info.Mode().IsRegular() {
		file.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", errs.ErrNotFound, rel)
	}
	return file, nil
}

func (r *Repository) run(ctx context.Context, args ...string) (string, error) {
	return runGit(ctx, r.dir, args...)
}

// runGit executes git and returns stdout. Stderr is folded into the error.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func timeoutCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out: %w", err)
	}
	return err
}
