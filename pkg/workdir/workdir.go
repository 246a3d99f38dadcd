// Package workdir maps blueprint identities to on-disk working directories and
// moves files out of those directories into public media storage.
package workdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openfcci/autotune/pkg/errs"
)

const locksDir = ".locks"

var (
	slugPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,127}$`)
	slugSeparator = regexp.MustCompile(`[^a-z0-9]+`)
)

// Destination receives deployed files and makes them publicly servable.
type Destination interface {
	// Put stores the content under key and returns the public location.
	Put(ctx context.Context, key string, r io.Reader, size int64, sha256 string) (string, error)
}

// Manager resolves working directories below a single root.
type Manager struct {
	root string
	dest Destination
}

// NewManager creates the root directory if needed. dest may be nil when the
// caller never deploys files.
func NewManager(root string, dest Destination) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("working dir root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve working dir root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create working dir root: %w", errs.ErrIO, err)
	}
	return &Manager{root: abs, dest: dest}, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.root
}

// ValidSlug reports whether slug is a well-formed blueprint identity.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

// Slugify derives an identity from a free-form title.
func Slugify(title string) string {
	s := slugSeparator.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	s = strings.Trim(s, "-")
	if len(s) > 128 {
		s = strings.TrimRight(s[:128], "-")
	}
	return s
}

// Resolve returns the working directory for slug. Distinct slugs always map
// to distinct directories.
func (m *Manager) Resolve(slug string) (string, error) {
	if !ValidSlug(slug) {
		return "", fmt.Errorf("%w: invalid blueprint slug %q", errs.ErrValidation, slug)
	}
	return filepath.Join(m.root, slug), nil
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DeployFile copies rel from workingDir to the destination under
// prefix/rel and returns the public location.
func (m *Manager) DeployFile(ctx context.Context, workingDir, rel, prefix string) (string, error) {
	if m.dest == nil {
		return "", fmt.Errorf("%w: no media destination configured", errs.ErrIO)
	}
	clean, err := within(rel)
	if err != nil {
		return "", err
	}
	file, info, err := openRegular(workingDir, clean)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("%w: hash %s: %w", errs.ErrIO, rel, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: rewind %s: %w", errs.ErrIO, rel, err)
	}

	key := path.Join(prefix, filepath.ToSlash(clean))
	location, err := m.dest.Put(ctx, key, file, info.Size(), hex.EncodeToString(hash.Sum(nil)))
	if err != nil {
		return "", fmt.Errorf("%w: deploy %s: %w", errs.ErrIO, key, err)
	}
	return location, nil
}

// within cleans rel and refuses paths that leave the directory textually.
func within(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", errs.ErrNotFound)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q not allowed", errs.ErrValidation, rel)
	}
	clean := filepath.Clean(rel)
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: path %q escapes working directory", errs.ErrValidation, rel)
	}
	return clean, nil
}

// openRegular opens rel through an os.Root on workingDir, so symlinks cannot
// resolve outside it, and accepts only regular files. A symlink as the final
// component is rejected even when its target stays inside.
func openRegular(workingDir, rel string) (*os.File, fs.FileInfo, error) {
	root, err := os.OpenRoot(workingDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %w: deploy source %s", errs.ErrIO, errs.ErrNotFound, rel)
		}
		return nil, nil, fmt.Errorf("%w: open working directory: %w", errs.ErrIO, err)
	}
	defer root.Close()

	info, err := root.Lstat(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %w: deploy source %s", errs.ErrIO, errs.ErrNotFound, rel)
		}
		return nil, nil, fmt.Errorf("%w: %w: deploy source %s: %w", errs.ErrIO, errs.ErrValidation, rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("%w: %w: deploy source %s is not a regular file", errs.ErrIO, errs.ErrValidation, rel)
	}

	file, err := root.Open(rel)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %w", errs.ErrIO, rel, err)
	}
	// The entry may have been swapped between Lstat and Open.
	info, err = file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %w: deploy source %s is not a regular file", errs.ErrIO, errs.ErrValidation, rel)
	}
	return file, info, nil
}
