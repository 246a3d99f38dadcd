package workdir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openfcci/autotune/pkg/errs"
)

const lockPollInterval = 100 * time.Millisecond

// Lock takes an exclusive flock scoped to slug's working directory. It blocks
// until the lock is acquired or ctx is done. The returned func releases it.
func (m *Manager) Lock(ctx context.Context, slug string) (func() error, error) {
	if !ValidSlug(slug) {
		return nil, fmt.Errorf("%w: invalid blueprint slug %q", errs.ErrValidation, slug)
	}

	dir := filepath.Join(m.root, locksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create lock dir: %w", errs.ErrIO, err)
	}

	file, err := os.OpenFile(filepath.Join(dir, slug+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %w", errs.ErrIO, err)
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			file.Close()
			return nil, fmt.Errorf("%w: flock %s: %w", errs.ErrIO, slug, err)
		}
		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() error {
		unlockErr := unix.Flock(int(file.Fd()), unix.LOCK_UN)
		closeErr := file.Close()
		return errors.Join(unlockErr, closeErr)
	}, nil
}
