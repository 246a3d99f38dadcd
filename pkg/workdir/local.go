package workdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalDestination writes deployed files below a directory served by a web
// server at BaseURL.
type LocalDestination struct {
	root    string
	baseURL string
}

// NewLocalDestination returns a destination rooted at root. When baseURL is
// empty, Put returns filesystem paths instead of URLs.
func NewLocalDestination(root, baseURL string) (*LocalDestination, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("media root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &LocalDestination{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes r to root/key through a temporary file so readers never observe a
// partial file.
func (d *LocalDestination) Put(ctx context.Context, key string, r io.Reader, size int64, sum string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := within(filepath.FromSlash(key))
	if err != nil {
		return "", err
	}
	target := filepath.Join(d.root, clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".deploy-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		return "", fmt.Errorf("write %s: short copy (%d of %d bytes)", key, written, size)
	}
	if sum != "" && hex.EncodeToString(hash.Sum(nil)) != sum {
		return "", fmt.Errorf("write %s: checksum mismatch", key)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("chmod %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("rename into %s: %w", key, err)
	}

	if d.baseURL == "" {
		return target, nil
	}
	return d.baseURL + "/" + strings.TrimLeft(key, "/"), nil
}
