package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/google/renameio/v2"

	"podpub/internal/app/podpub/podcast"
)

// LocalStore keeps objects as files under a root directory, served by some static web server.
// Writes are replaced atomically, readers see either the old or the new content.
type LocalStore struct {
	Root    string
	BaseURL string
}

// NewLocalStore makes a store rooted at dir
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("root directory can't be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	return &LocalStore{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes object atomically
func (l *LocalStore) Put(ctx context.Context, objectName string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return &podcast.StorageError{Op: "put", Path: objectName, Err: err}
	}
	target, err := l.path(objectName)
	if err != nil {
		return &podcast.StorageError{Op: "put", Path: objectName, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &podcast.StorageError{Op: "put", Path: objectName, Err: err}
	}

	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return &podcast.StorageError{Op: "put", Path: objectName, Transient: true, Err: err}
	}

	log.Printf("[DEBUG] stored %s, %d bytes", target, len(data))
	return nil
}

// Get reads object
func (l *LocalStore) Get(_ context.Context, objectName string) ([]byte, error) {
	target, err := l.path(objectName)
	if err != nil {
		return nil, &podcast.StorageError{Op: "get", Path: objectName, Err: err}
	}
	data, err := os.ReadFile(target) // nolint
	if errors.Is(err, os.ErrNotExist) {
		return nil, &podcast.NotFoundError{Kind: "object", Key: objectName}
	}
	if err != nil {
		return nil, &podcast.StorageError{Op: "get", Path: objectName, Transient: true, Err: err}
	}
	return data, nil
}

// URL returns public location of the object
func (l *LocalStore) URL(objectName string) string {
	return l.BaseURL + "/" + objectName
}

func (l *LocalStore) path(objectName string) (string, error) {
	clean := filepath.Clean("/" + objectName)
	if clean == "/" || clean != "/"+objectName {
		return "", fmt.Errorf("object name %q is not a clean relative path", objectName)
	}
	return filepath.Join(l.Root, filepath.FromSlash(clean)), nil
}
