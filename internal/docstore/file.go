package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

const fileExt = ".json"

// FileBackend keeps each document in <root>/<name>.json. Directories are
// created on first write.
type FileBackend struct {
	root string
}

func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: root}
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.root, filepath.FromSlash(name)+fileExt)
}

func (b *FileBackend) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Write stages data in a temp file next to the target and renames it over
// the target, so readers see either the old or the new document.
func (b *FileBackend) Write(_ context.Context, name string, data []byte) (err error) {
	target := b.path(name)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreNotExist(os.Remove(tmp.Name())))
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return multierr.Append(fmt.Errorf("writing temp file: %w", err), tmp.Close())
	}
	if err = tmp.Sync(); err != nil {
		return multierr.Append(fmt.Errorf("syncing temp file: %w", err), tmp.Close())
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replacing %s: %w", target, err)
	}
	return nil
}

func (b *FileBackend) DeletePrefix(_ context.Context, prefix string) error {
	dir := filepath.Join(b.root, filepath.FromSlash(prefix))
	return multierr.Combine(
		os.RemoveAll(dir),
		ignoreNotExist(os.Remove(dir+fileExt)),
	)
}

func (b *FileBackend) Close() error { return nil }

func ignoreNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
