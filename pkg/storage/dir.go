package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const tmpSuffix = ".tmp"

// Dir is a Store keeping one file per key in a directory. Commits are
// atomic: the value is written to a temporary file then renamed.
type Dir struct {
	root string
}

// OpenDir creates root if needed and removes leftovers of interrupted
// commits.
func OpenDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	leftovers, err := filepath.Glob(filepath.Join(root, "*"+tmpSuffix))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	for _, path := range leftovers {
		os.Remove(path)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Commit(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.root, key+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.root, key)); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (d *Dir) Read(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(d.root, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return b, nil
}

func (d *Dir) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(d.root, key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Iterate visits entries in key order, entries removed concurrently are
// skipped.
func (d *Dir) Iterate(fn func(key string, value []byte) error) error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasSuffix(e.Name(), tmpSuffix) {
			keys = append(keys, e.Name())
		}
	}
	slices.Sort(keys)

	for _, key := range keys {
		value, err := d.Read(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}
