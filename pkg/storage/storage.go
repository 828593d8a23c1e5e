// Package storage holds durable blob stores used to keep persistent
// messages across restarts.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("storage: key not found")
	ErrInvalidKey = errors.New("storage: invalid key")
	ErrClosed     = errors.New("storage: closed")
)

// Store is a key-value blob store. Implementations must be safe for
// concurrent use.
type Store interface {
	Commit(key string, value []byte) error
	Read(key string) ([]byte, error)
	Remove(key string) error

	// Iterate calls fn for every entry until fn returns an error, which
	// is then returned by Iterate.
	Iterate(fn func(key string, value []byte) error) error
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
