package storage

import (
	"context"
	"errors"
)

// Errors
var (
	ErrNotFound = errors.New("key not found")
	ErrEmptyKey = errors.New("empty key")
)

// Entry is a single key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Store is an insertion-ordered key/value store.
type Store interface {
	// Put writes value under key. Overwriting keeps the key's original position.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// List returns every entry in insertion order.
	List(ctx context.Context) ([]Entry, error)

	// Len returns the number of keys.
	Len() int
}
