// Package docstore persists JSON record lists under slash-separated
// collection names ("queue/active", "conversations/<id>/messages").
//
// A Store wraps a Backend and hands out typed Collections. Every
// read-modify-write on a collection runs under that collection's own mutex,
// so writers to different collections never wait on each other.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrStorage marks failures of the underlying backend (I/O, permissions,
// corrupt documents).
var ErrStorage = errors.New("storage error")

// Backend reads and writes whole documents by name.
//
// Read returns (nil, nil) when the document has never been written. Write
// must replace the document atomically: a crash leaves either the old or the
// new content, never a partial one. DeletePrefix removes the named document
// and every document below it ("a" removes "a" and "a/b").
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

type Store struct {
	backend Backend
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*lockEntry
}

// lockEntry is a collection mutex shared by everyone holding or waiting on
// it. The entry leaves the map when the last of them releases.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func New(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger.Named("docstore"),
		locks:   make(map[string]*lockEntry),
	}
}

// lock acquires the mutex guarding one collection and returns its release.
func (s *Store) lock(name string) func() {
	s.mu.Lock()
	e, ok := s.locks[name]
	if !ok {
		e = &lockEntry{}
		s.locks[name] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		if e.refs--; e.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

// Drop removes a collection and every collection nested below it.
func (s *Store) Drop(ctx context.Context, prefix string) error {
	if err := validName(prefix); err != nil {
		return err
	}
	unlock := s.lock(prefix)
	defer unlock()

	if err := s.backend.DeletePrefix(ctx, prefix); err != nil {
		return storageErr("drop", prefix, err)
	}

	s.logger.Debug("dropped collection", zap.String("prefix", prefix))
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func storageErr(op, name string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ErrStorage, op, name, err)
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("invalid collection name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid collection name %q", name)
		}
	}
	return nil
}
