package docstore

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Record is anything stored in a Collection; DocID is its identity.
type Record interface {
	DocID() string
}

// Collection is an ordered list of records of one type kept in a single
// document. Order is insertion order.
type Collection[T Record] struct {
	store *Store
	name  string
}

// Open returns a handle on the named collection. Nothing is touched on disk
// until the first write.
func Open[T Record](store *Store, name string) *Collection[T] {
	return &Collection[T]{store: store, name: name}
}

func (c *Collection[T]) Name() string { return c.name }

// Get returns the record with the given id; ok is false when absent.
func (c *Collection[T]) Get(ctx context.Context, id string) (rec T, ok bool, err error) {
	items, err := c.List(ctx)
	if err != nil {
		return rec, false, err
	}
	for _, item := range items {
		if item.DocID() == id {
			return item, true, nil
		}
	}
	return rec, false, nil
}

// List returns every record, or an empty slice if the collection was never
// written.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	unlock := c.store.lock(c.name)
	defer unlock()
	return c.load(ctx)
}

// Put replaces the record sharing rec's id, or appends rec.
func (c *Collection[T]) Put(ctx context.Context, rec T) error {
	return c.Update(ctx, func(items []T) ([]T, error) {
		for i := range items {
			if items[i].DocID() == rec.DocID() {
				items[i] = rec
				return items, nil
			}
		}
		return append(items, rec), nil
	})
}

// Remove deletes the record with the given id. Missing ids are ignored.
func (c *Collection[T]) Remove(ctx context.Context, id string) error {
	return c.Update(ctx, func(items []T) ([]T, error) {
		out := items[:0]
		for _, item := range items {
			if item.DocID() != id {
				out = append(out, item)
			}
		}
		return out, nil
	})
}

// Update runs fn on the current records and persists what it returns, all
// while holding the collection lock. If fn returns an error nothing is
// written. Returning the input slice unchanged (same length and backing
// array) still writes; use UpdateIf to skip no-op writes.
func (c *Collection[T]) Update(ctx context.Context, fn func(items []T) ([]T, error)) error {
	return c.UpdateIf(ctx, func(items []T) ([]T, bool, error) {
		out, err := fn(items)
		return out, true, err
	})
}

// UpdateIf is Update where fn also reports whether anything changed.
func (c *Collection[T]) UpdateIf(ctx context.Context, fn func(items []T) ([]T, bool, error)) error {
	if err := validName(c.name); err != nil {
		return err
	}
	unlock := c.store.lock(c.name)
	defer unlock()

	items, err := c.load(ctx)
	if err != nil {
		return err
	}
	out, changed, err := fn(items)
	if err != nil || !changed {
		return err
	}
	return c.save(ctx, out)
}

func (c *Collection[T]) load(ctx context.Context) ([]T, error) {
	if err := validName(c.name); err != nil {
		return nil, err
	}
	data, err := c.store.backend.Read(ctx, c.name)
	if err != nil {
		return nil, storageErr("read", c.name, err)
	}
	items := make([]T, 0)
	if len(data) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, storageErr("decode", c.name, err)
	}
	if items == nil {
		items = make([]T, 0)
	}
	return items, nil
}

func (c *Collection[T]) save(ctx context.Context, items []T) error {
	if items == nil {
		items = make([]T, 0)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return storageErr("encode", c.name, err)
	}
	if err := c.store.backend.Write(ctx, c.name, data); err != nil {
		c.store.logger.Error("failed to write collection",
			zap.String("collection", c.name),
			zap.Error(err))
		return storageErr("write", c.name, err)
	}
	return nil
}
