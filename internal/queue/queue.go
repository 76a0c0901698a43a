// Package queue tracks generation requests through their status lifecycle:
//
//	Pending -> Processing -> Completed | Failed
//
// All items live in one collection; every change is a locked
// read-modify-write of that collection.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RichardoC/padi-chat/internal/docstore"
	"github.com/RichardoC/padi-chat/internal/models"
)

const collection = "queue/active"

var (
	// ErrNotFound is returned for unknown queue item ids.
	ErrNotFound = errors.New("queue item not found")
	// ErrInvalidTransition signals a status change the lifecycle forbids.
	// Callers hitting it have a bug.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Queue struct {
	items    *docstore.Collection[models.QueueItem]
	now      func() time.Time
	estimate Estimator
	logger   *zap.Logger
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithEstimator(e Estimator) Option {
	return func(q *Queue) { q.estimate = e }
}

func New(docs *docstore.Store, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		items:    docstore.Open[models.QueueItem](docs, collection),
		now:      time.Now,
		estimate: FixedEstimator(DefaultEstimate),
		logger:   logger.Named("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue records a new Pending item.
func (q *Queue) Enqueue(ctx context.Context, userID, conversationID, query string) (models.QueueItem, error) {
	item := models.QueueItem{
		ID:                   uuid.New().String(),
		UserID:               userID,
		ConversationID:       conversationID,
		Query:                query,
		Status:               models.StatusPending,
		CreatedAt:            q.now().UTC(),
		EstimatedProcessTime: models.Seconds(q.estimate.Estimate(query).Round(time.Second)),
	}
	if err := q.items.Put(ctx, item); err != nil {
		return models.QueueItem{}, fmt.Errorf("enqueueing: %w", err)
	}

	q.logger.Debug("item enqueued",
		zap.String("queue_item_id", item.ID),
		zap.String("conversation_id", conversationID),
		zap.Duration("estimate", item.EstimatedProcessTime.Duration()))
	return item, nil
}

// Get returns the item with the given id.
func (q *Queue) Get(ctx context.Context, id string) (models.QueueItem, error) {
	item, ok, err := q.items.Get(ctx, id)
	if err != nil {
		return models.QueueItem{}, err
	}
	if !ok {
		return models.QueueItem{}, ErrNotFound
	}
	return item, nil
}

// NextPending returns the oldest Pending item without claiming it.
func (q *Queue) NextPending(ctx context.Context) (models.QueueItem, bool, error) {
	items, err := q.items.List(ctx)
	if err != nil {
		return models.QueueItem{}, false, err
	}
	pending := pendingInOrder(items)
	if len(pending) == 0 {
		return models.QueueItem{}, false, nil
	}
	return items[pending[0]], true, nil
}

// Claim moves the oldest Pending item to Processing and returns it. The pick
// and the status change happen under one lock, so concurrent consumers
// never claim the same item.
func (q *Queue) Claim(ctx context.Context) (models.QueueItem, bool, error) {
	var claimed models.QueueItem
	found := false
	err := q.items.UpdateIf(ctx, func(items []models.QueueItem) ([]models.QueueItem, bool, error) {
		pending := pendingInOrder(items)
		if len(pending) == 0 {
			return items, false, nil
		}
		i := pending[0]
		items[i].Status = models.StatusProcessing
		claimed, found = items[i], true
		return items, true, nil
	})
	if err != nil {
		return models.QueueItem{}, false, fmt.Errorf("claiming: %w", err)
	}
	if found {
		q.logger.Debug("item claimed", zap.String("queue_item_id", claimed.ID))
	}
	return claimed, found, nil
}

// SetStatus moves an item to status. Only Pending->Processing and
// Processing->Completed|Failed are allowed; setting the current status again
// is a no-op.
func (q *Queue) SetStatus(ctx context.Context, id string, status models.Status) (models.QueueItem, error) {
	var updated models.QueueItem
	err := q.items.UpdateIf(ctx, func(items []models.QueueItem) ([]models.QueueItem, bool, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			from := items[i].Status
			if from == status {
				updated = items[i]
				return items, false, nil
			}
			if !from.CanTransitionTo(status) {
				return items, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
			}
			items[i].Status = status
			updated = items[i]
			return items, true, nil
		}
		return items, false, ErrNotFound
	})
	if err != nil {
		return models.QueueItem{}, err
	}
	return updated, nil
}

// FailStale moves every Processing item to Failed. It is meant for start-up,
// before any consumer runs: an item still Processing then was abandoned by a
// previous process.
func (q *Queue) FailStale(ctx context.Context) ([]models.QueueItem, error) {
	var failed []models.QueueItem
	err := q.items.UpdateIf(ctx, func(items []models.QueueItem) ([]models.QueueItem, bool, error) {
		for i := range items {
			if items[i].Status == models.StatusProcessing {
				items[i].Status = models.StatusFailed
				failed = append(failed, items[i])
			}
		}
		return items, len(failed) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ListForUser returns userID's items, oldest first.
func (q *Queue) ListForUser(ctx context.Context, userID string) ([]models.QueueItem, error) {
	items, err := q.items.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.QueueItem, 0)
	for _, item := range items {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// PositionOf returns the 1-based rank of id among Pending items. ok is false
// when the item is unknown or no longer Pending.
func (q *Queue) PositionOf(ctx context.Context, id string) (int, bool, error) {
	items, err := q.items.List(ctx)
	if err != nil {
		return 0, false, err
	}
	for rank, i := range pendingInOrder(items) {
		if items[i].ID == id {
			return rank + 1, true, nil
		}
	}
	return 0, false, nil
}

// pendingInOrder returns the indexes of Pending items sorted by CreatedAt,
// ties kept in insertion order.
func pendingInOrder(items []models.QueueItem) []int {
	idx := make([]int, 0, len(items))
	for i, item := range items {
		if item.Status == models.StatusPending {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return items[idx[a]].CreatedAt.Before(items[idx[b]].CreatedAt)
	})
	return idx
}
