package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RichardoC/padi-chat/internal/docstore"
	"github.com/RichardoC/padi-chat/internal/models"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func createTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	docs := docstore.New(docstore.NewFileBackend(filepath.Join(t.TempDir(), "data")), nil)
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(docs, nil, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func enqueue(t *testing.T, q *Queue, query string) models.QueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), "alice", "conv-1", query)
	require.NoError(t, err)
	return item
}

func position(t *testing.T, q *Queue, id string) (int, bool) {
	t.Helper()
	pos, ok, err := q.PositionOf(context.Background(), id)
	require.NoError(t, err)
	return pos, ok
}

func TestQueue_Enqueue(t *testing.T) {
	q := createTestQueue(t)

	item := enqueue(t, q, "hello")
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, "alice", item.UserID)
	assert.Equal(t, "conv-1", item.ConversationID)
	assert.Equal(t, "hello", item.Query)
	assert.Equal(t, DefaultEstimate, item.EstimatedProcessTime.Duration())

	got, err := q.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item, got)
}

func TestQueue_GetMissing(t *testing.T) {
	q := createTestQueue(t)

	_, err := q.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_NextPendingEmpty(t *testing.T) {
	q := createTestQueue(t)

	_, ok, err := q.NextPending(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_PositionsFollowCompletion(t *testing.T) {
	q := createTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "A")
	b := enqueue(t, q, "B")
	c := enqueue(t, q, "C")

	next, ok, err := q.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, next.ID)

	pos, ok := position(t, q, a.ID)
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	_, err = q.SetStatus(ctx, a.ID, models.StatusProcessing)
	require.NoError(t, err)
	_, err = q.SetStatus(ctx, a.ID, models.StatusCompleted)
	require.NoError(t, err)

	_, ok = position(t, q, a.ID)
	assert.False(t, ok, "completed items have no position")

	pos, ok = position(t, q, b.ID)
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	pos, ok = position(t, q, c.ID)
	require.True(t, ok)
	assert.Equal(t, 2, pos)
}

func TestQueue_FailingHeadPromotesNext(t *testing.T) {
	q := createTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "A")
	b := enqueue(t, q, "B")

	claimed, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, claimed.ID)

	_, ok = position(t, q, a.ID)
	assert.False(t, ok, "processing items have no position")

	_, err = q.SetStatus(ctx, a.ID, models.StatusFailed)
	require.NoError(t, err)

	pos, ok := position(t, q, b.ID)
	require.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestQueue_PositionOfUnknown(t *testing.T) {
	q := createTestQueue(t)
	enqueue(t, q, "A")

	_, ok := position(t, q, "missing")
	assert.False(t, ok)
}

func TestQueue_TiesKeepInsertionOrder(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := docstore.New(docstore.NewFileBackend(filepath.Join(t.TempDir(), "data")), nil)
	q := New(docs, nil, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, q, fmt.Sprint(i)).ID)
	}

	next, ok, err := q.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[0], next.ID)

	for i, id := range ids {
		pos, ok := position(t, q, id)
		require.True(t, ok)
		assert.Equal(t, i+1, pos)
	}
}

func TestQueue_SetStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []models.Status
		next    models.Status
		wantErr bool
	}{
		{"pending to processing", nil, models.StatusProcessing, false},
		{"pending to completed", nil, models.StatusCompleted, true},
		{"pending to failed", nil, models.StatusFailed, true},
		{"processing to completed", []models.Status{models.StatusProcessing}, models.StatusCompleted, false},
		{"processing to failed", []models.Status{models.StatusProcessing}, models.StatusFailed, false},
		{"processing to pending", []models.Status{models.StatusProcessing}, models.StatusPending, true},
		{"completed to pending", []models.Status{models.StatusProcessing, models.StatusCompleted}, models.StatusPending, true},
		{"completed to processing", []models.Status{models.StatusProcessing, models.StatusCompleted}, models.StatusProcessing, true},
		{"completed to failed", []models.Status{models.StatusProcessing, models.StatusCompleted}, models.StatusFailed, true},
		{"failed to pending", []models.Status{models.StatusProcessing, models.StatusFailed}, models.StatusPending, true},
		{"failed to processing", []models.Status{models.StatusProcessing, models.StatusFailed}, models.StatusProcessing, true},
		{"failed to completed", []models.Status{models.StatusProcessing, models.StatusFailed}, models.StatusCompleted, true},
		{"completed again", []models.Status{models.StatusProcessing, models.StatusCompleted}, models.StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := createTestQueue(t)
			ctx := context.Background()
			item := enqueue(t, q, "x")
			for _, s := range tt.path {
				_, err := q.SetStatus(ctx, item.ID, s)
				require.NoError(t, err)
			}
			before, err := q.Get(ctx, item.ID)
			require.NoError(t, err)

			_, err = q.SetStatus(ctx, item.ID, tt.next)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				after, err := q.Get(ctx, item.ID)
				require.NoError(t, err)
				assert.Equal(t, before.Status, after.Status, "rejected transition must not change the item")
				return
			}
			require.NoError(t, err)
			after, err := q.Get(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.next, after.Status)
		})
	}
}

func TestQueue_SetStatusUnknown(t *testing.T) {
	q := createTestQueue(t)

	_, err := q.SetStatus(context.Background(), "nope", models.StatusProcessing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q := createTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		enqueue(t, q, fmt.Sprint(i))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok, err := q.Claim(ctx)
				if !assert.NoError(t, err) || !ok {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestQueue_FailStale(t *testing.T) {
	q := createTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "A")
	b := enqueue(t, q, "B")
	_, _, err := q.Claim(ctx)
	require.NoError(t, err)

	failed, err := q.FailStale(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	got, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	got, err = q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestQueue_ListForUser(t *testing.T) {
	q := createTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "alice", "c1", "one")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "bob", "c2", "two")
	require.NoError(t, err)
	third, err := q.Enqueue(ctx, "alice", "c1", "three")
	require.NoError(t, err)

	items, err := q.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, third.ID, items[1].ID)

	items, err = q.ListForUser(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueue_EstimatorIsApplied(t *testing.T) {
	est := &TokenEstimator{
		Base:     10 * time.Second,
		PerToken: time.Second,
		count:    func(s string) int { return len(s) },
	}
	q := createTestQueue(t, WithEstimator(est))

	item := enqueue(t, q, "abcde")
	assert.Equal(t, 15*time.Second, item.EstimatedProcessTime.Duration())
}

func TestTokenEstimator_ApproximatesWithoutTokenizer(t *testing.T) {
	est := &TokenEstimator{Base: time.Second, PerToken: 100 * time.Millisecond}

	assert.Equal(t, time.Second, est.Estimate(""))
	assert.Equal(t, 1200*time.Millisecond, est.Estimate("abcdefgh"))
}
