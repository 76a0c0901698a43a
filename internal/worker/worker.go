// Package worker drives a submitted message through the generation
// pipeline:
//
//	Submit:  validate -> append user message -> retitle -> enqueue (Pending)
//	Process: claim (Processing) -> provider call -> append reply
//	         -> touch conversation -> Completed
//
// Any provider or storage failure after the claim ends the item in Failed
// and appends no reply. Submit returns as soon as the item is queued; Run
// drains the queue with a fixed number of consumers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RichardoC/padi-chat/internal/llm"
	"github.com/RichardoC/padi-chat/internal/metrics"
	"github.com/RichardoC/padi-chat/internal/models"
	"github.com/RichardoC/padi-chat/internal/queue"
)

// ErrValidation is returned for submissions rejected before any mutation.
// Message text is rejected only when empty; it is stored exactly as given.
var ErrValidation = errors.New("validation error")

const (
	DefaultTimeout      = 2 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// Conversations is what the worker needs from the conversation store.
type Conversations interface {
	Create(ctx context.Context, userID string) (models.Conversation, error)
	GetOwned(ctx context.Context, id, userID string) (models.Conversation, error)
	List(ctx context.Context, userID string) ([]models.Conversation, error)
	Update(ctx context.Context, conv models.Conversation) error
	Delete(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	RetitleIfDefault(ctx context.Context, conv models.Conversation, text string) (models.Conversation, bool, error)
	Touch(ctx context.Context, id string) error
}

// Queue is what the worker needs from the work queue.
type Queue interface {
	Enqueue(ctx context.Context, userID, conversationID, query string) (models.QueueItem, error)
	Get(ctx context.Context, id string) (models.QueueItem, error)
	Claim(ctx context.Context) (models.QueueItem, bool, error)
	SetStatus(ctx context.Context, id string, status models.Status) (models.QueueItem, error)
	FailStale(ctx context.Context) ([]models.QueueItem, error)
	ListForUser(ctx context.Context, userID string) ([]models.QueueItem, error)
	PositionOf(ctx context.Context, id string) (int, bool, error)
}

type Options struct {
	// Model passed to the provider; empty uses the provider's default.
	Model string
	// Timeout bounds each provider call.
	Timeout time.Duration
	// Concurrency is the number of consumers Run starts.
	Concurrency int
	// PollInterval is how often idle consumers look for missed work.
	PollInterval time.Duration
}

type Worker struct {
	conversations Conversations
	queue         Queue
	provider      llm.Provider
	metrics       *metrics.Metrics
	opts          Options
	logger        *zap.Logger

	wake chan struct{}
}

// New wires a worker. m may be nil.
func New(conversations Conversations, q Queue, provider llm.Provider, m *metrics.Metrics, opts Options, logger *zap.Logger) *Worker {
	if opts.Model == "" {
		opts.Model = provider.DefaultModel()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		conversations: conversations,
		queue:         q,
		provider:      provider,
		metrics:       m,
		opts:          opts,
		logger:        logger.Named("worker"),
		wake:          make(chan struct{}, 1),
	}
}

// Submit records text as a user message in the conversation, retitles a
// fresh conversation and queues the generation. It does not wait for the
// reply.
func (w *Worker) Submit(ctx context.Context, userID, conversationID, text string) (models.QueueItem, error) {
	if text == "" {
		return models.QueueItem{}, fmt.Errorf("%w: message is empty", ErrValidation)
	}

	conv, err := w.conversations.GetOwned(ctx, conversationID, userID)
	if err != nil {
		return models.QueueItem{}, err
	}

	if _, err := w.conversations.AppendMessage(ctx, conv.ID, models.Message{
		Content:    text,
		IsFromUser: true,
	}); err != nil {
		return models.QueueItem{}, fmt.Errorf("recording message: %w", err)
	}

	if _, _, err := w.conversations.RetitleIfDefault(ctx, conv, text); err != nil {
		return models.QueueItem{}, fmt.Errorf("retitling conversation: %w", err)
	}

	item, err := w.queue.Enqueue(ctx, userID, conv.ID, text)
	if err != nil {
		return models.QueueItem{}, err
	}
	w.metrics.Transition(string(models.StatusPending))
	w.notify()

	w.logger.Info("message submitted",
		zap.String("queue_item_id", item.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID))
	return item, nil
}

func (w *Worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// ProcessNext claims the oldest Pending item and runs it to Completed or
// Failed. It reports false when nothing was pending.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	item, ok, err := w.queue.Claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	w.process(context.WithoutCancel(ctx), item)
	return true, nil
}

func (w *Worker) process(ctx context.Context, item models.QueueItem) {
	logger := w.logger.With(
		zap.String("queue_item_id", item.ID),
		zap.String("conversation_id", item.ConversationID))
	w.metrics.Transition(string(models.StatusProcessing))

	done := w.metrics.StartGeneration()
	reply, err := w.generate(ctx, item.Query)
	if err != nil {
		done("failed")
		w.fail(ctx, logger, item, fmt.Errorf("generating reply: %w", err))
		return
	}
	done("completed")

	model := w.opts.Model
	if _, err := w.conversations.AppendMessage(ctx, item.ConversationID, models.Message{
		Content:    reply,
		IsFromUser: false,
		ModelName:  &model,
	}); err != nil {
		w.fail(ctx, logger, item, fmt.Errorf("recording reply: %w", err))
		return
	}

	if err := w.conversations.Touch(ctx, item.ConversationID); err != nil {
		w.fail(ctx, logger, item, fmt.Errorf("updating conversation: %w", err))
		return
	}

	if err := w.setStatus(ctx, logger, item.ID, models.StatusCompleted); err != nil {
		if !errors.Is(err, queue.ErrInvalidTransition) {
			w.setStatus(ctx, logger, item.ID, models.StatusFailed)
		}
		return
	}
	logger.Info("generation completed", zap.String("model", model))
}

// generate calls the provider with the configured timeout. The provider runs
// in its own goroutine so one that ignores its context still cannot hold
// the item past the deadline.
func (w *Worker) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := w.provider.Generate(ctx, prompt, w.opts.Model)
		ch <- result{text, err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", llm.ErrUnavailable, ctx.Err())
	}
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, item models.QueueItem, cause error) {
	logger.Warn("generation failed", zap.Error(cause))
	w.setStatus(ctx, logger, item.ID, models.StatusFailed)
}

// setStatus moves the item and records the transition. Failures are logged
// and returned.
func (w *Worker) setStatus(ctx context.Context, logger *zap.Logger, id string, status models.Status) error {
	_, err := w.queue.SetStatus(ctx, id, status)
	switch {
	case err == nil:
		w.metrics.Transition(string(status))
	case errors.Is(err, queue.ErrInvalidTransition):
		logger.DPanic("illegal queue transition", zap.String("status", string(status)), zap.Error(err))
	default:
		logger.Error("failed to update queue item", zap.String("status", string(status)), zap.Error(err))
	}
	return err
}

// Run fails items abandoned by a previous process, then drains the queue
// with Options.Concurrency consumers until ctx is cancelled. Generations
// already in flight when ctx ends run to completion before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	stale, err := w.queue.FailStale(ctx)
	if err != nil {
		return fmt.Errorf("recovering stale items: %w", err)
	}
	for _, item := range stale {
		w.metrics.Transition(string(models.StatusFailed))
		w.logger.Warn("abandoned item marked failed", zap.String("queue_item_id", item.ID))
	}

	w.logger.Info("worker started", zap.Int("consumers", w.opts.Concurrency))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.consume(ctx)
			return nil
		})
	}
	err = g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			ok, err := w.ProcessNext(ctx)
			if err != nil {
				w.logger.Error("failed to claim queue item", zap.Error(err))
				break
			}
			if !ok {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// CreateConversation starts an empty conversation for userID.
func (w *Worker) CreateConversation(ctx context.Context, userID string) (models.Conversation, error) {
	return w.conversations.Create(ctx, userID)
}

// GetConversation returns the conversation if userID owns it.
func (w *Worker) GetConversation(ctx context.Context, id, userID string) (models.Conversation, error) {
	return w.conversations.GetOwned(ctx, id, userID)
}

func (w *Worker) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	return w.conversations.List(ctx, userID)
}

// RenameConversation sets a user-chosen title on a conversation owned by
// userID.
func (w *Worker) RenameConversation(ctx context.Context, id, userID, title string) (models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Conversation{}, fmt.Errorf("%w: title is empty", ErrValidation)
	}
	conv, err := w.conversations.GetOwned(ctx, id, userID)
	if err != nil {
		return models.Conversation{}, err
	}
	conv.Title = title
	if err := w.conversations.Update(ctx, conv); err != nil {
		return models.Conversation{}, err
	}
	return w.conversations.GetOwned(ctx, id, userID)
}

// DeleteConversation removes a conversation owned by userID along with its
// messages. Queue items that reference it are kept.
func (w *Worker) DeleteConversation(ctx context.Context, id, userID string) error {
	if _, err := w.conversations.GetOwned(ctx, id, userID); err != nil {
		return err
	}
	return w.conversations.Delete(ctx, id)
}

func (w *Worker) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return w.conversations.Messages(ctx, conversationID)
}

// QueueItem returns an item's current state, the way a caller detects a
// Failed generation.
func (w *Worker) QueueItem(ctx context.Context, id string) (models.QueueItem, error) {
	return w.queue.Get(ctx, id)
}

// QueuePosition is the item's 1-based rank among Pending items; ok is false
// once it has left Pending.
func (w *Worker) QueuePosition(ctx context.Context, id string) (int, bool, error) {
	return w.queue.PositionOf(ctx, id)
}

func (w *Worker) ListQueue(ctx context.Context, userID string) ([]models.QueueItem, error) {
	return w.queue.ListForUser(ctx, userID)
}

// Models lists the provider's models and whether it answered at all.
func (w *Worker) Models(ctx context.Context) ([]string, bool) {
	names, err := w.provider.ListModels(ctx)
	if err != nil {
		w.logger.Debug("listing models failed", zap.Error(err))
		return []string{}, false
	}
	return names, true
}

// Model is the model name replies are generated with.
func (w *Worker) Model() string { return w.opts.Model }
