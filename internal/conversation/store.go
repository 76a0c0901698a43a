// Package conversation keeps conversation metadata and each conversation's
// append-only message log.
//
// Layout inside the document store:
//
//	conversations/index          all conversation metadata, used for listings
//	conversations/<id>/meta      the conversation's own metadata record
//	conversations/<id>/messages  the ordered message log
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RichardoC/padi-chat/internal/docstore"
	"github.com/RichardoC/padi-chat/internal/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

const (
	indexCollection = "conversations/index"

	// TitleLimit is the number of characters kept from the first message
	// when it becomes the title.
	TitleLimit = 50
	// TitleEllipsis marks a truncated title.
	TitleEllipsis = "..."
)

type Store struct {
	docs   *docstore.Store
	index  *docstore.Collection[models.Conversation]
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(docs *docstore.Store, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		docs:   docs,
		index:  docstore.Open[models.Conversation](docs, indexCollection),
		now:    time.Now,
		logger: logger.Named("conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) meta(id string) *docstore.Collection[models.Conversation] {
	return docstore.Open[models.Conversation](s.docs, "conversations/"+id+"/meta")
}

func (s *Store) messages(id string) *docstore.Collection[models.Message] {
	return docstore.Open[models.Message](s.docs, "conversations/"+id+"/messages")
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// Create starts a new, empty conversation owned by userID.
func (s *Store) Create(ctx context.Context, userID string) (models.Conversation, error) {
	now := s.timestamp()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     models.DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.meta(conv.ID).Put(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("saving conversation: %w", err)
	}
	if err := s.index.Put(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("indexing conversation: %w", err)
	}

	s.logger.Debug("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID))
	return conv, nil
}

// Get returns the conversation's metadata; ok is false when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (models.Conversation, bool, error) {
	if id == "" {
		return models.Conversation{}, false, nil
	}
	return s.meta(id).Get(ctx, id)
}

// GetOwned is Get restricted to conversations owned by userID. Missing and
// foreign conversations both yield ErrNotFound.
func (s *Store) GetOwned(ctx context.Context, id, userID string) (models.Conversation, error) {
	conv, ok, err := s.Get(ctx, id)
	if err != nil {
		return models.Conversation{}, err
	}
	if !ok || conv.UserID != userID {
		return models.Conversation{}, ErrNotFound
	}
	return conv, nil
}

// List returns userID's conversations, most recently updated first.
func (s *Store) List(ctx context.Context, userID string) ([]models.Conversation, error) {
	all, err := s.index.List(ctx)
	if err != nil {
		return nil, err
	}
	owned := make([]models.Conversation, 0, len(all))
	for _, c := range all {
		if c.UserID == userID {
			owned = append(owned, c)
		}
	}
	sort.SliceStable(owned, func(i, j int) bool {
		return owned[i].UpdatedAt.After(owned[j].UpdatedAt)
	})
	return owned, nil
}

// Update overwrites the metadata and its index entry. Conversations missing
// from the index are left alone.
func (s *Store) Update(ctx context.Context, conv models.Conversation) error {
	found := false
	err := s.meta(conv.ID).UpdateIf(ctx, func(items []models.Conversation) ([]models.Conversation, bool, error) {
		var err error
		if found, err = s.syncIndex(ctx, conv); err != nil || !found {
			return items, false, err
		}
		return []models.Conversation{conv}, true, nil
	})
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if !found {
		s.logger.Debug("update skipped, conversation not indexed",
			zap.String("conversation_id", conv.ID))
	}
	return nil
}

// Touch refreshes UpdatedAt on the stored conversation. A conversation that
// no longer exists is ignored.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, _, err := s.modify(ctx, id, func(c *models.Conversation) (bool, error) {
		c.UpdatedAt = s.timestamp()
		return true, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// modify applies fn to the stored metadata while holding its lock and, when
// fn reports a change, writes both the index entry and the metadata before
// releasing it. Index writes therefore land in the same order as metadata
// writes.
func (s *Store) modify(ctx context.Context, id string, fn func(c *models.Conversation) (bool, error)) (models.Conversation, bool, error) {
	var (
		current models.Conversation
		changed bool
	)
	err := s.meta(id).UpdateIf(ctx, func(items []models.Conversation) ([]models.Conversation, bool, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			current = items[i]
			if ok, err := fn(&current); err != nil || !ok {
				return items, false, err
			}
			if _, err := s.syncIndex(ctx, current); err != nil {
				return items, false, err
			}
			items[i] = current
			changed = true
			return items, true, nil
		}
		return items, false, ErrNotFound
	})
	return current, changed, err
}

// syncIndex replaces conv's index entry, reporting whether it was present.
func (s *Store) syncIndex(ctx context.Context, conv models.Conversation) (bool, error) {
	found := false
	err := s.index.UpdateIf(ctx, func(items []models.Conversation) ([]models.Conversation, bool, error) {
		for i := range items {
			if items[i].ID == conv.ID {
				items[i] = conv
				found = true
				return items, true, nil
			}
		}
		return items, false, nil
	})
	return found, err
}

// Delete removes the conversation from the index first, then drops its
// metadata and message log, so a half-deleted conversation never shows up
// in listings. Both steps run under the metadata lock, which AppendMessage
// also takes, so a dropped log is never recreated.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.meta(id).UpdateIf(ctx, func(items []models.Conversation) ([]models.Conversation, bool, error) {
		if err := s.index.Remove(ctx, id); err != nil {
			return items, false, fmt.Errorf("removing from index: %w", err)
		}
		if err := s.docs.Drop(ctx, "conversations/"+id); err != nil {
			return items, false, fmt.Errorf("removing conversation data: %w", err)
		}
		return items, false, nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("conversation deleted", zap.String("conversation_id", id))
	return nil
}

// AppendMessage adds msg to the end of the conversation's log, filling in
// the id and timestamp when empty. Timestamps never go backwards within a
// log: a timestamp earlier than the last entry is raised to it. Appending to
// a conversation that does not exist returns ErrNotFound.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	msg.ConversationID = conversationID
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.timestamp()
	}

	err := s.meta(conversationID).UpdateIf(ctx, func(meta []models.Conversation) ([]models.Conversation, bool, error) {
		if len(meta) == 0 {
			return meta, false, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
		}
		return meta, false, s.messages(conversationID).Update(ctx, func(items []models.Message) ([]models.Message, error) {
			if n := len(items); n > 0 && msg.Timestamp.Before(items[n-1].Timestamp) {
				msg.Timestamp = items[n-1].Timestamp
			}
			return append(items, msg), nil
		})
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("appending message: %w", err)
	}
	return msg, nil
}

// Messages returns the conversation's log in append order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return s.messages(conversationID).List(ctx)
}

// RetitleIfDefault replaces the default title with a preview of the first
// user message in the log, or of text when the log has none, and refreshes
// UpdatedAt. The check and the log read run under the metadata lock, which
// AppendMessage also takes, so concurrent first messages retitle once and
// always from the message that heads the log. It returns the conversation as
// stored afterwards and whether the title changed.
func (s *Store) RetitleIfDefault(ctx context.Context, conv models.Conversation, text string) (models.Conversation, bool, error) {
	current, retitled, err := s.modify(ctx, conv.ID, func(c *models.Conversation) (bool, error) {
		if c.Title != models.DefaultTitle {
			return false, nil
		}
		msgs, err := s.messages(c.ID).List(ctx)
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			if m.IsFromUser {
				text = m.Content
				break
			}
		}
		c.Title = Title(text)
		c.UpdatedAt = s.timestamp()
		return true, nil
	})
	if err != nil {
		return conv, false, err
	}
	if retitled {
		s.logger.Debug("conversation retitled",
			zap.String("conversation_id", conv.ID),
			zap.String("title", current.Title))
	}
	return current, retitled, nil
}

// Title turns a message into a conversation title: the first TitleLimit
// characters followed by TitleEllipsis when the message is longer.
func Title(text string) string {
	if utf8.RuneCountInString(text) <= TitleLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleLimit]) + TitleEllipsis
}
