package models

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is one of the allowed lifecycle
// steps. Re-applying the current status is not a transition and is handled
// by the caller.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Seconds is a duration persisted as a whole number of seconds.
type Seconds time.Duration

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(s) / time.Second))
}

func (s *Seconds) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = Seconds(time.Duration(n) * time.Second)
	return nil
}

type QueueItem struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"userId"`
	ConversationID       string    `json:"conversationId"`
	Query                string    `json:"query"`
	Status               Status    `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
	EstimatedProcessTime Seconds   `json:"estimatedProcessTime"`
}

func (q QueueItem) DocID() string { return q.ID }
