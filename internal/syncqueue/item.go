package syncqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Storage keys of the persisted queue and its dead-letter list.
const (
	QueueKey      = "sync_queue"
	DeadLetterKey = "sync_queue_dead"
)

// ItemType tags what a queued mutation carries to the dashboard.
type ItemType string

const (
	TypeIntercurrence  ItemType = "intercurrence"
	TypeVitalSignAlert ItemType = "vital-sign-alert"
	TypeReport         ItemType = "report"
)

func ParseItemType(s string) (ItemType, error) {
	switch t := ItemType(s); t {
	case TypeIntercurrence, TypeVitalSignAlert, TypeReport:
		return t, nil
	}
	return "", fmt.Errorf("unknown item type %q", s)
}

type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	// StatusDone is never persisted: a delivered item is removed instead.
	StatusDone ItemStatus = "done"
)

// Item is one queued mutation.
type Item struct {
	ID            string          `json:"id"`
	Type          ItemType        `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Status        ItemStatus      `json:"status"`
	RetryCount    int             `json:"retryCount"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitzero"`
	LastError     string          `json:"lastError,omitempty"`
}

// due reports whether the backoff for the item has elapsed.
func (i Item) due(now time.Time) bool {
	return i.NextAttemptAt.IsZero() || !i.NextAttemptAt.After(now)
}
