package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// LockEvent is one audit row written for every lock table transition.
type LockEvent struct {
	ID         int64
	DocumentID string
	Kind       string
	Reason     string
	ActorID    string
	Payload    json.RawMessage
	OccurredAt time.Time
}

// ChatRow is a stored chat message. Exactly one of ClientID and ToID is set.
type ChatRow struct {
	ID          string
	ClientID    string
	FromID      string
	FromName    string
	ToID        string
	Body        string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
}
