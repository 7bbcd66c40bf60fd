package protocol

import (
	"fmt"
	"time"
)

const (
	MinGrantMinutes = 0.5
	MaxGrantMinutes = 60.0

	MinGraceMinutes = 0
	MaxGraceMinutes = 60

	// DecisionWindow is the fixed time a holder has to choose save or discard
	// once the force-unlock grace period ends, whatever the grace duration.
	DecisionWindow = 5 * time.Minute
)

// Lock is exclusive write permission on one floor plan.
type Lock struct {
	DocumentID       string     `json:"documentId"`
	HolderID         string     `json:"holderId"`
	HolderName       string     `json:"holderName,omitempty"`
	AcquiredAt       time.Time  `json:"acquiredAt"`
	LastActionAt     time.Time  `json:"lastActionAt"`
	LastSaveAt       *time.Time `json:"lastSaveAt,omitempty"`
	LastSaveRevision string     `json:"lastSaveRevision,omitempty"`
}

// Reservation is a time-boxed first-refusal right to acquire a Lock.
type Reservation struct {
	DocumentID  string    `json:"documentId"`
	GrantedToID string    `json:"grantedToId"`
	// GrantedByID is the holder who gave the lock up.
	GrantedByID string    `json:"grantedById,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type UnlockStatus string

const (
	UnlockPending UnlockStatus = "pending"
	UnlockGranted UnlockStatus = "granted"
	UnlockDenied  UnlockStatus = "denied"
	UnlockExpired UnlockStatus = "expired"
)

// UnlockRequest is a negotiated ask for the holder to release a Lock.
type UnlockRequest struct {
	ID           string       `json:"id"`
	DocumentID   string       `json:"documentId"`
	RequesterID  string       `json:"requesterId"`
	HolderID     string       `json:"holderId"`
	Message      string       `json:"message"`
	GrantMinutes float64      `json:"grantMinutes"`
	Status       UnlockStatus `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	ResolvedAt   *time.Time   `json:"resolvedAt,omitempty"`
}

type ForceStatus string

const (
	ForceGrace     ForceStatus = "grace"
	ForceDecision  ForceStatus = "decision"
	ForceCompleted ForceStatus = "completed"
	ForceCancelled ForceStatus = "cancelled"
	ForceExpired   ForceStatus = "expired"
)

// Active reports whether the force-unlock still constrains the holder.
func (s ForceStatus) Active() bool {
	return s == ForceGrace || s == ForceDecision
}

type ForceAction string

const (
	ForceActionSave    ForceAction = "save"
	ForceActionDiscard ForceAction = "discard"
)

func ParseForceAction(raw string) (ForceAction, error) {
	switch ForceAction(raw) {
	case ForceActionSave, ForceActionDiscard:
		return ForceAction(raw), nil
	default:
		return "", fmt.Errorf("unknown force-unlock action %q", raw)
	}
}

// ForceUnlockRequest is a privileged override gated by a grace period and a
// fixed decision window.
type ForceUnlockRequest struct {
	ID               string      `json:"id"`
	DocumentID       string      `json:"documentId"`
	RequesterID      string      `json:"requesterId"`
	HolderID         string      `json:"holderId"`
	GraceMinutes     int         `json:"graceMinutes"`
	GraceDeadline    time.Time   `json:"graceDeadline"`
	DecisionDeadline time.Time   `json:"decisionDeadline"`
	Status           ForceStatus `json:"status"`
	Action           ForceAction `json:"action,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// ValidGrantMinutes reports whether m lies in [0.5, 60].
func ValidGrantMinutes(m float64) bool {
	return m >= MinGrantMinutes && m <= MaxGrantMinutes
}

// GrantDuration converts negotiated minutes to a duration.
func GrantDuration(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// ValidGraceMinutes reports whether m lies in [0, 60].
func ValidGraceMinutes(m int) bool {
	return m >= MinGraceMinutes && m <= MaxGraceMinutes
}

// ForceDeadlines derives both deadlines of a force-unlock started at now.
func ForceDeadlines(now time.Time, graceMinutes int) (grace, decision time.Time) {
	grace = now.Add(time.Duration(graceMinutes) * time.Minute)
	return grace, grace.Add(DecisionWindow)
}
