package coordinator

import "plixmap/api/internal/protocol"

type NoticeKind string

const (
	NoticeUnlockRequested NoticeKind = "unlock_requested"
	// NoticeUnlockGranted is the take-over prompt for the requester.
	NoticeUnlockGranted  NoticeKind = "unlock_granted"
	NoticeUnlockDenied   NoticeKind = "unlock_denied"
	NoticeUnlockExpired  NoticeKind = "unlock_expired"
	NoticeForceStarted   NoticeKind = "force_started"
	NoticeForceDecision  NoticeKind = "force_decision"
	NoticeForceCompleted NoticeKind = "force_completed"
	NoticeForceCancelled NoticeKind = "force_cancelled"
	NoticeForceExpired   NoticeKind = "force_expired"
	// NoticeFailed reports a negotiation call the server rejected or that
	// never reached it. No state changes because of it.
	NoticeFailed NoticeKind = "failed"
)

// Notice is a transient message for the user.
type Notice struct {
	Kind        NoticeKind
	DocumentID  string
	RequestID   string
	ActorID     string
	Message     string
	Reservation *protocol.Reservation
	Force       *protocol.ForceUnlockRequest
	Err         error
}

type Notifier interface {
	Notify(n Notice)
}

type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }
