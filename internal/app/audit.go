package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"plixmap/api/internal/lockd"
	"plixmap/api/internal/metrics"
	"plixmap/api/internal/store"
)

const auditQueueSize = 256

type auditWriter interface {
	AppendLockEvent(ctx context.Context, ev store.LockEvent) error
}

// AuditLog persists lock table transitions and counts them. Handle is
// registered on the table and never blocks it; Run drains the queue.
type AuditLog struct {
	store   auditWriter
	metrics *metrics.Metrics
	log     zerolog.Logger
	queue   chan store.LockEvent
}

func NewAuditLog(w auditWriter, m *metrics.Metrics, log zerolog.Logger) *AuditLog {
	return &AuditLog{
		store:   w,
		metrics: m,
		log:     log.With().Str("component", "audit").Logger(),
		queue:   make(chan store.LockEvent, auditQueueSize),
	}
}

func (a *AuditLog) Handle(ev lockd.Event) {
	a.count(ev)

	row := store.LockEvent{
		DocumentID: ev.DocumentID,
		Kind:       string(ev.Kind),
		Reason:     string(ev.Reason),
		ActorID:    ev.ActorID,
		OccurredAt: ev.At,
	}
	var payload any
	switch {
	case ev.Unlock != nil:
		payload = ev.Unlock
	case ev.Force != nil:
		payload = ev.Force
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			row.Payload = raw
		}
	}

	select {
	case a.queue <- row:
	default:
		a.log.Warn().Str("document_id", ev.DocumentID).Str("kind", row.Kind).Msg("audit queue full, event dropped")
	}
}

func (a *AuditLog) count(ev lockd.Event) {
	if a.metrics == nil {
		return
	}
	switch ev.Kind {
	case lockd.EventLocksChanged:
		a.metrics.LockTransitionsTotal.WithLabelValues(string(ev.Reason)).Inc()
	case lockd.EventUnlockRequested, lockd.EventUnlockUpdated:
		a.metrics.NegotiationsTotal.WithLabelValues(string(ev.Unlock.Request.Status)).Inc()
	case lockd.EventForceChanged:
		a.metrics.ForceUnlocksTotal.WithLabelValues(string(ev.Force.Request.Status)).Inc()
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (a *AuditLog) Run(ctx context.Context) error {
	for {
		select {
		case row := <-a.queue:
			a.write(ctx, row)
		case <-ctx.Done():
			for {
				select {
				case row := <-a.queue:
					flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					a.write(flushCtx, row)
					cancel()
				default:
					return nil
				}
			}
		}
	}
}

func (a *AuditLog) write(ctx context.Context, row store.LockEvent) {
	if err := a.store.AppendLockEvent(ctx, row); err != nil {
		a.log.Error().Err(err).Str("document_id", row.DocumentID).Msg("append lock event failed")
	}
}
