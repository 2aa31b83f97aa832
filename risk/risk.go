// Package risk implements RiskLedger (4.G): an append-only log of risk
// events with resolution tracking, plus an optional escalation notifier.
package risk

import (
	"fmt"

	"fundingarb/apperr"
	"fundingarb/store"

	"github.com/google/uuid"
)

// Ledger is RiskLedger. It owns no remediation logic — critical events
// trigger no automatic response, the operator is the escalation path —
// it only records and retrieves, and optionally pushes a notification.
type Ledger struct {
	store    *store.RiskEventStore
	notifier Notifier
}

// Notifier pushes a risk event to an out-of-band channel (Telegram). A
// nil Notifier (the zero value returned by New with no notifier) makes
// Append a pure log write.
type Notifier interface {
	Notify(event *store.RiskEvent) error
}

func New(riskEventStore *store.RiskEventStore, notifier Notifier) *Ledger {
	return &Ledger{store: riskEventStore, notifier: notifier}
}

// Append records one risk event. A RiskEvent write happens-before the
// surrounding operation's response to the caller (§5) — callers invoke
// this synchronously, not as a fire-and-forget goroutine. A notification
// failure never masks the underlying write succeeding: Append still
// returns the recorded event, alongside an error naming the failed
// notification.
func (l *Ledger) Append(severity, eventType, positionID, message, context string) (*store.RiskEvent, error) {
	event := &store.RiskEvent{
		ID:         uuid.New().String(),
		Severity:   severity,
		EventType:  eventType,
		PositionID: positionID,
		Message:    message,
		Context:    context,
	}
	if err := l.store.Append(event); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "append risk event", err)
	}

	if l.notifier != nil && (severity == store.RiskSeverityHigh || severity == store.RiskSeverityCritical) {
		if err := l.notifier.Notify(event); err != nil {
			return event, fmt.Errorf("risk event recorded but notification failed: %w", err)
		}
	}

	return event, nil
}

// List applies the optional severity/resolved filter (4.G).
func (l *Ledger) List(severity string, resolved *bool, limit int) ([]*store.RiskEvent, error) {
	events, err := l.store.List(severity, resolved, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list risk events", err)
	}
	return events, nil
}

func (l *Ledger) Resolve(id string) (*store.RiskEvent, error) {
	event, err := l.store.Resolve(id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "resolve risk event", err)
	}
	if event == nil {
		return nil, apperr.New(apperr.Validation, "risk event not found: "+id)
	}
	return event, nil
}
