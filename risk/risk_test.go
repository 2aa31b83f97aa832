package risk

import (
	"testing"

	"fundingarb/apperr"
	"fundingarb/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	events []*store.RiskEvent
	err    error
}

func (r *recordingNotifier) Notify(event *store.RiskEvent) error {
	r.events = append(r.events, event)
	return r.err
}

func newTestLedger(t *testing.T, notifier Notifier) *Ledger {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	return New(db.RiskEvent(), notifier)
}

func TestLedger_AppendWarningDoesNotNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	l := newTestLedger(t, notifier)

	event, err := l.Append(store.RiskSeverityWarning, "leg_mismatch", "pos-1", "legs drifted", "")
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.Empty(t, notifier.events)
}

func TestLedger_AppendHighNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	l := newTestLedger(t, notifier)

	event, err := l.Append(store.RiskSeverityHigh, "open_failed", "pos-2", "leg 2 rejected", "")
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, event.ID, notifier.events[0].ID)
}

func TestLedger_AppendCriticalNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	l := newTestLedger(t, notifier)

	_, err := l.Append(store.RiskSeverityCritical, "rollback_failed", "pos-3", "unwind failed, exposed", "")
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)
}

func TestLedger_ListFiltersBySeverityAndResolved(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.Append(store.RiskSeverityWarning, "a", "", "w1", "")
	require.NoError(t, err)
	high, err := l.Append(store.RiskSeverityHigh, "b", "", "h1", "")
	require.NoError(t, err)

	warnings, err := l.List(store.RiskSeverityWarning, nil, 0)
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	_, err = l.Resolve(high.ID)
	require.NoError(t, err)

	resolved := true
	onlyResolved, err := l.List("", &resolved, 0)
	require.NoError(t, err)
	require.Len(t, onlyResolved, 1)
	assert.Equal(t, high.ID, onlyResolved[0].ID)
}

func TestLedger_ResolveUnknownIDReturnsValidationError(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.Resolve("nonexistent")
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestLedger_NotifyFailureDoesNotDiscardEvent(t *testing.T) {
	notifier := &recordingNotifier{err: assert.AnError}
	l := newTestLedger(t, notifier)

	event, err := l.Append(store.RiskSeverityHigh, "open_failed", "pos-4", "leg 2 rejected", "")
	require.Error(t, err)
	require.NotNil(t, event)
	assert.NotEmpty(t, event.ID)

	all, listErr := l.List("", nil, 0)
	require.NoError(t, listErr)
	require.Len(t, all, 1)
}
