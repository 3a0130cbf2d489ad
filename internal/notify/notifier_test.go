package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

func TestNotifyCarriesEventOnNote(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier([]Sender{sender}, nil, slog.Default())

	require.NoError(t, n.Notify(context.Background(),
		domain.EventUrgencyExit, "Urgency exit", "eth-1h: price collapsed"))

	require.Len(t, sender.notes, 1)
	note := sender.notes[0]
	assert.Equal(t, domain.EventUrgencyExit, note.Event)
	assert.Equal(t, "Urgency exit", note.Title)
	assert.Equal(t, "eth-1h: price collapsed", note.Body)
}

func TestNotifyMutesUnsubscribedEvents(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier([]Sender{sender}, []string{domain.EventOrderFailed}, slog.Default())

	require.NoError(t, n.Notify(context.Background(),
		domain.EventEntrySkipped, "Entry skipped", "msg"))
	require.NoError(t, n.Notify(context.Background(),
		domain.EventOrderFailed, "Entry failed", "msg"))

	require.Len(t, sender.notes, 1)
	assert.Equal(t, domain.EventOrderFailed, sender.notes[0].Event)
}

func TestNotifyNamesFailedChannels(t *testing.T) {
	healthy := &captureSender{}
	broken := &captureSender{err: errors.New("webhook gone")}
	n := NewNotifier([]Sender{broken, healthy}, nil, slog.Default())

	err := n.Notify(context.Background(), domain.EventPositionClosed, "Closed", "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture")
	// The broken channel did not block delivery to the healthy one.
	require.Len(t, healthy.notes, 1)
}

func TestEmbedColorGroupsEventFamilies(t *testing.T) {
	assert.Equal(t, colorLedger, embedColor(domain.EventLedgerViolation))
	assert.Equal(t, colorLedger, embedColor(domain.EventIntegrityAlert))
	assert.Equal(t, colorExecution, embedColor(domain.EventOrderFailed))
	assert.Equal(t, colorExecution, embedColor(domain.EventExitRetry))
	assert.Equal(t, colorMarket, embedColor(domain.EventStreakAlert))
	assert.Equal(t, colorRoutine, embedColor(domain.EventPositionOpened))
}
