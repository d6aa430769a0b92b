package callflow

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/callflow/pkg/models"
)

func TestNewSweeper(t *testing.T) {
	f := newManagerFixture(t)

	_, err := NewSweeper(f.manager, "every now and then", time.Hour, slog.Default())
	require.Error(t, err)

	s, err := NewSweeper(f.manager, "", 0, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepSchedule, s.schedule)
	assert.Equal(t, DefaultMaxIdle, s.maxIdle)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newManagerFixture(t)

	s, err := NewSweeper(f.manager, "*/5 * * * *", time.Minute, slog.Default())
	require.NoError(t, err)

	require.NoError(t, s.Start(t.Context()))
	require.NoError(t, s.Stop(t.Context()))
}

func TestSweeper_SweepRemovesStaleCalls(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.StartCall(t.Context(), callInfo("c1"))
	require.NoError(t, err)

	s, err := NewSweeper(f.manager, DefaultSweepSchedule, time.Minute, slog.Default())
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	s.sweep(t.Context())

	assert.Empty(t, f.manager.Calls())

	logged, err := f.calls.Events(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{models.EventCallTerminated}, eventTypes(logged))
}
