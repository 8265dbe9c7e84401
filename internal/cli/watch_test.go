package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exportprogress "github.com/m-martinez/occams/internal/progress"
)

func isQuit(t *testing.T, cmd tea.Cmd) bool {
	t.Helper()
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestWatchModel_PollsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	store := exportprogress.NewMemoryStore()
	m := NewWatchModel(ctx, store, "exp-1", time.Millisecond)

	// Not claimed yet: keep waiting
	msg := m.Init()()
	next, cmd := m.Update(msg)
	m = next.(WatchModel)
	assert.False(t, isQuit(t, cmd))
	assert.Contains(t, m.View(), "waiting for a worker")

	require.NoError(t, store.Init(ctx, exportprogress.Record{
		ExportID: "exp-1", OwnerUser: "jane", Total: 2, Status: exportprogress.StatusRunning,
	}))
	_, err := store.Incr(ctx, "exp-1")
	require.NoError(t, err)

	next, cmd = m.Update(tickMsg(time.Now()))
	m = next.(WatchModel)
	require.NotNil(t, cmd)
	next, cmd = m.Update(cmd())
	m = next.(WatchModel)
	assert.False(t, isQuit(t, cmd))
	assert.Contains(t, m.View(), "1/2 schemata")
	assert.Equal(t, 0.5, m.percent())

	_, err = store.Incr(ctx, "exp-1")
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, "exp-1", exportprogress.StatusComplete, "1.2 kB")
	require.NoError(t, err)

	next, cmd = m.Update(m.fetch())
	m = next.(WatchModel)
	assert.True(t, isQuit(t, cmd))
	assert.Contains(t, m.View(), "complete 1.2 kB")
	assert.Equal(t, 2, m.Record().Count)
	assert.NoError(t, m.Err())
}

func TestWatchModel_StoreError(t *testing.T) {
	m := NewWatchModel(context.Background(), exportprogress.NewMemoryStore(), "exp-1", time.Second)

	next, cmd := m.Update(recordMsg{err: errors.New("connection refused")})
	m = next.(WatchModel)
	assert.True(t, isQuit(t, cmd))
	assert.EqualError(t, m.Err(), "connection refused")
}

func TestWatchModel_Quit(t *testing.T) {
	m := NewWatchModel(context.Background(), exportprogress.NewMemoryStore(), "exp-1", 0)
	assert.Equal(t, time.Second, m.interval)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, isQuit(t, cmd))
	assert.True(t, next.(WatchModel).stopped)
}

func TestWatchModel_Failed(t *testing.T) {
	m := NewWatchModel(context.Background(), exportprogress.NewMemoryStore(), "exp-1", time.Second)

	next, cmd := m.Update(recordMsg{rec: exportprogress.Record{
		ExportID: "exp-1", Count: 1, Total: 3, Status: exportprogress.StatusFailed,
	}})
	assert.True(t, isQuit(t, cmd))
	assert.Contains(t, next.(WatchModel).View(), "failed")
}
