package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/slotpool/internal/history"
	"github.com/zpdzap/slotpool/internal/pool"
)

// refreshedMsg carries a fresh poll of the pool and run history.
type refreshedMsg struct {
	slots   []pool.SlotStatus
	runs    []history.Run
	runsErr error
}

// reapedMsg is sent when a reap finishes.
type reapedMsg struct {
	index int
	err   error
}

// orphansReapedMsg is sent when /reap orphans finishes.
type orphansReapedMsg struct {
	reaped []int
	err    error
}

// confirmReapExpiredMsg cancels a pending reap confirmation.
type confirmReapExpiredMsg struct{}

// statusTickMsg triggers a status refresh poll.
type statusTickMsg time.Time

// tickCmd returns a command that sends a tick every 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}
