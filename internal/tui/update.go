package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/slotpool/internal/history"
)

// reapTimeout bounds a reap started from the dashboard.
const reapTimeout = 2 * time.Minute

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 6 // account for "  > /" prefix
		m.runs.SetColumns(runColumns(msg.Width))
		m.runs.SetHeight(m.runsHeight())
		return m, nil

	case statusTickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case refreshedMsg:
		m.slots = msg.slots
		m.history = msg.runs
		m.historyErr = msg.runsErr
		m.refreshed = time.Now()
		if m.cursor >= len(m.slots) {
			m.cursor = max(0, len(m.slots)-1)
		}
		m.runs.SetRows(runRows(msg.runs))
		m.runs.SetHeight(m.runsHeight())
		return m, nil

	case reapedMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("Reap failed: %v", msg.err)
			m.isError = true
		} else {
			m.message = fmt.Sprintf("Reaped slot %d", msg.index)
			m.isError = false
		}
		return m, m.refreshCmd()

	case orphansReapedMsg:
		switch {
		case msg.err != nil:
			m.message = fmt.Sprintf("Reap failed: %v", msg.err)
			m.isError = true
		case len(msg.reaped) == 0:
			m.message = "No orphaned containers"
			m.isError = false
		default:
			m.message = fmt.Sprintf("Reaped slots %v", msg.reaped)
			m.isError = false
		}
		return m, m.refreshCmd()

	case confirmReapExpiredMsg:
		m.confirmReap = false
		m.confirmReapIndex = 0
		return m, nil

	case tea.KeyMsg:
		if m.commanding {
			return m.handleCommandMode(msg)
		}
		return m.handleNormalMode(msg)
	}

	// Forward to input if in command mode
	if m.commanding {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// handleNormalMode handles keys when navigating the slot list.
func (m model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Dismiss help modal
	if m.showHelp {
		if msg.String() == "?" || msg.String() == "esc" {
			m.showHelp = false
			return m, nil
		}
		// While help is showing, ignore other keys
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	// If confirming a reap, second x confirms, anything else cancels
	if m.confirmReap {
		m.confirmReap = false
		index := m.confirmReapIndex
		m.confirmReapIndex = 0
		if msg.String() == "x" {
			return m.startReap(index)
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit

	case "/":
		m.commanding = true
		m.input.Focus()
		m.input.SetValue("")
		return m, textinput.Blink

	case "r":
		m.message = "Refreshing..."
		m.isError = false
		return m, m.refreshCmd()

	case "tab":
		m.runsFocus = !m.runsFocus
		if m.runsFocus {
			m.runs.Focus()
		} else {
			m.runs.Blur()
		}
		return m, nil

	case "x":
		if m.cursor < len(m.slots) {
			st := m.slots[m.cursor]
			if st.Leased {
				m.message = fmt.Sprintf("Slot %d is leased by pid %d; it cannot be reaped", st.Slot.Index, st.Owner)
				m.isError = true
				return m, nil
			}
			m.confirmReap = true
			m.confirmReapIndex = st.Slot.Index
			return m, tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
				return confirmReapExpiredMsg{}
			})
		}
		return m, nil

	case "?":
		m.showHelp = !m.showHelp
		return m, nil
	}

	if m.runsFocus {
		var cmd tea.Cmd
		m.runs, cmd = m.runs.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		} else if len(m.slots) > 0 {
			m.cursor = len(m.slots) - 1
		}
	case "down", "j":
		if m.cursor < len(m.slots)-1 {
			m.cursor++
		}
	}
	return m, nil
}

// handleCommandMode handles keys when the command input is active.
func (m model) handleCommandMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		m.commanding = false
		m.input.Blur()
		m.input.SetValue("")
		return m, nil

	case "enter":
		m.commanding = false
		m.input.Blur()
		return m.processInput()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) processInput() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")

	if input == "" {
		return m, nil
	}

	// Allow commands with or without the / prefix
	if input[0] != '/' {
		input = "/" + input
	}
	cmd := ParseCommand(input)
	if cmd == nil {
		return m, nil
	}

	switch cmd.Name {
	case "/reap":
		if len(cmd.Args) == 1 && cmd.Args[0] == "orphans" {
			m.message = "Reaping orphaned containers..."
			m.isError = false
			mgr := m.manager
			return m, func() tea.Msg {
				ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
				defer cancel()
				reaped, err := mgr.ReapOrphans(ctx)
				return orphansReapedMsg{reaped: reaped, err: err}
			}
		}
		index, ok := cmd.SlotArg()
		if !ok {
			m.message = "Usage: /reap <slot> or /reap orphans"
			m.isError = true
			return m, nil
		}
		return m.startReap(index)

	case "/refresh":
		return m, m.refreshCmd()

	case "/quit":
		m.quitting = true
		return m, tea.Quit

	default:
		m.message = fmt.Sprintf("Unknown command: %s", strings.TrimPrefix(cmd.Name, "/"))
		m.isError = true
		return m, nil
	}
}

func (m model) startReap(index int) (tea.Model, tea.Cmd) {
	m.manager.MarkReaping(index)
	m.message = fmt.Sprintf("Reaping slot %d...", index)
	m.isError = false
	mgr := m.manager
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		defer cancel()
		return reapedMsg{index: index, err: mgr.Reap(ctx, index)}
	}
}

// runsHeight is the number of table rows that fit below the slot list.
func (m model) runsHeight() int {
	// header, slot list, dividers, section titles, detail, hotkeys, status
	used := 1 + len(m.slots) + 4 + 2 + 3 + 2
	return max(3, m.height-used)
}

func runRows(runs []history.Run) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		phase, exit, took := "-", "-", "-"
		if r.Phase != "" {
			phase = r.Phase
		}
		if r.Status != history.StatusRunning {
			exit = strconv.Itoa(r.ExitCode)
			took = r.Duration().Round(100 * time.Millisecond).String()
		}
		rows = append(rows, table.Row{
			r.ID,
			strconv.Itoa(r.Slot),
			r.Status,
			phase,
			exit,
			took,
			r.Project,
		})
	}
	return rows
}
