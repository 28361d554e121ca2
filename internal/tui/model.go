package tui

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/zpdzap/slotpool/internal/history"
	"github.com/zpdzap/slotpool/internal/pool"
)

// recentRuns is how many history rows the dashboard shows.
const recentRuns = 50

// model is the Bubble Tea model for the pool dashboard.
type model struct {
	manager    *pool.Manager
	lister     RunLister
	input      textinput.Model
	runs       table.Model
	slots      []pool.SlotStatus
	history    []history.Run
	historyErr error
	cursor     int
	message    string
	isError    bool
	commanding bool // true when in command mode (/ pressed)
	runsFocus  bool // true when arrow keys scroll the runs table
	quitting   bool
	width      int
	height     int
	refreshed  time.Time

	// Help modal
	showHelp bool

	// Double-press reap confirmation
	confirmReap      bool
	confirmReapIndex int
}

func newModel(mgr *pool.Manager, lister RunLister) model {
	ti := textinput.New()
	ti.Placeholder = "reap <slot|orphans> | refresh | quit"
	ti.CharLimit = 256
	ti.Width = 80
	// Input starts unfocused, activated by pressing /
	ti.Blur()

	// Get initial terminal size so the first render isn't at width=0
	w, h, _ := term.GetSize(int(os.Stdout.Fd()))
	if w == 0 {
		w = 80
	}
	if h == 0 {
		h = 24
	}

	runs := table.New(
		table.WithColumns(runColumns(w)),
		table.WithHeight(8),
		table.WithStyles(tableStyles()),
	)
	runs.Blur()

	return model{
		manager: mgr,
		lister:  lister,
		input:   ti,
		runs:    runs,
		width:   w,
		height:  h,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

// refreshCmd polls the pool and history off the UI goroutine; lock checks
// and runtime status calls can take a while.
func (m model) refreshCmd() tea.Cmd {
	mgr, lister := m.manager, m.lister
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg := refreshedMsg{slots: mgr.Status(ctx)}
		if lister != nil {
			msg.runs, msg.runsErr = lister.List(ctx, recentRuns)
		}
		return msg
	}
}

func runColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "Run", Width: 24},
		{Title: "Slot", Width: 5},
		{Title: "Status", Width: 10},
		{Title: "Phase", Width: 9},
		{Title: "Exit", Width: 5},
		{Title: "Took", Width: 8},
		{Title: "Project", Width: 20},
	}
	used := 0
	for _, c := range cols[:len(cols)-1] {
		used += c.Width + 2
	}
	cols[len(cols)-1].Width = max(20, width-used-4)
	return cols
}
