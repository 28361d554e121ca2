package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/slotpool/internal/history"
	"github.com/zpdzap/slotpool/internal/pool"
)

// RunLister supplies recent runs. *history.Store satisfies it.
type RunLister interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
}

// Run starts the dashboard and blocks until the user quits. runs may be nil
// when no history database is available.
func Run(mgr *pool.Manager, runs RunLister) error {
	p := tea.NewProgram(newModel(mgr, runs), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	fmt.Println("Bye. Running sessions are unaffected.")
	return nil
}
