package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zpdzap/slotpool/internal/history"
	"github.com/zpdzap/slotpool/internal/pool"
	"github.com/zpdzap/slotpool/internal/runtime"
)

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	// Header
	free, leased := pool.Summary(m.slots)
	title := "slotpool"
	stats := statsStyle.Render(fmt.Sprintf("%d slots  %d free  %d leased", len(m.slots), free, leased))
	gap := max(1, m.width-lipgloss.Width(title)-lipgloss.Width(stats)-4)
	b.WriteString(headerStyle.Width(m.width).Render(title + strings.Repeat(" ", gap) + stats))
	b.WriteString("\n")

	// Slot list, one line per slot
	if len(m.slots) == 0 {
		b.WriteString(emptyStyle.Render("Polling slots..."))
		b.WriteString("\n")
	}
	for i, st := range m.slots {
		b.WriteString(m.renderSlot(i, st))
		b.WriteString("\n")
	}

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")
	b.WriteString(m.renderDetail())
	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	// Recent runs
	title = "Recent runs"
	if m.runsFocus {
		title += " (tab to return)"
	}
	b.WriteString(sectionStyle.Render(title))
	b.WriteString("\n")
	switch {
	case m.lister == nil:
		b.WriteString(emptyStyle.Render("History is disabled."))
		b.WriteString("\n")
	case m.historyErr != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("History unavailable: %v", m.historyErr)))
		b.WriteString("\n")
	case len(m.history) == 0:
		b.WriteString(emptyStyle.Render("No runs yet."))
		b.WriteString("\n")
	default:
		b.WriteString(m.runs.View())
		b.WriteString("\n")
	}

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	// Hotkeys
	if m.commanding {
		b.WriteString(hotkeysStyle.Render("[enter] execute  [esc] cancel"))
	} else if m.confirmReap {
		b.WriteString(confirmStyle.Render(fmt.Sprintf("Reap slot %d? Press x again to confirm, any other key to cancel", m.confirmReapIndex)))
	} else {
		b.WriteString(hotkeysStyle.Render("[↑↓] select  [x] reap  [r]efresh  [tab] runs  [/] command  [?] help  [q] quit"))
	}
	b.WriteString("\n")

	m.renderStatusAndInput(&b)

	if m.showHelp {
		return m.renderHelpOverlay(b.String())
	}
	return b.String()
}

func (m model) renderSlot(index int, st pool.SlotStatus) string {
	cursor := "  "
	nStyle := nameStyle
	if index == m.cursor && !m.runsFocus {
		cursor = "▸ "
		nStyle = selectedNameStyle
	}

	icon, label, iStyle := slotState(st)
	parts := []string{
		fmt.Sprintf("  %s%s %s", cursor, iStyle.Render(icon), nStyle.Render(fmt.Sprintf("%-3d %s", st.Slot.Index, st.Slot.Container))),
		iStyle.Render(label),
		detailStyle.Render("container " + string(st.Container)),
	}
	if st.Slot.Address != "" {
		parts = append(parts, addressStyle.Render(st.Slot.Address))
	}
	return strings.Join(parts, "  ")
}

// slotState returns the icon, label and style for a slot.
func slotState(st pool.SlotStatus) (string, string, lipgloss.Style) {
	switch {
	case st.Reaping:
		return "◍", "reaping", stateOther
	case st.Leased:
		if st.Owner > 0 {
			return "●", fmt.Sprintf("leased by pid %d", st.Owner), stateLeased
		}
		return "●", "leased", stateLeased
	case st.Orphaned():
		return "✗", "orphaned", stateOrphaned
	case st.Err != nil || st.Container == runtime.StatusError:
		return "◌", "error", stateOther
	default:
		return "○", "free", stateFree
	}
}

func (m model) renderDetail() string {
	var b strings.Builder
	if m.cursor >= len(m.slots) {
		b.WriteString(emptyStyle.Render("No slot selected"))
		b.WriteString("\n\n\n")
		return b.String()
	}
	st := m.slots[m.cursor]

	b.WriteString(detailStyle.Render(fmt.Sprintf("  workspace %s", st.Slot.Workspace)))
	b.WriteString("\n")
	if st.Err != nil {
		b.WriteString(errorStyle.Render(st.Err.Error()))
	} else if last, ok := lastRun(m.history, st.Slot.Index); ok {
		line := fmt.Sprintf("  last run %s  %s", last.ID, last.Status)
		if last.Phase != "" {
			line += fmt.Sprintf("  phase %s", last.Phase)
		}
		if last.FailedIndex >= 0 && last.Status == history.StatusFailed {
			line += fmt.Sprintf("  command %d exit %d", last.FailedIndex, last.ExitCode)
		}
		b.WriteString(detailStyle.Render(line))
	} else {
		b.WriteString(detailStyle.Render("  no recorded runs"))
	}
	b.WriteString("\n")
	if !m.refreshed.IsZero() {
		b.WriteString(detailStyle.Render("  updated " + m.refreshed.Format("15:04:05")))
	}
	b.WriteString("\n")
	return b.String()
}

// lastRun returns the newest run on a slot. runs are newest first.
func lastRun(runs []history.Run, index int) (history.Run, bool) {
	for _, r := range runs {
		if r.Slot == index {
			return r, true
		}
	}
	return history.Run{}, false
}

func (m model) renderStatusAndInput(b *strings.Builder) {
	if m.message != "" {
		if m.isError {
			b.WriteString(errorStyle.Render(m.message))
		} else {
			b.WriteString(messageStyle.Render(m.message))
		}
		b.WriteString("\n")
	}
	if m.commanding {
		b.WriteString("  ")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
}

func (m model) renderHelpOverlay(base string) string {
	help := strings.Join([]string{
		helpHeaderStyle.Render("Navigation"),
		helpKeyStyle.Render("  ↑/k  ↓/j") + helpDescStyle.Render("   Select slot"),
		helpKeyStyle.Render("  Tab") + helpDescStyle.Render("         Scroll recent runs"),
		"",
		helpHeaderStyle.Render("Actions"),
		helpKeyStyle.Render("  x") + helpDescStyle.Render("           Reap selected slot (idle only)"),
		helpKeyStyle.Render("  r") + helpDescStyle.Render("           Refresh now"),
		"",
		helpHeaderStyle.Render("Commands"),
		helpKeyStyle.Render("  /") + helpDescStyle.Render("           Open command bar"),
		helpDescStyle.Render("  /reap <slot>"),
		helpDescStyle.Render("  /reap orphans"),
		helpDescStyle.Render("  /refresh"),
		"",
		helpKeyStyle.Render("  q") + helpDescStyle.Render("  quit") + "     " + helpKeyStyle.Render("?") + helpDescStyle.Render("  close this help"),
	}, "\n")

	modal := helpStyle.Render(help)

	// Center the modal over the base view
	modalWidth := lipgloss.Width(modal)
	modalHeight := lipgloss.Height(modal)
	xOffset := max(0, (m.width-modalWidth)/2)
	yOffset := max(0, (m.height-modalHeight)/2)

	baseLines := strings.Split(base, "\n")
	for len(baseLines) < yOffset+modalHeight {
		baseLines = append(baseLines, "")
	}
	padding := strings.Repeat(" ", xOffset)
	for i, mLine := range strings.Split(modal, "\n") {
		row := yOffset + i
		baseLines[row] = padding + mLine + strings.Repeat(" ", max(0, m.width-xOffset-lipgloss.Width(mLine)))
	}
	return strings.Join(baseLines, "\n")
}
