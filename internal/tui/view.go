package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"

	"clusterproxy/internal/cli"
)

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	title := fmt.Sprintf("clusterproxy  %d cluster(s)  port %d", len(m.Statuses), m.opts.ProxyPort)
	if m.Loading || len(m.Pending) > 0 {
		title = m.Spinner.View() + " " + title
	}
	b.WriteString(headerStyle.Render(m.fit(title)))
	b.WriteString("\n")

	if m.Suspended {
		b.WriteString(suspendedBanner.Render("System suspended: cluster traffic is paused"))
		b.WriteString("\n")
	}

	switch {
	case m.FetchErr != nil && len(m.Statuses) == 0:
		b.WriteString(errorStyle.Render(m.fit("Cannot reach clusterproxy: " + m.FetchErr.Error())))
		b.WriteString("\n")
	case len(m.Statuses) == 0 && !m.Loading:
		b.WriteString("No clusters registered\n")
	case len(m.Statuses) > 0:
		b.WriteString(m.renderTable())
		b.WriteString("\n")
	}

	if m.Message != "" {
		style := infoStyle
		if m.MessageIsErr {
			style = errorStyle
		}
		b.WriteString(style.Render(m.fit(m.Message)))
		b.WriteString("\n")
	}

	b.WriteString(m.Help.View(m.Keys))
	return b.String()
}

func (m *Model) renderTable() string {
	rows := cli.StatusRows(m.Statuses, time.Now())
	for i, st := range m.Statuses {
		if action, ok := m.Pending[st.ID]; ok {
			rows[i][2] = action + "…"
		}
	}

	selected := m.Selected
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("CLUSTER", "ACTIVE", "STATE", "VERSION", "DISTRIBUTION", "REFRESHED", "AUTH PROXY", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case row == selected:
				return selectedStyle
			default:
				return cellStyle
			}
		})
	if m.Width > 0 {
		t = t.Width(m.Width)
	}
	return t.Render()
}

// fit truncates a single line to the terminal width.
func (m *Model) fit(s string) string {
	if m.Width <= 4 {
		return s
	}
	return runewidth.Truncate(s, m.Width-4, "…")
}
