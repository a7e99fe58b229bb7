package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"
	"gopkg.in/yaml.v3"

	"clusterproxy/internal/cluster"
)

// OutputFormat represents the output format for CLI commands
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// ParseOutputFormat validates an --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unsupported output format %q (table, json, yaml)", s)
	}
}

const maxErrorWidth = 48

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	stateStyles = map[string]lipgloss.Style{
		"Healthy":   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"Backoff1":  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"Backoff2":  lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		"Suspended": lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
)

// StatusRows turns cluster snapshots into table rows.
func StatusRows(statuses []cluster.Status, now time.Time) [][]string {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		active := "no"
		if s.Active {
			active = "yes"
		}
		proxy := "-"
		if s.ProxyRunning {
			proxy = "pid " + strconv.Itoa(s.ProxyPID)
		}
		state := s.State
		if !s.BackoffUntil.IsZero() && s.BackoffUntil.After(now) {
			state = fmt.Sprintf("%s (%s)", s.State, s.BackoffUntil.Sub(now).Round(time.Second))
		}
		rows = append(rows, []string{
			s.ID,
			active,
			state,
			orDash(s.Version),
			orDash(s.Distribution),
			since(s.LastRefresh, now),
			proxy,
			runewidth.Truncate(orDash(s.LastError), maxErrorWidth, "…"),
		})
	}
	return rows
}

// StatusTable renders cluster snapshots as a lipgloss table.
func StatusTable(statuses []cluster.Status, now time.Time) string {
	rows := StatusRows(statuses, now)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CLUSTER", "ACTIVE", "STATE", "VERSION", "DISTRIBUTION", "REFRESHED", "AUTH PROXY", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(statuses) {
				if st, ok := stateStyles[statuses[row].State]; ok {
					return st.Padding(0, 1)
				}
			}
			return cellStyle
		})
	return t.Render()
}

// PrintStatuses writes statuses in the requested format.
func PrintStatuses(w io.Writer, format OutputFormat, statuses []cluster.Status) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	case OutputFormatYAML:
		return yaml.NewEncoder(w).Encode(statuses)
	default:
		if len(statuses) == 0 {
			_, err := fmt.Fprintln(w, "No clusters registered")
			return err
		}
		_, err := fmt.Fprintln(w, StatusTable(statuses, time.Now()))
		return err
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}
