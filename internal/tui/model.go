// Package tui is the interactive cluster dashboard behind `clusterproxy status --watch`.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"clusterproxy/internal/cluster"
)

const (
	defaultInterval = 2 * time.Second
	requestTimeout  = 10 * time.Second
	messageTTL      = 3 * time.Second
)

// writeClipboard is replaced in tests.
var writeClipboard = clipboard.WriteAll

// Source is the part of the admin client the dashboard needs.
type Source interface {
	Health(ctx context.Context) (map[string]interface{}, error)
	ListClusters(ctx context.Context) ([]cluster.Status, error)
	Action(ctx context.Context, id, action string) (cluster.Status, error)
}

// Options configure the dashboard.
type Options struct {
	Source    Source
	ProxyPort int
	// Interval between polls; defaults to two seconds.
	Interval time.Duration
}

type statusesMsg struct {
	statuses  []cluster.Status
	suspended bool
	err       error
}

type tickMsg time.Time

type actionDoneMsg struct {
	id     string
	action string
	status cluster.Status
	err    error
}

type clearMessageMsg struct {
	seq int
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	opts Options

	Keys     KeyMap
	Help     help.Model
	Spinner  spinner.Model
	Width    int
	Height   int
	Selected int

	Statuses  []cluster.Status
	Suspended bool
	Loading   bool
	Pending   map[string]string
	FetchErr  error

	Message      string
	MessageIsErr bool
	messageSeq   int
}

// New creates a dashboard model.
func New(opts Options) *Model {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &Model{
		opts:    opts,
		Keys:    DefaultKeyMap(),
		Help:    help.New(),
		Spinner: s,
		Loading: true,
		Pending: make(map[string]string),
	}
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.Spinner.Tick, m.fetch())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case statusesMsg:
		m.Loading = false
		m.FetchErr = msg.err
		if msg.err == nil {
			m.Statuses = msg.statuses
			m.Suspended = msg.suspended
		}
		m.clampSelection()
		return m, tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case tickMsg:
		return m, m.fetch()

	case actionDoneMsg:
		delete(m.Pending, msg.id)
		if msg.err != nil {
			return m, tea.Batch(m.setMessage(fmt.Sprintf("%s %s failed: %v", msg.action, msg.id, msg.err), true), m.fetch())
		}
		m.replaceStatus(msg.status)
		return m, m.setMessage(fmt.Sprintf("%s %s: %s", msg.action, msg.id, msg.status.State), false)

	case clearMessageMsg:
		if msg.seq == m.messageSeq {
			m.Message = ""
			m.MessageIsErr = false
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.Keys.Quit):
		return tea.Quit
	case key.Matches(msg, m.Keys.Help):
		m.Help.ShowAll = !m.Help.ShowAll
	case key.Matches(msg, m.Keys.Up):
		if m.Selected > 0 {
			m.Selected--
		}
	case key.Matches(msg, m.Keys.Down):
		if m.Selected < len(m.Statuses)-1 {
			m.Selected++
		}
	case key.Matches(msg, m.Keys.Activate):
		return m.runAction("activate")
	case key.Matches(msg, m.Keys.Refresh):
		return m.runAction("refresh")
	case key.Matches(msg, m.Keys.Reconnect):
		return m.runAction("reconnect")
	case key.Matches(msg, m.Keys.Disconnect):
		return m.runAction("disconnect")
	case key.Matches(msg, m.Keys.CopyURL):
		return m.copyURL()
	}
	return nil
}

func (m *Model) selected() (cluster.Status, bool) {
	if m.Selected < 0 || m.Selected >= len(m.Statuses) {
		return cluster.Status{}, false
	}
	return m.Statuses[m.Selected], true
}

func (m *Model) runAction(action string) tea.Cmd {
	st, ok := m.selected()
	if !ok {
		return m.setMessage("No cluster selected", true)
	}
	if running, busy := m.Pending[st.ID]; busy {
		return m.setMessage(fmt.Sprintf("%s %s already in progress", running, st.ID), true)
	}
	m.Pending[st.ID] = action

	source := m.opts.Source
	id := st.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		status, err := source.Action(ctx, id, action)
		return actionDoneMsg{id: id, action: action, status: status, err: err}
	}
}

func (m *Model) copyURL() tea.Cmd {
	st, ok := m.selected()
	if !ok {
		return m.setMessage("No cluster selected", true)
	}
	url := APIURL(st.ID, m.opts.ProxyPort)
	if err := writeClipboard(url); err != nil {
		return m.setMessage(fmt.Sprintf("Copy failed: %v", err), true)
	}
	return m.setMessage("Copied "+url, false)
}

// APIURL is the token-less Kubernetes API address of a cluster.
func APIURL(id string, port int) string {
	return fmt.Sprintf("https://%s.localhost:%d/api-kube", id, port)
}

func (m *Model) fetch() tea.Cmd {
	source := m.opts.Source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		statuses, err := source.ListClusters(ctx)
		if err != nil {
			return statusesMsg{err: err}
		}
		msg := statusesMsg{statuses: statuses}
		if health, err := source.Health(ctx); err == nil {
			msg.suspended, _ = health["suspended"].(bool)
		}
		return msg
	}
}

func (m *Model) setMessage(text string, isErr bool) tea.Cmd {
	m.messageSeq++
	m.Message = text
	m.MessageIsErr = isErr
	seq := m.messageSeq
	return tea.Tick(messageTTL, func(time.Time) tea.Msg { return clearMessageMsg{seq: seq} })
}

func (m *Model) replaceStatus(st cluster.Status) {
	for i := range m.Statuses {
		if m.Statuses[i].ID == st.ID {
			m.Statuses[i] = st
			return
		}
	}
}

func (m *Model) clampSelection() {
	if m.Selected >= len(m.Statuses) {
		m.Selected = len(m.Statuses) - 1
	}
	if m.Selected < 0 {
		m.Selected = 0
	}
}
