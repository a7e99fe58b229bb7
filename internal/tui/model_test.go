package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterproxy/internal/cluster"
)

type fakeSource struct {
	mu        sync.Mutex
	statuses  []cluster.Status
	suspended bool
	listErr   error
	actionErr error
	actions   []string
}

func (f *fakeSource) Health(context.Context) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{"status": "ok", "suspended": f.suspended}, nil
}

func (f *fakeSource) ListClusters(context.Context) ([]cluster.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]cluster.Status(nil), f.statuses...), nil
}

func (f *fakeSource) Action(_ context.Context, id, action string) (cluster.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action+":"+id)
	if f.actionErr != nil {
		return cluster.Status{}, f.actionErr
	}
	return cluster.Status{ID: id, State: "Healthy", Active: action != "disconnect"}, nil
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func loadedModel(t *testing.T, src *fakeSource) *Model {
	t.Helper()
	m := New(Options{Source: src, ProxyPort: 9443})
	m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	m.Update(m.fetch()())
	return m
}

func TestModel_FetchPopulatesView(t *testing.T) {
	src := &fakeSource{statuses: []cluster.Status{
		{ID: "dev", State: "Healthy", Version: "v1.30.1+k3s1", Distribution: "k3s"},
		{ID: "prod", State: "Backoff1", FailureCount: 1},
	}}
	m := loadedModel(t, src)

	assert.False(t, m.Loading)
	require.Len(t, m.Statuses, 2)

	view := m.View()
	assert.Contains(t, view, "2 cluster(s)")
	assert.Contains(t, view, "dev")
	assert.Contains(t, view, "v1.30.1+k3s1")
	assert.Contains(t, view, "Backoff1")
	assert.NotContains(t, view, "System suspended")
}

func TestModel_SuspendedBanner(t *testing.T) {
	src := &fakeSource{suspended: true, statuses: []cluster.Status{{ID: "dev", State: "Healthy"}}}
	m := loadedModel(t, src)

	assert.True(t, m.Suspended)
	assert.Contains(t, m.View(), "System suspended")
}

func TestModel_FetchError(t *testing.T) {
	src := &fakeSource{listErr: errors.New("connection refused")}
	m := loadedModel(t, src)

	assert.Error(t, m.FetchErr)
	assert.Contains(t, m.View(), "Cannot reach clusterproxy")
}

func TestModel_EmptyList(t *testing.T) {
	m := loadedModel(t, &fakeSource{})
	assert.Contains(t, m.View(), "No clusters registered")

	_, cmd := m.Update(runeKey('c'))
	require.NotNil(t, cmd)
	assert.Equal(t, "No cluster selected", m.Message)
	assert.True(t, m.MessageIsErr)
}

func TestModel_Navigation(t *testing.T) {
	src := &fakeSource{statuses: []cluster.Status{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	m := loadedModel(t, src)

	m.Update(runeKey('j'))
	m.Update(runeKey('j'))
	m.Update(runeKey('j'))
	assert.Equal(t, 2, m.Selected)

	m.Update(runeKey('k'))
	assert.Equal(t, 1, m.Selected)

	// A shrinking list keeps the selection in range.
	src.mu.Lock()
	src.statuses = src.statuses[:1]
	src.mu.Unlock()
	m.Update(m.fetch()())
	assert.Equal(t, 0, m.Selected)
}

func TestModel_Actions(t *testing.T) {
	tests := []struct {
		key    rune
		action string
	}{
		{'a', "activate"},
		{'r', "refresh"},
		{'c', "reconnect"},
		{'d', "disconnect"},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			src := &fakeSource{statuses: []cluster.Status{{ID: "dev", State: "Backoff1"}, {ID: "prod", State: "Backoff2"}}}
			m := loadedModel(t, src)
			m.Update(runeKey('j'))

			_, cmd := m.Update(runeKey(tt.key))
			require.NotNil(t, cmd)
			assert.Equal(t, tt.action, m.Pending["prod"])

			// A second action on the same cluster is refused while one runs.
			m.Update(runeKey(tt.key))
			assert.True(t, m.MessageIsErr)

			m.Update(cmd())
			assert.Empty(t, m.Pending)
			assert.Equal(t, []string{tt.action + ":prod"}, src.actions)
			assert.Equal(t, "Healthy", m.Statuses[1].State)
			assert.Equal(t, "Backoff1", m.Statuses[0].State)
			assert.False(t, m.MessageIsErr)
		})
	}
}

func TestModel_ActionFailure(t *testing.T) {
	src := &fakeSource{
		statuses:  []cluster.Status{{ID: "dev", State: "Backoff1"}},
		actionErr: errors.New("cluster dev is backing off"),
	}
	m := loadedModel(t, src)

	_, cmd := m.Update(runeKey('r'))
	m.Update(cmd())
	assert.True(t, m.MessageIsErr)
	assert.Contains(t, m.Message, "refresh dev failed")
	assert.Contains(t, m.View(), "backing off")
}

func TestModel_CopyURL(t *testing.T) {
	var copied string
	orig := writeClipboard
	writeClipboard = func(s string) error {
		copied = s
		return nil
	}
	defer func() { writeClipboard = orig }()

	m := loadedModel(t, &fakeSource{statuses: []cluster.Status{{ID: "dev"}}})
	m.Update(runeKey('y'))

	assert.Equal(t, "https://dev.localhost:9443/api-kube", copied)
	assert.Contains(t, m.Message, "Copied")
}

func TestModel_MessageExpires(t *testing.T) {
	m := loadedModel(t, &fakeSource{})
	m.Update(runeKey('c'))
	seq := m.messageSeq

	// A stale clear does not wipe a newer message.
	m.Update(runeKey('d'))
	m.Update(clearMessageMsg{seq: seq})
	assert.NotEmpty(t, m.Message)

	m.Update(clearMessageMsg{seq: m.messageSeq})
	assert.Empty(t, m.Message)
}

func TestModel_QuitAndHelp(t *testing.T) {
	m := loadedModel(t, &fakeSource{})

	m.Update(runeKey('h'))
	assert.True(t, m.Help.ShowAll)

	_, cmd := m.Update(runeKey('q'))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestModel_TickTriggersFetch(t *testing.T) {
	src := &fakeSource{}
	m := loadedModel(t, src)

	src.mu.Lock()
	src.statuses = []cluster.Status{{ID: "late"}}
	src.mu.Unlock()

	_, cmd := m.Update(tickMsg(time.Now()))
	require.NotNil(t, cmd)
	m.Update(cmd())
	require.Len(t, m.Statuses, 1)
	assert.Equal(t, "late", m.Statuses[0].ID)
}
