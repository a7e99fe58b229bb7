// Package cluster owns the per-cluster connection state: one Connection and
// one auth-proxy Handle per registered cluster, created on Add and disposed
// on Remove.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/utils/clock"

	"clusterproxy/internal/authproxy"
	"clusterproxy/internal/broadcast"
	"clusterproxy/internal/detect"
	"clusterproxy/internal/metrics"
	"clusterproxy/internal/suspend"
	"clusterproxy/pkg/logging"
)

var (
	// ErrNotFound is returned for unknown cluster ids.
	ErrNotFound = errors.New("cluster not found")
	// ErrExists is returned when adding a cluster id twice.
	ErrExists = errors.New("cluster already exists")
	// ErrInvalid wraps every definition validation failure.
	ErrInvalid = errors.New("invalid cluster definition")
)

// Definition describes a cluster the proxy serves.
type Definition struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Kubeconfig string `json:"kubeconfig" yaml:"kubeconfig"`
	Context    string `json:"context" yaml:"context"`
	HTTPSProxy string `json:"httpsProxy,omitempty" yaml:"httpsProxy,omitempty"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// ValidateID checks that id can be used as the first label of
// <id>.localhost.
func ValidateID(id string) error {
	if errs := validation.IsDNS1123Label(id); len(errs) > 0 {
		return fmt.Errorf("%w: id %q: %s", ErrInvalid, id, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks a definition before it is registered.
func (d Definition) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if d.Kubeconfig == "" {
		return fmt.Errorf("%w: cluster %s: kubeconfig is required", ErrInvalid, d.ID)
	}
	return nil
}

// Status is a point-in-time snapshot of a cluster.
type Status struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Enabled      bool      `json:"enabled"`
	Active       bool      `json:"active"`
	State        string    `json:"state"`
	FailureCount int       `json:"failureCount"`
	BackoffUntil time.Time `json:"backoffUntil,omitempty"`
	Version      string    `json:"version,omitempty"`
	Distribution string    `json:"distribution,omitempty"`
	LastRefresh  time.Time `json:"lastRefresh,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	ProxyRunning bool      `json:"proxyRunning"`
	ProxyPID     int       `json:"proxyPid,omitempty"`
}

// AuthProxyOptions are shared by every cluster's auth proxy.
type AuthProxyOptions struct {
	BinaryPath   string
	StartTimeout time.Duration
	ExtraEnv     map[string]string
	CertPEM      []byte
	KeyPEM       []byte
}

// ManagerOptions wires the Manager.
type ManagerOptions struct {
	Clock         clock.WithTicker
	Gate          *suspend.Gate
	Supervisor    authproxy.Supervisor
	Detector      detect.Detector
	Broadcaster   broadcast.Broadcaster
	AuthProxy     AuthProxyOptions
	DetectTimeout time.Duration
}

// Entry is a registered cluster.
type Entry struct {
	Definition Definition
	Connection *Connection
	Proxy      *authproxy.Handle
}

// Manager is the owning registry of clusters.
type Manager struct {
	opts ManagerOptions

	mu       sync.RWMutex
	entries  map[string]*Entry
	onRemove []func(id string)
}

// NewManager returns an empty registry.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Gate == nil {
		opts.Gate = suspend.NewGate()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = broadcast.Discard
	}
	return &Manager{
		opts:    opts,
		entries: make(map[string]*Entry),
	}
}

// OnRemove registers a hook that runs after a cluster was removed, e.g. to
// tear down its port forwards.
func (m *Manager) OnRemove(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = append(m.onRemove, fn)
}

// Add registers a cluster. Nothing is started until it is activated.
func (m *Manager) Add(def Definition) (*Entry, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[def.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, def.ID)
	}

	proxy := authproxy.NewHandle(authproxy.Options{
		ClusterID:    def.ID,
		BinaryPath:   m.opts.AuthProxy.BinaryPath,
		Kubeconfig:   def.Kubeconfig,
		Context:      def.Context,
		HTTPSProxy:   def.HTTPSProxy,
		ExtraEnv:     m.opts.AuthProxy.ExtraEnv,
		CertPEM:      m.opts.AuthProxy.CertPEM,
		KeyPEM:       m.opts.AuthProxy.KeyPEM,
		StartTimeout: m.opts.AuthProxy.StartTimeout,
	}, m.opts.Gate, m.opts.Supervisor)

	conn := NewConnection(ConnectionOptions{
		ClusterID:     def.ID,
		Clock:         m.opts.Clock,
		Targets:       proxy,
		Detector:      m.opts.Detector,
		Broadcaster:   m.opts.Broadcaster,
		DetectTimeout: m.opts.DetectTimeout,
	})

	e := &Entry{Definition: def, Connection: conn, Proxy: proxy}
	m.entries[def.ID] = e
	logging.Info("ClusterManager", "Added cluster %s (context %s)", def.ID, def.Context)
	return e, nil
}

// Remove disconnects the cluster, stops its auth proxy and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	hooks := append([]func(string){}, m.onRemove...)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.Connection.Disconnect()
	e.Proxy.Stop()
	for _, fn := range hooks {
		fn(id)
	}
	metrics.ForgetCluster(id)
	logging.Info("ClusterManager", "Removed cluster %s", id)
	return nil
}

// Get returns the entry of a cluster.
func (m *Manager) Get(id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// IDs returns the registered ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns a snapshot of one cluster.
func (m *Manager) Status(id string) (Status, error) {
	e, err := m.Get(id)
	if err != nil {
		return Status{}, err
	}
	return e.status(), nil
}

// List returns snapshots of all clusters, sorted by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Entry) status() Status {
	tr := e.Connection.Tracker()
	s := Status{
		ID:           e.Definition.ID,
		Name:         e.Definition.Name,
		Enabled:      e.Definition.Enabled,
		Active:       e.Connection.Active(),
		State:        tr.State().String(),
		FailureCount: tr.FailureCount(),
		BackoffUntil: tr.BackoffUntil(),
		ProxyRunning: e.Proxy.Running(),
		ProxyPID:     e.Proxy.PID(),
	}
	if md, ok := e.Connection.Metadata(); ok {
		s.Version = md.Version
		s.Distribution = md.Distribution
	}
	last, err := e.Connection.LastRefresh()
	s.LastRefresh = last
	if err != nil {
		s.LastError = err.Error()
	}
	return s
}

// ActivateAll activates every enabled cluster with an immediate refresh.
// Refresh failures are logged, not returned.
func (m *Manager) ActivateAll(ctx context.Context) {
	m.mu.RLock()
	var entries []*Entry
	for _, e := range m.entries {
		if e.Definition.Enabled {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			if err := e.Connection.Activate(gctx, true); err != nil {
				logging.Warn("ClusterManager", "Initial refresh of %s failed: %v", e.Definition.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown disconnects every cluster and stops every auth proxy.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		e.Connection.Disconnect()
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			e.Proxy.Stop()
		}(e)
	}
	wg.Wait()
	logging.Info("ClusterManager", "Stopped %d clusters", len(entries))
}
