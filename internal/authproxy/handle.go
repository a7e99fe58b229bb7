// Package authproxy owns the per-cluster kube-auth-proxy child process.
//
// A Handle starts the child lazily, shares one start between concurrent
// callers, hands out route targets that point at the child's local HTTPS
// endpoint, and tears the child down on Stop or Restart. At most one child
// is alive per Handle at any time.
package authproxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"clusterproxy/internal/metrics"
	"clusterproxy/internal/suspend"
	"clusterproxy/pkg/logging"
)

// ErrNotReady is returned when the child exited between being started and
// being asked for its endpoint.
var ErrNotReady = errors.New("auth proxy is not running")

const defaultStartTimeout = 15 * time.Second

// Options describe how to launch the auth proxy for one cluster.
type Options struct {
	ClusterID  string
	BinaryPath string
	Kubeconfig string
	Context    string
	// HTTPSProxy is exported to the child as HTTPS_PROXY when set.
	HTTPSProxy string
	ExtraEnv   map[string]string
	// CertPEM/KeyPEM are the serving certificate the child presents. CertPEM
	// doubles as the CA of every RouteTarget.
	CertPEM      []byte
	KeyPEM       []byte
	StartTimeout time.Duration
}

// Handle manages the auth proxy of a single cluster.
type Handle struct {
	opts       Options
	gate       *suspend.Gate
	supervisor Supervisor
	subsystem  string

	// lifecycle serializes spawning and stopping.
	lifecycle sync.Mutex
	starts    singleflight.Group

	mu     sync.RWMutex
	proc   Process
	cached *RouteTarget
}

// NewHandle creates a handle. Nothing is started until the first
// EnsureRunning or GetAPITarget call.
func NewHandle(opts Options, gate *suspend.Gate, supervisor Supervisor) *Handle {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	return &Handle{
		opts:       opts,
		gate:       gate,
		supervisor: supervisor,
		subsystem:  "AuthProxy-" + opts.ClusterID,
	}
}

// ClusterID returns the id of the cluster this handle serves.
func (h *Handle) ClusterID() string {
	return h.opts.ClusterID
}

// Running reports whether a child process is currently alive.
func (h *Handle) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.proc != nil
}

// PID returns the child's process id, or 0 when nothing is running.
func (h *Handle) PID() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.proc == nil {
		return 0
	}
	return h.proc.PID()
}

// EnsureRunning starts the child if it is not running and returns once it
// is ready. Concurrent callers share a single start.
func (h *Handle) EnsureRunning(ctx context.Context) error {
	if err := h.gate.Check(); err != nil {
		return err
	}
	if h.Running() {
		return nil
	}

	ch := h.starts.DoChan("start", func() (interface{}, error) {
		// Detached from the first caller so its cancellation does not fail
		// everyone sharing this start.
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.StartTimeout)
		defer cancel()
		return nil, h.start(startCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) start(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.Running() {
		return nil
	}
	if err := h.gate.Check(); err != nil {
		return err
	}

	prefix, err := newAPIPrefix()
	if err != nil {
		return fmt.Errorf("failed to generate api prefix: %w", err)
	}

	logging.Debug(h.subsystem, "Starting auth proxy %s", h.opts.BinaryPath)
	proc, err := h.supervisor.Run(ctx, h.command(prefix))
	if err != nil {
		metrics.AuthProxyStarts.WithLabelValues(h.opts.ClusterID, "error").Inc()
		h.invalidate()
		logging.Error(h.subsystem, err, "Failed to start auth proxy")
		return fmt.Errorf("failed to start auth proxy for cluster %s: %w", h.opts.ClusterID, err)
	}
	metrics.AuthProxyStarts.WithLabelValues(h.opts.ClusterID, "ok").Inc()

	h.mu.Lock()
	h.proc = proc
	h.cached = nil
	h.mu.Unlock()

	logging.Info(h.subsystem, "Auth proxy ready (PID %d, port %d)", proc.PID(), proc.Endpoint().Port)
	go h.watch(proc)
	return nil
}

// watch clears state when the child goes away on its own.
func (h *Handle) watch(proc Process) {
	<-proc.Done()

	h.mu.Lock()
	unexpected := h.proc == proc
	if unexpected {
		h.proc = nil
		h.cached = nil
	}
	h.mu.Unlock()

	metrics.AuthProxyExits.WithLabelValues(h.opts.ClusterID, fmt.Sprintf("%t", !unexpected)).Inc()
	if unexpected {
		logging.Warn(h.subsystem, "Auth proxy (PID %d) exited unexpectedly: %v", proc.PID(), proc.Err())
	} else {
		logging.Debug(h.subsystem, "Auth proxy (PID %d) stopped", proc.PID())
	}
}

// GetAPITarget returns the route target for the cluster, starting the child
// if needed. Ordinary targets are memoized until Restart or Stop; long-running
// targets get a longer timeout and are never cached.
func (h *Handle) GetAPITarget(ctx context.Context, longRunning bool) (RouteTarget, error) {
	if err := h.gate.Check(); err != nil {
		return RouteTarget{}, err
	}

	if !longRunning {
		h.mu.RLock()
		if h.cached != nil && h.proc != nil {
			t := *h.cached
			h.mu.RUnlock()
			return t, nil
		}
		h.mu.RUnlock()
	}

	if err := h.EnsureRunning(ctx); err != nil {
		return RouteTarget{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proc == nil {
		return RouteTarget{}, ErrNotReady
	}

	ep := h.proc.Endpoint()
	target := RouteTarget{
		Protocol:   "https",
		Host:       "127.0.0.1",
		Port:       ep.Port,
		PathPrefix: ep.APIPrefix,
		CA:         h.opts.CertPEM,
		Timeout:    DefaultRequestTimeout,
	}
	if longRunning {
		target.Timeout = LongRunningRequestTimeout
		return target, nil
	}

	h.cached = &target
	return target, nil
}

// Restart stops the current child, if any, and starts a fresh one.
func (h *Handle) Restart(ctx context.Context) error {
	if err := h.gate.Check(); err != nil {
		return err
	}

	logging.Info(h.subsystem, "Restarting auth proxy")
	h.lifecycle.Lock()
	h.stopLocked()
	h.lifecycle.Unlock()

	return h.EnsureRunning(ctx)
}

// Stop terminates the child and clears cached state. It is safe to call when
// nothing is running.
func (h *Handle) Stop() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.stopLocked()
}

func (h *Handle) stopLocked() {
	h.mu.Lock()
	proc := h.proc
	h.proc = nil
	h.cached = nil
	h.mu.Unlock()

	// A start that finished just before we took the lifecycle lock must not
	// be joined by the next EnsureRunning.
	h.starts.Forget("start")

	if proc == nil {
		return
	}
	if err := proc.Exit(); err != nil {
		logging.Error(h.subsystem, err, "Failed to stop auth proxy (PID %d)", proc.PID())
	}
}

func (h *Handle) invalidate() {
	h.mu.Lock()
	h.proc = nil
	h.cached = nil
	h.mu.Unlock()
}

func (h *Handle) command(apiPrefix string) Command {
	env := map[string]string{
		"KUBECONFIG":         h.opts.Kubeconfig,
		"KUBECONFIG_CONTEXT": h.opts.Context,
		"API_PREFIX":         apiPrefix,
		"PROXY_KEY":          string(h.opts.KeyPEM),
		"PROXY_CERT":         string(h.opts.CertPEM),
	}
	if h.opts.HTTPSProxy != "" {
		env["HTTPS_PROXY"] = h.opts.HTTPSProxy
	}
	for k, v := range h.opts.ExtraEnv {
		env[k] = v
	}

	return Command{
		ClusterID: h.opts.ClusterID,
		Path:      h.opts.BinaryPath,
		Env:       env,
		APIPrefix: apiPrefix,
	}
}

func newAPIPrefix() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "/" + hex.EncodeToString(b), nil
}
