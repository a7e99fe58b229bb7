package authproxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterproxy/internal/suspend"
)

type fakeProcess struct {
	pid      int
	endpoint Endpoint
	done     chan struct{}
	once     sync.Once
	exited   atomic.Bool
}

func newFakeProcess(pid int, apiPrefix string) *fakeProcess {
	return &fakeProcess{
		pid:      pid,
		endpoint: Endpoint{Port: 40000 + pid, APIPrefix: apiPrefix},
		done:     make(chan struct{}),
	}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Endpoint() Endpoint    { return p.endpoint }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) Exit() error {
	p.exited.Store(true)
	p.crash()
	return nil
}

// crash simulates the process going away on its own.
func (p *fakeProcess) crash() {
	p.once.Do(func() { close(p.done) })
}

type fakeSupervisor struct {
	mu       sync.Mutex
	runs     int
	delay    time.Duration
	failNext error
	procs    []*fakeProcess
	commands []Command
}

func (s *fakeSupervisor) Run(ctx context.Context, cmd Command) (Process, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.commands = append(s.commands, cmd)
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	p := newFakeProcess(s.runs, cmd.APIPrefix)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSupervisor) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *fakeSupervisor) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

func newTestHandle(sup Supervisor, gate *suspend.Gate) *Handle {
	return NewHandle(Options{
		ClusterID:  "c1",
		BinaryPath: "kube-auth-proxy",
		Kubeconfig: "/tmp/kubeconfig",
		Context:    "dev",
		CertPEM:    []byte("cert"),
		KeyPEM:     []byte("key"),
	}, gate, sup)
}

func TestHandle_ConcurrentEnsureRunningSharesStart(t *testing.T) {
	sup := &fakeSupervisor{delay: 50 * time.Millisecond}
	h := newTestHandle(sup, suspend.NewGate())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.EnsureRunning(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, sup.runCount())
	assert.True(t, h.Running())
	assert.Equal(t, 1, h.PID())
}

func TestHandle_GetAPITarget(t *testing.T) {
	sup := &fakeSupervisor{}
	h := newTestHandle(sup, suspend.NewGate())
	ctx := context.Background()

	first, err := h.GetAPITarget(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "https", first.Protocol)
	assert.Equal(t, "127.0.0.1", first.Host)
	assert.Equal(t, 40001, first.Port)
	assert.Equal(t, sup.last().endpoint.APIPrefix, first.PathPrefix)
	assert.Equal(t, []byte("cert"), first.CA)
	assert.Equal(t, DefaultRequestTimeout, first.Timeout)
	assert.Equal(t, "https://127.0.0.1:40001"+first.PathPrefix, first.URL().String())

	second, err := h.GetAPITarget(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	long, err := h.GetAPITarget(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, LongRunningRequestTimeout, long.Timeout)
	assert.Equal(t, first.Port, long.Port)

	assert.Equal(t, 1, sup.runCount())
}

func TestHandle_RestartReplacesProcessAndInvalidatesTarget(t *testing.T) {
	sup := &fakeSupervisor{}
	h := newTestHandle(sup, suspend.NewGate())
	ctx := context.Background()

	before, err := h.GetAPITarget(ctx, false)
	require.NoError(t, err)
	old := sup.last()

	require.NoError(t, h.Restart(ctx))
	assert.True(t, old.exited.Load())
	assert.Equal(t, 2, sup.runCount())

	after, err := h.GetAPITarget(ctx, false)
	require.NoError(t, err)
	assert.NotEqual(t, before.Port, after.Port)
	assert.NotEqual(t, before.PathPrefix, after.PathPrefix)
}

func TestHandle_Stop(t *testing.T) {
	sup := &fakeSupervisor{}
	h := newTestHandle(sup, suspend.NewGate())

	// Nothing running yet.
	h.Stop()
	assert.False(t, h.Running())
	assert.Equal(t, 0, sup.runCount())

	require.NoError(t, h.EnsureRunning(context.Background()))
	proc := sup.last()
	h.Stop()
	assert.True(t, proc.exited.Load())
	assert.False(t, h.Running())
	assert.Equal(t, 0, h.PID())

	// A later request starts a fresh child.
	_, err := h.GetAPITarget(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, sup.runCount())
}

func TestHandle_SpawnFailureClearsStateAndRetries(t *testing.T) {
	sup := &fakeSupervisor{failNext: errors.New("exec: not found")}
	h := newTestHandle(sup, suspend.NewGate())

	_, err := h.GetAPITarget(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec: not found")
	assert.False(t, h.Running())

	_, err = h.GetAPITarget(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, h.Running())
	assert.Equal(t, 2, sup.runCount())
}

func TestHandle_SuspendedGateFailsFast(t *testing.T) {
	sup := &fakeSupervisor{}
	gate := suspend.NewGate()
	gate.Handle(suspend.EventSuspend)
	h := newTestHandle(sup, gate)
	ctx := context.Background()

	assert.ErrorIs(t, h.EnsureRunning(ctx), suspend.ErrSystemSuspended)
	_, err := h.GetAPITarget(ctx, false)
	assert.ErrorIs(t, err, suspend.ErrSystemSuspended)
	assert.ErrorIs(t, h.Restart(ctx), suspend.ErrSystemSuspended)
	assert.Equal(t, 0, sup.runCount())

	gate.Handle(suspend.EventResume)
	assert.NoError(t, h.EnsureRunning(ctx))
}

func TestHandle_SuspendedGateBlocksCachedTarget(t *testing.T) {
	gate := suspend.NewGate()
	h := newTestHandle(&fakeSupervisor{}, gate)

	_, err := h.GetAPITarget(context.Background(), false)
	require.NoError(t, err)

	gate.Handle(suspend.EventLockScreen)
	_, err = h.GetAPITarget(context.Background(), false)
	assert.ErrorIs(t, err, suspend.ErrSystemSuspended)
}

func TestHandle_UnexpectedExitIsRecovered(t *testing.T) {
	sup := &fakeSupervisor{}
	h := newTestHandle(sup, suspend.NewGate())

	_, err := h.GetAPITarget(context.Background(), false)
	require.NoError(t, err)

	sup.last().crash()
	require.Eventually(t, func() bool { return !h.Running() }, time.Second, 5*time.Millisecond)

	target, err := h.GetAPITarget(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 40002, target.Port)
}

func TestHandle_CallerCancellationDoesNotAbortSharedStart(t *testing.T) {
	sup := &fakeSupervisor{delay: 50 * time.Millisecond}
	h := newTestHandle(sup, suspend.NewGate())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.EnsureRunning(ctx), context.DeadlineExceeded)

	require.NoError(t, h.EnsureRunning(context.Background()))
	assert.Equal(t, 1, sup.runCount())
}

func TestHandle_CommandEnvironment(t *testing.T) {
	tests := []struct {
		name       string
		httpsProxy string
		wantProxy  bool
	}{
		{name: "without proxy"},
		{name: "with proxy", httpsProxy: "http://proxy.local:3128", wantProxy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := &fakeSupervisor{}
			h := NewHandle(Options{
				ClusterID:  "c1",
				BinaryPath: "/usr/bin/kube-auth-proxy",
				Kubeconfig: "/home/me/.kube/config",
				Context:    "prod",
				HTTPSProxy: tt.httpsProxy,
				ExtraEnv:   map[string]string{"FOO": "bar"},
				CertPEM:    []byte("cert"),
				KeyPEM:     []byte("key"),
			}, suspend.NewGate(), sup)

			require.NoError(t, h.EnsureRunning(context.Background()))
			cmd := sup.commands[0]
			assert.Equal(t, "/usr/bin/kube-auth-proxy", cmd.Path)
			assert.Equal(t, "/home/me/.kube/config", cmd.Env["KUBECONFIG"])
			assert.Equal(t, "prod", cmd.Env["KUBECONFIG_CONTEXT"])
			assert.Equal(t, cmd.APIPrefix, cmd.Env["API_PREFIX"])
			assert.Regexp(t, `^/[0-9a-f]{16}$`, cmd.APIPrefix)
			assert.Equal(t, "cert", cmd.Env["PROXY_CERT"])
			assert.Equal(t, "key", cmd.Env["PROXY_KEY"])
			assert.Equal(t, "bar", cmd.Env["FOO"])

			proxy, ok := cmd.Env["HTTPS_PROXY"]
			assert.Equal(t, tt.wantProxy, ok)
			assert.Equal(t, tt.httpsProxy, proxy)
		})
	}
}
