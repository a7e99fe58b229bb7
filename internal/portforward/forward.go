// Package portforward runs client-go port forwards to pods and services
// through a cluster's auth proxy.
package portforward

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"clusterproxy/internal/authproxy"
	"clusterproxy/internal/kube"
	"clusterproxy/pkg/logging"
)

// ErrNotFound is returned when stopping an unknown forward.
var ErrNotFound = errors.New("port forward not found")

const readyTimeout = 60 * time.Second

// Request describes a forward from 127.0.0.1:LocalPort to Kind/Name:Port.
type Request struct {
	ClusterID string `json:"clusterId"`
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Port      int    `json:"port"`
	// LocalPort 0 picks a free port.
	LocalPort int `json:"localPort"`
}

// Validate checks the request fields.
func (r Request) Validate() error {
	switch {
	case r.Namespace == "":
		return errors.New("namespace is required")
	case r.Kind != kube.KindPod && r.Kind != kube.KindService:
		return fmt.Errorf("kind must be %q or %q, got %q", kube.KindPod, kube.KindService, r.Kind)
	case r.Name == "":
		return errors.New("name is required")
	case r.Port < 1 || r.Port > 65535:
		return fmt.Errorf("invalid port %d", r.Port)
	case r.LocalPort < 0 || r.LocalPort > 65535:
		return fmt.Errorf("invalid local port %d", r.LocalPort)
	}
	return nil
}

// Forward is an active port forward.
type Forward struct {
	ID        string  `json:"id"`
	Request   Request `json:"request"`
	Pod       string  `json:"pod"`
	LocalPort int     `json:"boundPort"`

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// Done is closed when the forward has ended.
func (f *Forward) Done() <-chan struct{} { return f.done }

// Err is the reason the forward ended, valid after Done.
func (f *Forward) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *Forward) close() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// session is a started forward as seen by the Manager.
type session struct {
	pod       string
	localPort int
	done      chan struct{}
	err       *error
}

type startFunc func(ctx context.Context, target authproxy.RouteTarget, req Request, stop chan struct{}) (*session, error)

// Manager tracks the forwards of all clusters.
type Manager struct {
	start startFunc

	mu       sync.Mutex
	forwards map[string]map[string]*Forward
}

// NewManager returns a manager that forwards over SPDY.
func NewManager() *Manager {
	return &Manager{
		start:    startSPDY,
		forwards: make(map[string]map[string]*Forward),
	}
}

// Start opens a forward using target, which should be a long-running target
// of the request's cluster. It returns once the local port is listening.
func (m *Manager) Start(ctx context.Context, target authproxy.RouteTarget, req Request) (*Forward, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	s, err := m.start(ctx, target, req, stop)
	if err != nil {
		return nil, err
	}

	f := &Forward{
		ID:        uuid.NewString(),
		Request:   req,
		Pod:       s.pod,
		LocalPort: s.localPort,
		stop:      stop,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.forwards[req.ClusterID] == nil {
		m.forwards[req.ClusterID] = make(map[string]*Forward)
	}
	m.forwards[req.ClusterID][f.ID] = f
	m.mu.Unlock()

	go func() {
		<-s.done
		if s.err != nil {
			f.err = *s.err
		}
		close(f.done)
		m.forget(req.ClusterID, f.ID)
		logging.Debug(subsystem(req), "Forward %s ended: %v", f.ID, f.err)
	}()

	logging.Info(subsystem(req), "Forwarding 127.0.0.1:%d -> %s/%s (pod %s) port %d", f.LocalPort, req.Namespace, req.Name, f.Pod, req.Port)
	return f, nil
}

// Stop ends one forward and waits for it to finish.
func (m *Manager) Stop(clusterID, id string) error {
	m.mu.Lock()
	f, ok := m.forwards[clusterID][id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	f.close()
	<-f.done
	return nil
}

// StopCluster ends every forward of a cluster.
func (m *Manager) StopCluster(clusterID string) {
	m.mu.Lock()
	var fs []*Forward
	for _, f := range m.forwards[clusterID] {
		fs = append(fs, f)
	}
	m.mu.Unlock()

	for _, f := range fs {
		f.close()
		<-f.done
	}
}

// StopAll ends every forward.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.forwards))
	for id := range m.forwards {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopCluster(id)
	}
}

// List returns the active forwards of a cluster, sorted by local port.
func (m *Manager) List(clusterID string) []*Forward {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Forward, 0, len(m.forwards[clusterID]))
	for _, f := range m.forwards[clusterID] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPort < out[j].LocalPort })
	return out
}

func (m *Manager) forget(clusterID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.forwards[clusterID], id)
	if len(m.forwards[clusterID]) == 0 {
		delete(m.forwards, clusterID)
	}
}

func subsystem(req Request) string {
	return "PortForward-" + req.ClusterID
}

func startSPDY(ctx context.Context, target authproxy.RouteTarget, req Request, stop chan struct{}) (*session, error) {
	clientset, restConfig, err := kube.NewClientset(target)
	if err != nil {
		return nil, err
	}

	podName, err := kube.ResolvePod(ctx, clientset, req.Namespace, req.Kind, req.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to determine target pod for %s/%s in %q: %w", req.Kind, req.Name, req.Namespace, err)
	}

	reqURL := clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(req.Namespace).
		Name(podName).
		SubResource("portforward").
		URL()

	transport, upgrader, err := spdy.RoundTripperFor(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create SPDY round tripper: %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, reqURL)

	sub := subsystem(req)
	ready := make(chan struct{})
	ports := []string{fmt.Sprintf("%d:%d", req.LocalPort, req.Port)}
	forwarder, err := portforward.NewOnAddresses(dialer, []string{"127.0.0.1"}, ports, stop, ready,
		logging.Writer(sub, logging.LevelDebug), logging.Writer(sub, logging.LevelWarn))
	if err != nil {
		return nil, fmt.Errorf("failed to create port forwarder: %w", err)
	}

	s := &session{pod: podName, done: make(chan struct{})}
	var runErr error
	s.err = &runErr
	go func() {
		defer close(s.done)
		runErr = forwarder.ForwardPorts()
	}()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
	case <-s.done:
		return nil, fmt.Errorf("port forward to pod %s failed: %w", podName, runErr)
	case <-ctx.Done():
		close(stop)
		<-s.done
		return nil, ctx.Err()
	case <-timer.C:
		close(stop)
		<-s.done
		return nil, fmt.Errorf("timed out after %s waiting for port forward to pod %s", readyTimeout, podName)
	}

	bound, err := forwarder.GetPorts()
	if err != nil || len(bound) == 0 {
		close(stop)
		<-s.done
		return nil, fmt.Errorf("could not get bound local port: %v", err)
	}
	s.localPort = int(bound[0].Local)
	return s, nil
}
