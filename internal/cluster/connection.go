package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"clusterproxy/internal/broadcast"
	"clusterproxy/internal/detect"
	"clusterproxy/internal/health"
	"clusterproxy/internal/metrics"
	"clusterproxy/pkg/logging"
)

const (
	// RefreshInterval is the fixed cadence of the metadata refresh loop.
	RefreshInterval = 30 * time.Second
	// DefaultDetectTimeout bounds one detect call.
	DefaultDetectTimeout = 20 * time.Second

	invalidCredentials = "Invalid credentials"
)

var (
	// ErrBackoff is returned by Refresh while the health tracker blocks refreshes.
	ErrBackoff = errors.New("refresh blocked by authentication backoff")
	// ErrDiscarded is returned when a refresh finished after the connection
	// was disconnected or reconnected; its result was not applied.
	ErrDiscarded = errors.New("refresh result discarded")
)

// Connection runs the periodic metadata refresh of one cluster and keeps its
// connection health.
type Connection struct {
	id            string
	clock         clock.WithTicker
	tracker       *health.Tracker
	targets       detect.TargetProvider
	detector      detect.Detector
	bus           broadcast.Broadcaster
	detectTimeout time.Duration
	subsystem     string

	refreshes singleflight.Group
	// detecting admits one detect call at a time across generations.
	detecting sync.Mutex

	mu          sync.Mutex
	gen         uint64
	stopCh      chan struct{}
	metadata    *detect.Metadata
	lastRefresh time.Time
	lastErr     error

	// onTick runs after every tick has been handled. Tests only.
	onTick func()
}

// ConnectionOptions wires a Connection to its collaborators.
type ConnectionOptions struct {
	ClusterID     string
	Clock         clock.WithTicker
	Targets       detect.TargetProvider
	Detector      detect.Detector
	Broadcaster   broadcast.Broadcaster
	DetectTimeout time.Duration
}

// NewConnection returns an inactive connection.
func NewConnection(opts ConnectionOptions) *Connection {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = broadcast.Discard
	}
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = DefaultDetectTimeout
	}
	return &Connection{
		id:            opts.ClusterID,
		clock:         opts.Clock,
		tracker:       health.NewTracker(opts.Clock),
		targets:       opts.Targets,
		detector:      opts.Detector,
		bus:           opts.Broadcaster,
		detectTimeout: opts.DetectTimeout,
		subsystem:     "Connection-" + opts.ClusterID,
	}
}

// ClusterID returns the cluster id.
func (c *Connection) ClusterID() string {
	return c.id
}

// Tracker exposes the health tracker for inspection.
func (c *Connection) Tracker() *health.Tracker {
	return c.tracker
}

// Active reports whether the refresh loop is running.
func (c *Connection) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCh != nil
}

// Metadata returns the last detected metadata, if any.
func (c *Connection) Metadata() (detect.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata == nil {
		return detect.Metadata{}, false
	}
	return *c.metadata, true
}

// LastRefresh returns when a refresh result was last applied and the error
// of that refresh, if it failed.
func (c *Connection) LastRefresh() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh, c.lastErr
}

// Activate starts the refresh loop unless it is already running. With
// forceRefresh it also refreshes immediately.
func (c *Connection) Activate(ctx context.Context, forceRefresh bool) error {
	c.mu.Lock()
	started := c.startLocked()
	c.mu.Unlock()

	if started {
		logging.Info(c.subsystem, "Activated, refreshing every %s", RefreshInterval)
	}
	if forceRefresh {
		return c.Refresh(ctx)
	}
	return nil
}

// Refresh performs one detect call, subject to the health tracker. Callers
// arriving while a refresh is in flight share its outcome.
func (c *Connection) Refresh(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.refresh(ctx, gen)
}

// Reconnect resets health to Healthy, refreshes immediately and resumes the
// normal cadence.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	c.tracker.Reset()
	c.startLocked()
	c.mu.Unlock()

	c.publishState()
	logging.Info(c.subsystem, "Reconnecting")
	return c.Refresh(ctx)
}

// Disconnect stops the refresh loop and resets health. A refresh still in
// flight completes but its result is discarded, and the next detect waits for
// it to return. The auth proxy keeps running.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	wasActive := c.stopCh != nil
	c.stopLocked()
	c.gen++
	c.tracker.Reset()
	c.metadata = nil
	c.lastRefresh = time.Time{}
	c.lastErr = nil
	c.mu.Unlock()

	metrics.ConnectionState.WithLabelValues(c.id).Set(float64(health.StateHealthy))
	if wasActive {
		logging.Info(c.subsystem, "Disconnected")
	}
}

// startLocked reports whether a new loop was started.
func (c *Connection) startLocked() bool {
	if c.stopCh != nil {
		return false
	}
	// The ticker is created here, not in the goroutine, so that the first tick
	// is due exactly one interval after this call.
	ticker := c.clock.NewTicker(RefreshInterval)
	stop := make(chan struct{})
	c.stopCh = stop
	go c.loop(ticker, stop, c.gen)
	return true
}

func (c *Connection) stopLocked() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.stopCh = nil
}

func (c *Connection) loop(ticker clock.Ticker, stop <-chan struct{}, gen uint64) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			select {
			case <-stop:
				return
			default:
			}
			c.tick(gen)
		}
	}
}

// tick never lets a failure escape into the loop.
func (c *Connection) tick(gen uint64) {
	defer func() {
		if c.onTick != nil {
			c.onTick()
		}
	}()

	err := c.refresh(context.Background(), gen)
	switch {
	case err == nil:
	case errors.Is(err, ErrBackoff):
		logging.Debug(c.subsystem, "Skipping scheduled refresh (%s)", c.tracker.State())
	case errors.Is(err, ErrDiscarded):
	default:
		logging.Debug(c.subsystem, "Scheduled refresh failed: %v", err)
	}
}

func (c *Connection) refresh(ctx context.Context, gen uint64) error {
	ch := c.refreshes.DoChan(fmt.Sprintf("refresh-%d", gen), func() (_ interface{}, err error) {
		// singleflight re-panics on a fresh goroutine, which nothing could recover.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("refresh panicked: %v", r)
				logging.Error(c.subsystem, err, "Refresh panicked")
			}
		}()
		return nil, c.doRefresh(context.WithoutCancel(ctx), gen)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) doRefresh(ctx context.Context, gen uint64) error {
	c.detecting.Lock()
	defer c.detecting.Unlock()

	if !c.current(gen) {
		return ErrDiscarded
	}
	if !c.tracker.CanRefresh() {
		metrics.RefreshSkipped.WithLabelValues(c.id).Inc()
		return ErrBackoff
	}

	ctx, cancel := context.WithTimeout(ctx, c.detectTimeout)
	defer cancel()
	res := c.detector.Detect(ctx, c.targets)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		logging.Debug(c.subsystem, "Discarding refresh result after disconnect")
		return ErrDiscarded
	}
	before := c.tracker.State()
	after := c.tracker.Observe(res)
	c.lastRefresh = c.clock.Now()
	var err error
	switch r := res.(type) {
	case detect.Success:
		md := r.Metadata
		c.metadata = &md
	case detect.AuthError:
		err = r
	case detect.TransientError:
		err = r
	}
	c.lastErr = err
	c.mu.Unlock()

	metrics.ConnectionState.WithLabelValues(c.id).Set(float64(after))

	switch r := res.(type) {
	case detect.Success:
		metrics.RefreshOutcomes.WithLabelValues(c.id, "success").Inc()
		logging.Debug(c.subsystem, "Detected %s (%s)", r.Metadata.Version, r.Metadata.Distribution)
		c.bus.Broadcast(broadcast.ConnectionUpdate(c.id, after.String(), r.Metadata.Version))
	case detect.AuthError:
		metrics.RefreshOutcomes.WithLabelValues(c.id, "auth").Inc()
		logging.Warn(c.subsystem, "Authentication failed (%s -> %s): %v", before, after, r)
		c.bus.Broadcast(broadcast.Notification(c.id, broadcast.LevelError, invalidCredentials))
		if after == health.StateSuspended && before != health.StateSuspended {
			logging.Warn(c.subsystem, "Automatic refresh suspended after %d authentication failures; reconnect to resume", health.MaxAuthFailures)
		}
		if before != after {
			c.bus.Broadcast(broadcast.ConnectionUpdate(c.id, after.String(), ""))
		}
	case detect.TransientError:
		metrics.RefreshOutcomes.WithLabelValues(c.id, string(r.Kind)).Inc()
		logging.Debug(c.subsystem, "Refresh failed: %v", r)
	}
	return err
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Connection) publishState() {
	state := c.tracker.State()
	metrics.ConnectionState.WithLabelValues(c.id).Set(float64(state))
	c.bus.Broadcast(broadcast.ConnectionUpdate(c.id, state.String(), ""))
}
