package authproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"clusterproxy/pkg/logging"
)

// Command is a fully resolved auth proxy invocation.
type Command struct {
	ClusterID string
	Path      string
	Args      []string
	Env       map[string]string
	// APIPrefix is the path prefix the child serves the Kubernetes API under.
	APIPrefix string
}

// Endpoint is where a ready child accepts connections.
type Endpoint struct {
	Port      int
	APIPrefix string
}

// Process is a running auth proxy.
type Process interface {
	PID() int
	Endpoint() Endpoint
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	// Exit terminates the process and waits for it to go away.
	Exit() error
}

// Supervisor spawns auth proxies. Run returns once the child is ready to
// serve, or fails and leaves nothing behind.
type Supervisor interface {
	Run(ctx context.Context, cmd Command) (Process, error)
}

var readyLine = regexp.MustCompile(`starting to serve on (\S+)`)

// ExecSupervisor runs the auth proxy as an OS child process.
type ExecSupervisor struct {
	// ExitGracePeriod is how long Exit waits after SIGTERM before killing.
	ExitGracePeriod time.Duration
}

// NewExecSupervisor returns a supervisor with default settings.
func NewExecSupervisor() *ExecSupervisor {
	return &ExecSupervisor{ExitGracePeriod: 5 * time.Second}
}

// Run implements Supervisor.
func (s *ExecSupervisor) Run(ctx context.Context, c Command) (Process, error) {
	subsystem := "AuthProxy-" + c.ClusterID

	cmd := exec.Command(c.Path, c.Args...)
	setProcessGroup(cmd)
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, c.Env[k]))
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", c.ClusterID, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return nil, fmt.Errorf("stderr pipe for %s: %w", c.ClusterID, err)
	}

	if err := cmd.Start(); err != nil {
		stdoutPipe.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	p := &execProcess{
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		done:  make(chan struct{}),
		grace: s.ExitGracePeriod,
	}
	readyCh := make(chan string, 1)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		scanStdout(stdoutPipe, subsystem, readyCh)
	}()
	go func() {
		defer pipes.Done()
		scanStderr(stderrPipe, subsystem)
	}()
	go func() {
		// Wait must not run before the pipes are drained.
		pipes.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()

	var addr string
	select {
	case addr = <-readyCh:
	case <-p.done:
		return nil, fmt.Errorf("auth proxy exited before becoming ready: %v", p.err)
	case <-ctx.Done():
		_ = p.Exit()
		return nil, fmt.Errorf("auth proxy did not become ready: %w", ctx.Err())
	}

	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		_ = p.Exit()
		return nil, fmt.Errorf("unexpected listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		_ = p.Exit()
		return nil, fmt.Errorf("unexpected listen port %q: %w", portStr, err)
	}
	p.endpoint = Endpoint{Port: port, APIPrefix: c.APIPrefix}

	if err := waitForPort(ctx, port); err != nil {
		_ = p.Exit()
		return nil, fmt.Errorf("auth proxy port %d never accepted connections: %w", port, err)
	}
	return p, nil
}

func scanStdout(r io.Reader, subsystem string, readyCh chan<- string) {
	scanner := bufio.NewScanner(r)
	signalled := false
	for scanner.Scan() {
		line := scanner.Text()
		logging.Debug(subsystem, "%s", line)
		if signalled {
			continue
		}
		if m := readyLine.FindStringSubmatch(line); m != nil {
			readyCh <- m[1]
			signalled = true
		}
	}
}

func scanStderr(r io.Reader, subsystem string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		// Clients probing with plain HTTP produce these constantly.
		if strings.Contains(line, "http: TLS handshake error") {
			logging.Debug(subsystem, "%s", line)
			continue
		}
		logging.Warn(subsystem, "%s", line)
	}
}

func waitForPort(ctx context.Context, port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 20 * time.Millisecond
	expBackoff.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return struct{}{}, err
		}
		conn.Close()
		return struct{}{}, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
	return err
}

type execProcess struct {
	cmd      *exec.Cmd
	pid      int
	endpoint Endpoint
	done     chan struct{}
	err      error
	grace    time.Duration

	exitOnce sync.Once
	exitErr  error
}

func (p *execProcess) PID() int              { return p.pid }
func (p *execProcess) Endpoint() Endpoint    { return p.endpoint }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Exit() error {
	p.exitOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if err := terminate(p.pid); err != nil {
			p.exitErr = fmt.Errorf("failed to signal PID %d: %w", p.pid, err)
		}

		grace := p.grace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		select {
		case <-p.done:
		case <-time.After(grace):
			if err := kill(p.pid); err != nil {
				p.exitErr = fmt.Errorf("failed to kill PID %d: %w", p.pid, err)
			}
			<-p.done
		}
	})
	return p.exitErr
}
