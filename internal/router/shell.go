package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"clusterproxy/internal/cluster"
	"clusterproxy/internal/kube"
	"clusterproxy/pkg/logging"
)

// Shell channel prefixes. Every WebSocket message starts with one of these.
const (
	channelStdin     = '0'
	channelStdout    = '1'
	channelStderr    = '2'
	channelResize    = '4'
	channelKeepalive = '9'
)

const shellWriteTimeout = 10 * time.Second

// ShellRequest describes a shell session to spawn.
type ShellRequest struct {
	ClusterID  string
	TabID      string
	Kubeconfig string
	Namespace  string
}

// Shell is a running shell process.
type Shell interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the shell exited.
	Wait() error
	Kill() error
}

// ShellSpawner starts shells.
type ShellSpawner interface {
	Spawn(ctx context.Context, req ShellRequest) (Shell, error)
}

// ExecShellSpawner runs a local shell with KUBECONFIG pointing at the proxy.
type ExecShellSpawner struct {
	Command []string
	Env     map[string]string
	Dir     string
}

// DefaultShellCommand is $SHELL, or /bin/sh.
func DefaultShellCommand() []string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return []string{sh, "-i"}
	}
	return []string{"/bin/sh", "-i"}
}

// Spawn implements ShellSpawner.
func (s *ExecShellSpawner) Spawn(ctx context.Context, req ShellRequest) (Shell, error) {
	command := s.Command
	if len(command) == 0 {
		command = DefaultShellCommand()
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), "KUBECONFIG="+req.Kubeconfig, "TERM=xterm-256color")
	for k, v := range s.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start shell %s: %w", command[0], err)
	}
	return &execShell{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execShell struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (s *execShell) Stdin() io.WriteCloser { return s.stdin }
func (s *execShell) Stdout() io.Reader     { return s.stdout }
func (s *execShell) Stderr() io.Reader     { return s.stderr }
func (s *execShell) Wait() error           { return s.cmd.Wait() }

func (s *execShell) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	err := s.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// wsWriter serializes writes to a WebSocket connection.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(shellWriteTimeout))
	return w.conn.WriteMessage(messageType, data)
}

// maxCloseReason keeps a close frame within the 125 byte control frame limit.
const maxCloseReason = 120

func (w *wsWriter) close(code int, text string) {
	_ = w.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateUTF8(text, maxCloseReason)))
}

// send writes one channel message. Output that is not valid UTF-8 goes out
// as a binary frame, since peers must drop the connection on invalid text.
func (w *wsWriter) send(channel byte, data []byte) error {
	msg := make([]byte, len(data)+1)
	msg[0] = channel
	copy(msg[1:], data)
	messageType := websocket.TextMessage
	if !utf8.Valid(data) {
		messageType = websocket.BinaryMessage
	}
	return w.write(messageType, msg)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// completeRunes returns the length of the longest prefix of p that does not
// end in a truncated UTF-8 sequence.
func completeRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}

func (rt *Router) serveShell(w http.ResponseWriter, r *http.Request, entry *cluster.Entry) {
	id := entry.Definition.ID
	q := r.URL.Query()
	tabID := q.Get("id")
	if tabID == "" {
		rt.fail(w, r, true, "shell", http.StatusBadRequest, "missing id query parameter")
		return
	}
	if err := rt.opts.Tokens.Consume(id, tabID, q.Get("shellToken")); err != nil {
		rt.fail(w, r, true, "shell", http.StatusUnauthorized, err.Error())
		return
	}
	if rt.opts.Shells == nil {
		rt.fail(w, r, true, "shell", http.StatusNotImplemented, "shell sessions are disabled")
		return
	}

	kubeconfig, err := kube.WriteProxyKubeconfig(rt.opts.KubeconfigDir, id, rt.opts.ProxyPort, rt.opts.CAPEM, q.Get("namespace"))
	if err != nil {
		rt.fail(w, r, true, "shell", http.StatusInternalServerError, err.Error())
		return
	}

	// The session outlives the request context once hijacked.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sh, err := rt.opts.Shells.Spawn(ctx, ShellRequest{ClusterID: id, TabID: tabID, Kubeconfig: kubeconfig, Namespace: q.Get("namespace")})
	if err != nil {
		rt.fail(w, r, true, "shell", http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sh.Kill()
		logging.Warn(subsystem, "Shell upgrade for %s failed: %v", id, err)
		return
	}
	record("shell", http.StatusSwitchingProtocols)
	logging.Info(subsystem, "Shell session %s/%s started", id, tabID)

	runShellSession(conn, sh)
	logging.Info(subsystem, "Shell session %s/%s ended", id, tabID)
}

// runShellSession pumps data between the socket and the shell until either
// side goes away.
func runShellSession(conn *websocket.Conn, sh Shell) {
	out := &wsWriter{conn: conn}
	defer conn.Close()

	var pumps sync.WaitGroup
	pump := func(channel byte, r io.Reader) {
		defer pumps.Done()
		buf := make([]byte, defaultBufferSize)
		// carry holds a rune split across reads.
		var carry []byte
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := append(carry, buf[:n]...)
				cut := completeRunes(data)
				carry = append([]byte(nil), data[cut:]...)
				if cut > 0 {
					if werr := out.send(channel, data[:cut]); werr != nil {
						return
					}
				}
			}
			if err != nil {
				if len(carry) > 0 {
					_ = out.send(channel, carry)
				}
				return
			}
		}
	}
	pumps.Add(2)
	go pump(channelStdout, sh.Stdout())
	go pump(channelStderr, sh.Stderr())

	exited := make(chan struct{})
	go func() {
		pumps.Wait()
		err := sh.Wait()
		code := websocket.CloseNormalClosure
		text := "shell exited"
		if err != nil {
			text = err.Error()
		}
		out.close(code, text)
		close(exited)
		// Unblocks the read loop below.
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case channelStdin:
			if _, err := sh.Stdin().Write(data[1:]); err != nil {
				logging.Debug(subsystem, "Shell stdin closed: %v", err)
			}
		case channelResize:
			// No pty, nothing to resize.
		case channelKeepalive:
		default:
			logging.Debug(subsystem, "Ignoring shell message on channel %q", data[0])
		}
	}

	_ = sh.Stdin().Close()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		_ = sh.Kill()
		<-exited
	}
}
