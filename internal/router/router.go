// Package router is the local HTTPS front door. It resolves the cluster from
// the Host header (<clusterID>.localhost), proxies Kubernetes API traffic to
// the cluster's auth proxy and serves token-authenticated WebSocket upgrades
// for shell sessions and port forwards.
package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"clusterproxy/internal/authproxy"
	"clusterproxy/internal/cluster"
	"clusterproxy/internal/metrics"
	"clusterproxy/internal/portforward"
	"clusterproxy/internal/suspend"
	"clusterproxy/pkg/logging"
)

const (
	kubeAPIPrefix     = "/api-kube"
	shellPath         = "/api"
	portForwardPath   = "/port-forward"
	localhostSuffix   = ".localhost"
	subsystem         = "Router"
	suspendedMessage  = "cluster proxy is suspended, retry after resume"
	defaultBufferSize = 32 * 1024
)

// Clusters looks up registered clusters.
type Clusters interface {
	Get(id string) (*cluster.Entry, error)
}

// TargetSource hands out route targets of one cluster.
type TargetSource interface {
	GetAPITarget(ctx context.Context, longRunning bool) (authproxy.RouteTarget, error)
}

// Options wire the Router.
type Options struct {
	Clusters Clusters
	Gate     *suspend.Gate
	Tokens   *TokenStore
	Shells   ShellSpawner
	Forwards *portforward.Manager
	// ProxyPort is the port the router is reachable on; shell kubeconfigs
	// point back at it.
	ProxyPort     int
	KubeconfigDir string
	// CAPEM verifies the router's own certificate in shell kubeconfigs.
	CAPEM []byte
}

// Router implements http.Handler.
type Router struct {
	opts     Options
	upgrader websocket.Upgrader

	mu         sync.Mutex
	transports map[string]http.RoundTripper
	// targets lets tests swap the cluster's target source.
	targets func(e *cluster.Entry) TargetSource
}

// New returns a router.
func New(opts Options) *Router {
	if opts.Gate == nil {
		opts.Gate = suspend.NewGate()
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenStore(nil, 0)
	}
	if opts.Forwards == nil {
		opts.Forwards = portforward.NewManager()
	}
	return &Router{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  defaultBufferSize,
			WriteBufferSize: defaultBufferSize,
			// Upgrades are authenticated by the single-use token, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		transports: make(map[string]http.RoundTripper),
		targets:    func(e *cluster.Entry) TargetSource { return e.Proxy },
	}
}

// Tokens returns the token store used to authenticate upgrades.
func (rt *Router) Tokens() *TokenStore {
	return rt.opts.Tokens
}

// ClusterIDFromHost extracts the cluster id from <clusterID>.localhost[:port].
func ClusterIDFromHost(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if !strings.HasSuffix(host, localhostSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(host, localhostSuffix)
	if id == "" || strings.Contains(id, ".") || cluster.ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

// IsUpgrade reports whether r asks for a protocol upgrade.
func IsUpgrade(r *http.Request) bool {
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return r.Header.Get("Upgrade") != ""
			}
		}
	}
	return false
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := IsUpgrade(r)
	route := routeName(r.URL.Path)

	id, ok := ClusterIDFromHost(r.Host)
	if !ok {
		rt.fail(w, r, upgrade, route, http.StatusNotFound, fmt.Sprintf("unknown host %q", r.Host))
		return
	}
	entry, err := rt.opts.Clusters.Get(id)
	if err != nil {
		rt.fail(w, r, upgrade, route, http.StatusNotFound, fmt.Sprintf("cluster %q not found", id))
		return
	}
	if rt.opts.Gate.Suspended() {
		rt.fail(w, r, upgrade, route, http.StatusServiceUnavailable, suspendedMessage)
		return
	}

	switch {
	case r.URL.Path == kubeAPIPrefix || strings.HasPrefix(r.URL.Path, kubeAPIPrefix+"/"):
		rt.serveKubeAPI(w, r, entry, upgrade)
	case r.URL.Path == shellPath:
		if !upgrade {
			rt.fail(w, r, false, route, http.StatusBadRequest, "websocket upgrade required")
			return
		}
		rt.serveShell(w, r, entry)
	case r.URL.Path == portForwardPath:
		if !upgrade {
			rt.fail(w, r, false, route, http.StatusBadRequest, "websocket upgrade required")
			return
		}
		rt.servePortForward(w, r, entry)
	default:
		rt.fail(w, r, upgrade, route, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
	}
}

func routeName(path string) string {
	switch {
	case path == kubeAPIPrefix || strings.HasPrefix(path, kubeAPIPrefix+"/"):
		return "kube-api"
	case path == shellPath:
		return "shell"
	case path == portForwardPath:
		return "port-forward"
	default:
		return "other"
	}
}

func record(route string, code int) {
	metrics.RoutedRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// fail answers an ordinary request with an error body. Upgrade requests get
// a raw status line on the hijacked connection, which is then closed.
func (rt *Router) fail(w http.ResponseWriter, r *http.Request, upgrade bool, route string, code int, msg string) {
	record(route, code)
	logging.Debug(subsystem, "%s %s (host %s): %d %s", r.Method, r.URL.Path, r.Host, code, msg)
	if upgrade {
		rejectUpgrade(w, code, msg)
		return
	}
	http.Error(w, msg, code)
}

func rejectUpgrade(w http.ResponseWriter, code int, msg string) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, msg, code)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		http.Error(w, msg, code)
		return
	}
	defer conn.Close()
	writeStatus(buf.Writer, code, msg)
}

func writeStatus(bw *bufio.Writer, code int, msg string) {
	body := msg + "\n"
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	fmt.Fprintf(bw, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(bw, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(bw, "Connection: close\r\n\r\n")
	bw.WriteString(body)
	bw.Flush()
}

// statusForTargetError maps a target acquisition failure to an HTTP status.
func statusForTargetError(err error) int {
	if errors.Is(err, suspend.ErrSystemSuspended) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
