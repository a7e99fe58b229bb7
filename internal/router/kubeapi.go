package router

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"clusterproxy/internal/authproxy"
	"clusterproxy/internal/cluster"
	"clusterproxy/pkg/logging"
)

// IsLongRunning reports whether a Kubernetes API request streams: watches,
// log follows and upgraded connections (exec, attach, port-forward).
func IsLongRunning(r *http.Request) bool {
	if IsUpgrade(r) {
		return true
	}
	q := r.URL.Query()
	return q.Get("watch") == "true" || q.Get("watch") == "1" || q.Get("follow") == "true"
}

func (rt *Router) serveKubeAPI(w http.ResponseWriter, r *http.Request, entry *cluster.Entry, upgrade bool) {
	longRunning := IsLongRunning(r)
	target, err := rt.targets(entry).GetAPITarget(r.Context(), longRunning)
	if err != nil {
		code := statusForTargetError(err)
		rt.fail(w, r, upgrade, "kube-api", code, err.Error())
		return
	}

	ctx := r.Context()
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			u := target.URL()
			pr.Out.URL.Scheme = u.Scheme
			pr.Out.URL.Host = u.Host
			pr.Out.URL.Path = u.Path + strings.TrimPrefix(pr.In.URL.Path, kubeAPIPrefix)
			pr.Out.URL.RawPath = ""
			pr.Out.Host = u.Host
		},
		Transport: rt.transportFor(target),
		ModifyResponse: func(resp *http.Response) error {
			record("kube-api", resp.StatusCode)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			record("kube-api", http.StatusBadGateway)
			logging.Warn(subsystem, "Proxying %s %s to cluster %s failed: %v", r.Method, r.URL.Path, entry.Definition.ID, err)
			http.Error(w, "failed to reach cluster: "+err.Error(), http.StatusBadGateway)
		},
	}
	if longRunning {
		proxy.FlushInterval = -1
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

// transportFor returns a transport that trusts the auth proxy's certificate.
// Transports are shared per endpoint and never negotiate HTTP/2, so that
// upgrade requests reach the auth proxy intact.
func (rt *Router) transportFor(target authproxy.RouteTarget) http.RoundTripper {
	key := target.URL().Host + "|" + string(target.CA)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if tr, ok := rt.transports[key]; ok {
		return tr
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(target.CA)
	tr := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		},
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		MaxIdleConnsPerHost: 25,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	rt.transports[key] = tr
	return tr
}

// CloseIdleConnections drops pooled connections to auth proxies.
func (rt *Router) CloseIdleConnections() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key, tr := range rt.transports {
		if t, ok := tr.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
		delete(rt.transports, key)
	}
}
