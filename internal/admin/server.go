// Package admin serves the loopback control API of the cluster proxy.
//
// The API is what the CLI, the status view and the desktop shell talk to:
// cluster registration and lifecycle, shell token issuance, power events and
// a WebSocket stream of notifications.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"clusterproxy/internal/broadcast"
	"clusterproxy/internal/cluster"
	"clusterproxy/internal/metrics"
	"clusterproxy/internal/portforward"
	"clusterproxy/internal/router"
	"clusterproxy/internal/suspend"
	"clusterproxy/pkg/logging"
)

const (
	subsystem         = "Admin"
	middlewareTimeout = 60 * time.Second
	// powerEventTimeout bounds how long a power post waits for the gate.
	powerEventTimeout = 5 * time.Second
	eventBuffer       = 64
)

// Registry is the part of cluster.Manager the API drives.
type Registry interface {
	Add(def cluster.Definition) (*cluster.Entry, error)
	Remove(id string) error
	Get(id string) (*cluster.Entry, error)
	Status(id string) (cluster.Status, error)
	List() []cluster.Status
}

// PowerSink receives power events posted by the desktop shell. It returns
// once the gate reflects the event.
type PowerSink func(ctx context.Context, ev suspend.PowerEvent) error

// Options wire the admin API.
type Options struct {
	Clusters Registry
	Gate     *suspend.Gate
	Bus      *broadcast.Bus
	Tokens   *router.TokenStore
	Forwards *portforward.Manager
	Power    PowerSink
	// AuthToken protects every route except /healthz. Empty disables auth.
	AuthToken string
	Version   string
}

// Server is the admin HTTP handler.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	handler  http.Handler
}

// New builds the admin API.
func New(opts Options) *Server {
	if opts.Gate == nil {
		opts.Gate = suspend.NewGate()
	}
	if opts.Power == nil {
		gate := opts.Gate
		opts.Power = func(_ context.Context, ev suspend.PowerEvent) error {
			gate.Handle(ev)
			return nil
		}
	}
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			// Clients authenticate with the bearer token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.handler = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, requestLogger)

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.opts.AuthToken))

		r.Get("/events", s.events)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(middlewareTimeout))

			r.Method(http.MethodGet, "/metrics", metrics.Handler())
			r.Mount("/clusters", s.clusterRoutes())
			r.Post("/power/{event}", s.power)
		})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Version:   s.opts.Version,
		Suspended: s.opts.Gate.Suspended(),
		Clusters:  len(s.opts.Clusters.List()),
	})
}

func (s *Server) power(w http.ResponseWriter, r *http.Request) {
	ev, err := suspend.ParsePowerEvent(chi.URLParam(r, "event"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	logging.Info(subsystem, "Power event %s", ev)

	ctx, cancel := context.WithTimeout(r.Context(), powerEventTimeout)
	defer cancel()
	if err := s.opts.Power(ctx, ev); err != nil {
		logging.Warn(subsystem, "Power event %s: %v", ev, err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Suspended bool   `json:"suspended"`
	Clusters  int    `json:"clusters"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error(subsystem, err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				// WebSocket clients in browsers cannot set headers.
				got = r.URL.Query().Get("access_token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid bearer token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug(subsystem, "%s %s %d %s [%s]", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}
