package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clusterproxy/internal/cluster"
	"clusterproxy/internal/portforward"
	"clusterproxy/internal/suspend"
	"clusterproxy/pkg/logging"
)

type shellTokenRequest struct {
	TabID string `json:"tabId"`
}

// ShellTokenResponse is returned by POST /clusters/{id}/shell-token.
type ShellTokenResponse struct {
	ClusterID string `json:"clusterId"`
	TabID     string `json:"tabId"`
	Token     string `json:"token"`
}

// ForwardInfo describes an active port forward.
type ForwardInfo struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Pod       string `json:"pod"`
	Port      int    `json:"port"`
	LocalPort int    `json:"localPort"`
}

func (s *Server) clusterRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.listClusters)
	r.Post("/", s.addCluster)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.getCluster)
		r.Delete("/", s.removeCluster)
		r.Post("/activate", s.clusterAction(activate))
		r.Post("/refresh", s.clusterAction(refresh))
		r.Post("/reconnect", s.clusterAction(reconnect))
		r.Post("/disconnect", s.clusterAction(disconnect))
		r.Post("/shell-token", s.issueShellToken)
		r.Get("/forwards", s.listForwards)
		r.Delete("/forwards/{forwardID}", s.stopForward)
	})
	return r
}

func (s *Server) listClusters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Clusters.List())
}

func (s *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Clusters.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) addCluster(w http.ResponseWriter, r *http.Request) {
	var def cluster.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if _, err := s.opts.Clusters.Add(def); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	logging.Info(subsystem, "Registered cluster %s", def.ID)

	status, err := s.opts.Clusters.Status(def.ID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) removeCluster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Clusters.Remove(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	logging.Info(subsystem, "Removed cluster %s", id)
	w.WriteHeader(http.StatusNoContent)
}

type action func(ctx context.Context, c *cluster.Connection) error

func activate(ctx context.Context, c *cluster.Connection) error  { return c.Activate(ctx, true) }
func refresh(ctx context.Context, c *cluster.Connection) error   { return c.Refresh(ctx) }
func reconnect(ctx context.Context, c *cluster.Connection) error { return c.Reconnect(ctx) }
func disconnect(_ context.Context, c *cluster.Connection) error {
	c.Disconnect()
	return nil
}

// clusterAction runs a connection operation and answers with the resulting
// status. A failed refresh still carries the status so callers see the
// backoff state it led to.
func (s *Server) clusterAction(fn action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, err := s.opts.Clusters.Get(id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}

		if err := fn(r.Context(), entry.Connection); err != nil {
			status, _ := s.opts.Clusters.Status(id)
			writeJSON(w, statusFor(err), actionError{Error: err.Error(), Status: status})
			return
		}

		status, err := s.opts.Clusters.Status(id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

type actionError struct {
	Error  string         `json:"error"`
	Status cluster.Status `json:"status"`
}

func (s *Server) issueShellToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.opts.Clusters.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.opts.Tokens == nil {
		writeError(w, http.StatusNotImplemented, errors.New("shell tokens are not available"))
		return
	}

	var req shellTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.TabID == "" {
		writeError(w, http.StatusBadRequest, errors.New("tabId is required"))
		return
	}

	writeJSON(w, http.StatusOK, ShellTokenResponse{
		ClusterID: id,
		TabID:     req.TabID,
		Token:     s.opts.Tokens.Issue(id, req.TabID),
	})
}

func (s *Server) listForwards(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.opts.Clusters.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := []ForwardInfo{}
	if s.opts.Forwards != nil {
		for _, f := range s.opts.Forwards.List(id) {
			out = append(out, ForwardInfo{
				ID:        f.ID,
				Namespace: f.Request.Namespace,
				Kind:      f.Request.Kind,
				Name:      f.Request.Name,
				Pod:       f.Pod,
				Port:      f.Request.Port,
				LocalPort: f.LocalPort,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) stopForward(w http.ResponseWriter, r *http.Request) {
	if s.opts.Forwards == nil {
		writeError(w, http.StatusNotFound, errors.New("port forwarding is not available"))
		return
	}
	if err := s.opts.Forwards.Stop(chi.URLParam(r, "id"), chi.URLParam(r, "forwardID")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cluster.ErrNotFound), errors.Is(err, portforward.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrExists):
		return http.StatusConflict
	case errors.Is(err, cluster.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, cluster.ErrBackoff):
		return http.StatusTooManyRequests
	case errors.Is(err, suspend.ErrSystemSuspended):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
