package router

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"clusterproxy/internal/cluster"
	"clusterproxy/internal/portforward"
	"clusterproxy/pkg/logging"
)

// PortForwardReady is the first message sent on a port-forward socket.
type PortForwardReady struct {
	ID        string `json:"id"`
	Pod       string `json:"pod"`
	Address   string `json:"address"`
	LocalPort int    `json:"port"`
}

func parsePortForwardRequest(clusterID string, r *http.Request) (portforward.Request, error) {
	q := r.URL.Query()
	req := portforward.Request{
		ClusterID: clusterID,
		Namespace: q.Get("namespace"),
		Kind:      q.Get("kind"),
		Name:      q.Get("name"),
	}
	port, err := strconv.Atoi(q.Get("port"))
	if err != nil {
		return req, err
	}
	req.Port = port
	if lp := q.Get("localPort"); lp != "" {
		if req.LocalPort, err = strconv.Atoi(lp); err != nil {
			return req, err
		}
	}
	return req, req.Validate()
}

// servePortForward starts a forward and keeps it alive for as long as the
// controlling socket stays open.
func (rt *Router) servePortForward(w http.ResponseWriter, r *http.Request, entry *cluster.Entry) {
	id := entry.Definition.ID
	q := r.URL.Query()
	tabID := q.Get("id")
	if tabID == "" {
		rt.fail(w, r, true, "port-forward", http.StatusBadRequest, "missing id query parameter")
		return
	}
	if err := rt.opts.Tokens.Consume(id, tabID, q.Get("shellToken")); err != nil {
		rt.fail(w, r, true, "port-forward", http.StatusUnauthorized, err.Error())
		return
	}
	req, err := parsePortForwardRequest(id, r)
	if err != nil {
		rt.fail(w, r, true, "port-forward", http.StatusBadRequest, "invalid port-forward request: "+err.Error())
		return
	}

	target, err := rt.targets(entry).GetAPITarget(r.Context(), true)
	if err != nil {
		rt.fail(w, r, true, "port-forward", statusForTargetError(err), err.Error())
		return
	}
	fwd, err := rt.opts.Forwards.Start(r.Context(), target, req)
	if err != nil {
		rt.fail(w, r, true, "port-forward", http.StatusBadGateway, err.Error())
		return
	}

	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = rt.opts.Forwards.Stop(id, fwd.ID)
		logging.Warn(subsystem, "Port-forward upgrade for %s failed: %v", id, err)
		return
	}
	record("port-forward", http.StatusSwitchingProtocols)
	defer conn.Close()

	out := &wsWriter{conn: conn}
	_ = conn.WriteJSON(PortForwardReady{
		ID:        fwd.ID,
		Pod:       fwd.Pod,
		Address:   "127.0.0.1:" + strconv.Itoa(fwd.LocalPort),
		LocalPort: fwd.LocalPort,
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
		_ = rt.opts.Forwards.Stop(id, fwd.ID)
	case <-fwd.Done():
		text := "port forward ended"
		if err := fwd.Err(); err != nil {
			text = err.Error()
		}
		out.close(websocket.CloseNormalClosure, text)
		_ = conn.SetReadDeadline(time.Now())
		<-closed
	}
	logging.Info(subsystem, "Port forward %s for %s closed", fwd.ID, id)
}
