package admin

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"clusterproxy/internal/broadcast"
	"clusterproxy/pkg/logging"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// events streams broadcast events as JSON text messages. An optional
// ?cluster=<id> narrows the stream to one cluster.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "event stream is not available"})
		return
	}

	var filter broadcast.Filter
	if id := r.URL.Query().Get("cluster"); id != "" {
		filter = broadcast.ForCluster(id)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug(subsystem, "Event stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.opts.Bus.Subscribe(filter, eventBuffer)
	defer sub.Close()
	logging.Debug(subsystem, "Event subscriber %s connected", sub.ID)

	// Reads only serve to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			logging.Debug(subsystem, "Event subscriber %s disconnected", sub.ID)
			return
		}
	}
}
