package debug

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Debug tooling connects from anywhere on the operator network.
		return true
	},
}

// Server exposes the debug channel over HTTP: /ws for the live stream and
// /metrics for Prometheus scrapes.
type Server struct {
	hub  *Hub
	http *http.Server
}

// NewServer builds the debug HTTP server on port.
func NewServer(hub *Hub, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		hub: hub,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Start listens in a background goroutine. Returns immediately.
func (s *Server) Start() {
	go func() {
		log.Printf("debug: listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug: server stopped: %v", err)
		}
	}()
}

// Shutdown stops the HTTP server and closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.hub.Close()
	return err
}

// handleWS upgrades the connection, registers it with the hub and runs the
// read pump until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("debug: upgrade failed: %v", err)
		return
	}

	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	// Ping/pong for dead client detection.
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// Registration is handled by the hub loop; the client may
				// not be looked up yet on the first tick.
				c, ok := s.hub.lookup(conn)
				if !ok {
					continue
				}
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("debug: read error: %v", err)
			}
			return
		}
		s.hub.handleInbound(conn, raw)
	}
}
