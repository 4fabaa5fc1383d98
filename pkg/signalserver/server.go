package signalserver

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// Server ties a Hub to an HTTP listener.
type Server struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	httpSrv  *http.Server
}

// NewServer creates a server with a running hub.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	hub := NewHub(logger)
	go hub.Run()

	return &Server{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dev relay accepts any origin; auth is out of band.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the WebSocket upgrade handler, mountable at /ws.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("upgrade failed", "error", err)
			return
		}

		client := newClient(s.hub, conn)
		s.hub.register <- client

		go client.writePump()
		go client.readPump()
	})
}

// Listen starts serving on addr (port 0 picks a free port).
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/ws", s.Handler())
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("signal server error", "error", err)
		}
	}()

	s.logger.Info("signal server listening", "addr", listener.Addr().String())
	return nil
}

// URL returns the ws:// endpoint of a listening server.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return fmt.Sprintf("ws://%s/ws", s.listener.Addr().String())
}

// Close stops the listener and the hub.
func (s *Server) Close() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.hub.Stop()
}
