package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server serves the hub over HTTP: /ws upgrades, /healthz reports liveness.
type Server struct {
	hub      *Hub
	http     *http.Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a relay bound to addr. Call Start to serve.
func NewServer(addr string, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:    NewHub(logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local development only; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub exposes the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Start serves on the configured address. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("relay listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve is Start on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

// userFromRequest takes the bearer token, or ?token= as a fallback. The relay
// trusts it as the user id.
func userFromRequest(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if tok := strings.TrimSpace(after); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade", zap.Error(err))
		return
	}
	c := newClient(s.hub, conn, userID, s.logger)
	s.hub.register(c)
	c.start(s.ctx)
}
