// Package server accepts device websocket connections and hands them to the
// session layer.
//
// Devices connect to /ws (or /) carrying a device-id and client-id in
// headers or query parameters. When auth tokens are configured the request
// must also present a matching bearer token. Each accepted socket is wrapped
// in a session built by the injected factory; the server only owns listener
// lifecycle and the HTTP surface.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// uplink packets are small, but control messages may carry long detect text.
const readLimit = 1 << 20

// Identity is the device identity extracted from the upgrade request.
type Identity struct {
	DeviceID string
	ClientID string
}

// SessionFactory builds and runs one session over an accepted socket.
// It blocks until the session ends; the server runs it on the request
// goroutine.
type SessionFactory func(ctx context.Context, conn *websocket.Conn, id Identity) error

// Option is a functional option for Server.
type Option func(*Server)

// WithAuthTokens restricts connections to clients presenting one of the
// given bearer tokens. Empty means open access.
func WithAuthTokens(tokens []string) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithLogger sets the server logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the websocket front door.
type Server struct {
	addr    string
	factory SessionFactory
	tokens  []string
	logger  *slog.Logger

	http *http.Server
}

// New creates a server listening on addr that hands sockets to factory.
func New(addr string, factory SessionFactory, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		factory: factory,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/ws", s.handleUpgrade)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving connections until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening for device connections", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	return nil
}

// ListenAndServeTLS blocks serving TLS connections until Shutdown is called.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	s.logger.Info("listening for device connections", "addr", s.addr, "tls", true)
	if err := s.http.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	return nil
}

// Serve accepts connections from an existing listener, for tests.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight upgrades.
// Live sessions are closed by the session manager, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("rejecting unauthenticated connection", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := identify(r)
	if err != nil {
		s.logger.Warn("rejecting unidentified connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Device firmware connects from arbitrary local origins.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	s.logger.Info("device connected", "device_id", id.DeviceID, "remote", r.RemoteAddr)
	if err := s.factory(r.Context(), conn, id); err != nil {
		s.logger.Error("session ended with error", "device_id", id.DeviceID, "error", err)
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
}

// authorized checks the bearer token when a token list is configured.
func (s *Server) authorized(r *http.Request) bool {
	if len(s.tokens) == 0 {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	for _, want := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

// identify extracts the device identity from headers, falling back to query
// parameters for firmware that cannot set custom headers.
func identify(r *http.Request) (Identity, error) {
	id := Identity{
		DeviceID: r.Header.Get("Device-Id"),
		ClientID: r.Header.Get("Client-Id"),
	}
	if id.DeviceID == "" {
		id.DeviceID = r.URL.Query().Get("device-id")
	}
	if id.ClientID == "" {
		id.ClientID = r.URL.Query().Get("client-id")
	}
	if id.DeviceID == "" {
		return Identity{}, errors.New("server: missing device-id")
	}
	return id, nil
}
