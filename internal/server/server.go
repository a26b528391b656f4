// Package server exposes the sync surface over HTTP: a request/response
// sync endpoint, a WebSocket endpoint for realtime fan-out, and a health
// check. Authentication is a shared-secret device token on every route.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hearth-app/hearth/internal/coordinator"
	"github.com/hearth-app/hearth/internal/eventlog"
	"github.com/hearth-app/hearth/internal/fanout"
	"github.com/hearth-app/hearth/internal/store"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (default: :8473).
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8473",
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server ties the coordinator and the fan-out hub to the network.
type Server struct {
	coord    *coordinator.Coordinator
	hub      *fanout.Hub
	store    *store.Store
	verifier *TokenVerifier
	config   *Config

	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. Call Start to begin listening.
func New(coord *coordinator.Coordinator, hub *fanout.Hub, st *store.Store, verifier *TokenVerifier, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		coord:    coord,
		hub:      hub,
		store:    st,
		verifier: verifier,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpSrv = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: it would sever long-lived WebSocket sessions.
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("serve error: %v", err)
		}
	}()

	return nil
}

// Stop drains the listener and waits for handlers.
func (s *Server) Stop() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.FromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}

	var req coordinator.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}

	// The token is the source of truth for who is syncing; body fields
	// are overwritten rather than trusted.
	req.DeviceID = identity.DeviceID
	req.FamilyID = identity.FamilyID

	resp, err := s.coord.Sync(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, coordinator.ErrUpgradeRequired):
			status = http.StatusUpgradeRequired
		case errors.Is(err, eventlog.ErrStorageUnavailable):
			status = http.StatusServiceUnavailable
		}
		s.config.Logger.Printf("sync failed for %s/%s: %v", identity.FamilyID, identity.DeviceID, err)
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.FromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.config.Logger.Printf("websocket upgrade failed for %s: %v", identity.DeviceID, err)
		return
	}

	sess := fanout.NewWSSession(identity.DeviceID, conn)
	s.hub.Join(identity.FamilyID, sess)

	welcome, _ := json.Marshal(fanout.Message{
		Type:      fanout.MessageTypeWelcome,
		Timestamp: time.Now().UTC(),
	})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = sess.Send(ctx, welcome)
	cancel()

	s.wg.Add(1)
	go s.readLoop(conn, sess)
}

// readLoop drains inbound frames so pings are answered and disconnects
// are noticed. Clients never send application data over the socket;
// mutations go through the sync endpoint.
func (s *Server) readLoop(conn *websocket.Conn, sess fanout.Session) {
	defer s.wg.Done()
	defer s.hub.Leave(sess)
	defer sess.Close("")

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	seqs, err := s.store.MaxSeqs(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"families":    seqs,
		"connections": s.hub.RoomCounts(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
