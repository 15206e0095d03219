// Package server hosts the lobby HTTP/WebSocket process: the duplex
// matchmaking transport, the username pre-check endpoint, and the battle
// log read surface.
//
// The package is transport-only. Matchmaking decisions live in the
// coordinator; this layer maps wire frames to coordinator operations and
// coordinator events back to wire frames.
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
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/websocket"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	platformerrors "github.com/jamlabs/aircraft/internal/platform/errors"
	"github.com/jamlabs/aircraft/internal/platform/errors/i18n"
	"github.com/jamlabs/aircraft/internal/platform/timeouts"
	"github.com/jamlabs/aircraft/internal/services/lobby/matchmaking"
	"github.com/jamlabs/aircraft/internal/services/lobby/registry"
	"github.com/jamlabs/aircraft/internal/services/lobby/storage"
	lobbysqlite "github.com/jamlabs/aircraft/internal/services/lobby/storage/sqlite"
	"github.com/jamlabs/aircraft/internal/services/lobby/username"
)

const (
	defaultPlayerLimit = 2

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	defaultBattleLogLimit = 50
	maxBattleLogLimit     = 200
)

// Config defines the inputs for the lobby transport boundary.
type Config struct {
	HTTPAddr          string
	GRPCAddr          string
	PlayerLimit       int
	BattleLogPath     string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the lobby HTTP/WebSocket process and the optional gRPC
// health listener operators probe for liveness.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	grpcListener    net.Listener
	grpcServer      *gogrpc.Server
	health          *health.Server
	store           *lobbysqlite.Store
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type wsPeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, encoder: json.NewEncoder(conn)}
}

// writeFrame serializes frames on one connection and bounds each write so a
// peer that has stopped reading cannot hold the write mutex indefinitely.
func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(timeouts.WSWrite)); err != nil {
		return err
	}
	return p.encoder.Encode(frame)
}

// peerHub routes coordinator events to live websocket peers. It implements
// matchmaking.Notifier; the per-peer write mutex keeps frames on one
// connection from interleaving.
type peerHub struct {
	mu    sync.Mutex
	peers map[string]*wsPeer
}

func newPeerHub() *peerHub {
	return &peerHub{peers: make(map[string]*wsPeer)}
}

func (h *peerHub) add(connID string, peer *wsPeer) {
	h.mu.Lock()
	h.peers[connID] = peer
	h.mu.Unlock()
}

func (h *peerHub) remove(connID string) {
	h.mu.Lock()
	delete(h.peers, connID)
	h.mu.Unlock()
}

// SendTo delivers an event to one peer. Missing peers are skipped; the
// coordinator has already committed the transition the event describes.
func (h *peerHub) SendTo(connID string, event matchmaking.Event) {
	h.mu.Lock()
	peer := h.peers[connID]
	h.mu.Unlock()
	if peer == nil {
		return
	}
	if err := peer.writeFrame(wsFrame{Type: event.Name, Payload: mustJSON(event.Payload)}); err != nil {
		log.Printf("lobby: send %s to %s: %v", event.Name, connID, err)
	}
}

// BroadcastExcept delivers an event to every peer but the origin.
func (h *peerHub) BroadcastExcept(connID string, event matchmaking.Event) {
	h.mu.Lock()
	peers := make([]*wsPeer, 0, len(h.peers))
	for id, peer := range h.peers {
		if id != connID {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()

	frame := wsFrame{Type: event.Name, Payload: mustJSON(event.Payload)}
	for _, peer := range peers {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("lobby: broadcast %s: %v", event.Name, err)
		}
	}
}

// NewHandler creates lobby routes backed by a fresh in-memory registry,
// for tests and offline paths. No battle log is attached.
func NewHandler() http.Handler {
	hub := newPeerHub()
	coordinator := matchmaking.New(registry.New(defaultPlayerLimit, nil), hub, nil)
	return newHandler(coordinator, hub, nil)
}

func newHandler(coordinator *matchmaking.Coordinator, hub *peerHub, battleLog storage.BattleEventStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "lobby",
			"status":  "ok",
			"players": coordinator.Registry().Count(),
			"limit":   coordinator.Registry().Limit(),
		})
	})

	mux.HandleFunc("GET /verify-username/{username}", func(w http.ResponseWriter, r *http.Request) {
		handleVerifyUsername(w, r, coordinator.Registry())
	})

	mux.HandleFunc("GET /battle-log", func(w http.ResponseWriter, r *http.Request) {
		handleBattleLog(w, r, battleLog)
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, coordinator, hub)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

// handleVerifyUsername answers the pre-connect availability probe. It shares
// the registry predicate the websocket connect path validates against, so a
// name reported available here can only be lost to a race, never to a
// different rule.
func handleVerifyUsername(w http.ResponseWriter, r *http.Request, reg *registry.Registry) {
	raw := r.PathValue("username")
	catalog := i18n.GetCatalog(negotiateLocale(r))
	slug := username.Slug(raw)
	if slug == "" {
		code := platformerrors.CodeNameInvalid
		writeJSON(w, code.HTTPStatus(), map[string]any{
			"username":  raw,
			"available": false,
			"code":      string(code),
			"message":   catalog.Format(string(code), map[string]string{"Name": raw}),
		})
		return
	}
	if reg.IsNameTaken(slug) {
		code := platformerrors.CodeNameTaken
		writeJSON(w, code.HTTPStatus(), map[string]any{
			"username":  raw,
			"canonical": slug,
			"available": false,
			"code":      string(code),
			"message":   catalog.Format(string(code), map[string]string{"Name": raw}),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":  raw,
		"canonical": slug,
		"available": true,
	})
}

func handleBattleLog(w http.ResponseWriter, r *http.Request, battleLog storage.BattleEventStore) {
	if battleLog == nil {
		http.Error(w, "battle log is not configured", http.StatusServiceUnavailable)
		return
	}

	limit := defaultBattleLogLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > maxBattleLogLimit {
		limit = maxBattleLogLimit
	}

	events, err := battleLog.ListBattleEvents(r.Context(), limit)
	if err != nil {
		log.Printf("lobby: list battle events: %v", err)
		http.Error(w, "battle log unavailable", http.StatusInternalServerError)
		return
	}

	type battleLogEntry struct {
		Kind           string `json:"kind"`
		ChallengerID   string `json:"challenger_id"`
		ChallengerName string `json:"challenger_name,omitempty"`
		OpponentID     string `json:"opponent_id,omitempty"`
		OpponentName   string `json:"opponent_name,omitempty"`
		OccurredAt     string `json:"occurred_at"`
	}
	entries := make([]battleLogEntry, 0, len(events))
	for _, event := range events {
		entries = append(entries, battleLogEntry{
			Kind:           event.Kind,
			ChallengerID:   event.ChallengerID,
			ChallengerName: event.ChallengerName,
			OpponentID:     event.OpponentID,
			OpponentName:   event.OpponentName,
			OccurredAt:     event.OccurredAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("lobby: encode response: %v", err)
	}
}

func writeWSDomainError(peer *wsPeer, requestID string, locale string, err error) {
	code := platformerrors.GetCode(err)
	message := i18n.GetCatalog(locale).Format(string(code), platformerrors.GetMetadata(err))
	writeWSError(peer, requestID, code.WireCode(), message)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) {
	err := peer.writeFrame(wsFrame{
		Type:      "lobby.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
	if err != nil {
		log.Printf("lobby: write error frame: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("lobby: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured lobby server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.PlayerLimit <= 0 {
		config.PlayerLimit = defaultPlayerLimit
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	var store *lobbysqlite.Store
	var battleLog storage.BattleEventStore
	if path := strings.TrimSpace(config.BattleLogPath); path != "" {
		opened, err := openBattleLogStore(path)
		if err != nil {
			return nil, err
		}
		store = opened
		battleLog = opened
	}

	hub := newPeerHub()
	coordinator := matchmaking.New(registry.New(config.PlayerLimit, nil), hub, battleLog)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(coordinator, hub, battleLog),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}

	if grpcAddr := strings.TrimSpace(config.GRPCAddr); grpcAddr != "" {
		listener, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			server.Close()
			return nil, fmt.Errorf("listen on %s: %w", grpcAddr, err)
		}
		grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus("lobby", grpc_health_v1.HealthCheckResponse_SERVING)

		server.grpcListener = listener
		server.grpcServer = grpcServer
		server.health = healthServer
	}

	return server, nil
}

func openBattleLogStore(path string) (*lobbysqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := lobbysqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open battle log store: %w", err)
	}
	return store, nil
}

// Run creates and serves a lobby server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init lobby server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve lobby: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, and the gRPC health listener when
// configured, until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("lobby server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("lobby server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	grpcErr := make(chan error, 1)
	if s.grpcServer != nil && s.grpcListener != nil {
		log.Printf("lobby health listener on %s", s.grpcListener.Addr())
		go func() {
			grpcErr <- s.grpcServer.Serve(s.grpcListener)
		}()
	}

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-grpcErr:
		if err == nil || errors.Is(err, gogrpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close battle log store: %v", err)
		}
	}
}
