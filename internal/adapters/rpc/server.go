package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fusionlink/go-backend/internal/app"
	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/platform/ratelimiter"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

const DefaultAddr = "127.0.0.1:8787"

const tokenHeader = "X-Fusion-RPC-Token"

// Service is the part of the coordinator exposed over RPC.
type Service interface {
	GenerateKeys(ctx context.Context) (identity.KeyInfo, error)
	StartDiscovery(ctx context.Context) ([]transport.ConnectionRecord, error)
	Connect(ctx context.Context, target app.Target) error
	CancelConnect()
	Disconnect()
	SetPeerKey(raw string) error
	SetPeerNodeID(raw string) error
	ApplyQRPayload(payload []byte) error
	SendMessage(ctx context.Context, text string) (models.Message, error)
	MarkRead(seq uint64) error
	Reset(full bool) error
	Snapshot() models.Snapshot
	Subscribe(fromSeq uint64) ([]models.Snapshot, <-chan models.Snapshot, func())
	LocalNodeID() string
	PublicKeyText() (string, error)
	QRPayload() (string, error)
}

type Config struct {
	Addr string
	// Token guards every endpoint except /healthz. Empty disables auth.
	Token string

	RateLimitRPS   float64
	RateLimitBurst int

	MaxStreams          int
	MaxStreamsPerClient int
	Heartbeat           time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:                DefaultAddr,
		RateLimitRPS:        30,
		RateLimitBurst:      60,
		MaxStreams:          128,
		MaxStreamsPerClient: 8,
		Heartbeat:           20 * time.Second,
	}
}

type Server struct {
	httpServer *http.Server
	service    Service
	token      string
	heartbeat  time.Duration
	limiter    *ratelimiter.MapLimiter
	streams    *streamLimiter
	logger     *slog.Logger
}

func NewServer(cfg Config, svc Service, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = def.MaxStreams
	}
	if cfg.MaxStreamsPerClient <= 0 {
		cfg.MaxStreamsPerClient = def.MaxStreamsPerClient
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:   svc,
		token:     strings.TrimSpace(cfg.Token),
		heartbeat: cfg.Heartbeat,
		limiter:   ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		streams:   newStreamLimiter(cfg.MaxStreams, cfg.MaxStreamsPerClient),
		logger:    logger.With("component", "rpc"),
	}
	if s.token == "" {
		s.logger.Warn("rpc token is not set, auth disabled", "addr", cfg.Addr)
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleStream)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("rpc listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("rpc listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStream pushes coordinator snapshots as server-sent events, replaying retained
// snapshots newer than the cursor query parameter first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	release, allowed := s.streams.acquire(clientKey(r, s.extractToken(r)))
	if !allowed {
		http.Error(w, "too many stream subscriptions", http.StatusTooManyRequests)
		return
	}
	defer release()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	var cursor uint64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	replay, ch, cancel := s.service.Subscribe(cursor)
	defer cancel()

	for _, snap := range replay {
		if err := writeSnapshotEvent(w, snap); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSnapshotEvent(w, snap); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSnapshotEvent(w http.ResponseWriter, snap models.Snapshot) error {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "state.changed",
		"params": map[string]any{
			"version": 1,
			"seq":     snap.Seq,
			"payload": snap,
		},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", snap.Seq); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+tokenHeader)
	return true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if subtle.ConstantTimeCompare([]byte(s.extractToken(r)), []byte(s.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(tokenHeader)); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// isAllowedOrigin admits browser UIs served from the local machine only.
func isAllowedOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func clientKey(r *http.Request, token string) string {
	if strings.TrimSpace(token) != "" {
		return "token:" + token
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
