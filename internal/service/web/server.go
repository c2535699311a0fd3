package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"relaypool/internal/shared/logger"
	"relaypool/internal/shared/types"
)

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server is the read-mostly status server of the pool.
type Server struct {
	cfg     types.WebConf
	handler *Handler
	hub     *Hub
	pool    PoolController

	ctx    context.Context
	cancel context.CancelFunc
	http   *http.Server
	wg     sync.WaitGroup
}

func NewServer(cfg types.WebConf, pool PoolController, sources SourceLister, mp MetricsProvider) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: NewHandler(pool, sources, mp),
		hub:     NewHub(),
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Routes builds the mux.
func (s *Server) Routes() http.Handler {
	h := s.handler
	user, pass := s.cfg.User, s.cfg.Password
	mux := http.NewServeMux()

	mux.Handle("/api/stats", basicAuthMiddleware(http.HandlerFunc(h.HandleStats), user, pass))
	mux.Handle("/api/metrics", basicAuthMiddleware(http.HandlerFunc(h.HandleMetrics), user, pass))
	mux.Handle("/api/report", basicAuthMiddleware(http.HandlerFunc(h.HandleReport), user, pass))
	mux.Handle("/api/sources", basicAuthMiddleware(http.HandlerFunc(h.HandleSources), user, pass))
	mux.Handle("/api/load_level", basicAuthMiddleware(http.HandlerFunc(h.HandleLoadLevel), user, pass))
	mux.Handle("/api/relays/import", basicAuthMiddleware(http.HandlerFunc(h.HandleImportRelays), user, pass))
	mux.Handle("/api/relays/delete", basicAuthMiddleware(http.HandlerFunc(h.HandleDeleteRelays), user, pass))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.ctx, s.hub, w, r)
	})
	return mux
}

// Start listens on the configured port and runs the hub and the stats broadcaster.
// A port of 0 disables the server.
func (s *Server) Start() error {
	if s.cfg.Port <= 0 {
		logger.Info().Msg("[WebServer] Status server is disabled (port is 0 or not set).")
		return nil
	}
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.serve(listener)
	logger.Info().Msgf("SUCCESS: Status server is listening on http://%s", addr)
	return nil
}

func (s *Server) serve(listener net.Listener) {
	s.http = &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.broadcastLoop()
	}()
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
}

func (s *Server) broadcastLoop() {
	interval := s.cfg.BroadcastInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() > 0 {
				s.hub.BroadcastPoolStats(s.pool.Stats())
			}
		}
	}
}

// Shutdown stops the HTTP server, the hub and the broadcaster.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.cancel()
	s.wg.Wait()
	return err
}
