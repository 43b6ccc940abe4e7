// Package api serves the ops surface: health, venue rankings, the open
// P2P book, spot order lookups, Prometheus metrics, and a WebSocket
// event stream fed by the order engine's completed-order feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/GoYakushev/notlike/internal/aggregator"
	"github.com/GoYakushev/notlike/internal/config"
	"github.com/GoYakushev/notlike/internal/orders"
	"github.com/GoYakushev/notlike/internal/p2p"
	"github.com/GoYakushev/notlike/internal/telemetry"
	"github.com/GoYakushev/notlike/pkg/types"
)

// Server runs the HTTP/WebSocket ops API.
type Server struct {
	cfg      config.DashboardConfig
	orders   *orders.Engine
	p2p      *p2p.Engine
	hub      *Hub
	handlers *Handlers
	metrics  *telemetry.Metrics // may be nil
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.DashboardConfig, ordersEngine *orders.Engine, p2pEngine *p2p.Engine,
	rankings map[types.Network]*aggregator.Stats, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(ordersEngine, p2pEngine, rankings, hub, cfg.AllowedOrigins, logger)

	s := &Server{
		cfg:      cfg,
		orders:   ordersEngine,
		p2p:      p2pEngine,
		hub:      hub,
		handlers: handlers,
		metrics:  metrics,
		logger:   logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.instrument("/health", handlers.HandleHealth))
	mux.HandleFunc("GET /api/venues", s.instrument("/api/venues", handlers.HandleVenues))
	mux.HandleFunc("GET /api/p2p/open", s.instrument("/api/p2p/open", handlers.HandleOpenP2P))
	mux.HandleFunc("GET /api/orders/recent", s.instrument("/api/orders/recent", handlers.HandleRecentOrders))
	mux.HandleFunc("GET /api/orders/{id}", s.instrument("/api/orders/{id}", handlers.HandleGetOrder))
	mux.HandleFunc("GET /api/orders", s.instrument("/api/orders", handlers.HandleListOrders))
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub, the event bridge, and the HTTP listener. Blocks
// until Stop or a listener error.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.bridgeEvents(ctx)

	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests for up to 10s.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// bridgeEvents forwards completed spot orders and P2P deal transitions
// onto the WebSocket stream.
func (s *Server) bridgeEvents(ctx context.Context) {
	orderCh := make(chan types.OrderCompleted, 64)
	orderSub := s.orders.SubscribeCompleted(orderCh)
	defer orderSub.Unsubscribe()

	p2pCh := make(chan types.P2PStatusChanged, 64)
	p2pSub := s.p2p.SubscribeStatus(p2pCh)
	defer p2pSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-orderSub.Err():
			if err != nil {
				s.logger.Error("order feed error", "error", err)
			}
			return
		case err := <-p2pSub.Err():
			if err != nil {
				s.logger.Error("p2p feed error", "error", err)
			}
			return
		case ev := <-orderCh:
			s.hub.Broadcast(Event{Type: "order_completed", Data: ev})
		case ev := <-p2pCh:
			s.hub.Broadcast(Event{Type: "p2p_status", Data: ev})
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with latency and error accounting.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		s.metrics.APILatency.WithLabelValues(endpoint, r.Method).Observe(time.Since(start).Seconds())
		if sw.status >= 400 {
			s.metrics.APIErrors.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
		}
	}
}
