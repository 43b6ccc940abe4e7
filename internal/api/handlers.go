package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/GoYakushev/notlike/internal/aggregator"
	"github.com/GoYakushev/notlike/internal/orders"
	"github.com/GoYakushev/notlike/internal/p2p"
	"github.com/GoYakushev/notlike/internal/storage"
	"github.com/GoYakushev/notlike/pkg/types"
)

// Handlers holds the read-side dependencies of the ops API.
type Handlers struct {
	orders   *orders.Engine
	p2p      *p2p.Engine
	rankings map[types.Network]*aggregator.Stats
	hub      *Hub
	origins  map[string]bool // empty means allow all
	logger   *slog.Logger
}

func NewHandlers(ordersEngine *orders.Engine, p2pEngine *p2p.Engine,
	rankings map[types.Network]*aggregator.Stats, hub *Hub,
	allowedOrigins []string, logger *slog.Logger) *Handlers {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Handlers{
		orders:   ordersEngine,
		p2p:      p2pEngine,
		rankings: rankings,
		hub:      hub,
		origins:  origins,
		logger:   logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

// writeError maps engine error kinds onto HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindConflict:
		status = http.StatusConflict
	case types.KindTransient:
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleVenues returns the venue ranking per network.
func (h *Handlers) HandleVenues(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string][]aggregator.VenueScore, len(h.rankings))
	for network, stats := range h.rankings {
		out[string(network)] = stats.Snapshot()
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleOpenP2P returns the open order book for one side of the market.
// Query: side (required), base, quote, payment_method.
func (h *Handlers) HandleOpenP2P(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ads, err := h.p2p.ListOpen(r.Context(), storage.OpenFilter{
		Side:          types.Side(q.Get("side")),
		BaseCurrency:  q.Get("base"),
		QuoteCurrency: q.Get("quote"),
		PaymentMethod: q.Get("payment_method"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ads == nil {
		ads = []types.P2POrder{}
	}
	h.writeJSON(w, http.StatusOK, ads)
}

// HandleGetOrder returns one spot order, scoped to its owner via the
// user_id query parameter. Auth itself lives in front of this server.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, types.Validationf("bad order id %q", r.PathValue("id")))
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		h.writeError(w, types.Validationf("user_id query parameter is required"))
		return
	}

	o, err := h.orders.GetOrder(r.Context(), orderID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, o)
}

// HandleRecentOrders returns the user's latest orders from the recency
// list, newest first.
func (h *Handlers) HandleRecentOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		h.writeError(w, types.Validationf("user_id query parameter is required"))
		return
	}

	list, err := h.orders.RecentOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []types.SpotOrder{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleListOrders pages a user's spot orders.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil {
		h.writeError(w, types.Validationf("user_id query parameter is required"))
		return
	}
	var status *types.OrderStatus
	if s := q.Get("status"); s != "" {
		st := types.OrderStatus(s)
		status = &st
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, err := h.orders.ListOrders(r.Context(), userID, status, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []types.SpotOrder{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleWebSocket upgrades the connection onto the event stream.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(h.origins) == 0 {
				return true
			}
			return h.origins[r.Header.Get("Origin")]
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}
