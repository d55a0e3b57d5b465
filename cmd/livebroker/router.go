package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"bitstamp-broker/internal/broker"
	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/feed"
	"bitstamp-broker/internal/metrics"
)

type statusResponse struct {
	State        broker.State               `json:"state"`
	EOF          bool                       `json:"eof"`
	Cash         decimal.Decimal            `json:"cash"`
	Positions    map[string]decimal.Decimal `json:"positions"`
	ActiveOrders int                        `json:"active_orders"`
	LastTradeID  int64                      `json:"last_trade_id"`
	QueueDepth   int                        `json:"queue_depth"`
	FeedClients  int                        `json:"feed_clients"`
}

type orderResponse struct {
	ID           int64           `json:"id"`
	Side         core.Side       `json:"side"`
	State        core.OrderState `json:"state"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Filled       decimal.Decimal `json:"filled"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Commissions  decimal.Decimal `json:"commissions"`
	SubmittedAt  time.Time       `json:"submitted_at"`
}

// newRouter serves read-only ops endpoints. Nothing here mutates broker
// state; order events are only delivered from the dispatch loop.
func newRouter(b *broker.Broker, hub *feed.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if b.EOF() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(b.State())})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", hub.ServeHTTP)

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			State:        b.State(),
			EOF:          b.EOF(),
			Cash:         b.Cash(),
			Positions:    b.Positions(),
			ActiveOrders: len(b.ActiveOrders()),
			LastTradeID:  b.LastTradeID(),
			QueueDepth:   b.QueueLen(),
			FeedClients:  hub.Clients(),
		})
	})
	r.Get("/orders", func(w http.ResponseWriter, _ *http.Request) {
		orders := b.ActiveOrders()
		out := make([]orderResponse, 0, len(orders))
		for _, o := range orders {
			out = append(out, toOrderResponse(o))
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order id"})
			return
		}
		o, ok := b.ActiveOrder(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not active"})
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(o))
	})
	return r
}

func toOrderResponse(o core.Order) orderResponse {
	return orderResponse{
		ID:           o.ID,
		Side:         o.Side,
		State:        o.State,
		LimitPrice:   o.LimitPrice,
		Quantity:     o.Quantity,
		Filled:       o.Filled,
		AvgFillPrice: o.AvgFillPrice,
		Commissions:  o.Commissions,
		SubmittedAt:  o.SubmittedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
