package trade

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// Service serves the trade HTTP endpoints on top of the executor.
type Service struct {
	store    store.Store
	executor *Executor
}

// NewService creates the trade HTTP service.
func NewService(st store.Store, executor *Executor) *Service {
	return &Service{store: st, executor: executor}
}

// SubmitTradeRequest is the JSON body for POST /api/v1/trades.
type SubmitTradeRequest struct {
	InstrumentID string          `json:"instrument_id"`
	Shares       decimal.Decimal `json:"shares"` // positive = buy, negative = sell
	Type         model.TradeType `json:"type"`
}

// PositionView is one holding in a trade response.
type PositionView struct {
	InstrumentID string          `json:"instrument_id"`
	Instrument   string          `json:"instrument"`
	Size         decimal.Decimal `json:"size"`
}

// SubmitTradeResponse is returned from POST /api/v1/trades: the terminal
// trade, the user's holdings in the trade's market, and the market's
// executed trade count.
type SubmitTradeResponse struct {
	Trade              model.Trade    `json:"trade"`
	Positions          []PositionView `json:"positions"`
	ExecutedTradeCount int64          `json:"executed_trade_count"`
}

// SubmitTrade handles POST /api/v1/trades.
//
// Malformed requests (missing identity, zero shares, type not matching the
// sign of shares, unknown instrument) are rejected before a trade record
// exists. Everything past that point produces a persisted trade in a
// terminal status, EXECUTED or FAILED, returned in the response body.
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req SubmitTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InstrumentID == "" {
		writeError(w, "instrument_id is required", http.StatusBadRequest)
		return
	}
	if req.Shares.IsZero() {
		writeError(w, "shares must be non-zero", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case model.TradeBuy:
		if req.Shares.IsNegative() {
			writeError(w, "BUY requires positive shares", http.StatusBadRequest)
			return
		}
	case model.TradeSell:
		if req.Shares.IsPositive() {
			writeError(w, "SELL requires negative shares", http.StatusBadRequest)
			return
		}
	default:
		writeError(w, "type must be BUY or SELL", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	in, err := s.store.GetInstrument(ctx, req.InstrumentID)
	if err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}

	t := &model.Trade{
		ID:           uuid.New().String(),
		UserID:       userID,
		InstrumentID: in.ID,
		MarketID:     in.MarketID,
		Shares:       req.Shares,
		Type:         req.Type,
		Timestamp:    s.executor.Now().UTC(),
		Status:       model.TradePending,
	}
	if err := s.store.CreateTrade(ctx, t); err != nil {
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	if err := s.executor.Execute(ctx, t); err != nil {
		writeError(w, "trade execution failed", http.StatusInternalServerError)
		return
	}

	resp := SubmitTradeResponse{Trade: *t}

	m, err := s.store.GetMarket(ctx, t.MarketID)
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}
	resp.ExecutedTradeCount = m.ExecutedTradeCount

	views, err := s.positionViews(ctx, userID, t.MarketID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	resp.Positions = views

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListTrades handles GET /api/v1/trades: the caller's trades grouped by
// market, newest last within each market.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	trades, err := s.store.ListTradesByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}

	grouped := make(map[string][]model.Trade)
	for _, t := range trades {
		grouped[t.MarketID] = append(grouped[t.MarketID], t)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(grouped)
}

// positionViews returns the user's holdings in one market, named by
// instrument.
func (s *Service) positionViews(ctx context.Context, userID, marketID string) ([]PositionView, error) {
	instruments, err := s.store.ListInstruments(ctx, marketID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListUserPositionsByMarket(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}

	sizes := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		sizes[p.InstrumentID] = p.Size
	}

	views := make([]PositionView, 0, len(instruments))
	for _, in := range instruments {
		views = append(views, PositionView{
			InstrumentID: in.ID,
			Instrument:   in.Name,
			Size:         sizes[in.ID], // zero value when the user holds nothing
		})
	}
	return views, nil
}

// requireUser extracts the caller's identity from the X-User-ID header.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, "X-User-ID header is required", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
