package market

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/history"
	"github.com/openpredict/market-engine/internal/metrics"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// InstrumentView is an instrument plus its outcome status relative to the
// market's settlement state.
type InstrumentView struct {
	model.Instrument
	OutcomeStatus string `json:"outcome_status"`
}

// Snapshot is the public view of one market: the market row, its
// market-relative clock, and all its instruments.
type Snapshot struct {
	Market            model.Market     `json:"market"`
	CurrentMarketTime int64            `json:"current_market_time"`
	Instruments       []InstrumentView `json:"instruments"`
}

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var params CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.Create(r.Context(), params)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	snap, err := s.snapshot(r, m)
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(snap)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	snaps := make([]Snapshot, 0, len(markets))
	for i := range markets {
		snap, err := s.snapshot(r, &markets[i])
		if err != nil {
			writeError(w, "failed to load market", http.StatusInternalServerError)
			return
		}
		snaps = append(snaps, *snap)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snaps)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	snap, err := s.snapshot(r, m)
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// PatchRequest is the JSON body for PATCH /api/v1/markets/{marketID}.
// Absent fields are left untouched.
type PatchRequest struct {
	StartingFunds         *decimal.Decimal `json:"starting_funds,omitempty"`
	InitialYesProbability *decimal.Decimal `json:"initial_yes_probability,omitempty"`

	// Status accepts "SUSPENDED" to halt trading and "RESUMED" to lift a
	// suspension; the actual status is recomputed from the schedule.
	Status string `json:"status,omitempty"`
}

// PatchMarket handles PATCH /api/v1/markets/{marketID}.
func (s *Service) PatchMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.StartingFunds != nil {
		if err := s.UpdateStartingFunds(ctx, marketID, *req.StartingFunds); err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
	}
	if req.InitialYesProbability != nil {
		if err := s.UpdateInitialYesProbability(ctx, marketID, *req.InitialYesProbability); err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
	}
	switch req.Status {
	case "":
	case string(model.MarketSuspended):
		if err := s.Suspend(ctx, marketID); err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
	case "RESUMED":
		if err := s.Resume(ctx, marketID); err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
	default:
		writeError(w, "status must be SUSPENDED or RESUMED", http.StatusBadRequest)
		return
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	snap, err := s.snapshot(r, m)
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// SettleRequest is the JSON body for POST /api/v1/markets/{marketID}/settle.
type SettleRequest struct {
	OutcomeInstrumentID string `json:"outcome_instrument_id"`
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle.
func (s *Service) SettleMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OutcomeInstrumentID == "" {
		writeError(w, "outcome_instrument_id is required", http.StatusBadRequest)
		return
	}

	if err := s.Settle(r.Context(), marketID, req.OutcomeInstrumentID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.Settlements.WithLabelValues("settle").Inc()

	payouts, err := s.store.ListPayouts(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to list payouts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payouts)
}

// UnsettleMarket handles POST /api/v1/markets/{marketID}/unsettle.
func (s *Service) UnsettleMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	if err := s.Unsettle(r.Context(), marketID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.Settlements.WithLabelValues("unsettle").Inc()

	m, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// MarketHistory handles GET /api/v1/markets/{marketID}/history: the full
// price point series of each instrument, keyed by instrument name.
func (s *Service) MarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	instruments, err := s.store.ListInstruments(ctx, marketID)
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}

	rec := history.New(s.store)
	series := make(map[string][]model.PricePoint, len(instruments))
	for i := range instruments {
		if !instruments[i].IsTradeable {
			continue
		}
		points, err := rec.Series(ctx, instruments[i].ID)
		if err != nil {
			writeError(w, "failed to load price history", http.StatusInternalServerError)
			return
		}
		if points == nil {
			points = []model.PricePoint{}
		}
		series[instruments[i].Name] = points
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(series)
}

// MarketPayouts handles GET /api/v1/markets/{marketID}/payouts.
func (s *Service) MarketPayouts(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	payouts, err := s.store.ListPayouts(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to list payouts", http.StatusInternalServerError)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payouts)
}

// MarketInstruments is the per-market group returned from
// GET /api/v1/instruments.
type MarketInstruments struct {
	MarketID          string             `json:"market_id"`
	MarketName        string             `json:"market_name"`
	Status            model.MarketStatus `json:"status"`
	CurrentMarketTime int64              `json:"current_market_time"`
	Instruments       []InstrumentView   `json:"instruments"`
}

// ListInstruments handles GET /api/v1/instruments: tradeable instruments
// grouped by market, with each market's current internal time.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	now := s.Now().UTC()
	groups := make([]MarketInstruments, 0, len(markets))
	for i := range markets {
		m := &markets[i]
		instruments, err := s.store.ListInstruments(ctx, m.ID)
		if err != nil {
			writeError(w, "failed to list instruments", http.StatusInternalServerError)
			return
		}
		group := MarketInstruments{
			MarketID:          m.ID,
			MarketName:        m.Name,
			Status:            m.Status,
			CurrentMarketTime: m.InternalTime(now),
		}
		for j := range instruments {
			if !instruments[j].IsTradeable {
				continue
			}
			group.Instruments = append(group.Instruments, InstrumentView{
				Instrument:    instruments[j],
				OutcomeStatus: instruments[j].OutcomeStatus(m),
			})
		}
		groups = append(groups, group)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(groups)
}

// HandleScheduleTick handles POST /api/v1/schedule: one pass over
// PENDING and OPEN markets, applying due transitions.
func (s *Service) HandleScheduleTick(w http.ResponseWriter, r *http.Request) {
	result := s.ScheduleTick(r.Context())

	metrics.ScheduleTicks.WithLabelValues("scheduled").Add(float64(len(result.Scheduled)))
	metrics.ScheduleTicks.WithLabelValues("error").Add(float64(len(result.Errors)))

	if open, err := s.store.ListMarketsByStatus(r.Context(), model.MarketOpen); err == nil {
		metrics.OpenMarkets.Set(float64(len(open)))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleOnboardUser handles POST /api/v1/users/{userID}/onboard.
func (s *Service) HandleOnboardUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, "userID is required", http.StatusBadRequest)
		return
	}

	if err := s.OnboardUser(r.Context(), userID); err != nil {
		writeError(w, "failed to onboard user", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
}

// snapshot builds the public view of a market.
func (s *Service) snapshot(r *http.Request, m *model.Market) (*Snapshot, error) {
	instruments, err := s.store.ListInstruments(r.Context(), m.ID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Market:            *m,
		CurrentMarketTime: m.InternalTime(s.Now().UTC()),
		Instruments:       make([]InstrumentView, 0, len(instruments)),
	}
	for i := range instruments {
		snap.Instruments = append(snap.Instruments, InstrumentView{
			Instrument:    instruments[i],
			OutcomeStatus: instruments[i].OutcomeStatus(m),
		})
	}
	return snap, nil
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSchedule),
		errors.Is(err, ErrInvalidProbability),
		errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, ErrTerminalStatus), errors.Is(err, ErrNotSettled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
