package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/market"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

func newRouter(t *testing.T) (*market.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	svc, ms := newSvc(t)

	r := chi.NewRouter()
	r.Post("/api/v1/markets", svc.CreateMarket)
	r.Get("/api/v1/markets", svc.ListMarkets)
	r.Get("/api/v1/markets/{marketID}", svc.GetMarket)
	r.Patch("/api/v1/markets/{marketID}", svc.PatchMarket)
	r.Post("/api/v1/markets/{marketID}/settle", svc.SettleMarket)
	r.Post("/api/v1/markets/{marketID}/unsettle", svc.UnsettleMarket)
	r.Get("/api/v1/markets/{marketID}/history", svc.MarketHistory)
	r.Get("/api/v1/markets/{marketID}/payouts", svc.MarketPayouts)
	r.Get("/api/v1/instruments", svc.ListInstruments)
	r.Post("/api/v1/schedule", svc.HandleScheduleTick)
	r.Post("/api/v1/users/{userID}/onboard", svc.HandleOnboardUser)
	return svc, ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateMarketEndpoint(t *testing.T) {
	_, _, router := newRouter(t)

	w := do(t, router, "POST", "/api/v1/markets", validParams(time.Now().UTC()))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var snap market.Snapshot
	json.Unmarshal(w.Body.Bytes(), &snap)

	if snap.Market.Name != "Rain tomorrow" {
		t.Errorf("unexpected market name %q", snap.Market.Name)
	}
	if len(snap.Instruments) != 3 {
		t.Errorf("expected 3 instruments in snapshot, got %d", len(snap.Instruments))
	}
	if snap.CurrentMarketTime <= 0 {
		t.Errorf("opened an hour ago, market time should be positive, got %d", snap.CurrentMarketTime)
	}

	bad := validParams(time.Now().UTC())
	bad.Currency = "BTC"
	if w := do(t, router, "POST", "/api/v1/markets", bad); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad currency, got %d", w.Code)
	}
}

func TestPatchMarketEndpoint(t *testing.T) {
	svc, ms, router := newRouter(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, validParams(time.Now().UTC()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	svc.ScheduleTick(ctx)

	w := do(t, router, "PATCH", "/api/v1/markets/"+m.ID, market.PatchRequest{
		Status: string(model.MarketSuspended),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := ms.GetMarket(ctx, m.ID)
	if got.Status != model.MarketSuspended {
		t.Errorf("expected SUSPENDED, got %s", got.Status)
	}

	funds := decimal.NewFromInt(42)
	w = do(t, router, "PATCH", "/api/v1/markets/"+m.ID, market.PatchRequest{
		StartingFunds: &funds,
		Status:        "RESUMED",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ = ms.GetMarket(ctx, m.ID)
	if got.Status != model.MarketOpen {
		t.Errorf("expected OPEN after resume, got %s", got.Status)
	}
	if !got.StartingFunds.Equal(funds) {
		t.Errorf("expected starting funds 42, got %s", got.StartingFunds)
	}

	if w := do(t, router, "PATCH", "/api/v1/markets/"+m.ID, market.PatchRequest{Status: "HALTED"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}
	if w := do(t, router, "PATCH", "/api/v1/markets/nope", market.PatchRequest{Status: "RESUMED"}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSettleEndpoints(t *testing.T) {
	svc, ms, router := newRouter(t)
	ctx := context.Background()
	if err := svc.OnboardUser(ctx, "alice"); err != nil {
		t.Fatalf("failed to onboard: %v", err)
	}

	m, err := svc.Create(ctx, validParams(time.Now().UTC()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	yes := instrumentsByName(t, ms, m.ID)[model.InstrumentYes]

	w := do(t, router, "POST", "/api/v1/markets/"+m.ID+"/settle", market.SettleRequest{
		OutcomeInstrumentID: yes.ID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var payouts []model.Payout
	json.Unmarshal(w.Body.Bytes(), &payouts)
	if len(payouts) != 1 {
		t.Errorf("expected 1 payout in response, got %d", len(payouts))
	}

	w = do(t, router, "GET", "/api/v1/markets/"+m.ID+"/payouts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if w := do(t, router, "POST", "/api/v1/markets/"+m.ID+"/settle", market.SettleRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing outcome, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/markets/"+m.ID+"/unsettle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	// Second unsettle conflicts.
	if w := do(t, router, "POST", "/api/v1/markets/"+m.ID+"/unsettle", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	svc, _, router := newRouter(t)

	m, err := svc.Create(context.Background(), validParams(time.Now().UTC()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	w := do(t, router, "GET", "/api/v1/markets/"+m.ID+"/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var series map[string][]model.PricePoint
	json.Unmarshal(w.Body.Bytes(), &series)

	if len(series) != 2 {
		t.Fatalf("expected series for Yes and No, got %d", len(series))
	}
	if len(series[model.InstrumentYes]) != 1 || series[model.InstrumentYes][0].Source != model.SourceInitial {
		t.Errorf("Yes series should start with one INITIAL point")
	}
	if _, ok := series[model.InstrumentCash]; ok {
		t.Error("cash has no price series")
	}

	if w := do(t, router, "GET", "/api/v1/markets/nope/history", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestInstrumentsEndpoint(t *testing.T) {
	svc, _, router := newRouter(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, validParams(time.Now().UTC())); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second := validParams(time.Now().UTC())
	second.Name = "Snow tomorrow"
	if _, err := svc.Create(ctx, second); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	w := do(t, router, "GET", "/api/v1/instruments", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var groups []market.MarketInstruments
	json.Unmarshal(w.Body.Bytes(), &groups)

	if len(groups) != 2 {
		t.Fatalf("expected 2 market groups, got %d", len(groups))
	}
	for _, g := range groups {
		if len(g.Instruments) != 2 {
			t.Errorf("market %s: expected the 2 tradeables, got %d", g.MarketName, len(g.Instruments))
		}
		for _, in := range g.Instruments {
			if in.OutcomeStatus != "Pending" {
				t.Errorf("unsettled instruments are Pending, got %s", in.OutcomeStatus)
			}
		}
	}
}

func TestScheduleEndpoint(t *testing.T) {
	svc, _, router := newRouter(t)

	if _, err := svc.Create(context.Background(), validParams(time.Now().UTC())); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	w := do(t, router, "POST", "/api/v1/schedule", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result market.TickResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if len(result.Scheduled) != 1 {
		t.Errorf("expected 1 transitioned market, got %d", len(result.Scheduled))
	}
}

func TestOnboardEndpoint(t *testing.T) {
	svc, ms, router := newRouter(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, validParams(time.Now().UTC()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	w := do(t, router, "POST", "/api/v1/users/dave/onboard", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	cash := instrumentsByName(t, ms, m.ID)[model.InstrumentCash]
	if !holding(t, ms, "dave", cash.ID).Equal(d(500)) {
		t.Errorf("dave should hold the starting funds, got %s", holding(t, ms, "dave", cash.ID))
	}
}
