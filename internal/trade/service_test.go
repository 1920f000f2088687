package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/market"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/pricing"
	"github.com/openpredict/market-engine/internal/store"
	"github.com/openpredict/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	ms        *store.MemoryStore
	router    chi.Router
	marketSvc *market.Service
}

// newTestEnv creates the trade service with an in-memory store and chi
// router, plus the lifecycle service for seeding markets.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	pricer, err := pricing.New(pricing.DefaultBeta)
	if err != nil {
		t.Fatalf("failed to build pricing engine: %v", err)
	}
	executor := trade.NewExecutor(ms, pricer, nil)
	svc := trade.NewService(ms, executor)
	marketSvc := market.NewService(ms)

	r := chi.NewRouter()
	r.Post("/api/v1/trades", svc.SubmitTrade)
	r.Get("/api/v1/trades", svc.ListTrades)

	return &testEnv{ms: ms, router: r, marketSvc: marketSvc}
}

// seedOpenMarket onboards the given users, creates a market with 100
// starting funds, and ticks it OPEN. Returns the market and its
// instruments keyed by name.
func seedOpenMarket(t *testing.T, env *testEnv, users ...string) (*model.Market, map[string]model.Instrument) {
	t.Helper()
	ctx := context.Background()

	for _, u := range users {
		if err := env.marketSvc.OnboardUser(ctx, u); err != nil {
			t.Fatalf("failed to onboard %s: %v", u, err)
		}
	}

	now := time.Now().UTC()
	m, err := env.marketSvc.Create(ctx, market.CreateParams{
		Name:                  "Rain tomorrow",
		Currency:              model.CurrencyTOK,
		StartingFunds:         d(100),
		InitialYesProbability: d(0.5),
		OpeningTime:           now.Add(-time.Hour),
		ClosingTime:           now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}

	result := env.marketSvc.ScheduleTick(ctx)
	if len(result.Errors) != 0 {
		t.Fatalf("schedule tick errors: %+v", result.Errors)
	}

	m, err = env.ms.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("failed to reload market: %v", err)
	}
	if m.Status != model.MarketOpen {
		t.Fatalf("expected OPEN market, got %s", m.Status)
	}

	instruments, err := env.ms.ListInstruments(ctx, m.ID)
	if err != nil {
		t.Fatalf("failed to list instruments: %v", err)
	}
	byName := make(map[string]model.Instrument, len(instruments))
	for _, in := range instruments {
		byName[in.Name] = in
	}
	return m, byName
}

func doTrade(t *testing.T, router chi.Router, userID string, req trade.SubmitTradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/trades", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if userID != "" {
		httpReq.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func positionSize(t *testing.T, resp trade.SubmitTradeResponse, name string) decimal.Decimal {
	t.Helper()
	for _, p := range resp.Positions {
		if p.Instrument == name {
			return p.Size
		}
	}
	t.Fatalf("no %s position in response", name)
	return decimal.Zero
}

// --- Trade execution tests ---

func TestSubmitTrade_BuyExecutes(t *testing.T) {
	env := newTestEnv(t)
	_, instruments := seedOpenMarket(t, env, "alice")

	w := doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: instruments[model.InstrumentYes].ID,
		Shares:       d(10),
		Type:         model.TradeBuy,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.SubmitTradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Trade.Status != model.TradeExecuted {
		t.Fatalf("expected EXECUTED, got %s", resp.Trade.Status)
	}
	// Buying 10 shares at beta=0.01 from a fresh book costs a bit over 5.
	if resp.Trade.Price.LessThan(d(5)) || resp.Trade.Price.GreaterThan(d(5.3)) {
		t.Errorf("expected cost near 5.13, got %s", resp.Trade.Price)
	}
	if !positionSize(t, resp, model.InstrumentYes).Equal(d(10)) {
		t.Errorf("expected 10 Yes shares, got %s", positionSize(t, resp, model.InstrumentYes))
	}
	wantCash := d(100).Sub(resp.Trade.Price)
	if !positionSize(t, resp, model.InstrumentCash).Equal(wantCash) {
		t.Errorf("expected cash %s, got %s", wantCash, positionSize(t, resp, model.InstrumentCash))
	}
	if resp.ExecutedTradeCount != 1 {
		t.Errorf("expected executed count 1, got %d", resp.ExecutedTradeCount)
	}

	audit, err := env.ms.GetTradeAudit(context.Background(), resp.Trade.ID)
	if err != nil {
		t.Fatalf("expected audit record: %v", err)
	}
	if !audit.CashBefore.Equal(d(100)) || !audit.CashAfter.Equal(wantCash) {
		t.Errorf("audit cash %s -> %s, want 100 -> %s", audit.CashBefore, audit.CashAfter, wantCash)
	}
	if !audit.SharesBefore.IsZero() || !audit.SharesAfter.Equal(d(10)) {
		t.Errorf("audit shares %s -> %s, want 0 -> 10", audit.SharesBefore, audit.SharesAfter)
	}
}

func TestSubmitTrade_BuyMovesPrice(t *testing.T) {
	env := newTestEnv(t)
	m, instruments := seedOpenMarket(t, env, "alice")

	doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: instruments[model.InstrumentYes].ID,
		Shares:       d(50),
		Type:         model.TradeBuy,
	})

	ctx := context.Background()
	updated, err := env.ms.ListInstruments(ctx, m.ID)
	if err != nil {
		t.Fatalf("failed to list instruments: %v", err)
	}
	var yes, no model.Instrument
	for _, in := range updated {
		switch in.Name {
		case model.InstrumentYes:
			yes = in
		case model.InstrumentNo:
			no = in
		}
	}

	if yes.Price.LessThanOrEqual(d(0.5)) {
		t.Errorf("Yes price should rise above 0.5 after a Yes buy, got %s", yes.Price)
	}
	sum := yes.Price.Add(no.Price)
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("prices should sum to 1, got %s", sum)
	}

	points, err := env.ms.ListPricePoints(ctx, yes.ID)
	if err != nil {
		t.Fatalf("failed to list price points: %v", err)
	}
	// One INITIAL point from creation plus one TRADING point.
	if len(points) != 2 {
		t.Fatalf("expected 2 price points, got %d", len(points))
	}
	if points[0].Source != model.SourceInitial || points[1].Source != model.SourceTrading {
		t.Errorf("unexpected point sources: %s, %s", points[0].Source, points[1].Source)
	}
}

func TestSubmitTrade_SellBeyondHoldingsFails(t *testing.T) {
	env := newTestEnv(t)
	_, instruments := seedOpenMarket(t, env, "alice")
	yesID := instruments[model.InstrumentYes].ID

	w := doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: yesID,
		Shares:       d(3),
		Type:         model.TradeBuy,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}
	var bought trade.SubmitTradeResponse
	json.Unmarshal(w.Body.Bytes(), &bought)
	cashAfterBuy := positionSize(t, bought, model.InstrumentCash)

	w = doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: yesID,
		Shares:       d(-5),
		Type:         model.TradeSell,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with FAILED trade, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.SubmitTradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Trade.Status != model.TradeFailed {
		t.Fatalf("expected FAILED, got %s", resp.Trade.Status)
	}
	if !positionSize(t, resp, model.InstrumentYes).Equal(d(3)) {
		t.Errorf("holdings should be untouched, got %s", positionSize(t, resp, model.InstrumentYes))
	}
	if !positionSize(t, resp, model.InstrumentCash).Equal(cashAfterBuy) {
		t.Errorf("cash should be untouched, got %s", positionSize(t, resp, model.InstrumentCash))
	}
	if resp.ExecutedTradeCount != 1 {
		t.Errorf("failed trade must not count, got %d", resp.ExecutedTradeCount)
	}

	audit, err := env.ms.GetTradeAudit(context.Background(), resp.Trade.ID)
	if err != nil {
		t.Fatalf("failed trades still get an audit: %v", err)
	}
	if !audit.SharesBefore.Equal(d(3)) || !audit.SharesAfter.Equal(d(3)) {
		t.Errorf("audit shares %s -> %s, want 3 -> 3", audit.SharesBefore, audit.SharesAfter)
	}
	if !audit.CashBefore.Equal(audit.CashAfter) {
		t.Errorf("audit cash must not move on failure: %s -> %s", audit.CashBefore, audit.CashAfter)
	}
}

func TestSubmitTrade_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	_, instruments := seedOpenMarket(t, env, "alice")

	// 2000 shares cost well over the 100 starting funds.
	w := doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: instruments[model.InstrumentYes].ID,
		Shares:       d(2000),
		Type:         model.TradeBuy,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with FAILED trade, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.SubmitTradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Trade.Status != model.TradeFailed {
		t.Fatalf("expected FAILED, got %s", resp.Trade.Status)
	}
	if !positionSize(t, resp, model.InstrumentCash).Equal(d(100)) {
		t.Errorf("cash should be untouched, got %s", positionSize(t, resp, model.InstrumentCash))
	}
}

func TestSubmitTrade_MarketNotOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.marketSvc.OnboardUser(ctx, "alice"); err != nil {
		t.Fatalf("failed to onboard: %v", err)
	}

	now := time.Now().UTC()
	m, err := env.marketSvc.Create(ctx, market.CreateParams{
		Name:                  "Opens tomorrow",
		Currency:              model.CurrencyTOK,
		StartingFunds:         d(100),
		InitialYesProbability: d(0.5),
		OpeningTime:           now.Add(time.Hour),
		ClosingTime:           now.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}
	instruments, _ := env.ms.ListInstruments(ctx, m.ID)
	var yesID string
	for _, in := range instruments {
		if in.Name == model.InstrumentYes {
			yesID = in.ID
		}
	}

	w := doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: yesID,
		Shares:       d(1),
		Type:         model.TradeBuy,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with FAILED trade, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.SubmitTradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Trade.Status != model.TradeFailed {
		t.Errorf("expected FAILED on PENDING market, got %s", resp.Trade.Status)
	}
}

func TestSubmitTrade_Validation(t *testing.T) {
	env := newTestEnv(t)
	_, instruments := seedOpenMarket(t, env, "alice")
	yesID := instruments[model.InstrumentYes].ID

	cases := []struct {
		name   string
		userID string
		req    trade.SubmitTradeRequest
		want   int
	}{
		{"missing user", "", trade.SubmitTradeRequest{InstrumentID: yesID, Shares: d(1), Type: model.TradeBuy}, http.StatusBadRequest},
		{"zero shares", "alice", trade.SubmitTradeRequest{InstrumentID: yesID, Shares: decimal.Zero, Type: model.TradeBuy}, http.StatusBadRequest},
		{"buy with negative shares", "alice", trade.SubmitTradeRequest{InstrumentID: yesID, Shares: d(-1), Type: model.TradeBuy}, http.StatusBadRequest},
		{"sell with positive shares", "alice", trade.SubmitTradeRequest{InstrumentID: yesID, Shares: d(1), Type: model.TradeSell}, http.StatusBadRequest},
		{"bad type", "alice", trade.SubmitTradeRequest{InstrumentID: yesID, Shares: d(1), Type: "MAYBE"}, http.StatusBadRequest},
		{"unknown instrument", "alice", trade.SubmitTradeRequest{InstrumentID: "nope", Shares: d(1), Type: model.TradeBuy}, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doTrade(t, env.router, tc.userID, tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitTrade_SellReturnsCash(t *testing.T) {
	env := newTestEnv(t)
	_, instruments := seedOpenMarket(t, env, "alice")
	yesID := instruments[model.InstrumentYes].ID

	doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: yesID, Shares: d(10), Type: model.TradeBuy,
	})

	w := doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: yesID, Shares: d(-10), Type: model.TradeSell,
	})
	var resp trade.SubmitTradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Trade.Status != model.TradeExecuted {
		t.Fatalf("expected EXECUTED, got %s", resp.Trade.Status)
	}
	if !resp.Trade.Price.IsNegative() {
		t.Errorf("selling should have negative cost, got %s", resp.Trade.Price)
	}
	if !positionSize(t, resp, model.InstrumentYes).IsZero() {
		t.Errorf("expected 0 Yes shares after round trip, got %s", positionSize(t, resp, model.InstrumentYes))
	}
	// Round trip leaves cash within rounding of the start.
	cash := positionSize(t, resp, model.InstrumentCash)
	if cash.Sub(d(100)).Abs().GreaterThan(d(0.02)) {
		t.Errorf("expected cash near 100 after round trip, got %s", cash)
	}
}

func TestSubmitTrade_ConcurrentUsersBothExecute(t *testing.T) {
	env := newTestEnv(t)
	m, instruments := seedOpenMarket(t, env, "alice", "bob")
	yesID := instruments[model.InstrumentYes].ID

	var wg sync.WaitGroup
	codes := make([]int, 2)
	statuses := make([]model.TradeStatus, 2)
	for i, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			w := doTrade(t, env.router, user, trade.SubmitTradeRequest{
				InstrumentID: yesID, Shares: d(5), Type: model.TradeBuy,
			})
			codes[i] = w.Code
			var resp trade.SubmitTradeResponse
			json.Unmarshal(w.Body.Bytes(), &resp)
			statuses[i] = resp.Trade.Status
		}(i, user)
	}
	wg.Wait()

	for i := range codes {
		if codes[i] != http.StatusOK {
			t.Fatalf("trade %d got %d", i, codes[i])
		}
		if statuses[i] != model.TradeExecuted {
			t.Fatalf("trade %d got status %s", i, statuses[i])
		}
	}

	updated, err := env.ms.GetMarket(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("failed to reload market: %v", err)
	}
	if updated.ExecutedTradeCount != 2 {
		t.Errorf("expected executed count 2, got %d", updated.ExecutedTradeCount)
	}
}

// staleMarketStore hands the executor a market snapshot that is already one
// executed trade behind the stored row, the interleaving two concurrent
// trades produce on the production store.
type staleMarketStore struct {
	store.Store
	marketID string
	once     sync.Once
}

func (s *staleMarketStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		return fn(ctx, &staleMarketTx{Store: tx, outer: s})
	})
}

type staleMarketTx struct {
	store.Store
	outer *staleMarketStore
}

func (t *staleMarketTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := t.Store.GetMarket(ctx, id)
	if err == nil && id == t.outer.marketID {
		t.outer.once.Do(func() {
			t.Store.IncrementTradeCount(ctx, id)
		})
	}
	return m, err
}

func TestExecute_TradeCountSurvivesConcurrentIncrement(t *testing.T) {
	env := newTestEnv(t)
	m, instruments := seedOpenMarket(t, env, "alice")
	ctx := context.Background()

	st := &staleMarketStore{Store: env.ms, marketID: m.ID}
	pricer, err := pricing.New(pricing.DefaultBeta)
	if err != nil {
		t.Fatalf("failed to build pricing engine: %v", err)
	}
	executor := trade.NewExecutor(st, pricer, nil)

	tr := &model.Trade{
		ID:           "trade-behind-snapshot",
		UserID:       "alice",
		InstrumentID: instruments[model.InstrumentYes].ID,
		Shares:       d(5),
		Type:         model.TradeBuy,
		Status:       model.TradePending,
		Timestamp:    time.Now().UTC(),
	}
	if err := env.ms.CreateTrade(ctx, tr); err != nil {
		t.Fatalf("failed to create trade: %v", err)
	}
	if err := executor.Execute(ctx, tr); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tr.Status != model.TradeExecuted {
		t.Fatalf("expected EXECUTED, got %s", tr.Status)
	}

	updated, err := env.ms.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("failed to reload market: %v", err)
	}
	// The concurrent increment plus this trade's own. A write-back of the
	// stale snapshot would leave 1.
	if updated.ExecutedTradeCount != 2 {
		t.Errorf("expected executed count 2, got %d", updated.ExecutedTradeCount)
	}
	if updated.Status != model.MarketOpen {
		t.Errorf("trade execution must not touch market status, got %s", updated.Status)
	}
	if updated.OutcomeInstrumentID != "" {
		t.Errorf("trade execution must not touch the outcome, got %q", updated.OutcomeInstrumentID)
	}
}

func TestSubmitTrade_ConcurrentFuzzKeepsBalancesNonNegative(t *testing.T) {
	env := newTestEnv(t)
	m, instruments := seedOpenMarket(t, env, "alice")
	yesID := instruments[model.InstrumentYes].ID
	cashID := instruments[model.InstrumentCash].ID
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		shares := d(float64(1 + i%4))
		typ := model.TradeBuy
		if i%3 == 0 {
			shares = shares.Neg()
			typ = model.TradeSell
		}
		wg.Add(1)
		go func(shares decimal.Decimal, typ model.TradeType) {
			defer wg.Done()
			doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
				InstrumentID: yesID, Shares: shares, Type: typ,
			})
		}(shares, typ)
	}
	wg.Wait()

	yesPos, err := env.ms.GetPosition(ctx, "alice", yesID)
	if err != nil {
		t.Fatalf("failed to read Yes position: %v", err)
	}
	cashPos, err := env.ms.GetPosition(ctx, "alice", cashID)
	if err != nil {
		t.Fatalf("failed to read cash position: %v", err)
	}
	if yesPos.Size.IsNegative() {
		t.Errorf("Yes holding went negative: %s", yesPos.Size)
	}
	if cashPos.Size.IsNegative() {
		t.Errorf("cash went negative: %s", cashPos.Size)
	}

	// Only executed trades move balances, and they account for them exactly.
	trades, err := env.ms.ListTradesByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to list trades: %v", err)
	}
	spent := decimal.Zero
	netShares := decimal.Zero
	executed := int64(0)
	for _, tr := range trades {
		switch tr.Status {
		case model.TradeExecuted:
			spent = spent.Add(tr.Price)
			netShares = netShares.Add(tr.Shares)
			executed++
		case model.TradeFailed:
		default:
			t.Errorf("trade %s left in non-terminal status %s", tr.ID, tr.Status)
		}
	}
	if !cashPos.Size.Equal(d(100).Sub(spent)) {
		t.Errorf("cash %s does not reconcile with executed costs (spent %s)", cashPos.Size, spent)
	}
	if !yesPos.Size.Equal(netShares) {
		t.Errorf("Yes holding %s does not reconcile with executed shares %s", yesPos.Size, netShares)
	}

	updated, err := env.ms.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("failed to reload market: %v", err)
	}
	if updated.ExecutedTradeCount != executed {
		t.Errorf("executed count %d, want %d", updated.ExecutedTradeCount, executed)
	}
}

// --- Trade listing ---

func TestListTrades_GroupedByMarket(t *testing.T) {
	env := newTestEnv(t)
	m1, in1 := seedOpenMarket(t, env, "alice")
	m2, in2 := seedOpenMarket(t, env)

	doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: in1[model.InstrumentYes].ID, Shares: d(2), Type: model.TradeBuy,
	})
	doTrade(t, env.router, "alice", trade.SubmitTradeRequest{
		InstrumentID: in2[model.InstrumentNo].ID, Shares: d(3), Type: model.TradeBuy,
	})

	req := httptest.NewRequest("GET", "/api/v1/trades", nil)
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var grouped map[string][]model.Trade
	json.Unmarshal(w.Body.Bytes(), &grouped)

	if len(grouped) != 2 {
		t.Fatalf("expected trades in 2 markets, got %d", len(grouped))
	}
	if len(grouped[m1.ID]) != 1 || len(grouped[m2.ID]) != 1 {
		t.Errorf("expected 1 trade per market, got %d and %d", len(grouped[m1.ID]), len(grouped[m2.ID]))
	}
}
