package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

type posKey struct{ userID, instrumentID string }
type payoutKey struct{ marketID, userID string }

// memState holds the in-memory tables. All access goes through MemoryStore
// (which serializes with a mutex) or memTx (which runs while that mutex is
// already held).
type memState struct {
	markets     map[string]*model.Market
	instruments map[string]*model.Instrument
	users       []string
	userSet     map[string]bool
	positions   map[posKey]*model.Position
	trades      map[string]*model.Trade
	audits      map[string]*model.TradeAudit
	payouts     map[payoutKey]*model.Payout
	pricePoints []model.PricePoint
}

func newMemState() *memState {
	return &memState{
		markets:     make(map[string]*model.Market),
		instruments: make(map[string]*model.Instrument),
		userSet:     make(map[string]bool),
		positions:   make(map[posKey]*model.Position),
		trades:      make(map[string]*model.Trade),
		audits:      make(map[string]*model.TradeAudit),
		payouts:     make(map[payoutKey]*model.Payout),
	}
}

// clone deep-copies the state so an aborted unit of work can be rolled back
// wholesale.
func (st *memState) clone() *memState {
	c := newMemState()
	for id, m := range st.markets {
		cp := *m
		c.markets[id] = &cp
	}
	for id, in := range st.instruments {
		cp := *in
		if in.SettlementPrice != nil {
			sp := *in.SettlementPrice
			cp.SettlementPrice = &sp
		}
		c.instruments[id] = &cp
	}
	c.users = append([]string(nil), st.users...)
	for u := range st.userSet {
		c.userSet[u] = true
	}
	for k, p := range st.positions {
		cp := *p
		c.positions[k] = &cp
	}
	for id, t := range st.trades {
		cp := *t
		c.trades[id] = &cp
	}
	for id, a := range st.audits {
		cp := *a
		c.audits[id] = &cp
	}
	for k, p := range st.payouts {
		cp := *p
		c.payouts[k] = &cp
	}
	c.pricePoints = append([]model.PricePoint(nil), st.pricePoints...)
	return c
}

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Units of work are serialized under one mutex, so their
// interleavings are a subset of what the row-locked PostgreSQL store allows;
// every invariant that holds here must also hold there.
type MemoryStore struct {
	mu sync.Mutex
	st *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

// WithinTx serializes the unit of work and restores a snapshot if fn fails.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &memTx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// LockPosition outside a unit of work is a programming error.
func (s *MemoryStore) LockPosition(_ context.Context, _, _ string) (*model.Position, error) {
	return nil, ErrNoTx
}

func (s *MemoryStore) CreateMarket(ctx context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createMarket(m)
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getMarket(id)
}

func (s *MemoryStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listMarkets(nil)
}

func (s *MemoryStore) ListMarketsByStatus(ctx context.Context, statuses ...model.MarketStatus) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listMarkets(statuses)
}

func (s *MemoryStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateMarket(m)
}

func (s *MemoryStore) IncrementTradeCount(ctx context.Context, marketID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.incrementTradeCount(marketID)
}

func (s *MemoryStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createInstrument(in)
}

func (s *MemoryStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getInstrument(id)
}

func (s *MemoryStore) ListInstruments(ctx context.Context, marketID string) ([]model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listInstruments(marketID)
}

func (s *MemoryStore) ListAllInstruments(ctx context.Context) ([]model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listInstruments("")
}

func (s *MemoryStore) UpdateInstrument(ctx context.Context, in *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateInstrument(in)
}

func (s *MemoryStore) AddUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.addUser(userID)
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.st.users...), nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getPosition(userID, instrumentID)
}

func (s *MemoryStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.upsertPosition(p)
}

func (s *MemoryStore) NetPosition(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.netPosition(instrumentID)
}

func (s *MemoryStore) ListUserPositionsByMarket(ctx context.Context, userID, marketID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listUserPositionsByMarket(userID, marketID)
}

func (s *MemoryStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createTrade(t)
}

func (s *MemoryStore) UpdateTrade(ctx context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateTrade(t)
}

func (s *MemoryStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getTrade(id)
}

func (s *MemoryStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listTradesByUser(userID)
}

func (s *MemoryStore) CreateTradeAudit(ctx context.Context, a *model.TradeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createTradeAudit(a)
}

func (s *MemoryStore) GetTradeAudit(ctx context.Context, tradeID string) (*model.TradeAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getTradeAudit(tradeID)
}

func (s *MemoryStore) UpsertPayout(ctx context.Context, p *model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.upsertPayout(p)
}

func (s *MemoryStore) ListPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listPayouts(marketID)
}

func (s *MemoryStore) DeletePayouts(ctx context.Context, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.deletePayouts(marketID)
}

func (s *MemoryStore) AppendPricePoint(ctx context.Context, pp *model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.appendPricePoint(pp)
}

func (s *MemoryStore) ListPricePoints(ctx context.Context, instrumentID string) ([]model.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listPricePoints(instrumentID)
}

// memTx is the Store handed to WithinTx callbacks. The store mutex is held
// for its whole lifetime, so it accesses state directly.
type memTx struct {
	st *memState
}

func (t *memTx) WithinTx(context.Context, func(ctx context.Context, tx Store) error) error {
	return ErrNestedTx
}

func (t *memTx) LockPosition(_ context.Context, userID, instrumentID string) (*model.Position, error) {
	return t.st.lockPosition(userID, instrumentID)
}

func (t *memTx) CreateMarket(_ context.Context, m *model.Market) error  { return t.st.createMarket(m) }
func (t *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	return t.st.getMarket(id)
}
func (t *memTx) ListMarkets(context.Context) ([]model.Market, error) { return t.st.listMarkets(nil) }
func (t *memTx) ListMarketsByStatus(_ context.Context, statuses ...model.MarketStatus) ([]model.Market, error) {
	return t.st.listMarkets(statuses)
}
func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error { return t.st.updateMarket(m) }
func (t *memTx) IncrementTradeCount(_ context.Context, marketID string) (int64, error) {
	return t.st.incrementTradeCount(marketID)
}
func (t *memTx) CreateInstrument(_ context.Context, in *model.Instrument) error {
	return t.st.createInstrument(in)
}
func (t *memTx) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	return t.st.getInstrument(id)
}
func (t *memTx) ListInstruments(_ context.Context, marketID string) ([]model.Instrument, error) {
	return t.st.listInstruments(marketID)
}
func (t *memTx) ListAllInstruments(context.Context) ([]model.Instrument, error) {
	return t.st.listInstruments("")
}
func (t *memTx) UpdateInstrument(_ context.Context, in *model.Instrument) error {
	return t.st.updateInstrument(in)
}
func (t *memTx) AddUser(_ context.Context, userID string) error { return t.st.addUser(userID) }
func (t *memTx) ListUsers(context.Context) ([]string, error) {
	return append([]string(nil), t.st.users...), nil
}
func (t *memTx) GetPosition(_ context.Context, userID, instrumentID string) (*model.Position, error) {
	return t.st.getPosition(userID, instrumentID)
}
func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	return t.st.upsertPosition(p)
}
func (t *memTx) NetPosition(_ context.Context, instrumentID string) (decimal.Decimal, error) {
	return t.st.netPosition(instrumentID)
}
func (t *memTx) ListUserPositionsByMarket(_ context.Context, userID, marketID string) ([]model.Position, error) {
	return t.st.listUserPositionsByMarket(userID, marketID)
}
func (t *memTx) CreateTrade(_ context.Context, tr *model.Trade) error  { return t.st.createTrade(tr) }
func (t *memTx) UpdateTrade(_ context.Context, tr *model.Trade) error  { return t.st.updateTrade(tr) }
func (t *memTx) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	return t.st.getTrade(id)
}
func (t *memTx) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	return t.st.listTradesByUser(userID)
}
func (t *memTx) CreateTradeAudit(_ context.Context, a *model.TradeAudit) error {
	return t.st.createTradeAudit(a)
}
func (t *memTx) GetTradeAudit(_ context.Context, tradeID string) (*model.TradeAudit, error) {
	return t.st.getTradeAudit(tradeID)
}
func (t *memTx) UpsertPayout(_ context.Context, p *model.Payout) error { return t.st.upsertPayout(p) }
func (t *memTx) ListPayouts(_ context.Context, marketID string) ([]model.Payout, error) {
	return t.st.listPayouts(marketID)
}
func (t *memTx) DeletePayouts(_ context.Context, marketID string) error {
	return t.st.deletePayouts(marketID)
}
func (t *memTx) AppendPricePoint(_ context.Context, pp *model.PricePoint) error {
	return t.st.appendPricePoint(pp)
}
func (t *memTx) ListPricePoints(_ context.Context, instrumentID string) ([]model.PricePoint, error) {
	return t.st.listPricePoints(instrumentID)
}

// --- state operations ---

func (st *memState) createMarket(m *model.Market) error {
	if _, ok := st.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrConflict)
	}
	cp := *m
	st.markets[m.ID] = &cp
	return nil
}

func (st *memState) getMarket(id string) (*model.Market, error) {
	m, ok := st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (st *memState) listMarkets(statuses []model.MarketStatus) ([]model.Market, error) {
	want := make(map[model.MarketStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var markets []model.Market
	for _, m := range st.markets {
		if len(want) > 0 && !want[m.Status] {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.Before(markets[j].CreatedAt)
	})
	return markets, nil
}

func (st *memState) updateMarket(m *model.Market) error {
	if _, ok := st.markets[m.ID]; !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	cp := *m
	st.markets[m.ID] = &cp
	return nil
}

func (st *memState) incrementTradeCount(id string) (int64, error) {
	m, ok := st.markets[id]
	if !ok {
		return 0, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.ExecutedTradeCount++
	return m.ExecutedTradeCount, nil
}

func (st *memState) createInstrument(in *model.Instrument) error {
	if _, ok := st.instruments[in.ID]; ok {
		return fmt.Errorf("instrument %s: %w", in.ID, ErrConflict)
	}
	cp := *in
	st.instruments[in.ID] = &cp
	return nil
}

func (st *memState) getInstrument(id string) (*model.Instrument, error) {
	in, ok := st.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	cp := *in
	return &cp, nil
}

// listInstruments returns instruments for one market, or all of them when
// marketID is empty. Ordered by market then name for stable output.
func (st *memState) listInstruments(marketID string) ([]model.Instrument, error) {
	var ins []model.Instrument
	for _, in := range st.instruments {
		if marketID != "" && in.MarketID != marketID {
			continue
		}
		ins = append(ins, *in)
	}
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].MarketID != ins[j].MarketID {
			return ins[i].MarketID < ins[j].MarketID
		}
		return ins[i].Name < ins[j].Name
	})
	return ins, nil
}

func (st *memState) updateInstrument(in *model.Instrument) error {
	if _, ok := st.instruments[in.ID]; !ok {
		return fmt.Errorf("instrument %s: %w", in.ID, ErrNotFound)
	}
	cp := *in
	st.instruments[in.ID] = &cp
	return nil
}

func (st *memState) addUser(userID string) error {
	if st.userSet[userID] {
		return nil
	}
	st.userSet[userID] = true
	st.users = append(st.users, userID)
	return nil
}

func (st *memState) getPosition(userID, instrumentID string) (*model.Position, error) {
	p, ok := st.positions[posKey{userID, instrumentID}]
	if !ok {
		return nil, fmt.Errorf("position (%s, %s): %w", userID, instrumentID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// lockPosition returns the row, creating a zero one if absent. The store
// mutex is the exclusive hold here.
func (st *memState) lockPosition(userID, instrumentID string) (*model.Position, error) {
	k := posKey{userID, instrumentID}
	p, ok := st.positions[k]
	if !ok {
		p = &model.Position{UserID: userID, InstrumentID: instrumentID, Size: decimal.Zero}
		st.positions[k] = p
	}
	cp := *p
	return &cp, nil
}

func (st *memState) upsertPosition(p *model.Position) error {
	cp := *p
	st.positions[posKey{p.UserID, p.InstrumentID}] = &cp
	return nil
}

func (st *memState) netPosition(instrumentID string) (decimal.Decimal, error) {
	net := decimal.Zero
	for k, p := range st.positions {
		if k.instrumentID == instrumentID {
			net = net.Add(p.Size)
		}
	}
	return net, nil
}

func (st *memState) listUserPositionsByMarket(userID, marketID string) ([]model.Position, error) {
	var out []model.Position
	for _, in := range st.instruments {
		if in.MarketID != marketID {
			continue
		}
		if p, ok := st.positions[posKey{userID, in.ID}]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func (st *memState) createTrade(t *model.Trade) error {
	if _, ok := st.trades[t.ID]; ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrConflict)
	}
	cp := *t
	st.trades[t.ID] = &cp
	return nil
}

func (st *memState) updateTrade(t *model.Trade) error {
	if _, ok := st.trades[t.ID]; !ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	cp := *t
	st.trades[t.ID] = &cp
	return nil
}

func (st *memState) getTrade(id string) (*model.Trade, error) {
	t, ok := st.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (st *memState) listTradesByUser(userID string) ([]model.Trade, error) {
	var out []model.Trade
	for _, t := range st.trades {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (st *memState) createTradeAudit(a *model.TradeAudit) error {
	if _, ok := st.audits[a.TradeID]; ok {
		return fmt.Errorf("audit for trade %s: %w", a.TradeID, ErrConflict)
	}
	cp := *a
	st.audits[a.TradeID] = &cp
	return nil
}

func (st *memState) getTradeAudit(tradeID string) (*model.TradeAudit, error) {
	a, ok := st.audits[tradeID]
	if !ok {
		return nil, fmt.Errorf("audit for trade %s: %w", tradeID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (st *memState) upsertPayout(p *model.Payout) error {
	cp := *p
	st.payouts[payoutKey{p.MarketID, p.UserID}] = &cp
	return nil
}

func (st *memState) listPayouts(marketID string) ([]model.Payout, error) {
	var out []model.Payout
	for k, p := range st.payouts {
		if k.marketID == marketID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (st *memState) deletePayouts(marketID string) error {
	for k := range st.payouts {
		if k.marketID == marketID {
			delete(st.payouts, k)
		}
	}
	return nil
}

func (st *memState) appendPricePoint(pp *model.PricePoint) error {
	st.pricePoints = append(st.pricePoints, *pp)
	return nil
}

func (st *memState) listPricePoints(instrumentID string) ([]model.PricePoint, error) {
	var out []model.PricePoint
	for _, pp := range st.pricePoints {
		if pp.InstrumentID == instrumentID {
			out = append(out, pp)
		}
	}
	return out, nil
}
