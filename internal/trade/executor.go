// Package trade executes trades against the cost-function market maker and
// serves the trade HTTP endpoints.
//
// All monetary values use shopspring/decimal; money is never a float64.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/history"
	"github.com/openpredict/market-engine/internal/ledger"
	"github.com/openpredict/market-engine/internal/metrics"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/pricing"
	"github.com/openpredict/market-engine/internal/store"
)

// Failure reasons recorded when a trade ends FAILED. They commit with the
// failed trade rather than aborting the unit of work.
var (
	ErrMarketNotOpen     = errors.New("trade: market is not open for trading")
	ErrNotTradeable      = errors.New("trade: instrument is not tradeable")
	ErrInsufficientFunds = errors.New("trade: cost exceeds available cash")
	ErrShortSale         = errors.New("trade: sell exceeds held shares")
)

// Executor runs the single-trade execution protocol. Every execution is one
// unit of work: either the trade commits EXECUTED with all its effects, or
// it commits FAILED with balances untouched.
type Executor struct {
	store  store.Store
	pricer *pricing.Engine
	hub    *WSHub // optional; nil disables broadcasting

	// Now is injectable for tests.
	Now func() time.Time
}

// NewExecutor creates a trade executor. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewExecutor(st store.Store, pricer *pricing.Engine, hub *WSHub) *Executor {
	return &Executor{
		store:  st,
		pricer: pricer,
		hub:    hub,
		Now:    time.Now,
	}
}

// Execute runs the trade to a terminal status. The trade must already be
// persisted as PENDING; on return it is EXECUTED or FAILED and t reflects
// the stored row. A non-nil error means the unit of work aborted on an
// unexpected failure; business rejections (market closed, insufficient
// funds, sell beyond holdings, pricing overflow) return nil with the trade
// FAILED.
func (x *Executor) Execute(ctx context.Context, t *model.Trade) error {
	start := time.Now()

	var updates []WSMessage
	err := x.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		msgs, err := x.attempt(ctx, tx, t)
		updates = msgs
		return err
	})
	if err != nil {
		slog.Error("trade aborted", "trade_id", t.ID, "user", t.UserID, "err", err)
		x.recordAbort(ctx, t)
		metrics.TradesTotal.WithLabelValues(string(model.TradeFailed)).Inc()
		return err
	}

	metrics.TradesTotal.WithLabelValues(string(t.Status)).Inc()
	metrics.TradeLatency.Observe(time.Since(start).Seconds())

	if t.Status == model.TradeExecuted && x.hub != nil {
		for _, msg := range updates {
			x.hub.Broadcast(msg)
		}
	}
	return nil
}

// attempt is the body of the unit of work. Returning nil commits: the trade
// is then terminal (EXECUTED or FAILED) with its audit written. Returning an
// error aborts the whole unit.
func (x *Executor) attempt(ctx context.Context, tx store.Store, t *model.Trade) ([]WSMessage, error) {
	in, err := tx.GetInstrument(ctx, t.InstrumentID)
	if err != nil {
		return nil, err
	}
	m, err := tx.GetMarket(ctx, in.MarketID)
	if err != nil {
		return nil, err
	}

	now := x.Now().UTC()
	t.MarketID = m.ID
	t.MarketTimeSeconds = m.InternalTime(now)

	instruments, err := tx.ListInstruments(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	var cash *model.Instrument
	var tradeables []*model.Instrument
	idx := -1
	for i := range instruments {
		switch {
		case instruments[i].Name == model.InstrumentCash:
			cash = &instruments[i]
		case instruments[i].IsTradeable:
			if instruments[i].ID == in.ID {
				idx = len(tradeables)
			}
			tradeables = append(tradeables, &instruments[i])
		}
	}
	if cash == nil {
		return nil, store.ErrNotFound
	}

	l := ledger.New(tx)

	if m.Status != model.MarketOpen {
		return nil, x.reject(ctx, tx, l, t, in.ID, cash.ID, ErrMarketNotOpen)
	}
	if !in.IsTradeable || idx < 0 {
		return nil, x.reject(ctx, tx, l, t, in.ID, cash.ID, ErrNotTradeable)
	}

	// Exclusive row holds in fixed order: traded instrument before cash.
	// Every execution takes them in this order, so two trades touching the
	// same user rows serialize without deadlocking.
	sharesBefore, err := l.Lock(ctx, t.UserID, in.ID)
	if err != nil {
		return nil, err
	}
	cashBefore, err := l.Lock(ctx, t.UserID, cash.ID)
	if err != nil {
		return nil, err
	}

	// Net positions are read without row holds: the book snapshot may move
	// under concurrent trades, which is accepted; each committed trade is
	// individually consistent.
	q, err := netPositions(ctx, tx, tradeables)
	if err != nil {
		return nil, err
	}

	cost, err := x.pricer.CostOfTrade(q, idx, t.Shares)
	if err != nil {
		slog.Warn("trade pricing failed", "trade_id", t.ID, "err", err)
		return nil, x.fail(ctx, tx, t, sharesBefore, cashBefore)
	}
	cost = cost.Round(model.CurrencyScale)

	if cost.GreaterThan(cashBefore) {
		slog.Info("trade rejected", "trade_id", t.ID, "user", t.UserID,
			"reason", ErrInsufficientFunds.Error(), "cost", cost.String(), "cash", cashBefore.String())
		return nil, x.fail(ctx, tx, t, sharesBefore, cashBefore)
	}
	if sharesBefore.Add(t.Shares).IsNegative() {
		slog.Info("trade rejected", "trade_id", t.ID, "user", t.UserID,
			"reason", ErrShortSale.Error(), "held", sharesBefore.String(), "shares", t.Shares.String())
		return nil, x.fail(ctx, tx, t, sharesBefore, cashBefore)
	}

	sharesAfter, err := l.ApplyDelta(ctx, t.UserID, in.ID, t.Shares)
	if err != nil {
		return nil, err
	}
	cashAfter, err := l.ApplyDelta(ctx, t.UserID, cash.ID, cost.Neg())
	if err != nil {
		return nil, err
	}

	t.Price = cost
	t.Status = model.TradeExecuted
	if err := tx.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}

	// The count is bumped in place against the stored row. Writing the whole
	// market back from the snapshot read above would lose concurrent
	// increments and revert lifecycle transitions committed since the read.
	if _, err := tx.IncrementTradeCount(ctx, m.ID); err != nil {
		return nil, err
	}

	// Re-price every tradeable instrument from the post-trade book and
	// append one price point each.
	q, err = netPositions(ctx, tx, tradeables)
	if err != nil {
		return nil, err
	}
	prices, err := x.pricer.MarginalPrices(q)
	if err != nil {
		return nil, err
	}
	rec := history.New(tx)
	msgs := make([]WSMessage, 0, len(tradeables))
	for i, ti := range tradeables {
		if err := rec.Record(ctx, ti, prices[i], now, t.MarketTimeSeconds, model.SourceTrading); err != nil {
			return nil, err
		}
		msgs = append(msgs, WSMessage{
			Type:         "price_update",
			MarketID:     m.ID,
			InstrumentID: ti.ID,
			Instrument:   ti.Name,
			Price:        ti.Price.String(),
			MarketTime:   t.MarketTimeSeconds,
		})
	}

	audit := model.TradeAudit{
		TradeID:      t.ID,
		CashBefore:   cashBefore,
		CashAfter:    cashAfter,
		SharesBefore: sharesBefore,
		SharesAfter:  sharesAfter,
	}
	audit = audit.Rounded()
	if err := tx.CreateTradeAudit(ctx, &audit); err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"instrument", in.Name,
		"shares", t.Shares.String(),
		"cost", cost.String(),
		"market_time", t.MarketTimeSeconds,
	)
	return msgs, nil
}

// reject fails a trade before any row holds were taken. Balances are read
// unlocked just for the audit snapshot.
func (x *Executor) reject(ctx context.Context, tx store.Store, l *ledger.Ledger,
	t *model.Trade, instrumentID, cashID string, reason error) error {

	slog.Info("trade rejected", "trade_id", t.ID, "user", t.UserID, "reason", reason.Error())
	shares, err := l.Get(ctx, t.UserID, instrumentID)
	if err != nil {
		return err
	}
	cash, err := l.Get(ctx, t.UserID, cashID)
	if err != nil {
		return err
	}
	return x.fail(ctx, tx, t, shares, cash)
}

// fail marks the trade FAILED and writes its audit with after == before.
// The unit of work still commits.
func (x *Executor) fail(ctx context.Context, tx store.Store, t *model.Trade, shares, cash decimal.Decimal) error {
	t.Status = model.TradeFailed
	if err := tx.UpdateTrade(ctx, t); err != nil {
		return err
	}
	audit := model.TradeAudit{
		TradeID:      t.ID,
		CashBefore:   cash,
		CashAfter:    cash,
		SharesBefore: shares,
		SharesAfter:  shares,
	}
	audit = audit.Rounded()
	return tx.CreateTradeAudit(ctx, &audit)
}

// recordAbort runs after an aborted unit of work: the rollback undid every
// effect, so mark the trade FAILED and snapshot the restored balances in a
// fresh unit. Best effort: a failure here is logged, not surfaced.
func (x *Executor) recordAbort(ctx context.Context, t *model.Trade) {
	err := x.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		in, err := tx.GetInstrument(ctx, t.InstrumentID)
		if err != nil {
			return err
		}
		m, err := tx.GetMarket(ctx, in.MarketID)
		if err != nil {
			return err
		}
		instruments, err := tx.ListInstruments(ctx, m.ID)
		if err != nil {
			return err
		}
		l := ledger.New(tx)
		for i := range instruments {
			if instruments[i].Name != model.InstrumentCash {
				continue
			}
			return x.reject(ctx, tx, l, t, in.ID, instruments[i].ID, errors.New("trade: execution aborted"))
		}
		return store.ErrNotFound
	})
	if err != nil {
		slog.Error("failed to record aborted trade", "trade_id", t.ID, "err", err)
	}
}

// netPositions reads the outstanding share count of each tradeable
// instrument, in the given instrument order.
func netPositions(ctx context.Context, tx store.Store, tradeables []*model.Instrument) ([]decimal.Decimal, error) {
	q := make([]decimal.Decimal, len(tradeables))
	for i, in := range tradeables {
		net, err := tx.NetPosition(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		q[i] = net
	}
	return q, nil
}
