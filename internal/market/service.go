// Package market owns the market lifecycle state machine and settlement.
//
// Lifecycle transitions are explicit commands (Create, ScheduleTick,
// UpdateStartingFunds, UpdateInitialYesProbability, Settle, Unsettle,
// Suspend, Resume, OnboardUser), each running inside one atomic unit of
// work. Derived actions (position resets, initial re-pricing, payout
// computation) happen inside the same command, never as hidden side effects
// of a generic save.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/history"
	"github.com/openpredict/market-engine/internal/ledger"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

var (
	// ErrInvalidSchedule is returned when a market's closing time does not
	// follow its opening time.
	ErrInvalidSchedule = errors.New("market: closing time must follow opening time")

	// ErrInvalidProbability is returned when the initial yes probability is
	// outside (0,1).
	ErrInvalidProbability = errors.New("market: initial yes probability must be in (0,1)")

	// ErrInvalidCurrency is returned for an unsupported currency code.
	ErrInvalidCurrency = errors.New("market: unsupported currency")

	// ErrInvalidOutcome is returned when the assigned outcome is not a
	// tradeable instrument of the market being settled.
	ErrInvalidOutcome = errors.New("market: outcome must be a tradeable instrument of this market")

	// ErrNotSettled is returned when unsettling a market that is not SETTLED.
	ErrNotSettled = errors.New("market: market is not settled")

	// ErrTerminalStatus is returned when an operator action is not valid
	// for the market's current status.
	ErrTerminalStatus = errors.New("market: operation not valid in current status")
)

var validCurrencies = map[string]bool{
	model.CurrencyTOK: true,
	model.CurrencyEUR: true,
	model.CurrencyUSD: true,
	model.CurrencyGBP: true,
}

// Service drives market lifecycle transitions over the store.
type Service struct {
	store      store.Store
	settlement *SettlementEngine

	// Now supplies the clock; replaced in tests.
	Now func() time.Time

	// OnSettled, when set, is called after a settle commits. Used to
	// broadcast the settlement to WebSocket clients.
	OnSettled func(marketID, outcomeInstrumentID string)

	// DefaultStartingFunds and DefaultInitialYesProbability fill in
	// CreateParams fields the operator omits. Zero leaves them unset and
	// Create validation applies to the omitted value as-is.
	DefaultStartingFunds         decimal.Decimal
	DefaultInitialYesProbability decimal.Decimal
}

// NewService creates a lifecycle service.
func NewService(st store.Store) *Service {
	return &Service{
		store:      st,
		settlement: &SettlementEngine{},
		Now:        time.Now,
	}
}

// CreateParams are the operator-supplied parameters for a new market.
type CreateParams struct {
	Name                  string          `json:"name"`
	Description           string          `json:"description"`
	Currency              string          `json:"currency"`
	StartingFunds         decimal.Decimal `json:"starting_funds"`
	InitialYesProbability decimal.Decimal `json:"initial_yes_probability"`
	OpeningTime           time.Time       `json:"opening_time"`
	ClosingTime           time.Time       `json:"closing_time"`
}

func (p CreateParams) validate() error {
	if p.Name == "" {
		return errors.New("market: name is required")
	}
	if !validCurrencies[p.Currency] {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, p.Currency)
	}
	if p.StartingFunds.IsNegative() {
		return errors.New("market: starting funds must not be negative")
	}
	one := decimal.NewFromInt(1)
	if p.InitialYesProbability.LessThanOrEqual(decimal.Zero) || p.InitialYesProbability.GreaterThanOrEqual(one) {
		return ErrInvalidProbability
	}
	if !p.ClosingTime.After(p.OpeningTime) {
		return ErrInvalidSchedule
	}
	return nil
}

// Create persists a new PENDING market, creates its three instruments
// ("Yes", "No" tradeable, "Cash" fixed at 1), writes INITIAL price points,
// and resets every existing user's positions (cash = starting funds,
// outcomes = 0). All in one unit of work.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Market, error) {
	if p.StartingFunds.IsZero() {
		p.StartingFunds = s.DefaultStartingFunds
	}
	if p.InitialYesProbability.IsZero() {
		p.InitialYesProbability = s.DefaultInitialYesProbability
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	m := &model.Market{
		ID:                    uuid.New().String(),
		Name:                  p.Name,
		Description:           p.Description,
		Currency:              p.Currency,
		StartingFunds:         p.StartingFunds,
		InitialYesProbability: p.InitialYesProbability,
		Status:                model.MarketPending,
		OpeningTime:           p.OpeningTime,
		ClosingTime:           p.ClosingTime,
		CreatedAt:             now,
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateMarket(ctx, m); err != nil {
			return err
		}

		yesPrice := p.InitialYesProbability.Round(model.CurrencyScale)
		noPrice := decimal.NewFromInt(1).Sub(p.InitialYesProbability).Round(model.CurrencyScale)
		seed := []struct {
			name      string
			price     decimal.Decimal
			tradeable bool
		}{
			{model.InstrumentYes, yesPrice, true},
			{model.InstrumentNo, noPrice, true},
			{model.InstrumentCash, decimal.NewFromInt(1), false},
		}

		rec := history.New(tx)
		for _, sd := range seed {
			in := &model.Instrument{
				ID:             uuid.New().String(),
				MarketID:       m.ID,
				Name:           sd.name,
				IsTradeable:    sd.tradeable,
				Price:          sd.price,
				PriceUpdatedAt: now,
				StartingPrice:  sd.price,
			}
			if err := tx.CreateInstrument(ctx, in); err != nil {
				return err
			}
			if sd.tradeable {
				if err := rec.Record(ctx, in, sd.price, now, 0, model.SourceInitial); err != nil {
					return err
				}
			}
		}

		return ledger.New(tx).ResetAll(ctx, m.ID, startingSizes(m.StartingFunds))
	})
	if err != nil {
		return nil, err
	}

	slog.Info("market created",
		"id", m.ID,
		"name", m.Name,
		"currency", m.Currency,
		"starting_funds", m.StartingFunds.String(),
		"initial_yes", m.InitialYesProbability.String(),
	)
	return m, nil
}

// startingSizes is the position reset vector: cash gets the starting funds,
// every outcome instrument goes to zero.
func startingSizes(startingFunds decimal.Decimal) map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		model.InstrumentCash: startingFunds,
		model.InstrumentYes:  decimal.Zero,
		model.InstrumentNo:   decimal.Zero,
	}
}

// TickResult reports one schedule tick over all PENDING/OPEN markets. A
// single market's failure never blocks the others.
type TickResult struct {
	Scheduled []string    `json:"scheduled_markets"`
	Errors    []TickError `json:"errors,omitempty"`
}

// TickError is one market's scheduling failure.
type TickError struct {
	MarketID string `json:"market_id"`
	Error    string `json:"error"`
}

// ScheduleTick applies time-driven transitions: PENDING/OPEN markets open
// when now reaches their opening time and close when it reaches their
// closing time. Idempotent: repeated ticks before a boundary are no-ops.
func (s *Service) ScheduleTick(ctx context.Context) TickResult {
	result := TickResult{Scheduled: []string{}}

	markets, err := s.store.ListMarketsByStatus(ctx, model.MarketPending, model.MarketOpen)
	if err != nil {
		result.Errors = append(result.Errors, TickError{Error: err.Error()})
		return result
	}

	now := s.Now().UTC()
	for i := range markets {
		m := markets[i]
		moved, err := s.scheduleOne(ctx, &m, now)
		if err != nil {
			slog.Error("schedule tick failed", "market_id", m.ID, "err", err)
			result.Errors = append(result.Errors, TickError{MarketID: m.ID, Error: err.Error()})
			continue
		}
		if moved {
			result.Scheduled = append(result.Scheduled, m.ID)
		}
	}
	return result
}

// scheduleOne applies the transition due for one market, if any, and
// reports whether the status changed.
func (s *Service) scheduleOne(ctx context.Context, m *model.Market, now time.Time) (bool, error) {
	if !m.ClosingTime.After(m.OpeningTime) {
		return false, ErrInvalidSchedule
	}

	var next model.MarketStatus
	switch {
	case !now.Before(m.ClosingTime):
		next = model.MarketClosed
	case !now.Before(m.OpeningTime):
		next = model.MarketOpen
	default:
		return false, nil // before the opening boundary, nothing to do
	}

	if next == m.Status {
		return false, nil
	}

	moved := false
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.GetMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		if cur.Status != model.MarketPending && cur.Status != model.MarketOpen {
			return nil // suspended or settled since listing; leave it alone
		}
		if cur.Status == next {
			return nil
		}
		cur.Status = next
		if err := tx.UpdateMarket(ctx, cur); err != nil {
			return err
		}
		moved = true
		slog.Info("market transitioned", "market_id", cur.ID, "status", next)
		return nil
	})
	return moved, err
}

// UpdateStartingFunds changes a market's cash grant and resets every user's
// positions for this market (cash to the new value, outcomes to zero).
// A no-op when the value is unchanged.
func (s *Service) UpdateStartingFunds(ctx context.Context, marketID string, funds decimal.Decimal) error {
	if funds.IsNegative() {
		return errors.New("market: starting funds must not be negative")
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.StartingFunds.Equal(funds) {
			return nil
		}
		m.StartingFunds = funds
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		if err := ledger.New(tx).ResetAll(ctx, m.ID, startingSizes(funds)); err != nil {
			return err
		}
		slog.Info("starting funds updated", "market_id", m.ID, "starting_funds", funds.String())
		return nil
	})
}

// UpdateInitialYesProbability changes the seed probability and rewrites the
// INITIAL prices of the outcome instruments. Positions are untouched.
func (s *Service) UpdateInitialYesProbability(ctx context.Context, marketID string, p decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	if p.LessThanOrEqual(decimal.Zero) || p.GreaterThanOrEqual(one) {
		return ErrInvalidProbability
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.InitialYesProbability.Equal(p) {
			return nil
		}
		m.InitialYesProbability = p
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		instruments, err := tx.ListInstruments(ctx, m.ID)
		if err != nil {
			return err
		}
		now := s.Now().UTC()
		marketTime := m.InternalTime(now)
		rec := history.New(tx)
		for i := range instruments {
			in := instruments[i]
			if !in.IsTradeable {
				continue
			}
			price := p
			if in.Name == model.InstrumentNo {
				price = one.Sub(p)
			}
			in.StartingPrice = price.Round(model.CurrencyScale)
			if err := rec.Record(ctx, &in, price, now, marketTime, model.SourceInitial); err != nil {
				return err
			}
		}
		slog.Info("initial prices rewritten", "market_id", m.ID, "initial_yes", p.String())
		return nil
	})
}

// Suspend halts trading. Valid from any non-terminal state.
func (s *Service) Suspend(ctx context.Context, marketID string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status == model.MarketSettled {
			return ErrTerminalStatus
		}
		if m.Status == model.MarketSuspended {
			return nil
		}
		m.Status = model.MarketSuspended
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		slog.Info("market suspended", "market_id", m.ID)
		return nil
	})
}

// Resume lifts a suspension; the market returns to the status its schedule
// dictates at the current time.
func (s *Service) Resume(ctx context.Context, marketID string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketSuspended {
			return ErrTerminalStatus
		}

		now := s.Now().UTC()
		switch {
		case !now.Before(m.ClosingTime):
			m.Status = model.MarketClosed
		case !now.Before(m.OpeningTime):
			m.Status = model.MarketOpen
		default:
			m.Status = model.MarketPending
		}
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		slog.Info("market resumed", "market_id", m.ID, "status", m.Status)
		return nil
	})
}

// Settle assigns the outcome instrument, marks the market SETTLED, records
// settlement prices, and computes one payout per user from final positions.
// Re-running with the same outcome recomputes payouts without duplicating
// rows.
func (s *Service) Settle(ctx context.Context, marketID, outcomeInstrumentID string) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		outcome, err := tx.GetInstrument(ctx, outcomeInstrumentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidOutcome
			}
			return err
		}
		if outcome.MarketID != m.ID || !outcome.IsTradeable {
			return ErrInvalidOutcome
		}

		m.OutcomeInstrumentID = outcome.ID
		m.Status = model.MarketSettled
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		now := s.Now().UTC()
		if err := s.recordSettlementPrices(ctx, tx, m, now); err != nil {
			return err
		}
		return s.settlement.Settle(ctx, tx, m)
	})
	if err != nil {
		return err
	}
	slog.Info("market settled", "market_id", marketID, "outcome_instrument_id", outcomeInstrumentID)
	if s.OnSettled != nil {
		s.OnSettled(marketID, outcomeInstrumentID)
	}
	return nil
}

// recordSettlementPrices stamps each tradeable instrument's settlement
// price (1 for the outcome, 0 otherwise) and appends SETTLEMENT price
// points so the history series ends with the resolution.
func (s *Service) recordSettlementPrices(ctx context.Context, tx store.Store, m *model.Market, now time.Time) error {
	instruments, err := tx.ListInstruments(ctx, m.ID)
	if err != nil {
		return err
	}
	marketTime := m.InternalTime(now)
	rec := history.New(tx)
	for i := range instruments {
		in := instruments[i]
		if !in.IsTradeable {
			continue
		}
		price := decimal.Zero
		if in.ID == m.OutcomeInstrumentID {
			price = decimal.NewFromInt(1)
		}
		sp := price
		in.SettlementPrice = &sp
		if err := rec.Record(ctx, &in, price, now, marketTime, model.SourceSettlement); err != nil {
			return err
		}
	}
	return nil
}

// Unsettle clears the outcome, returns the market to CLOSED, and deletes
// every payout for it. Positions are untouched.
func (s *Service) Unsettle(ctx context.Context, marketID string) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketSettled {
			return ErrNotSettled
		}

		m.OutcomeInstrumentID = ""
		m.Status = model.MarketClosed
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		instruments, err := tx.ListInstruments(ctx, m.ID)
		if err != nil {
			return err
		}
		for i := range instruments {
			in := instruments[i]
			if in.SettlementPrice == nil {
				continue
			}
			in.SettlementPrice = nil
			if err := tx.UpdateInstrument(ctx, &in); err != nil {
				return err
			}
		}

		return tx.DeletePayouts(ctx, m.ID)
	})
	if err != nil {
		return err
	}
	slog.Info("market unsettled", "market_id", marketID)
	return nil
}

// OnboardUser registers a user identifier supplied by the identity
// collaborator and seeds positions in every existing market: the market's
// starting funds in cash, zero in each outcome instrument.
func (s *Service) OnboardUser(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("market: user id is required")
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.AddUser(ctx, userID); err != nil {
			return err
		}
		markets, err := tx.ListMarkets(ctx)
		if err != nil {
			return err
		}
		l := ledger.New(tx)
		for _, m := range markets {
			if err := l.ResetUser(ctx, userID, m.ID, startingSizes(m.StartingFunds)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("user onboarded", "user_id", userID)
	return nil
}
