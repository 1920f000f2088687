package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// SettlementEngine computes payouts from final ledger state. It is a pure
// projection: for every user, payout = cash position + outcome-instrument
// position, rounded to currency precision. Re-running while the market
// stays SETTLED recomputes amounts without duplicating rows.
type SettlementEngine struct{}

// Settle upserts one PENDING payout per (market, user). The market must
// already carry its outcome instrument.
func (e *SettlementEngine) Settle(ctx context.Context, tx store.Store, m *model.Market) error {
	if m.OutcomeInstrumentID == "" {
		return ErrInvalidOutcome
	}

	instruments, err := tx.ListInstruments(ctx, m.ID)
	if err != nil {
		return err
	}
	var cashID string
	for _, in := range instruments {
		if in.Name == model.InstrumentCash {
			cashID = in.ID
			break
		}
	}
	if cashID == "" {
		return fmt.Errorf("market %s has no cash instrument: %w", m.ID, store.ErrNotFound)
	}

	users, err := tx.ListUsers(ctx)
	if err != nil {
		return err
	}

	for _, userID := range users {
		cash, err := positionSize(ctx, tx, userID, cashID)
		if err != nil {
			return err
		}
		outcome, err := positionSize(ctx, tx, userID, m.OutcomeInstrumentID)
		if err != nil {
			return err
		}

		payout := &model.Payout{
			MarketID: m.ID,
			UserID:   userID,
			Amount:   cash.Add(outcome).Round(model.CurrencyScale),
			Status:   model.PayoutPending,
		}
		if err := tx.UpsertPayout(ctx, payout); err != nil {
			return fmt.Errorf("upsert payout (%s, %s): %w", m.ID, userID, err)
		}
	}
	return nil
}

func positionSize(ctx context.Context, tx store.Store, userID, instrumentID string) (decimal.Decimal, error) {
	p, err := tx.GetPosition(ctx, userID, instrumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return p.Size, nil
}
