// Package ledger owns per-(user, instrument) balances. It provides locked
// read-modify-write access scoped to a unit of work and the bulk resets the
// market lifecycle uses to seed positions.
//
// A delta that would make a holding negative is rejected with
// ErrNegativePosition, never silently dropped.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// ErrNegativePosition is returned when applying a delta would make a
// holding negative. No balance may ever go below zero, cash included.
var ErrNegativePosition = errors.New("ledger: position would become negative")

// Ledger provides balance access over one Store. Bind it to a transactional
// store inside a unit of work to get exclusive row holds on mutation.
type Ledger struct {
	st store.Store
}

// New creates a ledger over the given store.
func New(st store.Store) *Ledger {
	return &Ledger{st: st}
}

// Get returns the user's holding of one instrument; absent rows read as zero.
func (l *Ledger) Get(ctx context.Context, userID, instrumentID string) (decimal.Decimal, error) {
	p, err := l.st.GetPosition(ctx, userID, instrumentID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return p.Size, nil
}

// NetPosition returns the sum of all users' holdings of one instrument.
func (l *Ledger) NetPosition(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	return l.st.NetPosition(ctx, instrumentID)
}

// Lock acquires an exclusive hold on the (user, instrument) row and returns
// its current size. Valid only inside a unit of work.
func (l *Ledger) Lock(ctx context.Context, userID, instrumentID string) (decimal.Decimal, error) {
	p, err := l.st.LockPosition(ctx, userID, instrumentID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Size, nil
}

// ApplyDelta mutates one holding under an exclusive hold and returns the new
// size. The hold serializes concurrent mutations of the same row; a result
// below zero is rejected with ErrNegativePosition and nothing is written.
func (l *Ledger) ApplyDelta(ctx context.Context, userID, instrumentID string, delta decimal.Decimal) (decimal.Decimal, error) {
	p, err := l.st.LockPosition(ctx, userID, instrumentID)
	if err != nil {
		return decimal.Zero, err
	}

	newSize := p.Size.Add(delta)
	if newSize.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: (%s, %s) size %s delta %s", ErrNegativePosition,
			userID, instrumentID, p.Size, delta)
	}

	p.Size = newSize
	if err := l.st.UpsertPosition(ctx, p); err != nil {
		return decimal.Zero, err
	}
	return newSize, nil
}

// ResetAll sets every known user's positions for one market to the given
// sizes, keyed by instrument name. Idempotent: re-running writes the same
// values. Used when a market is created and when its starting funds change.
func (l *Ledger) ResetAll(ctx context.Context, marketID string, sizes map[string]decimal.Decimal) error {
	users, err := l.st.ListUsers(ctx)
	if err != nil {
		return err
	}
	instruments, err := l.st.ListInstruments(ctx, marketID)
	if err != nil {
		return err
	}

	for _, userID := range users {
		if err := l.resetUser(ctx, userID, instruments, sizes); err != nil {
			return err
		}
	}
	return nil
}

// ResetUser seeds one user's positions for one market. Used when a new user
// is onboarded into existing markets.
func (l *Ledger) ResetUser(ctx context.Context, userID, marketID string, sizes map[string]decimal.Decimal) error {
	instruments, err := l.st.ListInstruments(ctx, marketID)
	if err != nil {
		return err
	}
	return l.resetUser(ctx, userID, instruments, sizes)
}

// resetUser writes outcome instrument rows first and cash last, the same
// row order the trade path locks in, so a reset racing a trade on one user
// cannot deadlock on crossed row locks.
func (l *Ledger) resetUser(ctx context.Context, userID string, instruments []model.Instrument, sizes map[string]decimal.Decimal) error {
	ordered := make([]model.Instrument, 0, len(instruments))
	for _, in := range instruments {
		if in.Name != model.InstrumentCash {
			ordered = append(ordered, in)
		}
	}
	for _, in := range instruments {
		if in.Name == model.InstrumentCash {
			ordered = append(ordered, in)
		}
	}

	for _, in := range ordered {
		size, ok := sizes[in.Name]
		if !ok {
			continue
		}
		p := &model.Position{UserID: userID, InstrumentID: in.ID, Size: size}
		if err := l.st.UpsertPosition(ctx, p); err != nil {
			return fmt.Errorf("reset position (%s, %s): %w", userID, in.ID, err)
		}
	}
	return nil
}
