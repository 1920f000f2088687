// Package history records instrument price changes as an append-only time
// series. Price points are tagged with their cause and market-relative time
// and are never mutated or deleted, so the series is directly chartable.
package history

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// Recorder appends price points and stamps the instrument's current price.
type Recorder struct {
	st store.Store
}

// New creates a recorder over the given store.
func New(st store.Store) *Recorder {
	return &Recorder{st: st}
}

// Record sets the instrument's price, stamps wall and market-relative time,
// and appends one price point with the given source. The instrument is
// mutated in place so callers see the stamped state. The price is stored at
// the precision the caller computed it at; only cash rounds to currency
// precision.
func (r *Recorder) Record(ctx context.Context, in *model.Instrument, price decimal.Decimal,
	now time.Time, marketTime int64, source model.PriceSource) error {

	in.Price = price
	in.PriceUpdatedAt = now
	in.PriceUpdatedAtMarketTime = marketTime

	if err := r.st.UpdateInstrument(ctx, in); err != nil {
		return err
	}

	return r.st.AppendPricePoint(ctx, &model.PricePoint{
		InstrumentID:      in.ID,
		Timestamp:         now,
		MarketTimeSeconds: marketTime,
		Value:             in.Price,
		Source:            source,
	})
}

// Series returns the full price history of one instrument, oldest first.
func (r *Recorder) Series(ctx context.Context, instrumentID string) ([]model.PricePoint, error) {
	return r.st.ListPricePoints(ctx, instrumentID)
}
