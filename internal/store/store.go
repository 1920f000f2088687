// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique constraint is violated.
	ErrConflict = errors.New("store: conflict")

	// ErrNoTx is returned when a transactional operation is invoked outside
	// a unit of work.
	ErrNoTx = errors.New("store: operation requires a unit of work")

	// ErrNestedTx is returned when a unit of work is started inside another.
	ErrNestedTx = errors.New("store: unit of work already in progress")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// WithinTx runs fn inside one atomic unit of work: every mutation made
// through the Store handed to fn commits together or not at all. Exclusive
// row holds taken with LockPosition are released when the unit ends, on
// every exit path.
type Store interface {
	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	ListMarketsByStatus(ctx context.Context, statuses ...model.MarketStatus) ([]model.Market, error)
	UpdateMarket(ctx context.Context, m *model.Market) error

	// IncrementTradeCount atomically adds one to a market's executed trade
	// count and returns the new value. The increment applies to the stored
	// row, never to a caller-held snapshot, so concurrent increments are
	// never lost.
	IncrementTradeCount(ctx context.Context, marketID string) (int64, error)

	// --- Instruments ---

	CreateInstrument(ctx context.Context, in *model.Instrument) error
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	ListInstruments(ctx context.Context, marketID string) ([]model.Instrument, error)
	ListAllInstruments(ctx context.Context) ([]model.Instrument, error)
	UpdateInstrument(ctx context.Context, in *model.Instrument) error

	// --- Users ---
	// Identity is owned by an external collaborator; the engine only keeps
	// the set of user IDs it has seeded positions for.

	AddUser(ctx context.Context, userID string) error
	ListUsers(ctx context.Context) ([]string, error)

	// --- Positions ---

	GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	// NetPosition sums one instrument's size across all users.
	NetPosition(ctx context.Context, instrumentID string) (decimal.Decimal, error)
	ListUserPositionsByMarket(ctx context.Context, userID, marketID string) ([]model.Position, error)

	// LockPosition acquires an exclusive hold on one (user, instrument) row
	// and returns its current state, creating a zero row if none exists.
	// Valid only inside WithinTx; the hold lasts until the unit ends.
	LockPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error)

	// --- Trades and audits ---

	CreateTrade(ctx context.Context, t *model.Trade) error
	UpdateTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)
	CreateTradeAudit(ctx context.Context, a *model.TradeAudit) error
	GetTradeAudit(ctx context.Context, tradeID string) (*model.TradeAudit, error)

	// --- Payouts ---

	UpsertPayout(ctx context.Context, p *model.Payout) error
	ListPayouts(ctx context.Context, marketID string) ([]model.Payout, error)
	DeletePayouts(ctx context.Context, marketID string) error

	// --- Price history (append-only, never compacted or rewritten) ---

	AppendPricePoint(ctx context.Context, pp *model.PricePoint) error
	ListPricePoints(ctx context.Context, instrumentID string) ([]model.PricePoint, error)

	// --- Unit of work ---

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
