// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal; money is never a float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle stage of a market.
type MarketStatus string

const (
	// MarketPending: the market is being set up and is not yet open for trading.
	MarketPending MarketStatus = "PENDING"
	// MarketOpen: the market is open for trading.
	MarketOpen MarketStatus = "OPEN"
	// MarketSuspended: trading is temporarily halted by an operator.
	MarketSuspended MarketStatus = "SUSPENDED"
	// MarketClosed: trading is over, awaiting outcome determination.
	MarketClosed MarketStatus = "CLOSED"
	// MarketSettled: the outcome is assigned and payouts are computed.
	MarketSettled MarketStatus = "SETTLED"
)

// Supported settlement currencies.
const (
	CurrencyTOK = "TOK"
	CurrencyEUR = "EUR"
	CurrencyUSD = "USD"
	CurrencyGBP = "GBP"
)

// CurrencyScale is the number of decimal places for cash amounts, trade
// prices and payouts.
const CurrencyScale int32 = 2

// Instrument names seeded into every market.
const (
	InstrumentYes  = "Yes"
	InstrumentNo   = "No"
	InstrumentCash = "Cash"
)

// Market represents one binary prediction market.
//
// OutcomeInstrumentID is non-empty iff Status is MarketSettled.
type Market struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`
	Currency    string `json:"currency" db:"currency"`

	// StartingFunds is the cash grant every user receives for this market.
	StartingFunds decimal.Decimal `json:"starting_funds" db:"starting_funds"`

	// InitialYesProbability seeds the "Yes" price at creation, in (0,1).
	InitialYesProbability decimal.Decimal `json:"initial_yes_probability" db:"initial_yes_probability"`

	Status      MarketStatus `json:"status" db:"status"`
	OpeningTime time.Time    `json:"opening_time" db:"opening_time"`
	ClosingTime time.Time    `json:"closing_time" db:"closing_time"`

	OutcomeInstrumentID string `json:"outcome_instrument_id,omitempty" db:"outcome_instrument_id"`

	ExecutedTradeCount int64     `json:"executed_trade_count" db:"executed_trade_count"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// InternalTime returns the market-relative clock at now: whole seconds
// elapsed since the opening instant, floored at zero.
func (m *Market) InternalTime(now time.Time) int64 {
	secs := int64(now.Sub(m.OpeningTime).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// Instrument is one tradeable outcome ("Yes"/"No") or the cash instrument
// of a market. Created once with its market, never deleted while the market
// exists.
type Instrument struct {
	ID       string `json:"id" db:"id"`
	MarketID string `json:"market_id" db:"market_id"`
	Name     string `json:"name" db:"name"`

	IsTradeable bool `json:"is_tradeable" db:"is_tradeable"`

	// Price is the current marginal price. The cash instrument is fixed at 1.
	Price decimal.Decimal `json:"price" db:"price"`

	// PriceUpdatedAt / PriceUpdatedAtMarketTime record when the price last
	// changed, in wall time and market-relative seconds.
	PriceUpdatedAt           time.Time `json:"price_updated_at" db:"price_updated_at"`
	PriceUpdatedAtMarketTime int64     `json:"price_updated_at_market_time" db:"price_updated_at_market_time"`

	StartingPrice decimal.Decimal `json:"starting_price" db:"starting_price"`

	// SettlementPrice is set when the market settles: 1 for the outcome
	// instrument, 0 for the rest. Nil while unsettled.
	SettlementPrice *decimal.Decimal `json:"settlement_price,omitempty" db:"settlement_price"`
}

// OutcomeStatus reports Won/Lost/Pending for a tradeable instrument given
// its market.
func (i *Instrument) OutcomeStatus(m *Market) string {
	if m.Status != MarketSettled {
		return "Pending"
	}
	if m.OutcomeInstrumentID == i.ID {
		return "Won"
	}
	return "Lost"
}

// Position is one user's holding of one instrument. Size is never negative,
// cash included.
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Size         decimal.Decimal `json:"size" db:"size"`
}

// TradeType distinguishes buys from sells; it must agree in sign with the
// trade's share quantity.
type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

// TradeStatus is the execution status of a trade. A trade is created
// PENDING and becomes EXECUTED or FAILED exactly once.
type TradeStatus string

const (
	TradePending  TradeStatus = "PENDING"
	TradeExecuted TradeStatus = "EXECUTED"
	TradeFailed   TradeStatus = "FAILED"
)

// Trade is one attempt to buy or sell shares of an instrument.
// Shares is signed: positive = buy, negative = sell.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	Type         TradeType       `json:"type" db:"type"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`

	MarketTimeSeconds int64       `json:"market_time_seconds" db:"market_time_seconds"`
	Status            TradeStatus `json:"status" db:"status"`

	// Price is the cost actually charged, set on the execution attempt,
	// rounded to currency precision.
	Price decimal.Decimal `json:"price" db:"price"`
}

// TradeAudit is the immutable before/after balance snapshot written once,
// when the trade's terminal status is decided. For failed trades the after
// values equal the before values.
type TradeAudit struct {
	TradeID      string          `json:"trade_id" db:"trade_id"`
	CashBefore   decimal.Decimal `json:"cash_before" db:"cash_before"`
	CashAfter    decimal.Decimal `json:"cash_after" db:"cash_after"`
	SharesBefore decimal.Decimal `json:"shares_before" db:"shares_before"`
	SharesAfter  decimal.Decimal `json:"shares_after" db:"shares_after"`
}

// Rounded returns a copy with cash amounts rounded to currency precision.
func (a TradeAudit) Rounded() TradeAudit {
	a.CashBefore = a.CashBefore.Round(CurrencyScale)
	a.CashAfter = a.CashAfter.Round(CurrencyScale)
	return a
}

// PayoutStatus is the disbursement status of a payout.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutPaid      PayoutStatus = "PAID"
	PayoutCancelled PayoutStatus = "CANCELLED"
)

// Payout is one user's settlement claim on one market: cash plus outcome
// holdings at settlement time. Recomputed on every (re)settlement, deleted
// on unsettle.
type Payout struct {
	MarketID string          `json:"market_id" db:"market_id"`
	UserID   string          `json:"user_id" db:"user_id"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	Status   PayoutStatus    `json:"status" db:"status"`
}

// PriceSource tags what caused a price point to be written.
type PriceSource string

const (
	SourceInitial    PriceSource = "INITIAL"
	SourceTrading    PriceSource = "TRADING"
	SourceSettlement PriceSource = "SETTLEMENT"
)

// PricePoint is one entry of the append-only price history of an
// instrument. Never mutated or deleted.
type PricePoint struct {
	InstrumentID      string          `json:"instrument_id" db:"instrument_id"`
	Timestamp         time.Time       `json:"timestamp" db:"timestamp"`
	MarketTimeSeconds int64           `json:"market_time_seconds" db:"market_time_seconds"`
	Value             decimal.Decimal `json:"value" db:"value"`
	Source            PriceSource     `json:"source" db:"source"`
}
