// Package pricing implements the cost-function automated market maker that
// prices a market's tradeable instruments from their aggregate net positions.
//
// The maker follows the Logarithmic Market Scoring Rule (Hanson, 2003) with
// potential function C(q) = (1/beta) * ln Σ exp(beta * q_i). Marginal prices
// are the softmax of beta*q, so they always sum to 1 and each lies in (0,1).
// The cost of a trade is the potential difference between the post-trade and
// pre-trade position vectors, which makes pricing path independent.
//
// All monetary values use shopspring/decimal; money is never a float64.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidBeta is returned when the liquidity parameter is not positive.
	ErrInvalidBeta = errors.New("pricing: liquidity parameter beta must be positive")

	// ErrEmptyBook is returned when the net-position vector is empty.
	ErrEmptyBook = errors.New("pricing: instrument set must not be empty")

	// ErrNonFinite is returned when a position or computed cost is not a
	// finite number. Callers must treat this as a failed trade, never a
	// coerced value.
	ErrNonFinite = errors.New("pricing: non-finite value in computation")

	// ErrIndexOutOfRange is returned when the traded instrument index does
	// not address the position vector.
	ErrIndexOutOfRange = errors.New("pricing: instrument index out of range")
)

// PriceScale is the number of decimal places for marginal price rounding.
const PriceScale int32 = 8

// DefaultBeta is the engine-wide default liquidity parameter. Higher beta
// means a steeper price response to position imbalance.
var DefaultBeta = decimal.NewFromFloat(0.01)

// Engine is a stateless LMSR market maker. Net positions are passed as
// arguments, not stored; the only configuration is beta.
type Engine struct {
	beta float64
}

// New creates a pricing engine with the given liquidity parameter.
func New(beta decimal.Decimal) (*Engine, error) {
	b := beta.InexactFloat64()
	if !(b > 0) || math.IsInf(b, 1) {
		return nil, ErrInvalidBeta
	}
	return &Engine{beta: b}, nil
}

// Beta returns the liquidity parameter.
func (e *Engine) Beta() decimal.Decimal {
	return decimal.NewFromFloat(e.beta)
}

// exponents converts a net-position vector to beta-scaled float exponents,
// rejecting non-finite inputs.
func (e *Engine) exponents(q []decimal.Decimal) ([]float64, error) {
	if len(q) == 0 {
		return nil, ErrEmptyBook
	}
	xs := make([]float64, len(q))
	for i, qi := range q {
		x := qi.InexactFloat64()
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, ErrNonFinite
		}
		xs[i] = e.beta * x
	}
	return xs, nil
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow: LSE(x) = max(x) + ln(Σ exp(x_i - max(x))).
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// MarginalPrices returns the current marginal price of every instrument:
//
//	p_i = exp(beta*q_i) / Σ_j exp(beta*q_j)
//
// The softmax guarantees Σ p_i = 1 and each p_i in (0,1). Uses
// max-subtraction for numerical stability.
func (e *Engine) MarginalPrices(q []decimal.Decimal) ([]decimal.Decimal, error) {
	xs, err := e.exponents(q)
	if err != nil {
		return nil, err
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	exps := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		exps[i] = math.Exp(x - maxVal)
		sum += exps[i]
	}

	prices := make([]decimal.Decimal, len(xs))
	for i, ex := range exps {
		prices[i] = decimal.NewFromFloat(ex / sum).Round(PriceScale)
	}
	return prices, nil
}

// CostOfTrade returns the cost to move instrument i's net position by delta:
//
//	cost = (1/beta) * ln( Σ_j exp(beta*q'_j) / Σ_j exp(beta*q_j) )
//
// where q' equals q except q'_i = q_i + delta. Positive for buys, negative
// (a payout to the trader) for sells. A zero delta costs zero.
func (e *Engine) CostOfTrade(q []decimal.Decimal, i int, delta decimal.Decimal) (decimal.Decimal, error) {
	xs, err := e.exponents(q)
	if err != nil {
		return decimal.Zero, err
	}
	if i < 0 || i >= len(xs) {
		return decimal.Zero, ErrIndexOutOfRange
	}

	d := delta.InexactFloat64()
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return decimal.Zero, ErrNonFinite
	}

	before := logSumExp(xs)
	xs[i] += e.beta * d
	after := logSumExp(xs)

	cost := (after - before) / e.beta
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return decimal.Zero, ErrNonFinite
	}
	return decimal.NewFromFloat(cost).Round(PriceScale), nil
}
