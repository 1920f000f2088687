package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the same
// query methods serve pooled reads and transactional units of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Row-level exclusive holds use SELECT ... FOR UPDATE inside a transaction.
type PostgresStore struct {
	pool *pgxpool.Pool // nil for tx-scoped stores
	q    querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// WithinTx runs fn inside one database transaction. The Store handed to fn
// routes every query through that transaction; an error rolls everything
// back, including any FOR UPDATE holds.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.pool == nil {
		return ErrNestedTx
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresStore{q: tx})
	})
}

// LockPosition acquires a FOR UPDATE hold on one (user, instrument) row,
// inserting a zero row first if none exists. The hold lasts until the
// enclosing transaction commits or rolls back.
func (s *PostgresStore) LockPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	if s.pool != nil {
		return nil, ErrNoTx
	}

	_, err := s.q.Exec(ctx,
		`INSERT INTO positions (user_id, instrument_id, size)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (user_id, instrument_id) DO NOTHING`,
		userID, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("seed position (%s, %s): %w", userID, instrumentID, err)
	}

	var p model.Position
	var size string
	err = s.q.QueryRow(ctx,
		`SELECT user_id, instrument_id, size::TEXT
		 FROM positions
		 WHERE user_id = $1 AND instrument_id = $2
		 FOR UPDATE`,
		userID, instrumentID).Scan(&p.UserID, &p.InstrumentID, &size)
	if err != nil {
		return nil, fmt.Errorf("lock position (%s, %s): %w", userID, instrumentID, err)
	}
	p.Size, _ = decimal.NewFromString(size)
	return &p, nil
}

// --- Markets ---

const marketColumns = `id, name, description, currency,
	starting_funds::TEXT, initial_yes_probability::TEXT,
	status, opening_time, closing_time,
	COALESCE(outcome_instrument_id, ''), executed_trade_count, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var startingFunds, initialYes string
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Currency,
		&startingFunds, &initialYes,
		&m.Status, &m.OpeningTime, &m.ClosingTime,
		&m.OutcomeInstrumentID, &m.ExecutedTradeCount, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.StartingFunds, _ = decimal.NewFromString(startingFunds)
	m.InitialYesProbability, _ = decimal.NewFromString(initialYes)
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO markets
		 (id, name, description, currency, starting_funds, initial_yes_probability,
		  status, opening_time, closing_time, outcome_instrument_id, executed_trade_count, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, NULLIF($10, ''), $11, $12)`,
		m.ID, m.Name, m.Description, m.Currency,
		m.StartingFunds.String(), m.InitialYesProbability.String(),
		m.Status, m.OpeningTime, m.ClosingTime,
		m.OutcomeInstrumentID, m.ExecutedTradeCount, m.CreatedAt)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.q.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarkets(rows)
}

func (s *PostgresStore) ListMarketsByStatus(ctx context.Context, statuses ...model.MarketStatus) ([]model.Market, error) {
	ss := make([]string, len(statuses))
	for i, st := range statuses {
		ss[i] = string(st)
	}
	rows, err := s.q.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE status = ANY($1) ORDER BY created_at, id`, ss)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarkets(rows)
}

func collectMarkets(rows pgx.Rows) ([]model.Market, error) {
	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE markets SET
		 name = $2, description = $3, currency = $4,
		 starting_funds = $5::NUMERIC, initial_yes_probability = $6::NUMERIC,
		 status = $7, opening_time = $8, closing_time = $9,
		 outcome_instrument_id = NULLIF($10, ''), executed_trade_count = $11
		 WHERE id = $1`,
		m.ID, m.Name, m.Description, m.Currency,
		m.StartingFunds.String(), m.InitialYesProbability.String(),
		m.Status, m.OpeningTime, m.ClosingTime,
		m.OutcomeInstrumentID, m.ExecutedTradeCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// IncrementTradeCount bumps the counter in place against the stored row.
// The trade path must never write the count from a snapshot: two concurrent
// trades would both persist snapshot+1 and one increment would be lost.
func (s *PostgresStore) IncrementTradeCount(ctx context.Context, marketID string) (int64, error) {
	var count int64
	err := s.q.QueryRow(ctx,
		`UPDATE markets SET executed_trade_count = executed_trade_count + 1
		 WHERE id = $1 RETURNING executed_trade_count`, marketID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// --- Instruments ---

const instrumentColumns = `id, market_id, name, is_tradeable,
	price::TEXT, price_updated_at, price_updated_at_market_time,
	starting_price::TEXT, settlement_price::TEXT`

func scanInstrument(row pgx.Row) (*model.Instrument, error) {
	var in model.Instrument
	var price, startingPrice string
	var settlementPrice *string
	err := row.Scan(&in.ID, &in.MarketID, &in.Name, &in.IsTradeable,
		&price, &in.PriceUpdatedAt, &in.PriceUpdatedAtMarketTime,
		&startingPrice, &settlementPrice)
	if err != nil {
		return nil, err
	}
	in.Price, _ = decimal.NewFromString(price)
	in.StartingPrice, _ = decimal.NewFromString(startingPrice)
	if settlementPrice != nil {
		sp, _ := decimal.NewFromString(*settlementPrice)
		in.SettlementPrice = &sp
	}
	return &in, nil
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	var settlement *string
	if in.SettlementPrice != nil {
		v := in.SettlementPrice.String()
		settlement = &v
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO instruments
		 (id, market_id, name, is_tradeable, price, price_updated_at,
		  price_updated_at_market_time, starting_price, settlement_price)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9::NUMERIC)`,
		in.ID, in.MarketID, in.Name, in.IsTradeable,
		in.Price.String(), in.PriceUpdatedAt, in.PriceUpdatedAtMarketTime,
		in.StartingPrice.String(), settlement)
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	in, err := scanInstrument(s.q.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", id, err)
	}
	return in, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context, marketID string) ([]model.Instrument, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE market_id = $1 ORDER BY name`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstruments(rows)
}

func (s *PostgresStore) ListAllInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments ORDER BY market_id, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstruments(rows)
}

func collectInstruments(rows pgx.Rows) ([]model.Instrument, error) {
	var ins []model.Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		ins = append(ins, *in)
	}
	return ins, rows.Err()
}

func (s *PostgresStore) UpdateInstrument(ctx context.Context, in *model.Instrument) error {
	var settlement *string
	if in.SettlementPrice != nil {
		v := in.SettlementPrice.String()
		settlement = &v
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE instruments SET
		 price = $2::NUMERIC, price_updated_at = $3, price_updated_at_market_time = $4,
		 starting_price = $5::NUMERIC, settlement_price = $6::NUMERIC
		 WHERE id = $1`,
		in.ID, in.Price.String(), in.PriceUpdatedAt, in.PriceUpdatedAtMarketTime,
		in.StartingPrice.String(), settlement)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", in.ID, ErrNotFound)
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) AddUser(ctx context.Context, userID string) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	return err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	var p model.Position
	var size string
	err := s.q.QueryRow(ctx,
		`SELECT user_id, instrument_id, size::TEXT
		 FROM positions WHERE user_id = $1 AND instrument_id = $2`,
		userID, instrumentID).Scan(&p.UserID, &p.InstrumentID, &size)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position (%s, %s): %w", userID, instrumentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.Size, _ = decimal.NewFromString(size)
	return &p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO positions (user_id, instrument_id, size)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, instrument_id) DO UPDATE SET size = EXCLUDED.size`,
		p.UserID, p.InstrumentID, p.Size.String())
	return err
}

func (s *PostgresStore) NetPosition(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	var net string
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(size), 0)::TEXT FROM positions WHERE instrument_id = $1`,
		instrumentID).Scan(&net)
	if err != nil {
		return decimal.Zero, err
	}
	n, _ := decimal.NewFromString(net)
	return n, nil
}

func (s *PostgresStore) ListUserPositionsByMarket(ctx context.Context, userID, marketID string) ([]model.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT p.user_id, p.instrument_id, p.size::TEXT
		 FROM positions p
		 JOIN instruments i ON i.id = p.instrument_id
		 WHERE p.user_id = $1 AND i.market_id = $2
		 ORDER BY p.instrument_id`,
		userID, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var size string
		if err := rows.Scan(&p.UserID, &p.InstrumentID, &size); err != nil {
			return nil, err
		}
		p.Size, _ = decimal.NewFromString(size)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Trades and audits ---

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO trades
		 (id, user_id, instrument_id, market_id, shares, type, timestamp,
		  market_time_seconds, status, price)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10::NUMERIC)`,
		t.ID, t.UserID, t.InstrumentID, t.MarketID,
		t.Shares.String(), t.Type, t.Timestamp,
		t.MarketTimeSeconds, t.Status, t.Price.String())
	return err
}

func (s *PostgresStore) UpdateTrade(ctx context.Context, t *model.Trade) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE trades SET status = $2, price = $3::NUMERIC, market_time_seconds = $4
		 WHERE id = $1`,
		t.ID, t.Status, t.Price.String(), t.MarketTimeSeconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

const tradeColumns = `id, user_id, instrument_id, market_id, shares::TEXT, type,
	timestamp, market_time_seconds, status, price::TEXT`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var shares, price string
	err := row.Scan(&t.ID, &t.UserID, &t.InstrumentID, &t.MarketID, &shares, &t.Type,
		&t.Timestamp, &t.MarketTimeSeconds, &t.Status, &price)
	if err != nil {
		return nil, err
	}
	t.Shares, _ = decimal.NewFromString(shares)
	t.Price, _ = decimal.NewFromString(price)
	return &t, nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.q.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTradeAudit(ctx context.Context, a *model.TradeAudit) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO trade_audits (trade_id, cash_before, cash_after, shares_before, shares_after)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)`,
		a.TradeID, a.CashBefore.String(), a.CashAfter.String(),
		a.SharesBefore.String(), a.SharesAfter.String())
	return err
}

func (s *PostgresStore) GetTradeAudit(ctx context.Context, tradeID string) (*model.TradeAudit, error) {
	var a model.TradeAudit
	var cb, ca, sb, sa string
	err := s.q.QueryRow(ctx,
		`SELECT trade_id, cash_before::TEXT, cash_after::TEXT, shares_before::TEXT, shares_after::TEXT
		 FROM trade_audits WHERE trade_id = $1`, tradeID).
		Scan(&a.TradeID, &cb, &ca, &sb, &sa)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit for trade %s: %w", tradeID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.CashBefore, _ = decimal.NewFromString(cb)
	a.CashAfter, _ = decimal.NewFromString(ca)
	a.SharesBefore, _ = decimal.NewFromString(sb)
	a.SharesAfter, _ = decimal.NewFromString(sa)
	return &a, nil
}

// --- Payouts ---

func (s *PostgresStore) UpsertPayout(ctx context.Context, p *model.Payout) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO payouts (market_id, user_id, amount, status)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (market_id, user_id)
		 DO UPDATE SET amount = EXCLUDED.amount, status = EXCLUDED.status`,
		p.MarketID, p.UserID, p.Amount.String(), p.Status)
	return err
}

func (s *PostgresStore) ListPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	rows, err := s.q.Query(ctx,
		`SELECT market_id, user_id, amount::TEXT, status
		 FROM payouts WHERE market_id = $1 ORDER BY user_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Payout
	for rows.Next() {
		var p model.Payout
		var amount string
		if err := rows.Scan(&p.MarketID, &p.UserID, &amount, &p.Status); err != nil {
			return nil, err
		}
		p.Amount, _ = decimal.NewFromString(amount)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePayouts(ctx context.Context, marketID string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM payouts WHERE market_id = $1`, marketID)
	return err
}

// --- Price history ---

func (s *PostgresStore) AppendPricePoint(ctx context.Context, pp *model.PricePoint) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO price_points (instrument_id, timestamp, market_time_seconds, value, source)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		pp.InstrumentID, pp.Timestamp, pp.MarketTimeSeconds, pp.Value.String(), pp.Source)
	return err
}

func (s *PostgresStore) ListPricePoints(ctx context.Context, instrumentID string) ([]model.PricePoint, error) {
	rows, err := s.q.Query(ctx,
		`SELECT instrument_id, timestamp, market_time_seconds, value::TEXT, source
		 FROM price_points WHERE instrument_id = $1 ORDER BY timestamp, market_time_seconds`,
		instrumentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PricePoint
	for rows.Next() {
		var pp model.PricePoint
		var value string
		if err := rows.Scan(&pp.InstrumentID, &pp.Timestamp, &pp.MarketTimeSeconds, &value, &pp.Source); err != nil {
			return nil, err
		}
		pp.Value, _ = decimal.NewFromString(value)
		out = append(out, pp)
	}
	return out, rows.Err()
}
