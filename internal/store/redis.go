package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openpredict/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over markets and instruments. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Everything else passes through.
type CachedStore struct {
	Store // primary; embedded so uncached operations pass through

	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func marketCacheKey(id string) string      { return fmt.Sprintf("market:%s", id) }
func instrumentCacheKey(id string) string  { return fmt.Sprintf("instrument:%s", id) }
func marketInstrumentsKey(id string) string { return fmt.Sprintf("market-instruments:%s", id) }

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketCacheKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketCacheKey(id), m)
	return m, nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentCacheKey(id)).Bytes()
	if err == nil {
		var in model.Instrument
		if json.Unmarshal(data, &in) == nil {
			return &in, nil
		}
	}

	in, err := s.Store.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, instrumentCacheKey(id), in)
	return in, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context, marketID string) ([]model.Instrument, error) {
	data, err := s.rdb.Get(ctx, marketInstrumentsKey(marketID)).Bytes()
	if err == nil {
		var ins []model.Instrument
		if json.Unmarshal(data, &ins) == nil {
			return ins, nil
		}
	}

	ins, err := s.Store.ListInstruments(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketInstrumentsKey(marketID), ins)
	return ins, nil
}

// --- Write-through with invalidation ---

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.UpdateMarket(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketCacheKey(m.ID))
	return nil
}

func (s *CachedStore) IncrementTradeCount(ctx context.Context, marketID string) (int64, error) {
	count, err := s.Store.IncrementTradeCount(ctx, marketID)
	if err != nil {
		return 0, err
	}
	s.rdb.Del(ctx, marketCacheKey(marketID))
	return count, nil
}

func (s *CachedStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	if err := s.Store.CreateInstrument(ctx, in); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketInstrumentsKey(in.MarketID))
	return nil
}

func (s *CachedStore) UpdateInstrument(ctx context.Context, in *model.Instrument) error {
	if err := s.Store.UpdateInstrument(ctx, in); err != nil {
		return err
	}
	s.rdb.Del(ctx, instrumentCacheKey(in.ID), marketInstrumentsKey(in.MarketID))
	return nil
}

// WithinTx delegates to the primary, recording which markets and instruments
// the unit of work touches so their cache entries can be dropped after a
// successful commit. The Store handed to fn is the primary's transaction;
// reads inside the unit never hit the cache.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	rec := &txRecorder{}
	err := s.Store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		rec.Store = tx
		return fn(ctx, rec)
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(rec.markets)+2*len(rec.instruments))
	for _, id := range rec.markets {
		keys = append(keys, marketCacheKey(id), marketInstrumentsKey(id))
	}
	for _, id := range rec.instruments {
		keys = append(keys, instrumentCacheKey(id))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// txRecorder wraps a transactional Store and records mutated market and
// instrument IDs for post-commit cache invalidation.
type txRecorder struct {
	Store
	markets     []string
	instruments []string
}

func (r *txRecorder) UpdateMarket(ctx context.Context, m *model.Market) error {
	r.markets = append(r.markets, m.ID)
	return r.Store.UpdateMarket(ctx, m)
}

func (r *txRecorder) IncrementTradeCount(ctx context.Context, marketID string) (int64, error) {
	r.markets = append(r.markets, marketID)
	return r.Store.IncrementTradeCount(ctx, marketID)
}

func (r *txRecorder) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	r.markets = append(r.markets, in.MarketID)
	return r.Store.CreateInstrument(ctx, in)
}

func (r *txRecorder) UpdateInstrument(ctx context.Context, in *model.Instrument) error {
	r.instruments = append(r.instruments, in.ID)
	r.markets = append(r.markets, in.MarketID)
	return r.Store.UpdateInstrument(ctx, in)
}
