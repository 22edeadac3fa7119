package repository

import (
	"context"
	"sort"
	"sync"

	"market-watch/internal/models"
)

// MemoryTradeStore keeps trade logs in process. Transactions work on a
// copy of the touched logs and swap them in on commit.
type MemoryTradeStore struct {
	mu   sync.RWMutex
	logs map[models.Platform][]models.Trade
}

func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{
		logs: make(map[models.Platform][]models.Trade),
	}
}

func (s *MemoryTradeStore) InTx(ctx context.Context, fn func(log TradeLog) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{parent: s, staged: make(map[models.Platform][]models.Trade)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for p, trades := range tx.staged {
		s.logs[p] = trades
	}
	return nil
}

func (s *MemoryTradeStore) CountInRange(ctx context.Context, platform models.Platform, minTime, maxTime int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := rangeBounds(s.logs[platform], minTime, maxTime)
	return int64(hi - lo), nil
}

func (s *MemoryTradeStore) StreamInRange(ctx context.Context, platform models.Platform, minTime, maxTime int64, fn func(models.Trade) error) error {
	s.mu.RLock()
	log := s.logs[platform]
	lo, hi := rangeBounds(log, minTime, maxTime)
	snapshot := make([]models.Trade, hi-lo)
	copy(snapshot, log[lo:hi])
	s.mu.RUnlock()

	for _, t := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

// All returns a copy of the full log for a platform.
func (s *MemoryTradeStore) All(platform models.Platform) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Trade, len(s.logs[platform]))
	copy(out, s.logs[platform])
	return out
}

// rangeBounds returns the index window of trades with minTime < time < maxTime.
func rangeBounds(log []models.Trade, minTime, maxTime int64) (int, int) {
	lo := sort.Search(len(log), func(i int) bool { return log[i].Time > minTime })
	hi := sort.Search(len(log), func(i int) bool { return log[i].Time >= maxTime })
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

type memoryTx struct {
	parent *MemoryTradeStore
	staged map[models.Platform][]models.Trade
}

func (tx *memoryTx) current(p models.Platform) []models.Trade {
	if trades, ok := tx.staged[p]; ok {
		return trades
	}
	return tx.parent.logs[p]
}

func (tx *memoryTx) MaxTime(ctx context.Context, platform models.Platform) (int64, bool, error) {
	log := tx.current(platform)
	if len(log) == 0 {
		return 0, false, nil
	}
	return log[len(log)-1].Time, true, nil
}

func (tx *memoryTx) DeleteWhereTimeAtLeast(ctx context.Context, platform models.Platform, t int64) (int64, error) {
	log := tx.current(platform)
	cut := sort.Search(len(log), func(i int) bool { return log[i].Time >= t })

	kept := make([]models.Trade, cut)
	copy(kept, log[:cut])
	tx.staged[platform] = kept
	return int64(len(log) - cut), nil
}

func (tx *memoryTx) BulkInsert(ctx context.Context, platform models.Platform, trades []models.Trade) (int, error) {
	log := tx.current(platform)

	merged := make([]models.Trade, 0, len(log)+len(trades))
	merged = append(merged, log...)
	for _, t := range trades {
		t.Platform = platform
		merged = append(merged, t)
	}
	models.SortTrades(merged)

	tx.staged[platform] = merged
	return len(trades), nil
}
