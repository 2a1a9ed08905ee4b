// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/warp/cashback-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	s  *state
}

type state struct {
	txs         map[common.Hash]ledger.Transaction
	order       []common.Hash
	safes       map[common.Address]ledger.Safe
	weekRewards map[string]ledger.WeekReward
	weekMetrics map[ledger.WeekID]ledger.WeekMetrics
}

func newState() *state {
	return &state{
		txs:         make(map[common.Hash]ledger.Transaction),
		safes:       make(map[common.Address]ledger.Safe),
		weekRewards: make(map[string]ledger.WeekReward),
		weekMetrics: make(map[ledger.WeekID]ledger.WeekMetrics),
	}
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

// WithTx executes fn while holding the write lock.
// Rollback is simulated with a snapshot that is restored on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.s.clone()
	if err := fn(&txView{s: m.s}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// =============================================================================
// READ PATH
// =============================================================================

func (m *Memory) TransactionExists(ctx context.Context, hash common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.transactionExists(hash), nil
}

func (m *Memory) GetTransaction(ctx context.Context, hash common.Hash) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getTransaction(hash)
}

func (m *Memory) SafeTransactions(ctx context.Context, safe common.Address) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.safeTransactions(safe), nil
}

func (m *Memory) RecentTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.recentTransactions(limit), nil
}

func (m *Memory) GetSafe(ctx context.Context, addr common.Address) (ledger.Safe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getSafe(addr)
}

func (m *Memory) ListSafes(ctx context.Context) ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.listSafes(), nil
}

func (m *Memory) GetWeekReward(ctx context.Context, week ledger.WeekID, safe common.Address) (ledger.WeekReward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getWeekReward(week, safe)
}

func (m *Memory) WeekRewards(ctx context.Context, week ledger.WeekID) ([]ledger.WeekReward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.weekRewardsFor(week), nil
}

func (m *Memory) GetWeekMetrics(ctx context.Context, week ledger.WeekID) (ledger.WeekMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getWeekMetrics(week)
}

// =============================================================================
// TRANSACTIONAL VIEW - caller holds the write lock
// =============================================================================

type txView struct {
	s *state
}

func (tv *txView) TransactionExists(_ context.Context, hash common.Hash) (bool, error) {
	return tv.s.transactionExists(hash), nil
}

func (tv *txView) GetTransaction(_ context.Context, hash common.Hash) (ledger.Transaction, error) {
	return tv.s.getTransaction(hash)
}

func (tv *txView) SafeTransactions(_ context.Context, safe common.Address) ([]ledger.Transaction, error) {
	return tv.s.safeTransactions(safe), nil
}

func (tv *txView) RecentTransactions(_ context.Context, limit int) ([]ledger.Transaction, error) {
	return tv.s.recentTransactions(limit), nil
}

func (tv *txView) GetSafe(_ context.Context, addr common.Address) (ledger.Safe, error) {
	return tv.s.getSafe(addr)
}

func (tv *txView) ListSafes(_ context.Context) ([]common.Address, error) {
	return tv.s.listSafes(), nil
}

func (tv *txView) GetWeekReward(_ context.Context, week ledger.WeekID, safe common.Address) (ledger.WeekReward, error) {
	return tv.s.getWeekReward(week, safe)
}

func (tv *txView) WeekRewards(_ context.Context, week ledger.WeekID) ([]ledger.WeekReward, error) {
	return tv.s.weekRewardsFor(week), nil
}

func (tv *txView) GetWeekMetrics(_ context.Context, week ledger.WeekID) (ledger.WeekMetrics, error) {
	return tv.s.getWeekMetrics(week)
}

func (tv *txView) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	if tv.s.transactionExists(tx.Hash) {
		return ledger.ErrDuplicateEvent
	}
	tv.s.txs[tx.Hash] = tx.Clone()
	tv.s.order = append(tv.s.order, tx.Hash)
	return nil
}

func (tv *txView) GetOrCreateWeekReward(_ context.Context, week ledger.WeekID, safe common.Address) (ledger.WeekReward, error) {
	id := ledger.WeekRewardID(week, safe)
	r, ok := tv.s.weekRewards[id]
	if !ok {
		r = ledger.NewWeekReward(week, safe)
		tv.s.weekRewards[id] = r
	}
	return r.Clone(), nil
}

func (tv *txView) PutWeekReward(_ context.Context, r ledger.WeekReward) error {
	tv.s.weekRewards[r.ID()] = r.Clone()
	return nil
}

func (tv *txView) GetOrCreateSafe(_ context.Context, addr common.Address) (ledger.Safe, error) {
	s, ok := tv.s.safes[addr]
	if !ok {
		s = ledger.NewSafe(addr)
		tv.s.safes[addr] = s
	}
	return s.Clone(), nil
}

func (tv *txView) PutSafe(_ context.Context, s ledger.Safe) error {
	tv.s.safes[s.Address] = s.Clone()
	return nil
}

func (tv *txView) GetOrCreateWeekMetrics(_ context.Context, week ledger.WeekID) (ledger.WeekMetrics, error) {
	m, ok := tv.s.weekMetrics[week]
	if !ok {
		m = ledger.NewWeekMetrics(week)
		tv.s.weekMetrics[week] = m
	}
	return m.Clone(), nil
}

func (tv *txView) PutWeekMetrics(_ context.Context, m ledger.WeekMetrics) error {
	tv.s.weekMetrics[m.Week] = m.Clone()
	return nil
}

// =============================================================================
// STATE - lock-free helpers shared by both views
// =============================================================================

func (s *state) transactionExists(hash common.Hash) bool {
	_, ok := s.txs[hash]
	return ok
}

func (s *state) getTransaction(hash common.Hash) (ledger.Transaction, error) {
	tx, ok := s.txs[hash]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return tx.Clone(), nil
}

func (s *state) safeTransactions(safe common.Address) []ledger.Transaction {
	var result []ledger.Transaction
	for _, h := range s.order {
		if tx := s.txs[h]; tx.Safe == safe {
			result = append(result, tx.Clone())
		}
	}
	return result
}

func (s *state) recentTransactions(limit int) []ledger.Transaction {
	result := make([]ledger.Transaction, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		result = append(result, s.txs[s.order[i]].Clone())
	}
	// newest insertion first within a block
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].BlockNumber > result[j].BlockNumber
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *state) getSafe(addr common.Address) (ledger.Safe, error) {
	safe, ok := s.safes[addr]
	if !ok {
		return ledger.Safe{}, ledger.ErrNotFound
	}
	return safe.Clone(), nil
}

func (s *state) listSafes() []common.Address {
	result := make([]common.Address, 0, len(s.safes))
	for addr := range s.safes {
		result = append(result, addr)
	}
	sort.Slice(result, func(i, j int) bool {
		return ledger.AddressKey(result[i]) < ledger.AddressKey(result[j])
	})
	return result
}

func (s *state) getWeekReward(week ledger.WeekID, safe common.Address) (ledger.WeekReward, error) {
	r, ok := s.weekRewards[ledger.WeekRewardID(week, safe)]
	if !ok {
		return ledger.WeekReward{}, ledger.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *state) weekRewardsFor(week ledger.WeekID) []ledger.WeekReward {
	var result []ledger.WeekReward
	for _, r := range s.weekRewards {
		if r.Week == week {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID() < result[j].ID()
	})
	return result
}

func (s *state) getWeekMetrics(week ledger.WeekID) (ledger.WeekMetrics, error) {
	m, ok := s.weekMetrics[week]
	if !ok {
		return ledger.WeekMetrics{}, ledger.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.txs {
		c.txs[k] = v.Clone()
	}
	c.order = append([]common.Hash{}, s.order...)
	for k, v := range s.safes {
		c.safes[k] = v.Clone()
	}
	for k, v := range s.weekRewards {
		c.weekRewards[k] = v.Clone()
	}
	for k, v := range s.weekMetrics {
		c.weekMetrics[k] = v.Clone()
	}
	return c
}
