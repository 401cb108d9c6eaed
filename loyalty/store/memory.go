// Package store provides an in-memory loyalty.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory guards all state with one mutex. That mutex is the mutual
// exclusion ApplyDelta and MarkRedeemed rely on in place of a storage-level
// atomic update.
type Memory struct {
	mu sync.RWMutex
	state
}

type bizKey struct {
	UserID     loyalty.UserID
	BusinessID loyalty.BusinessID
}

type sysKey struct {
	UserID         loyalty.UserID
	BusinessID     loyalty.BusinessID
	RewardSystemID loyalty.RewardSystemID
}

type ledgerRow struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

type bizRow struct {
	Points         int64
	Stamps         int64
	LastActivityAt time.Time
}

type state struct {
	systems    map[loyalty.RewardSystemID]loyalty.RewardSystem
	ledgers    map[loyalty.UserID]ledgerRow
	businesses map[bizKey]bizRow
	balances   map[sysKey]loyalty.SystemBalance
	txs        []loyalty.TransactionRecord
	txIndex    map[loyalty.TransactionID]int
	codes      map[string]loyalty.RedemptionCode
}

func newState() state {
	return state{
		systems:    make(map[loyalty.RewardSystemID]loyalty.RewardSystem),
		ledgers:    make(map[loyalty.UserID]ledgerRow),
		businesses: make(map[bizKey]bizRow),
		balances:   make(map[sysKey]loyalty.SystemBalance),
		txIndex:    make(map[loyalty.TransactionID]int),
		codes:      make(map[string]loyalty.RedemptionCode),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// ----- reward systems -----

func (m *Memory) SaveRewardSystem(_ context.Context, rs loyalty.RewardSystem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRewardSystem(rs)
	return nil
}

func (m *Memory) GetRewardSystem(_ context.Context, id loyalty.RewardSystemID) (*loyalty.RewardSystem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRewardSystem(id), nil
}

func (m *Memory) ListRewardSystems(_ context.Context, businessID loyalty.BusinessID) ([]loyalty.RewardSystem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRewardSystems(businessID), nil
}

func (m *Memory) DeleteRewardSystem(_ context.Context, id loyalty.RewardSystemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.systems, id)
	return nil
}

// ----- balances -----

func (m *Memory) ApplyDelta(_ context.Context, d loyalty.BalanceDelta) (*loyalty.BusinessBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyDelta(d)
}

func (m *Memory) GetLedger(_ context.Context, userID loyalty.UserID) (*loyalty.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLedger(userID), nil
}

func (m *Memory) GetBusinessBalance(_ context.Context, userID loyalty.UserID, businessID loyalty.BusinessID) (*loyalty.BusinessBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBusinessBalance(userID, businessID), nil
}

// ----- transactions -----

func (m *Memory) AppendTransaction(_ context.Context, rec loyalty.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendTransaction(rec)
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id loyalty.TransactionID) (*loyalty.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransaction(id), nil
}

func (m *Memory) ListTransactions(_ context.Context, f loyalty.TransactionFilter) ([]loyalty.TransactionRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items, total := m.listTransactions(f)
	return items, total, nil
}

// ----- codes -----

func (m *Memory) CreateCode(_ context.Context, code loyalty.RedemptionCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCode(code)
}

func (m *Memory) GetCode(_ context.Context, code string) (*loyalty.RedemptionCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCode(code), nil
}

func (m *Memory) MarkRedeemed(_ context.Context, code string, userID loyalty.UserID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markRedeemed(code, userID, at), nil
}

func (m *Memory) DeleteExpiredCodes(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteExpiredCodes(before), nil
}

// =============================================================================
// STATE - Unlocked operations shared by Memory and the transactional view
// =============================================================================

func (s *state) saveRewardSystem(rs loyalty.RewardSystem) {
	s.systems[rs.ID] = cloneSystem(rs)
}

func (s *state) getRewardSystem(id loyalty.RewardSystemID) *loyalty.RewardSystem {
	rs, ok := s.systems[id]
	if !ok {
		return nil
	}
	out := cloneSystem(rs)
	return &out
}

func (s *state) listRewardSystems(businessID loyalty.BusinessID) []loyalty.RewardSystem {
	var out []loyalty.RewardSystem
	for _, rs := range s.systems {
		if rs.BusinessID == businessID {
			out = append(out, cloneSystem(rs))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) applyDelta(d loyalty.BalanceDelta) (*loyalty.BusinessBalance, error) {
	bk := bizKey{UserID: d.UserID, BusinessID: d.BusinessID}
	sk := sysKey{UserID: d.UserID, BusinessID: d.BusinessID, RewardSystemID: d.RewardSystemID}
	sys := s.balances[sk]
	biz := s.businesses[bk]

	if sys.Points+d.Points < 0 || sys.Stamps+d.Stamps < 0 ||
		biz.Points+d.Points < 0 || biz.Stamps+d.Stamps < 0 {
		return nil, &loyalty.InsufficientBalanceError{
			UserID:          d.UserID,
			BusinessID:      d.BusinessID,
			RewardSystemID:  d.RewardSystemID,
			AvailablePoints: sys.Points,
			AvailableStamps: sys.Stamps,
			PointsDelta:     d.Points,
			StampsDelta:     d.Stamps,
		}
	}

	led, ok := s.ledgers[d.UserID]
	if !ok {
		led.CreatedAt = d.At
	}
	led.UpdatedAt = d.At
	s.ledgers[d.UserID] = led

	sys.Points += d.Points
	sys.Stamps += d.Stamps
	sys.LastUpdated = d.At
	s.balances[sk] = sys

	biz.Points += d.Points
	biz.Stamps += d.Stamps
	biz.LastActivityAt = d.At
	s.businesses[bk] = biz

	return s.getBusinessBalance(d.UserID, d.BusinessID), nil
}

func (s *state) getLedger(userID loyalty.UserID) *loyalty.LedgerEntry {
	led, ok := s.ledgers[userID]
	if !ok {
		return nil
	}
	entry := &loyalty.LedgerEntry{
		UserID:     userID,
		Businesses: make(map[loyalty.BusinessID]loyalty.BusinessBalance),
		CreatedAt:  led.CreatedAt,
		UpdatedAt:  led.UpdatedAt,
	}
	for k := range s.businesses {
		if k.UserID == userID {
			entry.Businesses[k.BusinessID] = *s.getBusinessBalance(userID, k.BusinessID)
		}
	}
	return entry
}

func (s *state) getBusinessBalance(userID loyalty.UserID, businessID loyalty.BusinessID) *loyalty.BusinessBalance {
	biz, ok := s.businesses[bizKey{UserID: userID, BusinessID: businessID}]
	if !ok {
		return nil
	}
	bal := &loyalty.BusinessBalance{
		BusinessID:     businessID,
		Points:         biz.Points,
		Stamps:         biz.Stamps,
		LastActivityAt: biz.LastActivityAt,
		PerSystem:      make(map[loyalty.RewardSystemID]loyalty.SystemBalance),
	}
	for k, v := range s.balances {
		if k.UserID == userID && k.BusinessID == businessID {
			bal.PerSystem[k.RewardSystemID] = v
		}
	}
	return bal
}

func (s *state) appendTransaction(rec loyalty.TransactionRecord) {
	rec.Items = append([]loyalty.TransactionItem(nil), rec.Items...)
	s.txIndex[rec.ID] = len(s.txs)
	s.txs = append(s.txs, rec)
}

func (s *state) getTransaction(id loyalty.TransactionID) *loyalty.TransactionRecord {
	i, ok := s.txIndex[id]
	if !ok {
		return nil
	}
	rec := cloneRecord(s.txs[i])
	return &rec
}

func (s *state) listTransactions(f loyalty.TransactionFilter) ([]loyalty.TransactionRecord, int) {
	shifts := make(map[string]bool, len(f.ShiftIDs))
	for _, id := range f.ShiftIDs {
		shifts[id] = true
	}
	types := make(map[loyalty.TransactionType]bool, len(f.Types))
	for _, t := range f.Types {
		types[t] = true
	}

	var matched []loyalty.TransactionRecord
	for _, rec := range s.txs {
		switch {
		case f.UserID != "" && rec.UserID != f.UserID,
			f.BusinessID != "" && rec.BusinessID != f.BusinessID,
			f.BranchID != "" && rec.BranchID != f.BranchID,
			len(shifts) > 0 && !shifts[rec.ShiftID],
			len(types) > 0 && !types[rec.Type],
			f.From != nil && rec.CreatedAt.Before(*f.From),
			f.To != nil && !rec.CreatedAt.Before(*f.To):
			continue
		}
		matched = append(matched, rec)
	}

	if f.Ascending {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	} else {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	}

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]loyalty.TransactionRecord, len(matched))
	for i, rec := range matched {
		out[i] = cloneRecord(rec)
	}
	return out, total
}

func (s *state) createCode(code loyalty.RedemptionCode) error {
	if _, ok := s.codes[code.Code]; ok {
		return loyalty.ErrDuplicateCode
	}
	code.StampGrants = append([]loyalty.StampGrant(nil), code.StampGrants...)
	s.codes[code.Code] = code
	return nil
}

func (s *state) getCode(code string) *loyalty.RedemptionCode {
	rc, ok := s.codes[code]
	if !ok {
		return nil
	}
	rc.StampGrants = append([]loyalty.StampGrant(nil), rc.StampGrants...)
	return &rc
}

func (s *state) markRedeemed(code string, userID loyalty.UserID, at time.Time) bool {
	rc, ok := s.codes[code]
	if !ok || rc.IsRedeemed || rc.IsExpired(at) {
		return false
	}
	rc.IsRedeemed = true
	rc.RedeemedBy = userID
	rc.RedeemedAt = &at
	s.codes[code] = rc
	return true
}

func (s *state) deleteExpiredCodes(before time.Time) int64 {
	var n int64
	for k, rc := range s.codes {
		if rc.ExpiresAt.Before(before) {
			delete(s.codes, k)
			n++
		}
	}
	return n
}

// snapshot copies every map. Stored values are never mutated in place, so
// shallow copies of the values are enough to roll back.
func (s *state) snapshot() state {
	cp := state{
		systems:    make(map[loyalty.RewardSystemID]loyalty.RewardSystem, len(s.systems)),
		ledgers:    make(map[loyalty.UserID]ledgerRow, len(s.ledgers)),
		businesses: make(map[bizKey]bizRow, len(s.businesses)),
		balances:   make(map[sysKey]loyalty.SystemBalance, len(s.balances)),
		txs:        s.txs[:len(s.txs):len(s.txs)],
		txIndex:    make(map[loyalty.TransactionID]int, len(s.txIndex)),
		codes:      make(map[string]loyalty.RedemptionCode, len(s.codes)),
	}
	for k, v := range s.systems {
		cp.systems[k] = v
	}
	for k, v := range s.ledgers {
		cp.ledgers[k] = v
	}
	for k, v := range s.businesses {
		cp.businesses[k] = v
	}
	for k, v := range s.balances {
		cp.balances[k] = v
	}
	for k, v := range s.txIndex {
		cp.txIndex[k] = v
	}
	for k, v := range s.codes {
		cp.codes[k] = v
	}
	return cp
}

func cloneSystem(rs loyalty.RewardSystem) loyalty.RewardSystem {
	if rs.Points != nil {
		p := *rs.Points
		rs.Points = &p
	}
	if rs.Stamps != nil {
		st := *rs.Stamps
		rs.Stamps = &st
	}
	if rs.Reward.Amount != nil {
		a := *rs.Reward.Amount
		rs.Reward.Amount = &a
	}
	return rs
}

func cloneRecord(rec loyalty.TransactionRecord) loyalty.TransactionRecord {
	rec.Items = append([]loyalty.TransactionItem(nil), rec.Items...)
	return rec
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store lock is held for the whole of fn, so transactions serialize.
func (tm *TxMemory) WithTx(_ context.Context, fn func(loyalty.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.state.snapshot()
	if err := fn(&txMemoryView{s: &tm.state}); err != nil {
		tm.state = snap
		return err
	}
	return nil
}

// txMemoryView runs against the parent state without locking; the parent
// lock is already held by WithTx.
type txMemoryView struct {
	s *state
}

func (v *txMemoryView) SaveRewardSystem(_ context.Context, rs loyalty.RewardSystem) error {
	v.s.saveRewardSystem(rs)
	return nil
}

func (v *txMemoryView) GetRewardSystem(_ context.Context, id loyalty.RewardSystemID) (*loyalty.RewardSystem, error) {
	return v.s.getRewardSystem(id), nil
}

func (v *txMemoryView) ListRewardSystems(_ context.Context, businessID loyalty.BusinessID) ([]loyalty.RewardSystem, error) {
	return v.s.listRewardSystems(businessID), nil
}

func (v *txMemoryView) DeleteRewardSystem(_ context.Context, id loyalty.RewardSystemID) error {
	delete(v.s.systems, id)
	return nil
}

func (v *txMemoryView) ApplyDelta(_ context.Context, d loyalty.BalanceDelta) (*loyalty.BusinessBalance, error) {
	return v.s.applyDelta(d)
}

func (v *txMemoryView) GetLedger(_ context.Context, userID loyalty.UserID) (*loyalty.LedgerEntry, error) {
	return v.s.getLedger(userID), nil
}

func (v *txMemoryView) GetBusinessBalance(_ context.Context, userID loyalty.UserID, businessID loyalty.BusinessID) (*loyalty.BusinessBalance, error) {
	return v.s.getBusinessBalance(userID, businessID), nil
}

func (v *txMemoryView) AppendTransaction(_ context.Context, rec loyalty.TransactionRecord) error {
	v.s.appendTransaction(rec)
	return nil
}

func (v *txMemoryView) GetTransaction(_ context.Context, id loyalty.TransactionID) (*loyalty.TransactionRecord, error) {
	return v.s.getTransaction(id), nil
}

func (v *txMemoryView) ListTransactions(_ context.Context, f loyalty.TransactionFilter) ([]loyalty.TransactionRecord, int, error) {
	items, total := v.s.listTransactions(f)
	return items, total, nil
}

func (v *txMemoryView) CreateCode(_ context.Context, code loyalty.RedemptionCode) error {
	return v.s.createCode(code)
}

func (v *txMemoryView) GetCode(_ context.Context, code string) (*loyalty.RedemptionCode, error) {
	return v.s.getCode(code), nil
}

func (v *txMemoryView) MarkRedeemed(_ context.Context, code string, userID loyalty.UserID, at time.Time) (bool, error) {
	return v.s.markRedeemed(code, userID, at), nil
}

func (v *txMemoryView) DeleteExpiredCodes(_ context.Context, before time.Time) (int64, error) {
	return v.s.deleteExpiredCodes(before), nil
}

var (
	_ loyalty.TxStore = (*TxMemory)(nil)
	_ loyalty.Store   = (*txMemoryView)(nil)
)
