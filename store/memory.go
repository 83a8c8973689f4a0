package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/leadauction/core"
)

// Memory is an in-memory Store implementation. It is safe for concurrent
// use and enforces the same uniqueness invariants as the postgres adapter,
// so engine and auction tests exercise the real error paths.
type Memory struct {
	mu sync.RWMutex

	leads    map[uuid.UUID]core.Lead
	rooms    map[uuid.UUID]core.AuctionRoom
	bids     map[uuid.UUID]core.Bid
	sets     map[uuid.UUID]core.PreferenceSet
	spend    []spendEntry
	balances map[uuid.UUID]CachedBalance
	audit    []AuditRecord
}

type spendEntry struct {
	buyerID uuid.UUID
	amount  float64
	at      time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		leads:    make(map[uuid.UUID]core.Lead),
		rooms:    make(map[uuid.UUID]core.AuctionRoom),
		bids:     make(map[uuid.UUID]core.Bid),
		sets:     make(map[uuid.UUID]core.PreferenceSet),
		balances: make(map[uuid.UUID]CachedBalance),
	}
}

func (m *Memory) PutLead(_ context.Context, lead *core.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[lead.ID] = *lead
	return nil
}

func (m *Memory) GetLead(_ context.Context, id uuid.UUID) (*core.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lead, ok := m.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &lead, nil
}

func (m *Memory) SetLeadStatus(_ context.Context, id uuid.UUID, status core.LeadStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lead, ok := m.leads[id]
	if !ok {
		return ErrNotFound
	}
	lead.Status = status
	m.leads[id] = lead
	return nil
}

func (m *Memory) CreateRoom(_ context.Context, room *core.AuctionRoom) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rooms {
		if existing.LeadID == room.LeadID && existing.Active() {
			return ErrRoomActive
		}
	}
	m.rooms[room.ID] = *room
	return nil
}

func (m *Memory) GetRoom(_ context.Context, id uuid.UUID) (*core.AuctionRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (m *Memory) GetActiveRoomByLead(_ context.Context, leadID uuid.UUID) (*core.AuctionRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, room := range m.rooms {
		if room.LeadID == leadID && room.Active() {
			found := room
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SetRoomPhase(_ context.Context, id uuid.UUID, phase core.AuctionPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	room.Phase = phase
	m.rooms[id] = room
	return nil
}

func (m *Memory) ListRoomsDue(_ context.Context, now time.Time) ([]core.AuctionRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	due := make([]core.AuctionRoom, 0)
	for _, room := range m.rooms {
		switch room.Phase {
		case core.PhaseBidding:
			if !room.BiddingEndsAt.After(now) {
				due = append(due, room)
			}
		case core.PhaseReveal:
			if !room.RevealEndsAt.After(now) {
				due = append(due, room)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due, nil
}

func (m *Memory) CreateBid(_ context.Context, bid *core.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.bids {
		if existing.LeadID == bid.LeadID && existing.BuyerID == bid.BuyerID {
			return ErrDuplicateBid
		}
	}
	m.bids[bid.ID] = *bid
	return nil
}

func (m *Memory) GetBid(_ context.Context, id uuid.UUID) (*core.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bid, ok := m.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &bid, nil
}

func (m *Memory) GetBidByLeadBuyer(_ context.Context, leadID, buyerID uuid.UUID) (*core.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, bid := range m.bids {
		if bid.LeadID == leadID && bid.BuyerID == buyerID {
			found := bid
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListBidsByLead(_ context.Context, leadID uuid.UUID) ([]core.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bids := make([]core.Bid, 0)
	for _, bid := range m.bids {
		if bid.LeadID == leadID {
			bids = append(bids, bid)
		}
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].CreatedAt.Before(bids[j].CreatedAt) })
	return bids, nil
}

func (m *Memory) UpdateBid(_ context.Context, bid *core.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bids[bid.ID]; !ok {
		return ErrNotFound
	}
	m.bids[bid.ID] = *bid
	return nil
}

func (m *Memory) PutPreferenceSet(_ context.Context, set *core.PreferenceSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[set.ID] = *set
	return nil
}

func (m *Memory) ListActiveSetsForCategory(_ context.Context, category string) ([]core.PreferenceSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sets := make([]core.PreferenceSet, 0)
	for _, set := range m.sets {
		if set.Active && set.MatchesCategory(category) {
			sets = append(sets, set)
		}
	}
	sort.SliceStable(sets, func(i, j int) bool { return sets[i].Priority < sets[j].Priority })
	return sets, nil
}

func (m *Memory) AddAutoBidSpend(_ context.Context, buyerID uuid.UUID, amount float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spend = append(m.spend, spendEntry{buyerID: buyerID, amount: amount, at: at.UTC()})
	return nil
}

func (m *Memory) SumAutoBidSpendForDay(_ context.Context, buyerID uuid.UUID, at time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := at.UTC().Truncate(24 * time.Hour)
	total := decimal.Zero
	for _, entry := range m.spend {
		if entry.buyerID == buyerID && entry.at.Truncate(24*time.Hour).Equal(day) {
			total = total.Add(decimal.NewFromFloat(entry.amount))
		}
	}
	sum, _ := total.Float64()
	return sum, nil
}

func (m *Memory) GetCachedBalance(_ context.Context, accountID uuid.UUID) (*CachedBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance, ok := m.balances[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &balance, nil
}

func (m *Memory) AdjustCachedBalance(_ context.Context, accountID uuid.UUID, delta decimal.Decimal) (*CachedBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balances[accountID]
	balance.AccountID = accountID
	balance.Amount = balance.Amount.Add(delta)
	balance.UpdatedAt = time.Now().UTC()
	m.balances[accountID] = balance
	return &balance, nil
}

func (m *Memory) DebitCachedBalance(_ context.Context, accountID uuid.UUID, amount decimal.Decimal) (*CachedBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balances[accountID]
	if balance.Amount.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}
	balance.AccountID = accountID
	balance.Amount = balance.Amount.Sub(amount)
	balance.UpdatedAt = time.Now().UTC()
	m.balances[accountID] = balance
	return &balance, nil
}

func (m *Memory) ListNonZeroCachedBalances(_ context.Context) ([]CachedBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balances := make([]CachedBalance, 0)
	for _, balance := range m.balances {
		if !balance.Amount.IsZero() {
			balances = append(balances, balance)
		}
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].AccountID.String() < balances[j].AccountID.String()
	})
	return balances, nil
}

func (m *Memory) AppendAudit(_ context.Context, record AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, record)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, kind string) ([]AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]AuditRecord, 0)
	for _, record := range m.audit {
		if kind == "" || record.Kind == kind {
			records = append(records, record)
		}
	}
	return records, nil
}
