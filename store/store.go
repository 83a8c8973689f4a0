// Package store defines the persistence ports consumed by the auction,
// autobid, and ledger packages, together with a thread-safe in-memory
// implementation used by tests and local runs. The postgres package provides
// the production implementation of the same interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/leadauction/core"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateBid is returned when a bid already exists for the same
	// (lead, buyer) pair. Callers treat this as a recoverable rejection,
	// not a fatal error.
	ErrDuplicateBid = errors.New("store: duplicate bid for lead and buyer")

	// ErrRoomActive is returned when a lead already has an unresolved
	// auction room attached.
	ErrRoomActive = errors.New("store: lead already has an active auction room")

	// ErrInsufficientBalance is returned by DebitCachedBalance when the
	// cached balance does not cover the requested amount.
	ErrInsufficientBalance = errors.New("store: insufficient cached balance")
)

// CachedBalance is the fast off-chain balance held per account. It is
// eventually consistent with the authoritative ledger; the reconciliation
// service reports any drift between the two.
type CachedBalance struct {
	AccountID uuid.UUID       `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AuditRecord is an append-only, signed audit entry. Signed holds a
// COSE_Sign1 envelope over a CBOR payload; the audit package produces and
// verifies these.
type AuditRecord struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Signed    []byte    `json:"signed"`
	CreatedAt time.Time `json:"created_at"`
}

// LeadStore provides lead reads and lifecycle status updates.
type LeadStore interface {
	PutLead(ctx context.Context, lead *core.Lead) error
	GetLead(ctx context.Context, id uuid.UUID) (*core.Lead, error)
	SetLeadStatus(ctx context.Context, id uuid.UUID, status core.LeadStatus) error
}

// RoomStore manages auction rooms. CreateRoom must enforce the
// one-active-room-per-lead invariant and return ErrRoomActive on violation.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *core.AuctionRoom) error
	GetRoom(ctx context.Context, id uuid.UUID) (*core.AuctionRoom, error)
	GetActiveRoomByLead(ctx context.Context, leadID uuid.UUID) (*core.AuctionRoom, error)
	SetRoomPhase(ctx context.Context, id uuid.UUID, phase core.AuctionPhase) error

	// ListRoomsDue returns unresolved rooms whose current phase deadline is
	// at or before now. The external scheduler uses this to advance phases.
	ListRoomsDue(ctx context.Context, now time.Time) ([]core.AuctionRoom, error)
}

// BidStore manages sealed bids. CreateBid must enforce the (lead, buyer)
// uniqueness constraint and return ErrDuplicateBid on violation.
type BidStore interface {
	CreateBid(ctx context.Context, bid *core.Bid) error
	GetBid(ctx context.Context, id uuid.UUID) (*core.Bid, error)
	GetBidByLeadBuyer(ctx context.Context, leadID, buyerID uuid.UUID) (*core.Bid, error)
	ListBidsByLead(ctx context.Context, leadID uuid.UUID) ([]core.Bid, error)
	UpdateBid(ctx context.Context, bid *core.Bid) error
}

// PreferenceStore provides buyer preference sets for auto-bid evaluation.
type PreferenceStore interface {
	PutPreferenceSet(ctx context.Context, set *core.PreferenceSet) error

	// ListActiveSetsForCategory returns active sets whose category matches
	// the given slug exactly or via wildcard, in ascending priority order.
	ListActiveSetsForCategory(ctx context.Context, category string) ([]core.PreferenceSet, error)
}

// SpendStore journals auto-bid spend for daily-budget accounting. Bid rows
// never carry plaintext amounts while an auction is open, so budget sums
// come from this journal instead.
type SpendStore interface {
	AddAutoBidSpend(ctx context.Context, buyerID uuid.UUID, amount float64, at time.Time) error

	// SumAutoBidSpendForDay sums the buyer's journaled auto-bid spend for
	// the UTC calendar day containing at.
	SumAutoBidSpendForDay(ctx context.Context, buyerID uuid.UUID, at time.Time) (float64, error)
}

// BalanceStore manages the off-chain cached balances.
type BalanceStore interface {
	GetCachedBalance(ctx context.Context, accountID uuid.UUID) (*CachedBalance, error)
	AdjustCachedBalance(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (*CachedBalance, error)

	// DebitCachedBalance debits amount only when the current balance
	// covers it, returning ErrInsufficientBalance otherwise. The check and
	// the debit are a single atomic operation; concurrent withdrawals can
	// never drive the balance negative.
	DebitCachedBalance(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*CachedBalance, error)

	ListNonZeroCachedBalances(ctx context.Context) ([]CachedBalance, error)
}

// AuditStore is the append-only sink for signed audit records.
type AuditStore interface {
	AppendAudit(ctx context.Context, record AuditRecord) error
	ListAudit(ctx context.Context, kind string) ([]AuditRecord, error)
}

// Store bundles every port for callers that wire the full system.
type Store interface {
	LeadStore
	RoomStore
	BidStore
	PreferenceStore
	SpendStore
	BalanceStore
	AuditStore
}
