package core

import (
	"time"

	"github.com/google/uuid"
)

// LeadStatus tracks a lead through its marketplace lifecycle.
type LeadStatus string

const (
	LeadPendingAuction LeadStatus = "PENDING_AUCTION"
	LeadInAuction      LeadStatus = "IN_AUCTION"
	LeadInReveal       LeadStatus = "REVEAL"
	LeadSold           LeadStatus = "SOLD"
	LeadUnsold         LeadStatus = "UNSOLD"
	LeadCancelled      LeadStatus = "CANCELLED"
)

// QualityScaleFactor converts the buyer-facing 0-100 quality scale to the
// internal 0-10000 scale. The conversion happens exactly once, at the gate
// boundary; everything below the boundary speaks the internal scale.
const QualityScaleFactor = 100

// Lead represents a sellable record offered into the marketplace.
// A lead is immutable once sold.
type Lead struct {
	ID           uuid.UUID      `json:"id"`
	SellerID     uuid.UUID      `json:"seller_id"`
	Category     string         `json:"category"`
	Country      string         `json:"country"`
	State        string         `json:"state,omitempty"`
	Source       string         `json:"source,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	ReservePrice float64        `json:"reserve_price"`
	Verified     bool           `json:"verified"`
	OffSite      bool           `json:"off_site"`

	// QualityScore is on the internal 0-10000 scale. Zero means unscored.
	QualityScore int `json:"quality_score"`

	Status    LeadStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// AuctionPhase is the phase of a sealed-bid auction room.
type AuctionPhase string

const (
	PhaseBidding  AuctionPhase = "BIDDING"
	PhaseReveal   AuctionPhase = "REVEAL"
	PhaseResolved AuctionPhase = "RESOLVED"
)

// phaseOrder gives each phase a monotonic rank so transitions can be
// validated as forward-only.
var phaseOrder = map[AuctionPhase]int{
	PhaseBidding:  1,
	PhaseReveal:   2,
	PhaseResolved: 3,
}

// Order returns the monotonic rank of the phase, or 0 for an unknown phase.
func (p AuctionPhase) Order() int {
	return phaseOrder[p]
}

// AuctionRoom is the 1:1 auction attached to a lead once bidding opens.
// Phase deadlines are wall-clock instants checked by an external scheduler;
// the room never drives its own transitions.
type AuctionRoom struct {
	ID            uuid.UUID    `json:"id"`
	LeadID        uuid.UUID    `json:"lead_id"`
	Phase         AuctionPhase `json:"phase"`
	BiddingEndsAt time.Time    `json:"bidding_ends_at"`
	RevealEndsAt  time.Time    `json:"reveal_ends_at"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Active reports whether the room is still in play (not yet resolved).
func (r *AuctionRoom) Active() bool {
	return r.Phase != PhaseResolved
}

// BidStatus tracks a sealed bid through commit, reveal, and resolution.
type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidRevealed BidStatus = "REVEALED"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
)

// BidSource distinguishes manual bids from engine-placed ones.
type BidSource string

const (
	SourceManual  BidSource = "MANUAL"
	SourceAutoBid BidSource = "AUTO_BID"
)

// Bid is a sealed bid on one lead by one buyer. At most one bid exists per
// (lead, buyer) pair; the store enforces this as a uniqueness constraint.
// The amount is never persisted in plaintext while the auction is in the
// bidding phase: only the commitment and salt are stored, and RevealedAmount
// is populated during reveal.
type Bid struct {
	ID             uuid.UUID `json:"id"`
	LeadID         uuid.UUID `json:"lead_id"`
	BuyerID        uuid.UUID `json:"buyer_id"`
	Commitment     string    `json:"commitment"`
	Salt           string    `json:"salt,omitempty"`
	RevealedAmount *float64  `json:"revealed_amount,omitempty"`
	Status         BidStatus `json:"status"`
	Source         BidSource `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

// RuleOperator is the closed set of field-filter comparison operators.
// Unknown operators fail closed in the evaluator; predicate rules gate
// monetary decisions, so an unrecognized operator must never pass.
type RuleOperator string

const (
	OpEquals     RuleOperator = "EQUALS"
	OpNotEquals  RuleOperator = "NOT_EQUALS"
	OpIn         RuleOperator = "IN"
	OpNotIn      RuleOperator = "NOT_IN"
	OpGT         RuleOperator = "GT"
	OpGTE        RuleOperator = "GTE"
	OpLT         RuleOperator = "LT"
	OpLTE        RuleOperator = "LTE"
	OpBetween    RuleOperator = "BETWEEN"
	OpContains   RuleOperator = "CONTAINS"
	OpStartsWith RuleOperator = "STARTS_WITH"
)

// FieldFilterRule is a single (field, operator, value) predicate attached to
// a preference set. Only rules referencing biddable, non-PII fields may
// reach the evaluator; callers enforce that before handing rules over.
type FieldFilterRule struct {
	ID       uuid.UUID    `json:"id"`
	SetID    uuid.UUID    `json:"set_id"`
	Field    string       `json:"field"`
	Operator RuleOperator `json:"operator"`
	Value    any          `json:"value"`
}

// WildcardCategory matches every lead category in a preference set.
const WildcardCategory = "*"

// PreferenceSet is a buyer-owned standing auto-bid policy. A buyer may hold
// many sets; each is evaluated independently, in ascending Priority order.
type PreferenceSet struct {
	ID       uuid.UUID `json:"id"`
	BuyerID  uuid.UUID `json:"buyer_id"`
	Name     string    `json:"name"`
	Category string    `json:"category"` // exact slug or WildcardCategory

	Countries     []string `json:"countries"`
	StatesInclude []string `json:"states_include,omitempty"`
	StatesExclude []string `json:"states_exclude,omitempty"`

	// MinQuality is on the buyer-facing 0-100 scale; nil means no threshold.
	MinQuality *int `json:"min_quality,omitempty"`

	AcceptOffSite bool `json:"accept_off_site"`
	VerifiedOnly  bool `json:"verified_only"`

	BidAmount   float64 `json:"bid_amount"`
	MaxPerLead  float64 `json:"max_per_lead"`
	DailyBudget float64 `json:"daily_budget"`

	Priority int  `json:"priority"`
	Active   bool `json:"active"`

	Rules []FieldFilterRule `json:"rules,omitempty"`
}

// MatchesCategory reports whether the set targets the given lead category.
func (ps *PreferenceSet) MatchesCategory(category string) bool {
	return ps.Category == WildcardCategory || ps.Category == category
}

// RejectedBid records a bid excluded from resolution together with a
// machine-parseable reason.
type RejectedBid struct {
	BidID  uuid.UUID `json:"bid_id"`
	Reason string    `json:"reason"`
}
