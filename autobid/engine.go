// Package autobid implements the rule-gate engine that places sealed bids
// on a buyer's behalf against the incoming lead stream.
//
// For one lead, every active preference set matching the lead's category is
// evaluated in ascending priority order through a fixed chain of named
// gates. Gates never reorder and never skip: evaluation runs the chain in
// order and stops at the first rejecting gate, so every skip is
// attributable to exactly one gate. Skips are operational audit data, not
// errors; buyers are never interrupted by them.
package autobid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/leadauction/auction"
	"github.com/cloudx-io/leadauction/core"
	"github.com/cloudx-io/leadauction/oracle"
	"github.com/cloudx-io/leadauction/store"
)

// ErrNotInAuction is returned when a lead is evaluated outside an open
// bidding window.
var ErrNotInAuction = errors.New("autobid: lead is not open for bidding")

// Gate names, in evaluation order. Skip reasons always start with the name
// of the rejecting gate so operators can aggregate by gate.
const (
	GateGeography    = "geography"
	GateQuality      = "quality"
	GateFieldFilters = "field_filters"
	GateAcceptance   = "acceptance"
	GateBidAmount    = "bid_amount"
	GateReserve      = "reserve"
	GateLeadCap      = "lead_cap"
	GateDailyBudget  = "daily_budget"
	GateAllowance    = "allowance"
	GateDuplicate    = "duplicate"
	GatePlacement    = "placement"
)

// FloorProvider resolves real-time bid floors. It never fails; degraded
// answers carry Stale/Source flags instead.
type FloorProvider interface {
	GetBidFloor(ctx context.Context, category, country string) oracle.Quote
}

// AllowanceSource reads a buyer's external spending allowance. It is an
// optional capability: a nil source skips the allowance gate entirely, and
// a read error downgrades the gate to a pass, because bidding must never
// block on an infrastructure failure of a non-critical check.
type AllowanceSource interface {
	Allowance(ctx context.Context, buyerID uuid.UUID) (float64, error)
}

// PlacedBid describes one bid the engine committed, with the resolved
// amount and why it was selected.
type PlacedBid struct {
	BidID         uuid.UUID `json:"bid_id"`
	SetID         uuid.UUID `json:"set_id"`
	BuyerID       uuid.UUID `json:"buyer_id"`
	Amount        float64   `json:"amount"`
	FloorAdjusted bool      `json:"floor_adjusted"`
	Reason        string    `json:"reason"`
}

// Skip describes one preference set that did not bid, naming the rejecting
// gate and a machine-parseable reason.
type Skip struct {
	SetID   uuid.UUID `json:"set_id"`
	BuyerID uuid.UUID `json:"buyer_id"`
	Gate    string    `json:"gate"`
	Reason  string    `json:"reason"`
}

// Evaluation is the full outcome of one lead's auto-bid pass. A set appears
// in exactly one of the two lists.
type Evaluation struct {
	LeadID     uuid.UUID   `json:"lead_id"`
	BidsPlaced []PlacedBid `json:"bids_placed"`
	Skipped    []Skip      `json:"skipped"`
}

// Engine evaluates leads against buyer preference sets and places sealed
// bids through the auction service.
type Engine struct {
	sets      store.PreferenceStore
	bids      store.BidStore
	spend     store.SpendStore
	auctions  *auction.Service
	floors    FloorProvider
	allowance AllowanceSource
	clock     func() time.Time
}

// NewEngine wires the rule-gate engine. allowance may be nil.
func NewEngine(sets store.PreferenceStore, bids store.BidStore, spend store.SpendStore, auctions *auction.Service, floors FloorProvider, allowance AllowanceSource) *Engine {
	return &Engine{
		sets:      sets,
		bids:      bids,
		spend:     spend,
		auctions:  auctions,
		floors:    floors,
		allowance: allowance,
		clock:     time.Now,
	}
}

// WithClock overrides the engine clock. Intended for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// gateContext threads the accumulating state of one set's chain run.
type gateContext struct {
	lead *core.Lead
	set  *core.PreferenceSet

	// amount is resolved by the bid_amount gate and consumed by every
	// later gate.
	amount        float64
	floorAdjusted bool
	quoteSource   string

	// todaySpend is read fresh from the store at chain start, then
	// augmented with spend placed earlier in this same pass.
	todaySpend float64

	// persistedDuplicate is read fresh from the store at chain start.
	persistedDuplicate bool

	// inPassBuyers holds buyers who already placed a bid during this
	// evaluation pass, shared across all sets of the pass.
	inPassBuyers map[uuid.UUID]bool
}

// gate evaluates one rule; an empty reason means pass.
type gate struct {
	name string
	eval func(ctx context.Context, g *gateContext) (reason string)
}

// EvaluateLead runs the full auto-bid pass for one lead. Sets are evaluated
// sequentially in priority order because duplicate detection and budget
// accounting must observe bids placed earlier in the same pass. Evaluations
// for different leads are independent and may run concurrently.
func (e *Engine) EvaluateLead(ctx context.Context, lead *core.Lead) (*Evaluation, error) {
	if lead.Status != core.LeadInAuction {
		return nil, fmt.Errorf("lead %s is %s: %w", lead.ID, lead.Status, ErrNotInAuction)
	}

	sets, err := e.sets.ListActiveSetsForCategory(ctx, lead.Category)
	if err != nil {
		return nil, fmt.Errorf("failed to list preference sets for category %s: %w", lead.Category, err)
	}

	result := &Evaluation{LeadID: lead.ID}
	inPassBuyers := make(map[uuid.UUID]bool)
	inPassSpend := make(map[uuid.UUID]float64)

	log.Printf("INFO: Evaluating lead %s (%s/%s) against %d preference sets", lead.ID, lead.Category, lead.Country, len(sets))

	for i := range sets {
		set := &sets[i]

		g := &gateContext{
			lead:         lead,
			set:          set,
			inPassBuyers: inPassBuyers,
		}

		// Fresh authoritative reads per set: the daily-spend counter and
		// the duplicate-bid state must not be cached across the batch.
		spent, err := e.spend.SumAutoBidSpendForDay(ctx, set.BuyerID, e.clock().UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to read daily spend for buyer %s: %w", set.BuyerID, err)
		}
		g.todaySpend = core.AddAmounts(spent, inPassSpend[set.BuyerID])

		if _, err := e.bids.GetBidByLeadBuyer(ctx, lead.ID, set.BuyerID); err == nil {
			g.persistedDuplicate = true
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to check existing bid for buyer %s: %w", set.BuyerID, err)
		}

		if skip := e.runGates(ctx, g); skip != nil {
			log.Printf("INFO: Set %s skipped lead %s at gate %s: %s", set.ID, lead.ID, skip.Gate, skip.Reason)
			result.Skipped = append(result.Skipped, *skip)
			continue
		}

		placed, skip := e.placeBid(ctx, g)
		if skip != nil {
			log.Printf("WARNING: Set %s cleared all gates but placement failed: %s", set.ID, skip.Reason)
			result.Skipped = append(result.Skipped, *skip)
			continue
		}

		result.BidsPlaced = append(result.BidsPlaced, *placed)
		inPassBuyers[set.BuyerID] = true
		inPassSpend[set.BuyerID] = core.AddAmounts(inPassSpend[set.BuyerID], placed.Amount)
		log.Printf("INFO: Set %s placed auto-bid %s on lead %s at %.2f (floor_adjusted=%t)", set.ID, placed.BidID, lead.ID, placed.Amount, placed.FloorAdjusted)
	}

	return result, nil
}

// runGates walks the chain in fixed order and returns the first rejection,
// or nil when every gate passes. Later gates are never evaluated after a
// rejection, so exactly one gate owns each skip.
func (e *Engine) runGates(ctx context.Context, g *gateContext) *Skip {
	chain := []gate{
		{GateGeography, e.gateGeography},
		{GateQuality, e.gateQuality},
		{GateFieldFilters, e.gateFieldFilters},
		{GateAcceptance, e.gateAcceptance},
		{GateBidAmount, e.gateBidAmount},
		{GateReserve, e.gateReserve},
		{GateLeadCap, e.gateLeadCap},
		{GateDailyBudget, e.gateDailyBudget},
		{GateAllowance, e.gateAllowance},
		{GateDuplicate, e.gateDuplicate},
	}

	for _, gt := range chain {
		if reason := gt.eval(ctx, g); reason != "" {
			return &Skip{
				SetID:   g.set.ID,
				BuyerID: g.set.BuyerID,
				Gate:    gt.name,
				Reason:  fmt.Sprintf("%s: %s", gt.name, reason),
			}
		}
	}
	return nil
}

func (e *Engine) gateGeography(_ context.Context, g *gateContext) string {
	if !containsFold(g.set.Countries, g.lead.Country) {
		return fmt.Sprintf("country %s not in allowed countries", g.lead.Country)
	}
	if len(g.set.StatesInclude) > 0 && !containsFold(g.set.StatesInclude, g.lead.State) {
		return fmt.Sprintf("state %s not in include list", g.lead.State)
	}
	if containsFold(g.set.StatesExclude, g.lead.State) {
		return fmt.Sprintf("state %s is excluded", g.lead.State)
	}
	return ""
}

func (e *Engine) gateQuality(_ context.Context, g *gateContext) string {
	if g.set.MinQuality == nil {
		return ""
	}
	// Threshold arrives on the buyer-facing 0-100 scale; the lead score is
	// internal 0-10000. An unscored lead counts as zero.
	threshold := *g.set.MinQuality * core.QualityScaleFactor
	if g.lead.QualityScore < threshold {
		return fmt.Sprintf("quality score %d below threshold %d", g.lead.QualityScore, threshold)
	}
	return ""
}

func (e *Engine) gateFieldFilters(_ context.Context, g *gateContext) string {
	if len(g.set.Rules) == 0 {
		return ""
	}
	filterResult := core.EvaluateFieldFilters(g.lead.Attributes, g.set.Rules)
	if !filterResult.Pass {
		return fmt.Sprintf("field filters failed: %s", strings.Join(filterResult.FailedFields, ", "))
	}
	return ""
}

func (e *Engine) gateAcceptance(_ context.Context, g *gateContext) string {
	if g.lead.OffSite && !g.set.AcceptOffSite {
		return "off-site leads not accepted"
	}
	if g.set.VerifiedOnly && !g.lead.Verified {
		return "lead is not verified"
	}
	return ""
}

// gateBidAmount resolves the amount the set will bid. It never rejects:
// the fixed amount is raised toward the floor only when the raise stays
// within the per-lead cap and still clears the reserve, and an oracle
// failure leaves the fixed amount untouched.
func (e *Engine) gateBidAmount(ctx context.Context, g *gateContext) string {
	g.amount = g.set.BidAmount

	quote := e.floors.GetBidFloor(ctx, g.lead.Category, g.lead.Country)
	g.quoteSource = quote.Source

	if quote.Source == oracle.SourceFallback || !core.AmountExceeds(quote.Floor, g.amount) {
		return ""
	}

	raised := quote.Floor
	if g.set.MaxPerLead > 0 {
		raised = core.MinAmount(raised, g.set.MaxPerLead)
	}
	if core.AmountExceeds(raised, g.amount) && core.AmountMeetsPrice(raised, g.lead.ReservePrice) {
		g.amount = raised
		g.floorAdjusted = true
	}
	return ""
}

func (e *Engine) gateReserve(_ context.Context, g *gateContext) string {
	if !core.AmountMeetsPrice(g.amount, g.lead.ReservePrice) {
		return fmt.Sprintf("resolved amount %.2f below reserve price %.2f", g.amount, g.lead.ReservePrice)
	}
	return ""
}

func (e *Engine) gateLeadCap(_ context.Context, g *gateContext) string {
	if g.set.MaxPerLead > 0 && core.AmountExceeds(g.amount, g.set.MaxPerLead) {
		return fmt.Sprintf("resolved amount %.2f exceeds per-lead cap %.2f", g.amount, g.set.MaxPerLead)
	}
	return ""
}

func (e *Engine) gateDailyBudget(_ context.Context, g *gateContext) string {
	if g.set.DailyBudget <= 0 {
		return ""
	}
	// Boundary: spending exactly up to the budget is allowed.
	if core.AmountExceeds(core.AddAmounts(g.todaySpend, g.amount), g.set.DailyBudget) {
		return fmt.Sprintf("daily budget exceeded: spent %.2f + bid %.2f > budget %.2f", g.todaySpend, g.amount, g.set.DailyBudget)
	}
	return ""
}

func (e *Engine) gateAllowance(ctx context.Context, g *gateContext) string {
	if e.allowance == nil {
		return ""
	}
	available, err := e.allowance.Allowance(ctx, g.set.BuyerID)
	if err != nil {
		// Never block bidding on an infrastructure failure of a
		// non-critical check.
		log.Printf("WARNING: Allowance check failed for buyer %s, proceeding: %v", g.set.BuyerID, err)
		return ""
	}
	if !core.AmountMeetsPrice(available, g.amount) {
		return fmt.Sprintf("allowance %.2f below bid amount %.2f", available, g.amount)
	}
	return ""
}

func (e *Engine) gateDuplicate(_ context.Context, g *gateContext) string {
	if g.inPassBuyers[g.set.BuyerID] {
		return "buyer already placed a bid in this evaluation pass"
	}
	if g.persistedDuplicate {
		return "bid already exists for this lead and buyer"
	}
	return ""
}

// placeBid commits the sealed bid and journals the spend. A store-level
// duplicate (lost race with a concurrent evaluation) is a recoverable
// outcome for this one set, not a batch failure.
func (e *Engine) placeBid(ctx context.Context, g *gateContext) (*PlacedBid, *Skip) {
	salt := core.NewSalt()
	commitment := core.ComputeBidCommitment(g.amount, salt)

	bid, err := e.auctions.SubmitCommitment(ctx, g.lead.ID, g.set.BuyerID, commitment, salt, core.SourceAutoBid)
	if err != nil {
		gateName := GatePlacement
		reason := fmt.Sprintf("%s: failed to commit bid: %v", GatePlacement, err)
		if errors.Is(err, store.ErrDuplicateBid) {
			gateName = GateDuplicate
			reason = fmt.Sprintf("%s: concurrent bid already exists for this lead and buyer", GateDuplicate)
		}
		return nil, &Skip{SetID: g.set.ID, BuyerID: g.set.BuyerID, Gate: gateName, Reason: reason}
	}

	if err := e.spend.AddAutoBidSpend(ctx, g.set.BuyerID, g.amount, e.clock().UTC()); err != nil {
		// The bid is already committed; budget accounting must not undo it.
		log.Printf("ERROR: Failed to journal auto-bid spend for buyer %s: %v", g.set.BuyerID, err)
	}

	reason := fmt.Sprintf("selected by set %q (priority %d) at fixed amount %.2f", g.set.Name, g.set.Priority, g.set.BidAmount)
	if g.floorAdjusted {
		reason = fmt.Sprintf("selected by set %q (priority %d), floor-adjusted from %.2f to %.2f (source=%s)", g.set.Name, g.set.Priority, g.set.BidAmount, g.amount, g.quoteSource)
	}

	return &PlacedBid{
		BidID:         bid.ID,
		SetID:         g.set.ID,
		BuyerID:       g.set.BuyerID,
		Amount:        g.amount,
		FloorAdjusted: g.floorAdjusted,
		Reason:        reason,
	}, nil
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
