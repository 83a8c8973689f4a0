// Package auction implements the sealed-bid auction state machine.
//
// A room moves BIDDING → REVEAL → RESOLVED. Transitions are monotonic and
// idempotent: re-triggering a transition that already happened is a no-op,
// because the external scheduler that drives phases may retry. During
// BIDDING only commitments are accepted; amounts surface during REVEAL via
// hash verification against the stored commitment.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/leadauction/audit"
	"github.com/cloudx-io/leadauction/core"
	"github.com/cloudx-io/leadauction/store"
)

var (
	// ErrBiddingClosed is returned when a commitment arrives outside the
	// bidding phase.
	ErrBiddingClosed = errors.New("auction: bidding phase is closed")

	// ErrRevealNotOpen is returned when a reveal arrives before the reveal
	// phase has started.
	ErrRevealNotOpen = errors.New("auction: reveal phase is not open")

	// ErrRevealMismatch is returned when a revealed (amount, salt) pair
	// does not hash to the stored commitment.
	ErrRevealMismatch = errors.New("auction: reveal does not match commitment")

	// ErrPhaseRegression is returned on an attempt to move a room backward.
	// This is an invariant violation, never auto-repaired.
	ErrPhaseRegression = errors.New("auction: phase may not move backward")
)

// EventPublisher is an optional collaborator notified about auction
// outcomes. A nil publisher disables publishing.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// SettlementIntent is the audit payload recorded when a room resolves. The
// engine records intents only; transaction submission happens elsewhere.
type SettlementIntent struct {
	LeadID     string   `cbor:"lead_id" json:"lead_id"`
	RoomID     string   `cbor:"room_id" json:"room_id"`
	Sold       bool     `cbor:"sold" json:"sold"`
	WinnerBid  string   `cbor:"winner_bid,omitempty" json:"winner_bid,omitempty"`
	BuyerID    string   `cbor:"buyer_id,omitempty" json:"buyer_id,omitempty"`
	Amount     *float64 `cbor:"amount,omitempty" json:"amount,omitempty"`
	ResolvedAt string   `cbor:"resolved_at" json:"resolved_at"`
}

// Result is the outcome of resolving one room.
type Result struct {
	Room     *core.AuctionRoom
	Winner   *core.Bid
	Sold     bool
	Rejected []core.RejectedBid

	// AlreadyResolved is set when Resolve was retried on a resolved room.
	AlreadyResolved bool
}

// Service drives auction rooms against the persistence layer.
type Service struct {
	leads    store.LeadStore
	rooms    store.RoomStore
	bids     store.BidStore
	recorder *audit.Recorder
	events   EventPublisher
	clock    func() time.Time
}

// NewService wires the auction state machine. recorder and events may be
// nil; both are optional capabilities resolved at construction time.
func NewService(leads store.LeadStore, rooms store.RoomStore, bids store.BidStore, recorder *audit.Recorder, events EventPublisher) *Service {
	return &Service{
		leads:    leads,
		rooms:    rooms,
		bids:     bids,
		recorder: recorder,
		events:   events,
		clock:    time.Now,
	}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// OpenRoom starts a sealed-bid auction for a lead. Bidding and reveal
// durations are externally configured per ask. A lead may only be attached
// to one active room at a time; the store rejects a second open with
// store.ErrRoomActive.
func (s *Service) OpenRoom(ctx context.Context, leadID uuid.UUID, biddingFor, revealFor time.Duration) (*core.AuctionRoom, error) {
	lead, err := s.leads.GetLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", leadID, err)
	}
	if lead.Status != core.LeadPendingAuction {
		return nil, fmt.Errorf("auction: lead %s is %s, not %s", leadID, lead.Status, core.LeadPendingAuction)
	}

	now := s.clock().UTC()
	room := &core.AuctionRoom{
		ID:            uuid.New(),
		LeadID:        leadID,
		Phase:         core.PhaseBidding,
		BiddingEndsAt: now.Add(biddingFor),
		RevealEndsAt:  now.Add(biddingFor + revealFor),
		CreatedAt:     now,
	}
	if err := s.rooms.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	if err := s.leads.SetLeadStatus(ctx, leadID, core.LeadInAuction); err != nil {
		return nil, fmt.Errorf("failed to mark lead in auction: %w", err)
	}

	log.Printf("INFO: Opened auction room %s for lead %s (bidding ends %s)", room.ID, leadID, room.BiddingEndsAt.Format(time.RFC3339))
	return room, nil
}

// SubmitCommitment records a sealed bid commitment during the bidding
// phase. The salt is persisted only for engine-placed bids so operators can
// assist reveals; manual bidders keep their salt client-side and pass "".
// A duplicate (lead, buyer) pair surfaces as store.ErrDuplicateBid.
func (s *Service) SubmitCommitment(ctx context.Context, leadID, buyerID uuid.UUID, commitment, salt string, source core.BidSource) (*core.Bid, error) {
	room, err := s.rooms.GetActiveRoomByLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active room for lead %s: %w", leadID, err)
	}
	if room.Phase != core.PhaseBidding {
		return nil, ErrBiddingClosed
	}

	bid := &core.Bid{
		ID:         uuid.New(),
		LeadID:     leadID,
		BuyerID:    buyerID,
		Commitment: commitment,
		Salt:       salt,
		Status:     core.BidPending,
		Source:     source,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.bids.CreateBid(ctx, bid); err != nil {
		return nil, err
	}

	log.Printf("INFO: Recorded %s bid commitment %s on lead %s", source, bid.ID, leadID)

	if s.events != nil {
		// The amount stays sealed; the event carries identifiers only.
		placed := map[string]string{
			"bid_id":   bid.ID.String(),
			"lead_id":  leadID.String(),
			"buyer_id": buyerID.String(),
			"source":   string(source),
		}
		if err := s.events.Publish(ctx, "bid.placed", placed); err != nil {
			log.Printf("WARNING: Failed to publish bid.placed for bid %s: %v", bid.ID, err)
		}
	}
	return bid, nil
}

// BeginReveal moves a room from BIDDING to REVEAL. Calling it on a room
// already at or past REVEAL is a no-op.
func (s *Service) BeginReveal(ctx context.Context, roomID uuid.UUID) error {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to load room %s: %w", roomID, err)
	}
	if room.Phase.Order() >= core.PhaseReveal.Order() {
		return nil
	}

	if err := s.transition(ctx, room, core.PhaseReveal); err != nil {
		return err
	}
	if err := s.leads.SetLeadStatus(ctx, room.LeadID, core.LeadInReveal); err != nil {
		return fmt.Errorf("failed to mark lead in reveal: %w", err)
	}
	log.Printf("INFO: Room %s entered reveal phase", roomID)
	return nil
}

// RevealBid validates a claimed (amount, salt) pair against the stored
// commitment. A mismatch rejects only this bid and returns
// ErrRevealMismatch; other bids are unaffected.
func (s *Service) RevealBid(ctx context.Context, bidID uuid.UUID, amount float64, salt string) (*core.Bid, error) {
	bid, err := s.bids.GetBid(ctx, bidID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bid %s: %w", bidID, err)
	}

	room, err := s.rooms.GetActiveRoomByLead(ctx, bid.LeadID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active room for lead %s: %w", bid.LeadID, err)
	}
	if room.Phase != core.PhaseReveal {
		return nil, ErrRevealNotOpen
	}

	if !core.VerifyReveal(bid.Commitment, amount, salt) {
		log.Printf("WARNING: Reveal mismatch for bid %s on lead %s", bidID, bid.LeadID)
		return nil, ErrRevealMismatch
	}

	bid.RevealedAmount = &amount
	bid.Salt = salt
	bid.Status = core.BidRevealed
	if err := s.bids.UpdateBid(ctx, bid); err != nil {
		return nil, fmt.Errorf("failed to store reveal: %w", err)
	}

	log.Printf("INFO: Bid %s revealed at %.2f", bidID, amount)
	return bid, nil
}

// Resolve closes a room after the reveal phase: the highest validly
// revealed bid at or above the lead's reserve wins, ties broken by earliest
// commitment. A lead with no qualifying bid goes UNSOLD (eligible for the
// fixed-price buy-now fallback), never CANCELLED. Resolving an already
// resolved room is a no-op returning the stored outcome.
func (s *Service) Resolve(ctx context.Context, roomID uuid.UUID) (*Result, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}

	if room.Phase == core.PhaseResolved {
		return s.resolvedResult(ctx, room)
	}
	if room.Phase != core.PhaseReveal {
		return nil, fmt.Errorf("auction: room %s is %s, cannot resolve before reveal", roomID, room.Phase)
	}

	lead, err := s.leads.GetLead(ctx, room.LeadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", room.LeadID, err)
	}
	bids, err := s.bids.ListBidsByLead(ctx, room.LeadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids for lead %s: %w", room.LeadID, err)
	}

	resolution := core.ResolveAuction(bids, lead.ReservePrice)

	leadStatus := core.LeadUnsold
	if resolution.Winner != nil {
		leadStatus = core.LeadSold
	}

	for i := range bids {
		bid := bids[i]
		switch {
		case resolution.Winner != nil && bid.ID == resolution.Winner.ID:
			bid.Status = core.BidAccepted
		case bid.Status == core.BidRevealed:
			bid.Status = core.BidRejected
		default:
			continue
		}
		if err := s.bids.UpdateBid(ctx, &bid); err != nil {
			return nil, fmt.Errorf("failed to update bid %s: %w", bid.ID, err)
		}
	}

	if err := s.transition(ctx, room, core.PhaseResolved); err != nil {
		return nil, err
	}
	if err := s.leads.SetLeadStatus(ctx, room.LeadID, leadStatus); err != nil {
		return nil, fmt.Errorf("failed to settle lead status: %w", err)
	}

	result := &Result{
		Room:     room,
		Winner:   resolution.Winner,
		Sold:     resolution.Winner != nil,
		Rejected: resolution.Rejected,
	}
	s.recordSettlement(ctx, room, result)

	if result.Sold {
		log.Printf("INFO: Room %s resolved: lead %s sold to %s at %.2f", roomID, room.LeadID, result.Winner.BuyerID, *result.Winner.RevealedAmount)
	} else {
		log.Printf("INFO: Room %s resolved: lead %s unsold (reserve %.2f not met)", roomID, room.LeadID, lead.ReservePrice)
	}
	return result, nil
}

// AdvanceDueRooms advances every room whose current phase deadline has
// passed: bidding rooms past their deadline enter reveal, reveal rooms past
// theirs resolve. Safe to call repeatedly; the scheduler retries freely.
func (s *Service) AdvanceDueRooms(ctx context.Context) (advanced int, err error) {
	now := s.clock().UTC()
	due, err := s.rooms.ListRoomsDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due rooms: %w", err)
	}

	for _, room := range due {
		switch room.Phase {
		case core.PhaseBidding:
			if err := s.BeginReveal(ctx, room.ID); err != nil {
				log.Printf("ERROR: Failed to advance room %s to reveal: %v", room.ID, err)
				continue
			}
			advanced++
		case core.PhaseReveal:
			if _, err := s.Resolve(ctx, room.ID); err != nil {
				log.Printf("ERROR: Failed to resolve room %s: %v", room.ID, err)
				continue
			}
			advanced++
		}
	}
	return advanced, nil
}

// transition moves a room forward, rejecting regressions.
func (s *Service) transition(ctx context.Context, room *core.AuctionRoom, next core.AuctionPhase) error {
	if next.Order() < room.Phase.Order() {
		return ErrPhaseRegression
	}
	if next == room.Phase {
		return nil
	}
	if err := s.rooms.SetRoomPhase(ctx, room.ID, next); err != nil {
		return fmt.Errorf("failed to set room %s phase %s: %w", room.ID, next, err)
	}
	room.Phase = next
	return nil
}

// resolvedResult reconstructs the outcome of an already resolved room so
// that scheduler retries observe the same answer.
func (s *Service) resolvedResult(ctx context.Context, room *core.AuctionRoom) (*Result, error) {
	bids, err := s.bids.ListBidsByLead(ctx, room.LeadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids for lead %s: %w", room.LeadID, err)
	}
	result := &Result{Room: room, AlreadyResolved: true}
	for i := range bids {
		if bids[i].Status == core.BidAccepted {
			result.Winner = &bids[i]
			result.Sold = true
			break
		}
	}
	return result, nil
}

// recordSettlement writes the signed settlement intent and publishes the
// resolution event. Both are best-effort: failures are logged, never
// surfaced, because the auction outcome is already committed.
func (s *Service) recordSettlement(ctx context.Context, room *core.AuctionRoom, result *Result) {
	intent := SettlementIntent{
		LeadID:     room.LeadID.String(),
		RoomID:     room.ID.String(),
		Sold:       result.Sold,
		ResolvedAt: s.clock().UTC().Format(time.RFC3339),
	}
	if result.Winner != nil {
		intent.WinnerBid = result.Winner.ID.String()
		intent.BuyerID = result.Winner.BuyerID.String()
		intent.Amount = result.Winner.RevealedAmount
	}

	if s.recorder != nil {
		if err := s.recorder.Append(ctx, audit.KindSettlement, intent); err != nil {
			log.Printf("ERROR: Failed to record settlement intent for room %s: %v", room.ID, err)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, "auction.resolved", intent); err != nil {
			log.Printf("WARNING: Failed to publish resolution event for room %s: %v", room.ID, err)
		}
	}
}
