package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/leadauction/audit"
	"github.com/cloudx-io/leadauction/core"
	"github.com/cloudx-io/leadauction/store"
)

type fixture struct {
	store   *store.Memory
	service *Service
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	f := &fixture{store: m, now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	f.service = NewService(m, m, m, nil, nil).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) addLead(t *testing.T, reserve float64) *core.Lead {
	t.Helper()
	lead := &core.Lead{
		ID:           uuid.New(),
		SellerID:     uuid.New(),
		Category:     "solar",
		Country:      "US",
		ReservePrice: reserve,
		Status:       core.LeadPendingAuction,
		CreatedAt:    f.now,
	}
	check.Nil(t, f.store.PutLead(context.Background(), lead))
	return lead
}

// commit seals an amount for a fresh buyer and returns the bid and salt.
func (f *fixture) commit(t *testing.T, leadID uuid.UUID, amount float64) (*core.Bid, string) {
	t.Helper()
	salt := core.NewSalt()
	bid, err := f.service.SubmitCommitment(context.Background(), leadID, uuid.New(), core.ComputeBidCommitment(amount, salt), "", core.SourceManual)
	check.Nil(t, err)
	return bid, salt
}

func TestOpenRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)

	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, 30*time.Minute)
	check.Nil(t, err)
	check.Equal(t, core.PhaseBidding, room.Phase)
	check.Equal(t, f.now.Add(time.Hour), room.BiddingEndsAt)
	check.Equal(t, f.now.Add(90*time.Minute), room.RevealEndsAt)

	stored, err := f.store.GetLead(ctx, lead.ID)
	check.Nil(t, err)
	check.Equal(t, core.LeadInAuction, stored.Status)
}

func TestOpenRoom_ReentrancyGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)

	_, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)

	// Lead is now IN_AUCTION, so a second open fails the status check.
	_, err = f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.NotNil(t, err)

	// Even a lead forced back to PENDING cannot get a second active room.
	check.Nil(t, f.store.SetLeadStatus(ctx, lead.ID, core.LeadPendingAuction))
	_, err = f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.True(t, errors.Is(err, store.ErrRoomActive))
}

func TestSubmitCommitment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)
	_, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)

	buyerID := uuid.New()
	bid, err := f.service.SubmitCommitment(ctx, lead.ID, buyerID, core.ComputeBidCommitment(150, "salt"), "", core.SourceManual)
	check.Nil(t, err)
	check.Equal(t, core.BidPending, bid.Status)
	check.Nil(t, bid.RevealedAmount)

	// One bid per (lead, buyer): the store constraint surfaces as-is.
	_, err = f.service.SubmitCommitment(ctx, lead.ID, buyerID, core.ComputeBidCommitment(175, "other"), "", core.SourceManual)
	check.True(t, errors.Is(err, store.ErrDuplicateBid))
}

func TestSubmitCommitment_ClosedPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)
	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)
	check.Nil(t, f.service.BeginReveal(ctx, room.ID))

	_, err = f.service.SubmitCommitment(ctx, lead.ID, uuid.New(), "deadbeef", "", core.SourceManual)
	check.True(t, errors.Is(err, ErrBiddingClosed))
}

func TestBeginReveal_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)
	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)

	check.Nil(t, f.service.BeginReveal(ctx, room.ID))
	check.Nil(t, f.service.BeginReveal(ctx, room.ID))

	stored, err := f.store.GetRoom(ctx, room.ID)
	check.Nil(t, err)
	check.Equal(t, core.PhaseReveal, stored.Phase)
}

func TestRevealBid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)
	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)
	bid, salt := f.commit(t, lead.ID, 150)

	// Reveal before the phase opens is rejected.
	_, err = f.service.RevealBid(ctx, bid.ID, 150, salt)
	check.True(t, errors.Is(err, ErrRevealNotOpen))

	check.Nil(t, f.service.BeginReveal(ctx, room.ID))

	// Wrong amount and wrong salt both fail without affecting the bid.
	_, err = f.service.RevealBid(ctx, bid.ID, 151, salt)
	check.True(t, errors.Is(err, ErrRevealMismatch))
	_, err = f.service.RevealBid(ctx, bid.ID, 150, "wrong")
	check.True(t, errors.Is(err, ErrRevealMismatch))

	revealed, err := f.service.RevealBid(ctx, bid.ID, 150, salt)
	check.Nil(t, err)
	check.Equal(t, core.BidRevealed, revealed.Status)
	check.Equal(t, 150.0, *revealed.RevealedAmount)
}

func TestResolve_FullFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)
	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)

	winning, winningSalt := f.commit(t, lead.ID, 200)
	losing, losingSalt := f.commit(t, lead.ID, 150)

	check.Nil(t, f.service.BeginReveal(ctx, room.ID))
	_, err = f.service.RevealBid(ctx, winning.ID, 200, winningSalt)
	check.Nil(t, err)
	_, err = f.service.RevealBid(ctx, losing.ID, 150, losingSalt)
	check.Nil(t, err)

	result, err := f.service.Resolve(ctx, room.ID)
	check.Nil(t, err)
	check.True(t, result.Sold)
	check.Equal(t, winning.ID, result.Winner.ID)

	storedLead, err := f.store.GetLead(ctx, lead.ID)
	check.Nil(t, err)
	check.Equal(t, core.LeadSold, storedLead.Status)

	storedWinner, err := f.store.GetBid(ctx, winning.ID)
	check.Nil(t, err)
	check.Equal(t, core.BidAccepted, storedWinner.Status)

	storedLoser, err := f.store.GetBid(ctx, losing.ID)
	check.Nil(t, err)
	check.Equal(t, core.BidRejected, storedLoser.Status)
}

func TestResolve_ReserveNotMet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 500)
	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)

	bid, salt := f.commit(t, lead.ID, 200)
	check.Nil(t, f.service.BeginReveal(ctx, room.ID))
	_, err = f.service.RevealBid(ctx, bid.ID, 200, salt)
	check.Nil(t, err)

	result, err := f.service.Resolve(ctx, room.ID)
	check.Nil(t, err)
	check.False(t, result.Sold)
	check.Nil(t, result.Winner)
	check.Equal(t, 1, len(result.Rejected))
	check.Equal(t, core.RejectBelowReserve, result.Rejected[0].Reason)

	// Unsold, not cancelled: the lead stays eligible for buy-now.
	storedLead, err := f.store.GetLead(ctx, lead.ID)
	check.Nil(t, err)
	check.Equal(t, core.LeadUnsold, storedLead.Status)
}

func TestResolve_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)
	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)

	bid, salt := f.commit(t, lead.ID, 200)
	check.Nil(t, f.service.BeginReveal(ctx, room.ID))
	_, err = f.service.RevealBid(ctx, bid.ID, 200, salt)
	check.Nil(t, err)

	first, err := f.service.Resolve(ctx, room.ID)
	check.Nil(t, err)
	check.False(t, first.AlreadyResolved)

	// A scheduler retry sees the same winner and no state change.
	second, err := f.service.Resolve(ctx, room.ID)
	check.Nil(t, err)
	check.True(t, second.AlreadyResolved)
	check.True(t, second.Sold)
	check.Equal(t, first.Winner.ID, second.Winner.ID)
}

func TestResolve_RequiresRevealPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)
	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)

	_, err = f.service.Resolve(ctx, room.ID)
	check.NotNil(t, err)
}

func TestAdvanceDueRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.addLead(t, 100)
	room, err := f.service.OpenRoom(ctx, lead.ID, time.Hour, 30*time.Minute)
	check.Nil(t, err)

	bid, salt := f.commit(t, lead.ID, 200)

	// Nothing due yet.
	advanced, err := f.service.AdvanceDueRooms(ctx)
	check.Nil(t, err)
	check.Equal(t, 0, advanced)

	// Past the bidding deadline the room enters reveal.
	f.now = f.now.Add(61 * time.Minute)
	advanced, err = f.service.AdvanceDueRooms(ctx)
	check.Nil(t, err)
	check.Equal(t, 1, advanced)

	_, err = f.service.RevealBid(ctx, bid.ID, 200, salt)
	check.Nil(t, err)

	// Past the reveal deadline the room resolves.
	f.now = f.now.Add(30 * time.Minute)
	advanced, err = f.service.AdvanceDueRooms(ctx)
	check.Nil(t, err)
	check.Equal(t, 1, advanced)

	stored, err := f.store.GetRoom(ctx, room.ID)
	check.Nil(t, err)
	check.Equal(t, core.PhaseResolved, stored.Phase)
}

func TestResolve_RecordsSettlementIntent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	recorder, err := audit.NewRecorder(m)
	check.Nil(t, err)

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	service := NewService(m, m, m, recorder, nil).WithClock(func() time.Time { return now })

	lead := &core.Lead{ID: uuid.New(), Category: "solar", Country: "US", ReservePrice: 100, Status: core.LeadPendingAuction}
	check.Nil(t, m.PutLead(ctx, lead))
	room, err := service.OpenRoom(ctx, lead.ID, time.Hour, time.Hour)
	check.Nil(t, err)

	salt := core.NewSalt()
	bid, err := service.SubmitCommitment(ctx, lead.ID, uuid.New(), core.ComputeBidCommitment(200, salt), salt, core.SourceAutoBid)
	check.Nil(t, err)
	check.Nil(t, service.BeginReveal(ctx, room.ID))
	_, err = service.RevealBid(ctx, bid.ID, 200, salt)
	check.Nil(t, err)
	_, err = service.Resolve(ctx, room.ID)
	check.Nil(t, err)

	records, err := m.ListAudit(ctx, audit.KindSettlement)
	check.Nil(t, err)
	check.Equal(t, 1, len(records))

	var intent SettlementIntent
	check.Nil(t, recorder.Verify(records[0], &intent))
	check.True(t, intent.Sold)
	check.Equal(t, lead.ID.String(), intent.LeadID)
	check.Equal(t, 200.0, *intent.Amount)
}
