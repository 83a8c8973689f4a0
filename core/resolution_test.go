package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/check"
)

func revealedBid(amount float64, createdAt time.Time) Bid {
	return Bid{
		ID:             uuid.New(),
		LeadID:         uuid.New(),
		BuyerID:        uuid.New(),
		Status:         BidRevealed,
		RevealedAmount: &amount,
		CreatedAt:      createdAt,
	}
}

func TestResolveAuction_BasicFlow(t *testing.T) {
	now := time.Now()
	bids := []Bid{
		revealedBid(150, now),
		revealedBid(200, now.Add(time.Second)),
		revealedBid(120, now.Add(2*time.Second)),
	}

	result := ResolveAuction(bids, 100)

	check.NotNil(t, result.Winner)
	check.NotNil(t, result.RunnerUp)
	check.Equal(t, 200.0, *result.Winner.RevealedAmount)
	check.Equal(t, 150.0, *result.RunnerUp.RevealedAmount)
	check.Equal(t, 3, len(result.Eligible))
	check.Equal(t, 0, len(result.Rejected))
}

func TestResolveAuction_TieBrokenByEarliestBid(t *testing.T) {
	now := time.Now()
	early := revealedBid(150, now)
	late := revealedBid(150, now.Add(time.Minute))

	// Submission order must not matter, only timestamps.
	result := ResolveAuction([]Bid{late, early}, 100)

	check.NotNil(t, result.Winner)
	check.Equal(t, early.ID, result.Winner.ID)
	check.Equal(t, late.ID, result.RunnerUp.ID)
}

func TestResolveAuction_ReserveEnforced(t *testing.T) {
	now := time.Now()
	below := revealedBid(99.99, now)
	atReserve := revealedBid(100, now)

	result := ResolveAuction([]Bid{below, atReserve}, 100)

	check.NotNil(t, result.Winner)
	check.Equal(t, atReserve.ID, result.Winner.ID)
	check.Equal(t, 1, len(result.Rejected))
	check.Equal(t, RejectedBid{BidID: below.ID, Reason: RejectBelowReserve}, result.Rejected[0])
}

func TestResolveAuction_UnrevealedBidsExcluded(t *testing.T) {
	now := time.Now()
	pending := Bid{ID: uuid.New(), Status: BidPending, CreatedAt: now}
	revealed := revealedBid(150, now)

	result := ResolveAuction([]Bid{pending, revealed}, 100)

	check.Equal(t, revealed.ID, result.Winner.ID)
	check.Equal(t, 1, len(result.Rejected))
	check.Equal(t, RejectNotRevealed, result.Rejected[0].Reason)
}

func TestResolveAuction_NoQualifyingBids(t *testing.T) {
	result := ResolveAuction([]Bid{revealedBid(50, time.Now())}, 100)

	check.Nil(t, result.Winner)
	check.Nil(t, result.RunnerUp)
	check.Equal(t, 0, len(result.Eligible))
	check.Equal(t, 1, len(result.Rejected))
}

func TestResolveAuction_NoBids(t *testing.T) {
	result := ResolveAuction(nil, 100)

	check.Nil(t, result.Winner)
	check.Nil(t, result.RunnerUp)
	check.Equal(t, 0, len(result.Eligible))
	check.Equal(t, 0, len(result.Rejected))
}
