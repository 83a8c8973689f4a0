package core

import (
	"sort"
)

// Rejection reasons attached to bids excluded from resolution.
const (
	RejectNotRevealed  = "not_revealed"
	RejectBelowReserve = "below_reserve"
)

// ResolutionResult contains the complete outcome of resolving one lead's
// sealed-bid auction after the reveal phase closes.
type ResolutionResult struct {
	// Winner is the highest validly revealed bid at or above reserve
	// (nil if no bid qualifies).
	Winner *Bid

	// RunnerUp is the second-ranked qualifying bid (nil if fewer than 2).
	RunnerUp *Bid

	// Eligible contains all revealed bids that met the reserve, ranked.
	Eligible []Bid

	// Rejected contains every bid excluded from ranking with its reason.
	Rejected []RejectedBid
}

// ResolveAuction ranks one lead's bids and picks the winner.
//
// Processing flow:
//  1. Drop bids that were never validly revealed
//  2. Enforce the lead's reserve price
//  3. Rank by revealed amount, descending; ties broken by earliest
//     commitment time
//  4. Extract winner and runner-up from the ranking
func ResolveAuction(bids []Bid, reservePrice float64) *ResolutionResult {
	eligible := make([]Bid, 0, len(bids))
	rejected := make([]RejectedBid, 0)

	for _, bid := range bids {
		if bid.Status != BidRevealed || bid.RevealedAmount == nil {
			rejected = append(rejected, RejectedBid{BidID: bid.ID, Reason: RejectNotRevealed})
			continue
		}
		if !AmountMeetsPrice(*bid.RevealedAmount, reservePrice) {
			rejected = append(rejected, RejectedBid{BidID: bid.ID, Reason: RejectBelowReserve})
			continue
		}
		eligible = append(eligible, bid)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := *eligible[i].RevealedAmount, *eligible[j].RevealedAmount
		if a != b {
			return a > b
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	result := &ResolutionResult{
		Eligible: eligible,
		Rejected: rejected,
	}
	if len(eligible) > 0 {
		result.Winner = &eligible[0]
	}
	if len(eligible) > 1 {
		result.RunnerUp = &eligible[1]
	}

	return result
}
