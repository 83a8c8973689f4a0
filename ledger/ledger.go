// Package ledger reconciles the fast off-chain balance cache against the
// authoritative external ledger. Reconciliation only reports: drift is a
// structured finding for operator review, never an automatic correction.
// Every non-zero drift is written as a signed audit record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/leadauction/audit"
	"github.com/cloudx-io/leadauction/store"
)

// ErrInsufficientBalance is returned when a withdrawal exceeds the cached
// balance.
var ErrInsufficientBalance = errors.New("ledger: insufficient cached balance")

// AuthoritativeSource reads an account's balance from the external ledger.
// Reads may be slow or fail; reconciliation reports such failures as errors
// in the drift report rather than propagating them.
type AuthoritativeSource interface {
	Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
}

// EventPublisher is an optional collaborator notified about drift findings.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// DriftResult is the outcome of reconciling one account. Drift is signed:
// cached minus authoritative.
type DriftResult struct {
	AccountID     uuid.UUID       `json:"account_id"`
	Cached        decimal.Decimal `json:"cached"`
	Authoritative decimal.Decimal `json:"authoritative"`
	Drift         decimal.Decimal `json:"drift"`
	Synced        bool            `json:"synced"`
}

// Report aggregates one full reconciliation scan.
type Report struct {
	Scanned      int           `json:"scanned"`
	Synced       int           `json:"synced"`
	Drifted      int           `json:"drifted"`
	Errors       int           `json:"errors"`
	DriftDetails []DriftResult `json:"drift_details,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// driftAuditPayload is the CBOR payload of a drift audit record.
type driftAuditPayload struct {
	AccountID     string `cbor:"account_id"`
	Cached        string `cbor:"cached"`
	Authoritative string `cbor:"authoritative"`
	Drift         string `cbor:"drift"`
	CheckedAt     string `cbor:"checked_at"`
}

// Service owns cached-balance mutations and reconciliation. Reconciliation
// is read-only on both sides and holds no lock that blocks balance traffic.
type Service struct {
	balances store.BalanceStore
	source   AuthoritativeSource
	recorder *audit.Recorder
	events   EventPublisher
	clock    func() time.Time

	// asyncTimeout bounds fire-and-forget reconcile passes.
	asyncTimeout time.Duration
}

// NewService wires the ledger service. recorder and events may be nil.
func NewService(balances store.BalanceStore, source AuthoritativeSource, recorder *audit.Recorder, events EventPublisher) *Service {
	return &Service{
		balances:     balances,
		source:       source,
		recorder:     recorder,
		events:       events,
		clock:        time.Now,
		asyncTimeout: 10 * time.Second,
	}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Deposit credits the cached balance immediately and schedules an
// asynchronous reconcile pass; the on-chain confirmation arrives later.
func (s *Service) Deposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*store.CachedBalance, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("ledger: deposit amount must be positive, got %s", amount)
	}
	balance, err := s.balances.AdjustCachedBalance(ctx, accountID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to credit cached balance: %w", err)
	}
	log.Printf("INFO: Credited %s to account %s (cached balance %s)", amount, accountID, balance.Amount)
	s.ScheduleReconcile(accountID)
	return balance, nil
}

// Withdraw debits the cached balance and schedules an asynchronous
// reconcile pass. The sufficiency check and the debit are one atomic store
// operation, so concurrent withdrawals can never overdraw the cache.
func (s *Service) Withdraw(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*store.CachedBalance, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("ledger: withdrawal amount must be positive, got %s", amount)
	}
	balance, err := s.balances.DebitCachedBalance(ctx, accountID, amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit cached balance: %w", err)
	}
	log.Printf("INFO: Debited %s from account %s (cached balance %s)", amount, accountID, balance.Amount)
	s.ScheduleReconcile(accountID)
	return balance, nil
}

// ReconcileAccount compares one account's cached balance against the
// authoritative ledger. A missing cache row counts as zero. Non-zero drift
// is reported and audited, never corrected.
func (s *Service) ReconcileAccount(ctx context.Context, accountID uuid.UUID) (*DriftResult, error) {
	cached := decimal.Zero
	if balance, err := s.balances.GetCachedBalance(ctx, accountID); err == nil {
		cached = balance.Amount
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to read cached balance for %s: %w", accountID, err)
	}

	authoritative, err := s.source.Balance(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read authoritative balance for %s: %w", accountID, err)
	}

	drift := cached.Sub(authoritative)
	result := &DriftResult{
		AccountID:     accountID,
		Cached:        cached,
		Authoritative: authoritative,
		Drift:         drift,
		Synced:        drift.IsZero(),
	}

	if !result.Synced {
		s.reportDrift(ctx, result)
	}
	return result, nil
}

// ReconcileAll scans every non-zero cached balance and aggregates a drift
// report. Per-account failures are counted, not propagated, so one broken
// account never hides the rest of the scan.
func (s *Service) ReconcileAll(ctx context.Context) (*Report, error) {
	balances, err := s.balances.ListNonZeroCachedBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached balances: %w", err)
	}

	report := &Report{CheckedAt: s.clock().UTC()}
	for _, balance := range balances {
		report.Scanned++
		result, err := s.ReconcileAccount(ctx, balance.AccountID)
		if err != nil {
			report.Errors++
			log.Printf("ERROR: Reconciliation failed for account %s: %v", balance.AccountID, err)
			continue
		}
		if result.Synced {
			report.Synced++
		} else {
			report.Drifted++
			report.DriftDetails = append(report.DriftDetails, *result)
		}
	}

	log.Printf("INFO: Reconciliation scan complete: scanned=%d synced=%d drifted=%d errors=%d", report.Scanned, report.Synced, report.Drifted, report.Errors)
	return report, nil
}

// ScheduleReconcile runs a reconcile pass in the background. It never
// blocks the caller; failures are logged and retried by the next scheduled
// full scan.
func (s *Service) ScheduleReconcile(accountID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.asyncTimeout)
		defer cancel()
		if _, err := s.ReconcileAccount(ctx, accountID); err != nil {
			log.Printf("WARNING: Async reconciliation failed for account %s: %v", accountID, err)
		}
	}()
}

// reportDrift logs, audits, and publishes one drift finding. All sinks are
// best-effort; the finding is already in the returned result.
func (s *Service) reportDrift(ctx context.Context, result *DriftResult) {
	log.Printf("WARNING: Balance drift on account %s: cached=%s authoritative=%s drift=%s", result.AccountID, result.Cached, result.Authoritative, result.Drift)

	if s.recorder != nil {
		payload := driftAuditPayload{
			AccountID:     result.AccountID.String(),
			Cached:        result.Cached.String(),
			Authoritative: result.Authoritative.String(),
			Drift:         result.Drift.String(),
			CheckedAt:     s.clock().UTC().Format(time.RFC3339),
		}
		if err := s.recorder.Append(ctx, audit.KindDrift, payload); err != nil {
			log.Printf("ERROR: Failed to record drift audit for account %s: %v", result.AccountID, err)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, "reconciliation.drift", result); err != nil {
			log.Printf("WARNING: Failed to publish drift event for account %s: %v", result.AccountID, err)
		}
	}
}

// SourceAllowance adapts the authoritative balance source into the spending
// allowance check consumed by the auto-bid engine.
type SourceAllowance struct {
	Source AuthoritativeSource
}

// Allowance reads the buyer's authoritative balance as their spending
// allowance. Errors propagate; the engine downgrades them to a pass.
func (a SourceAllowance) Allowance(ctx context.Context, buyerID uuid.UUID) (float64, error) {
	balance, err := a.Source.Balance(ctx, buyerID)
	if err != nil {
		return 0, err
	}
	allowance, _ := balance.Float64()
	return allowance, nil
}
