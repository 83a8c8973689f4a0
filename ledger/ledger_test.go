package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/leadauction/audit"
	"github.com/cloudx-io/leadauction/store"
)

// stubLedger scripts the authoritative balance source.
type stubLedger struct {
	balances map[uuid.UUID]decimal.Decimal
	failFor  map[uuid.UUID]bool
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		balances: make(map[uuid.UUID]decimal.Decimal),
		failFor:  make(map[uuid.UUID]bool),
	}
}

func (s *stubLedger) Balance(_ context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	if s.failFor[accountID] {
		return decimal.Zero, errors.New("ledger rpc unavailable")
	}
	return s.balances[accountID], nil
}

func TestReconcileAccount_Synced(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ledger := newStubLedger()
	service := NewService(m, ledger, nil, nil)

	accountID := uuid.New()
	_, err := m.AdjustCachedBalance(ctx, accountID, decimal.NewFromInt(500))
	check.Nil(t, err)
	ledger.balances[accountID] = decimal.NewFromInt(500)

	result, err := service.ReconcileAccount(ctx, accountID)
	check.Nil(t, err)
	check.True(t, result.Synced)
	check.True(t, result.Drift.IsZero())
}

func TestReconcileAccount_DriftIsSigned(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ledger := newStubLedger()
	service := NewService(m, ledger, nil, nil)

	accountID := uuid.New()
	_, err := m.AdjustCachedBalance(ctx, accountID, decimal.NewFromInt(450))
	check.Nil(t, err)
	ledger.balances[accountID] = decimal.NewFromInt(500)

	result, err := service.ReconcileAccount(ctx, accountID)
	check.Nil(t, err)
	check.False(t, result.Synced)
	// Drift is cached minus authoritative: the cache is short 50.
	check.True(t, result.Drift.Equal(decimal.NewFromInt(-50)))

	// Drift is reported, never corrected: both sides are untouched.
	cached, err := m.GetCachedBalance(ctx, accountID)
	check.Nil(t, err)
	check.True(t, cached.Amount.Equal(decimal.NewFromInt(450)))
}

func TestReconcileAccount_MissingCacheCountsAsZero(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ledger := newStubLedger()
	service := NewService(m, ledger, nil, nil)

	accountID := uuid.New()
	ledger.balances[accountID] = decimal.NewFromInt(100)

	result, err := service.ReconcileAccount(ctx, accountID)
	check.Nil(t, err)
	check.True(t, result.Drift.Equal(decimal.NewFromInt(-100)))
}

func TestReconcileAccount_DriftWritesAuditRecord(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	recorder, err := audit.NewRecorder(m)
	check.Nil(t, err)

	ledger := newStubLedger()
	service := NewService(m, ledger, recorder, nil)

	accountID := uuid.New()
	_, err = m.AdjustCachedBalance(ctx, accountID, decimal.NewFromInt(520))
	check.Nil(t, err)
	ledger.balances[accountID] = decimal.NewFromInt(500)

	_, err = service.ReconcileAccount(ctx, accountID)
	check.Nil(t, err)

	records, err := m.ListAudit(ctx, audit.KindDrift)
	check.Nil(t, err)
	check.Equal(t, 1, len(records))

	var payload struct {
		AccountID string `cbor:"account_id"`
		Drift     string `cbor:"drift"`
	}
	check.Nil(t, recorder.Verify(records[0], &payload))
	check.Equal(t, accountID.String(), payload.AccountID)
	check.Equal(t, "20", payload.Drift)
}

func TestReconcileAll_AggregatesReport(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ledger := newStubLedger()
	service := NewService(m, ledger, nil, nil)

	synced := uuid.New()
	drifted := uuid.New()
	failing := uuid.New()

	_, err := m.AdjustCachedBalance(ctx, synced, decimal.NewFromInt(100))
	check.Nil(t, err)
	ledger.balances[synced] = decimal.NewFromInt(100)

	_, err = m.AdjustCachedBalance(ctx, drifted, decimal.NewFromInt(300))
	check.Nil(t, err)
	ledger.balances[drifted] = decimal.NewFromInt(250)

	_, err = m.AdjustCachedBalance(ctx, failing, decimal.NewFromInt(50))
	check.Nil(t, err)
	ledger.failFor[failing] = true

	report, err := service.ReconcileAll(ctx)
	check.Nil(t, err)

	check.Equal(t, 3, report.Scanned)
	check.Equal(t, 1, report.Synced)
	check.Equal(t, 1, report.Drifted)
	check.Equal(t, 1, report.Errors)
	check.Equal(t, 1, len(report.DriftDetails))
	check.Equal(t, drifted, report.DriftDetails[0].AccountID)
	check.True(t, report.DriftDetails[0].Drift.Equal(decimal.NewFromInt(50)))
}

func TestReconcileAll_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ledger := newStubLedger()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	service := NewService(m, ledger, nil, nil).WithClock(func() time.Time { return now })

	drifted := uuid.New()
	_, err := m.AdjustCachedBalance(ctx, drifted, decimal.NewFromInt(300))
	check.Nil(t, err)
	ledger.balances[drifted] = decimal.NewFromInt(250)

	first, err := service.ReconcileAll(ctx)
	check.Nil(t, err)
	second, err := service.ReconcileAll(ctx)
	check.Nil(t, err)

	// Reconciliation mutates nothing, so back-to-back runs agree.
	check.Equal(t, first, second)
}

func TestDepositAndWithdraw(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ledger := newStubLedger()
	service := NewService(m, ledger, nil, nil)

	accountID := uuid.New()
	ledger.balances[accountID] = decimal.NewFromInt(500)

	balance, err := service.Deposit(ctx, accountID, decimal.NewFromInt(500))
	check.Nil(t, err)
	check.True(t, balance.Amount.Equal(decimal.NewFromInt(500)))

	balance, err = service.Withdraw(ctx, accountID, decimal.NewFromInt(200))
	check.Nil(t, err)
	check.True(t, balance.Amount.Equal(decimal.NewFromInt(300)))

	_, err = service.Withdraw(ctx, accountID, decimal.NewFromInt(1000))
	check.True(t, errors.Is(err, ErrInsufficientBalance))

	_, err = service.Deposit(ctx, accountID, decimal.NewFromInt(-5))
	check.NotNil(t, err)
}

func TestWithdraw_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	service := NewService(m, newStubLedger(), nil, nil)

	accountID := uuid.New()
	_, err := m.AdjustCachedBalance(ctx, accountID, decimal.NewFromInt(100))
	check.Nil(t, err)

	// Both withdrawals cover the full balance; whatever the interleaving,
	// exactly one may succeed.
	const withdrawers = 2
	errs := make(chan error, withdrawers)
	var wg sync.WaitGroup
	for i := 0; i < withdrawers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Withdraw(ctx, accountID, decimal.NewFromInt(100))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, insufficient := 0, 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if errors.Is(err, ErrInsufficientBalance) {
			insufficient++
		} else {
			t.Fatalf("unexpected withdrawal error: %v", err)
		}
	}
	check.Equal(t, 1, succeeded)
	check.Equal(t, 1, insufficient)

	balance, err := m.GetCachedBalance(ctx, accountID)
	check.Nil(t, err)
	check.True(t, balance.Amount.IsZero())
}

func TestWithdraw_SchedulesAsyncReconcile(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	recorder, err := audit.NewRecorder(m)
	check.Nil(t, err)

	ledger := newStubLedger()
	service := NewService(m, ledger, recorder, nil)

	accountID := uuid.New()
	_, err = m.AdjustCachedBalance(ctx, accountID, decimal.NewFromInt(500))
	check.Nil(t, err)
	ledger.balances[accountID] = decimal.NewFromInt(500)

	// The on-chain side has not seen the withdrawal yet, so the async
	// pass must flag drift.
	_, err = service.Withdraw(ctx, accountID, decimal.NewFromInt(100))
	check.Nil(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := m.ListAudit(ctx, audit.KindDrift)
		check.Nil(t, err)
		if len(records) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("async reconciliation never reported drift")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSourceAllowance(t *testing.T) {
	ctx := context.Background()
	ledger := newStubLedger()
	buyerID := uuid.New()
	ledger.balances[buyerID] = decimal.NewFromFloat(123.45)

	allowance := SourceAllowance{Source: ledger}
	available, err := allowance.Allowance(ctx, buyerID)
	check.Nil(t, err)
	check.Equal(t, 123.45, available)

	ledger.failFor[buyerID] = true
	_, err = allowance.Allowance(ctx, buyerID)
	check.NotNil(t, err)
}
