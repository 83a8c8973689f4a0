package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/leadauction/core"
	"github.com/cloudx-io/leadauction/store"
)

var _ store.Store = (*DB)(nil)

const uniqueViolation = "23505"

// translateConstraint maps schema constraint violations back to the store
// sentinel errors callers branch on.
func translateConstraint(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case "uq_bid_lead_buyer":
		return store.ErrDuplicateBid
	case "uq_room_active":
		return store.ErrRoomActive
	}
	return err
}

// LeadStore

func (db *DB) PutLead(ctx context.Context, lead *core.Lead) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO leads (id, seller_id, category, country, state, source, attributes,
			reserve_price, verified, off_site, quality_score, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			country = EXCLUDED.country,
			state = EXCLUDED.state,
			source = EXCLUDED.source,
			attributes = EXCLUDED.attributes,
			reserve_price = EXCLUDED.reserve_price,
			verified = EXCLUDED.verified,
			off_site = EXCLUDED.off_site,
			quality_score = EXCLUDED.quality_score,
			status = EXCLUDED.status
	`, lead.ID, lead.SellerID, lead.Category, lead.Country, lead.State, lead.Source,
		lead.Attributes, lead.ReservePrice, lead.Verified, lead.OffSite,
		lead.QualityScore, lead.Status, lead.CreatedAt)
	return err
}

func (db *DB) GetLead(ctx context.Context, id uuid.UUID) (*core.Lead, error) {
	var lead core.Lead
	err := db.Pool.QueryRow(ctx, `
		SELECT id, seller_id, category, country, state, source, attributes,
			reserve_price, verified, off_site, quality_score, status, created_at
		FROM leads WHERE id = $1
	`, id).Scan(&lead.ID, &lead.SellerID, &lead.Category, &lead.Country, &lead.State,
		&lead.Source, &lead.Attributes, &lead.ReservePrice, &lead.Verified,
		&lead.OffSite, &lead.QualityScore, &lead.Status, &lead.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (db *DB) SetLeadStatus(ctx context.Context, id uuid.UUID, status core.LeadStatus) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE leads SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RoomStore

func (db *DB) CreateRoom(ctx context.Context, room *core.AuctionRoom) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO auction_rooms (id, lead_id, phase, bidding_ends_at, reveal_ends_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, room.ID, room.LeadID, room.Phase, room.BiddingEndsAt, room.RevealEndsAt, room.CreatedAt)
	return translateConstraint(err)
}

const roomColumns = `id, lead_id, phase, bidding_ends_at, reveal_ends_at, created_at`

func scanRoom(row pgx.Row) (*core.AuctionRoom, error) {
	var room core.AuctionRoom
	err := row.Scan(&room.ID, &room.LeadID, &room.Phase,
		&room.BiddingEndsAt, &room.RevealEndsAt, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (db *DB) GetRoom(ctx context.Context, id uuid.UUID) (*core.AuctionRoom, error) {
	return scanRoom(db.Pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM auction_rooms WHERE id = $1`, id))
}

func (db *DB) GetActiveRoomByLead(ctx context.Context, leadID uuid.UUID) (*core.AuctionRoom, error) {
	return scanRoom(db.Pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM auction_rooms WHERE lead_id = $1 AND phase <> $2`,
		leadID, core.PhaseResolved))
}

func (db *DB) SetRoomPhase(ctx context.Context, id uuid.UUID, phase core.AuctionPhase) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE auction_rooms SET phase = $2 WHERE id = $1`, id, phase)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (db *DB) ListRoomsDue(ctx context.Context, now time.Time) ([]core.AuctionRoom, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+roomColumns+` FROM auction_rooms
		WHERE (phase = $1 AND bidding_ends_at <= $3)
		   OR (phase = $2 AND reveal_ends_at <= $3)
		ORDER BY created_at
	`, core.PhaseBidding, core.PhaseReveal, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []core.AuctionRoom
	for rows.Next() {
		var room core.AuctionRoom
		if err := rows.Scan(&room.ID, &room.LeadID, &room.Phase,
			&room.BiddingEndsAt, &room.RevealEndsAt, &room.CreatedAt); err != nil {
			return nil, err
		}
		due = append(due, room)
	}
	return due, rows.Err()
}

// BidStore

func (db *DB) CreateBid(ctx context.Context, bid *core.Bid) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO bids (id, lead_id, buyer_id, commitment, salt, revealed_amount,
			status, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, bid.ID, bid.LeadID, bid.BuyerID, bid.Commitment, bid.Salt, bid.RevealedAmount,
		bid.Status, bid.Source, bid.CreatedAt)
	return translateConstraint(err)
}

const bidColumns = `id, lead_id, buyer_id, commitment, salt, revealed_amount, status, source, created_at`

func scanBid(row pgx.Row) (*core.Bid, error) {
	var bid core.Bid
	err := row.Scan(&bid.ID, &bid.LeadID, &bid.BuyerID, &bid.Commitment, &bid.Salt,
		&bid.RevealedAmount, &bid.Status, &bid.Source, &bid.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bid, nil
}

func (db *DB) GetBid(ctx context.Context, id uuid.UUID) (*core.Bid, error) {
	return scanBid(db.Pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
}

func (db *DB) GetBidByLeadBuyer(ctx context.Context, leadID, buyerID uuid.UUID) (*core.Bid, error) {
	return scanBid(db.Pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE lead_id = $1 AND buyer_id = $2`,
		leadID, buyerID))
}

func (db *DB) ListBidsByLead(ctx context.Context, leadID uuid.UUID) ([]core.Bid, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE lead_id = $1 ORDER BY created_at`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []core.Bid
	for rows.Next() {
		var bid core.Bid
		if err := rows.Scan(&bid.ID, &bid.LeadID, &bid.BuyerID, &bid.Commitment,
			&bid.Salt, &bid.RevealedAmount, &bid.Status, &bid.Source, &bid.CreatedAt); err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

func (db *DB) UpdateBid(ctx context.Context, bid *core.Bid) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE bids SET salt = $2, revealed_amount = $3, status = $4 WHERE id = $1
	`, bid.ID, bid.Salt, bid.RevealedAmount, bid.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PreferenceStore

func (db *DB) PutPreferenceSet(ctx context.Context, set *core.PreferenceSet) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO preference_sets (id, buyer_id, name, category, countries,
			states_include, states_exclude, min_quality, accept_off_site, verified_only,
			bid_amount, max_per_lead, daily_budget, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			countries = EXCLUDED.countries,
			states_include = EXCLUDED.states_include,
			states_exclude = EXCLUDED.states_exclude,
			min_quality = EXCLUDED.min_quality,
			accept_off_site = EXCLUDED.accept_off_site,
			verified_only = EXCLUDED.verified_only,
			bid_amount = EXCLUDED.bid_amount,
			max_per_lead = EXCLUDED.max_per_lead,
			daily_budget = EXCLUDED.daily_budget,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active
	`, set.ID, set.BuyerID, set.Name, set.Category, set.Countries,
		set.StatesInclude, set.StatesExclude, set.MinQuality, set.AcceptOffSite,
		set.VerifiedOnly, set.BidAmount, set.MaxPerLead, set.DailyBudget,
		set.Priority, set.Active)
	if err != nil {
		return err
	}

	// replace the rule list wholesale
	if _, err = tx.Exec(ctx, `DELETE FROM field_filter_rules WHERE set_id = $1`, set.ID); err != nil {
		return err
	}
	for _, rule := range set.Rules {
		if _, err = tx.Exec(ctx, `
			INSERT INTO field_filter_rules (id, set_id, field, operator, value)
			VALUES ($1, $2, $3, $4, $5)
		`, rule.ID, set.ID, rule.Field, rule.Operator, rule.Value); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) ListActiveSetsForCategory(ctx context.Context, category string) ([]core.PreferenceSet, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, buyer_id, name, category, countries, states_include, states_exclude,
			min_quality, accept_off_site, verified_only, bid_amount, max_per_lead,
			daily_budget, priority, active
		FROM preference_sets
		WHERE active AND (category = $1 OR category = $2)
		ORDER BY priority, id
	`, category, core.WildcardCategory)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []core.PreferenceSet
	byID := map[uuid.UUID]int{}
	for rows.Next() {
		var set core.PreferenceSet
		if err := rows.Scan(&set.ID, &set.BuyerID, &set.Name, &set.Category,
			&set.Countries, &set.StatesInclude, &set.StatesExclude, &set.MinQuality,
			&set.AcceptOffSite, &set.VerifiedOnly, &set.BidAmount, &set.MaxPerLead,
			&set.DailyBudget, &set.Priority, &set.Active); err != nil {
			return nil, err
		}
		byID[set.ID] = len(sets)
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(sets))
	for _, set := range sets {
		ids = append(ids, set.ID)
	}
	ruleRows, err := db.Pool.Query(ctx, `
		SELECT id, set_id, field, operator, value
		FROM field_filter_rules WHERE set_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer ruleRows.Close()

	for ruleRows.Next() {
		var rule core.FieldFilterRule
		if err := ruleRows.Scan(&rule.ID, &rule.SetID, &rule.Field,
			&rule.Operator, &rule.Value); err != nil {
			return nil, err
		}
		if i, ok := byID[rule.SetID]; ok {
			sets[i].Rules = append(sets[i].Rules, rule)
		}
	}
	return sets, ruleRows.Err()
}

// SpendStore

func (db *DB) AddAutoBidSpend(ctx context.Context, buyerID uuid.UUID, amount float64, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO autobid_spend (buyer_id, amount, spent_at) VALUES ($1, $2, $3)
	`, buyerID, amount, at)
	return err
}

func (db *DB) SumAutoBidSpendForDay(ctx context.Context, buyerID uuid.UUID, at time.Time) (float64, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	var total float64
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM autobid_spend
		WHERE buyer_id = $1 AND spent_at >= $2 AND spent_at < $3
	`, buyerID, day, day.Add(24*time.Hour)).Scan(&total)
	return total, err
}

// BalanceStore

func (db *DB) GetCachedBalance(ctx context.Context, accountID uuid.UUID) (*store.CachedBalance, error) {
	var bal store.CachedBalance
	err := db.Pool.QueryRow(ctx, `
		SELECT account_id, amount, updated_at FROM cached_balances WHERE account_id = $1
	`, accountID).Scan(&bal.AccountID, &bal.Amount, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

func (db *DB) AdjustCachedBalance(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (*store.CachedBalance, error) {
	var bal store.CachedBalance
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO cached_balances (account_id, amount, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_id) DO UPDATE SET
			amount = cached_balances.amount + EXCLUDED.amount,
			updated_at = now()
		RETURNING account_id, amount, updated_at
	`, accountID, delta).Scan(&bal.AccountID, &bal.Amount, &bal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// DebitCachedBalance performs the sufficiency check and the debit in one
// statement; a row only matches when the balance covers the amount, so
// concurrent withdrawals serialize on the row lock and the loser sees
// ErrInsufficientBalance.
func (db *DB) DebitCachedBalance(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*store.CachedBalance, error) {
	var bal store.CachedBalance
	err := db.Pool.QueryRow(ctx, `
		UPDATE cached_balances
		SET amount = amount - $2, updated_at = now()
		WHERE account_id = $1 AND amount >= $2
		RETURNING account_id, amount, updated_at
	`, accountID, amount).Scan(&bal.AccountID, &bal.Amount, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

func (db *DB) ListNonZeroCachedBalances(ctx context.Context) ([]store.CachedBalance, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT account_id, amount, updated_at FROM cached_balances
		WHERE amount <> 0 ORDER BY account_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []store.CachedBalance
	for rows.Next() {
		var bal store.CachedBalance
		if err := rows.Scan(&bal.AccountID, &bal.Amount, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

// AuditStore

func (db *DB) AppendAudit(ctx context.Context, record store.AuditRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audit_records (id, kind, signed, created_at) VALUES ($1, $2, $3, $4)
	`, record.ID, record.Kind, record.Signed, record.CreatedAt)
	return err
}

func (db *DB) ListAudit(ctx context.Context, kind string) ([]store.AuditRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, kind, signed, created_at FROM audit_records
		WHERE kind = $1 ORDER BY created_at
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []store.AuditRecord
	for rows.Next() {
		var record store.AuditRecord
		if err := rows.Scan(&record.ID, &record.Kind, &record.Signed, &record.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
