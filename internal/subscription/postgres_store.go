package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscriptions table if it doesn't exist. The CHECK
// constraint makes overdraft impossible at the database level regardless of
// application bugs.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id                VARCHAR(40) PRIMARY KEY,
			seller_id         VARCHAR(64) NOT NULL,
			plan_id           VARCHAR(64) NOT NULL,
			status            VARCHAR(20) NOT NULL DEFAULT 'pending',
			start_date        TIMESTAMPTZ NOT NULL,
			end_date          TIMESTAMPTZ,
			renewal_date      TIMESTAMPTZ,
			credits_allocated BIGINT NOT NULL DEFAULT 0,
			credits_used      BIGINT NOT NULL DEFAULT 0,
			bonus_credits     BIGINT NOT NULL DEFAULT 0,
			total_credited    BIGINT NOT NULL DEFAULT 0,
			total_debited     BIGINT NOT NULL DEFAULT 0,
			last_seq          BIGINT NOT NULL DEFAULT 0,
			is_auto_assigned  BOOLEAN NOT NULL DEFAULT FALSE,
			version           BIGINT NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg
				CHECK (credits_allocated - credits_used + bonus_credits >= 0)
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_seller ON subscriptions(seller_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_seller_active
			ON subscriptions(seller_id) WHERE status = 'active';
	`)
	return err
}

const subscriptionColumns = `id, seller_id, plan_id, status, start_date, end_date,
	renewal_date, credits_allocated, credits_used, bonus_credits,
	total_credited, total_debited, last_seq, is_auto_assigned,
	version, created_at, updated_at`

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1
	`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (p *PostgresStore) GetCurrent(ctx context.Context, sellerID string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE seller_id = $1 AND status = 'active'
		ORDER BY created_at DESC LIMIT 1
	`, sellerID)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get current subscription: %w", err)
	}
	return sub, nil
}

// Assign supersedes the seller's active subscription (if any) and inserts
// the new record in one transaction.
func (p *PostgresStore) Assign(ctx context.Context, sub *Subscription) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			status     = 'cancelled',
			version    = version + 1,
			updated_at = NOW()
		WHERE seller_id = $1 AND status = 'active'
	`, sub.SellerID)
	if err != nil {
		return fmt.Errorf("supersede active subscription: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, seller_id, plan_id, status, start_date, end_date, renewal_date,
			credits_allocated, credits_used, bonus_credits,
			total_credited, total_debited, last_seq,
			is_auto_assigned, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, sub.ID, sub.SellerID, sub.PlanID, string(sub.Status),
		sub.StartDate, nullTimeOrValue(sub.EndDate), nullTimeOrValue(sub.RenewalDate),
		sub.CreditsAllocated, sub.CreditsUsed, sub.BonusCredits,
		sub.TotalCredited, sub.TotalDebited, sub.LastSeq,
		sub.IsAutoAssigned, sub.Version, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			status       = $2,
			start_date   = $3,
			end_date     = $4,
			renewal_date = $5,
			version      = version + 1,
			updated_at   = NOW()
		WHERE id = $1 AND version = $6
	`, sub.ID, string(sub.Status), sub.StartDate,
		nullTimeOrValue(sub.EndDate), nullTimeOrValue(sub.RenewalDate), sub.Version)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Either the row is gone or someone updated it first.
		if _, getErr := p.GetByID(ctx, sub.ID); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			status     = 'expired',
			version    = version + 1,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM subscriptions
			WHERE status = 'active' AND end_date IS NOT NULL AND end_date <= $1
			LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("expire due subscriptions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scannable) (*Subscription, error) {
	var sub Subscription
	var status string
	var endDate, renewalDate sql.NullTime

	err := row.Scan(&sub.ID, &sub.SellerID, &sub.PlanID, &status,
		&sub.StartDate, &endDate, &renewalDate,
		&sub.CreditsAllocated, &sub.CreditsUsed, &sub.BonusCredits,
		&sub.TotalCredited, &sub.TotalDebited, &sub.LastSeq,
		&sub.IsAutoAssigned, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sub.Status = Status(status)
	if endDate.Valid {
		sub.EndDate = endDate.Time
	}
	if renewalDate.Valid {
		sub.RenewalDate = renewalDate.Time
	}
	return &sub, nil
}

// nullTimeOrValue returns a sql.NullTime: valid if t is non-zero, null otherwise.
func nullTimeOrValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
