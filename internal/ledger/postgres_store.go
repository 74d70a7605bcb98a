package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/merchantos/entitlement/internal/pagination"
	"github.com/merchantos/entitlement/internal/subscription"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
//
// Apply runs in a serializable transaction with the subscription row locked
// FOR UPDATE, so the balance snapshot, the balance update, and the log
// insert are a single atomic unit. The chk_balance_nonneg constraint on the
// subscriptions table is the last line of defense against overdraft.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the credit_transactions table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credit_transactions (
			id              VARCHAR(40) PRIMARY KEY,
			subscription_id VARCHAR(40) NOT NULL REFERENCES subscriptions(id),
			seller_id       VARCHAR(64) NOT NULL,
			seq             BIGINT NOT NULL,
			type            VARCHAR(10) NOT NULL,
			amount          BIGINT NOT NULL CHECK (amount >= 0),
			balance_before  BIGINT NOT NULL,
			balance_after   BIGINT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			feature         VARCHAR(128) NOT NULL DEFAULT '',
			reference_id    VARCHAR(64) NOT NULL DEFAULT '',
			reference_type  VARCHAR(32) NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT uq_credit_tx_seq UNIQUE (subscription_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_credit_tx_subscription
			ON credit_transactions(subscription_id, seq DESC);
		CREATE INDEX IF NOT EXISTS idx_credit_tx_seller
			ON credit_transactions(seller_id);
	`)
	return err
}

func (p *PostgresStore) Apply(ctx context.Context, entry *Transaction) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sub subscription.Subscription
	err = tx.QueryRowContext(ctx, `
		SELECT seller_id, credits_allocated, credits_used, bonus_credits,
			total_credited, total_debited, last_seq
		FROM subscriptions WHERE id = $1 FOR UPDATE
	`, entry.SubscriptionID).Scan(&sub.SellerID,
		&sub.CreditsAllocated, &sub.CreditsUsed, &sub.BonusCredits,
		&sub.TotalCredited, &sub.TotalDebited, &sub.LastSeq)
	if err == sql.ErrNoRows {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock subscription: %w", err)
	}

	if err := applyBalances(&sub, entry); err != nil {
		return nil, err
	}
	entry.CreatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			credits_allocated = $2,
			credits_used      = $3,
			bonus_credits     = $4,
			total_credited    = $5,
			total_debited     = $6,
			last_seq          = $7,
			version           = version + 1,
			updated_at        = NOW()
		WHERE id = $1
	`, entry.SubscriptionID,
		sub.CreditsAllocated, sub.CreditsUsed, sub.BonusCredits,
		sub.TotalCredited, sub.TotalDebited, sub.LastSeq)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, subscription_id, seller_id, seq, type, amount,
			balance_before, balance_after, description, feature,
			reference_id, reference_type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.ID, entry.SubscriptionID, entry.SellerID, entry.Seq,
		string(entry.Type), entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.Description, entry.Feature, entry.ReferenceID, entry.ReferenceType,
		entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func (p *PostgresStore) History(ctx context.Context, subscriptionID string, pg pagination.Params) ([]*Transaction, int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_transactions WHERE subscription_id = $1
	`, subscriptionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subscription_id, seller_id, seq, type, amount,
			balance_before, balance_after, description, feature,
			reference_id, reference_type, created_at
		FROM credit_transactions
		WHERE subscription_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`, subscriptionID, pg.Limit, pg.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []*Transaction{}
	for rows.Next() {
		var e Transaction
		var typ string
		err := rows.Scan(&e.ID, &e.SubscriptionID, &e.SellerID, &e.Seq, &typ,
			&e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Description,
			&e.Feature, &e.ReferenceID, &e.ReferenceType, &e.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		e.Type = Type(typ)
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

func (p *PostgresStore) Aggregates(ctx context.Context, subscriptionID string) (*Aggregates, error) {
	var agg Aggregates
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type IN ('credit', 'bonus', 'refund', 'reset')), 0),
			COALESCE(SUM(amount) FILTER (WHERE type IN ('debit', 'revoke')), 0),
			COUNT(*)
		FROM credit_transactions WHERE subscription_id = $1
	`, subscriptionID).Scan(&agg.TotalCredited, &agg.TotalDebited, &agg.Count)
	if err != nil {
		return nil, fmt.Errorf("aggregate transactions: %w", err)
	}
	return &agg, nil
}
