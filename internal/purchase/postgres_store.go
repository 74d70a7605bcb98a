package purchase

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. The verification
// compare-and-set is a single conditional UPDATE, so duplicate deliveries
// race harmlessly: exactly one wins the transition.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the purchase_intents table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS purchase_intents (
			id                 VARCHAR(40) PRIMARY KEY,
			seller_id          VARCHAR(64) NOT NULL,
			plan_id            VARCHAR(64) NOT NULL,
			status             VARCHAR(20) NOT NULL DEFAULT 'created',
			gateway_provider   VARCHAR(20) NOT NULL,
			gateway_order_id   VARCHAR(64) NOT NULL UNIQUE,
			gateway_payment_id VARCHAR(64) NOT NULL DEFAULT '',
			amount             BIGINT NOT NULL,
			currency           VARCHAR(8) NOT NULL,
			subscription_id    VARCHAR(40) NOT NULL DEFAULT '',
			transaction_id     VARCHAR(40) NOT NULL DEFAULT '',
			failure_reason     TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW(),
			verified_at        TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_purchase_intents_seller ON purchase_intents(seller_id);
		CREATE INDEX IF NOT EXISTS idx_purchase_intents_status ON purchase_intents(status, created_at);
	`)
	return err
}

const intentColumns = `id, seller_id, plan_id, status, gateway_provider,
	gateway_order_id, gateway_payment_id, amount, currency,
	subscription_id, transaction_id, failure_reason,
	created_at, updated_at, verified_at`

func (p *PostgresStore) Create(ctx context.Context, intent *Intent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchase_intents (
			id, seller_id, plan_id, status, gateway_provider,
			gateway_order_id, gateway_payment_id, amount, currency,
			subscription_id, transaction_id, failure_reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, intent.ID, intent.SellerID, intent.PlanID, string(intent.Status),
		intent.GatewayProvider, intent.GatewayOrderID, intent.GatewayPaymentID,
		intent.Amount, intent.Currency, intent.SubscriptionID, intent.TransactionID,
		intent.FailureReason, intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM purchase_intents WHERE id = $1
	`, id)
	return scanIntentRow(row)
}

func (p *PostgresStore) GetByOrderID(ctx context.Context, orderID string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM purchase_intents WHERE gateway_order_id = $1
	`, orderID)
	return scanIntentRow(row)
}

func (p *PostgresStore) MarkVerified(ctx context.Context, orderID, paymentID string) (*Intent, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE purchase_intents SET
			status             = 'verified',
			gateway_payment_id = $2,
			verified_at        = NOW(),
			updated_at         = NOW()
		WHERE gateway_order_id = $1 AND status IN ('created', 'authorized')
		RETURNING `+intentColumns+`
	`, orderID, paymentID)

	intent, err := scanIntent(row)
	if err == sql.ErrNoRows {
		// Lost the race or the intent is already final; hand back whatever
		// state it is in now.
		existing, getErr := p.GetByOrderID(ctx, orderID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mark verified: %w", err)
	}
	return intent, true, nil
}

func (p *PostgresStore) Update(ctx context.Context, intent *Intent) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE purchase_intents SET
			status             = $2,
			gateway_payment_id = $3,
			subscription_id    = $4,
			transaction_id     = $5,
			failure_reason     = $6,
			updated_at         = NOW()
		WHERE id = $1
	`, intent.ID, string(intent.Status), intent.GatewayPaymentID,
		intent.SubscriptionID, intent.TransactionID, intent.FailureReason)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM purchase_intents
		WHERE status IN ('created', 'authorized') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale intents: %w", err)
	}
	defer rows.Close()

	intents := []*Intent{}
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row scannable) (*Intent, error) {
	var intent Intent
	var status string
	var verifiedAt sql.NullTime

	err := row.Scan(&intent.ID, &intent.SellerID, &intent.PlanID, &status,
		&intent.GatewayProvider, &intent.GatewayOrderID, &intent.GatewayPaymentID,
		&intent.Amount, &intent.Currency, &intent.SubscriptionID,
		&intent.TransactionID, &intent.FailureReason,
		&intent.CreatedAt, &intent.UpdatedAt, &verifiedAt)
	if err != nil {
		return nil, err
	}

	intent.Status = Status(status)
	if verifiedAt.Valid {
		intent.VerifiedAt = verifiedAt.Time
	}
	return &intent, nil
}

func scanIntentRow(row *sql.Row) (*Intent, error) {
	intent, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return intent, nil
}
