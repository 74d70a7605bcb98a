package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
//
// Module, feature, and role grants are stored as JSONB lists and indexed
// into maps on read; a duplicate {page} or {page,action} entry in the stored
// data surfaces as ErrDuplicateGrant rather than being silently merged.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed plan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the plans table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS plans (
			id              VARCHAR(64) PRIMARY KEY,
			name            TEXT NOT NULL,
			plan_type       VARCHAR(20) NOT NULL,
			price           BIGINT NOT NULL DEFAULT 0,
			currency        VARCHAR(8) NOT NULL DEFAULT 'MYR',
			credits_granted BIGINT NOT NULL DEFAULT 0,
			duration_days   INT NOT NULL DEFAULT 0,
			modules         JSONB NOT NULL DEFAULT '[]',
			features        JSONB NOT NULL DEFAULT '[]',
			role_access     JSONB NOT NULL DEFAULT '[]',
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_price_nonneg   CHECK (price >= 0),
			CONSTRAINT chk_credits_nonneg CHECK (credits_granted >= 0)
		);
	`)
	return err
}

// storedRole is the JSONB shape of a role override: grant lists, not maps.
type storedRole struct {
	RoleID   string        `json:"roleId"`
	Modules  []ModuleGrant `json:"modules"`
	Features []Feature     `json:"features"`
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Plan, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, plan_type, price, currency, credits_granted, duration_days,
			modules, features, role_access, created_at, updated_at
		FROM plans WHERE id = $1
	`, id)

	pl, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return pl, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, plan_type, price, currency, credits_granted, duration_days,
			modules, features, role_access, created_at, updated_at
		FROM plans ORDER BY price ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Plan
	for rows.Next() {
		pl, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Put(ctx context.Context, pl *Plan) error {
	modules, features, roles, err := marshalGrants(pl)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, plan_type, price, currency, credits_granted,
			duration_days, modules, features, role_access, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name            = EXCLUDED.name,
			plan_type       = EXCLUDED.plan_type,
			price           = EXCLUDED.price,
			currency        = EXCLUDED.currency,
			credits_granted = EXCLUDED.credits_granted,
			duration_days   = EXCLUDED.duration_days,
			modules         = EXCLUDED.modules,
			features        = EXCLUDED.features,
			role_access     = EXCLUDED.role_access,
			updated_at      = NOW()
	`, pl.ID, pl.Name, string(pl.PlanType), pl.Price, pl.Currency, pl.CreditsGranted,
		pl.DurationDays, modules, features, roles, pl.CreatedAt, pl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put plan: %w", err)
	}
	return nil
}

func marshalGrants(pl *Plan) (modules, features, roles []byte, err error) {
	moduleList := make([]ModuleGrant, 0, len(pl.Modules))
	for _, g := range pl.Modules {
		moduleList = append(moduleList, g)
	}
	featureList := make([]Feature, 0, len(pl.Features))
	for _, f := range pl.Features {
		featureList = append(featureList, f)
	}
	roleList := make([]storedRole, 0, len(pl.RoleAccess))
	for _, r := range pl.RoleAccess {
		sr := storedRole{RoleID: r.RoleID}
		for _, g := range r.Modules {
			sr.Modules = append(sr.Modules, g)
		}
		for _, f := range r.Features {
			sr.Features = append(sr.Features, f)
		}
		roleList = append(roleList, sr)
	}

	if modules, err = json.Marshal(moduleList); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal modules: %w", err)
	}
	if features, err = json.Marshal(featureList); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal features: %w", err)
	}
	if roles, err = json.Marshal(roleList); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal role access: %w", err)
	}
	return modules, features, roles, nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row scannable) (*Plan, error) {
	var pl Plan
	var planType string
	var modulesJSON, featuresJSON, rolesJSON []byte

	err := row.Scan(&pl.ID, &pl.Name, &planType, &pl.Price, &pl.Currency,
		&pl.CreditsGranted, &pl.DurationDays,
		&modulesJSON, &featuresJSON, &rolesJSON, &pl.CreatedAt, &pl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pl.PlanType = Type(planType)

	var moduleList []ModuleGrant
	if err := json.Unmarshal(modulesJSON, &moduleList); err != nil {
		return nil, fmt.Errorf("decode modules for plan %s: %w", pl.ID, err)
	}
	if pl.Modules, err = IndexModules(moduleList); err != nil {
		return nil, fmt.Errorf("plan %s: %w", pl.ID, err)
	}

	var featureList []Feature
	if err := json.Unmarshal(featuresJSON, &featureList); err != nil {
		return nil, fmt.Errorf("decode features for plan %s: %w", pl.ID, err)
	}
	if pl.Features, err = IndexFeatures(featureList); err != nil {
		return nil, fmt.Errorf("plan %s: %w", pl.ID, err)
	}

	var roleList []storedRole
	if err := json.Unmarshal(rolesJSON, &roleList); err != nil {
		return nil, fmt.Errorf("decode role access for plan %s: %w", pl.ID, err)
	}
	if len(roleList) > 0 {
		pl.RoleAccess = make(map[string]RoleGrant, len(roleList))
		for _, sr := range roleList {
			if _, dup := pl.RoleAccess[sr.RoleID]; dup {
				return nil, fmt.Errorf("plan %s role %s: %w", pl.ID, sr.RoleID, ErrDuplicateGrant)
			}
			rg := RoleGrant{RoleID: sr.RoleID}
			if rg.Modules, err = IndexModules(sr.Modules); err != nil {
				return nil, fmt.Errorf("plan %s role %s: %w", pl.ID, sr.RoleID, err)
			}
			if rg.Features, err = IndexFeatures(sr.Features); err != nil {
				return nil, fmt.Errorf("plan %s role %s: %w", pl.ID, sr.RoleID, err)
			}
			pl.RoleAccess[sr.RoleID] = rg
		}
	}

	return &pl, nil
}
