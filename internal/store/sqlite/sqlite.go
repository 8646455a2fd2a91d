// Package sqlite reads definitions from a SQLite database for single-node and
// development deployments. Timestamps are stored as Unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
	"github.com/jakekausler/campaign-manager-sub003/internal/store"
)

//go:embed schema.sql
var Schema string

var _ store.DefinitionRepository = (*Store)(nil)

// Store implements store.DefinitionRepository over database/sql.
type Store struct {
	db *sql.DB
}

// New creates a store over an open database. Call Migrate before the first
// read on a fresh file.
func New(db *sql.DB) *Store {
	if db == nil {
		panic("sqlite: database cannot be nil")
	}
	return &Store{db: db}
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return nil
}

const (
	conditionColumns = `id, campaign_id, COALESCE(branch_id, ''), key, name, expression, priority, is_active, updated_at`
	variableColumns  = `id, campaign_id, COALESCE(branch_id, ''), key, entity_type, COALESCE(value, 'null'), is_active, updated_at`
	effectColumns    = `id, campaign_id, COALESCE(branch_id, ''), key, COALESCE(condition_id, ''), patch, priority, is_active, updated_at`

	scopeFilter = `campaign_id = ? AND (branch_id IS NULL OR branch_id = '' OR branch_id = ?) AND is_active = 1 AND deleted_at IS NULL`
	liveByID    = `id = ? AND is_active = 1 AND deleted_at IS NULL`
)

type scanner interface {
	Scan(dest ...any) error
}

// ListConditions returns the live conditions visible in sc. A branch row
// hides the campaign-wide row with the same key.
func (s *Store) ListConditions(ctx context.Context, sc scope.Scope) ([]store.Condition, error) {
	out, err := query(ctx, s.db, `SELECT `+conditionColumns+` FROM conditions WHERE `+scopeFilter, scanCondition, sc.CampaignID, sc.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conditions: %w", err)
	}
	return store.OverlayConditions(out), nil
}

// ListVariables returns the live variables visible in sc.
func (s *Store) ListVariables(ctx context.Context, sc scope.Scope) ([]store.Variable, error) {
	out, err := query(ctx, s.db, `SELECT `+variableColumns+` FROM variables WHERE `+scopeFilter, scanVariable, sc.CampaignID, sc.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	return store.OverlayVariables(out), nil
}

// ListEffects returns the live effects visible in sc.
func (s *Store) ListEffects(ctx context.Context, sc scope.Scope) ([]store.Effect, error) {
	out, err := query(ctx, s.db, `SELECT `+effectColumns+` FROM effects WHERE `+scopeFilter, scanEffect, sc.CampaignID, sc.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list effects: %w", err)
	}
	return store.OverlayEffects(out), nil
}

// GetCondition loads one live condition by ID, or returns store.ErrNotFound.
func (s *Store) GetCondition(ctx context.Context, id string) (*store.Condition, error) {
	c, err := scanCondition(s.db.QueryRowContext(ctx, `SELECT `+conditionColumns+` FROM conditions WHERE `+liveByID, id))
	if err != nil {
		return nil, notFoundOr(err, "condition", id)
	}
	return &c, nil
}

// GetVariable loads one live variable by ID, or returns store.ErrNotFound.
func (s *Store) GetVariable(ctx context.Context, id string) (*store.Variable, error) {
	v, err := scanVariable(s.db.QueryRowContext(ctx, `SELECT `+variableColumns+` FROM variables WHERE `+liveByID, id))
	if err != nil {
		return nil, notFoundOr(err, "variable", id)
	}
	return &v, nil
}

// GetEffect loads one live effect by ID, or returns store.ErrNotFound.
func (s *Store) GetEffect(ctx context.Context, id string) (*store.Effect, error) {
	e, err := scanEffect(s.db.QueryRowContext(ctx, `SELECT `+effectColumns+` FROM effects WHERE `+liveByID, id))
	if err != nil {
		return nil, notFoundOr(err, "effect", id)
	}
	return &e, nil
}

// ListActiveScopes returns every scope with a live definition.
func (s *Store) ListActiveScopes(ctx context.Context) ([]scope.Scope, error) {
	q := `
		SELECT campaign_id, COALESCE(branch_id, '') FROM conditions WHERE is_active = 1 AND deleted_at IS NULL
		UNION
		SELECT campaign_id, COALESCE(branch_id, '') FROM variables WHERE is_active = 1 AND deleted_at IS NULL
		UNION
		SELECT campaign_id, COALESCE(branch_id, '') FROM effects WHERE is_active = 1 AND deleted_at IS NULL
	`
	scopes, err := query(ctx, s.db, q, func(row scanner) (scope.Scope, error) {
		var campaignID, branchID string
		err := row.Scan(&campaignID, &branchID)
		return scope.New(campaignID, branchID), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active scopes: %w", err)
	}
	return store.SortScopes(scopes), nil
}

// Ping checks that the database is still open.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Seed upserts definitions, typically from a fixture file.
func (s *Store) Seed(ctx context.Context, conditions []store.Condition, variables []store.Variable, effects []store.Effect) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range conditions {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO conditions (id, campaign_id, branch_id, key, name, expression, priority, is_active, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
			c.ID, c.CampaignID, c.BranchID, c.Key, c.Name, string(c.Expression), c.Priority, c.IsActive, millis(c.UpdatedAt),
		); err != nil {
			return fmt.Errorf("failed to seed condition %q: %w", c.ID, err)
		}
	}
	for _, v := range variables {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO variables (id, campaign_id, branch_id, key, entity_type, value, is_active, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)`,
			v.ID, v.CampaignID, v.BranchID, v.Key, v.EntityType, nullableJSON(v.Value), v.IsActive, millis(v.UpdatedAt),
		); err != nil {
			return fmt.Errorf("failed to seed variable %q: %w", v.ID, err)
		}
	}
	for _, e := range effects {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO effects (id, campaign_id, branch_id, key, condition_id, patch, priority, is_active, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?)`,
			e.ID, e.CampaignID, e.BranchID, e.Key, e.ConditionID, string(e.Patch), e.Priority, e.IsActive, millis(e.UpdatedAt),
		); err != nil {
			return fmt.Errorf("failed to seed effect %q: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}
	return nil
}

func query[T any](ctx context.Context, db *sql.DB, q string, scan func(scanner) (T, error), args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanCondition(row scanner) (store.Condition, error) {
	var (
		c       store.Condition
		expr    string
		updated int64
	)
	if err := row.Scan(&c.ID, &c.CampaignID, &c.BranchID, &c.Key, &c.Name, &expr, &c.Priority, &c.IsActive, &updated); err != nil {
		return c, err
	}
	c.Expression = json.RawMessage(expr)
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, nil
}

func scanVariable(row scanner) (store.Variable, error) {
	var (
		v       store.Variable
		value   string
		updated int64
	)
	if err := row.Scan(&v.ID, &v.CampaignID, &v.BranchID, &v.Key, &v.EntityType, &value, &v.IsActive, &updated); err != nil {
		return v, err
	}
	v.Value = json.RawMessage(value)
	v.UpdatedAt = time.UnixMilli(updated).UTC()
	return v, nil
}

func scanEffect(row scanner) (store.Effect, error) {
	var (
		e       store.Effect
		patch   string
		updated int64
	)
	if err := row.Scan(&e.ID, &e.CampaignID, &e.BranchID, &e.Key, &e.ConditionID, &patch, &e.Priority, &e.IsActive, &updated); err != nil {
		return e, err
	}
	e.Patch = json.RawMessage(patch)
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return e, nil
}

func notFoundOr(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(kind, id)
	}
	return fmt.Errorf("failed to get %s %q: %w", kind, id, err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
