package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

var _ DefinitionRepository = (*PostgresStore)(nil)

// PostgresStore reads definitions from PostgreSQL. The schema lives in
// migrations/; a NULL branch_id marks a campaign-wide row.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store over an open pool. It panics on a nil pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

const (
	conditionColumns = `id, campaign_id, COALESCE(branch_id, ''), key, name, expression, priority, is_active, updated_at`
	variableColumns  = `id, campaign_id, COALESCE(branch_id, ''), key, entity_type, value, is_active, updated_at`
	effectColumns    = `id, campaign_id, COALESCE(branch_id, ''), key, COALESCE(condition_id, ''), patch, priority, is_active, updated_at`

	// scopeFilter selects live rows of a campaign visible in a branch.
	scopeFilter = `campaign_id = $1 AND (branch_id IS NULL OR branch_id = $2) AND is_active AND deleted_at IS NULL`
	liveByID    = `id = $1 AND is_active AND deleted_at IS NULL`
)

// ListConditions returns the live conditions visible in sc. A branch row
// hides the campaign-wide row with the same key.
func (s *PostgresStore) ListConditions(ctx context.Context, sc scope.Scope) ([]Condition, error) {
	rows, err := s.db.Query(ctx, `SELECT `+conditionColumns+` FROM conditions WHERE `+scopeFilter, sc.CampaignID, sc.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conditions: %w", err)
	}
	conditions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Condition, error) {
		return scanCondition(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan conditions: %w", err)
	}
	return OverlayConditions(conditions), nil
}

// ListVariables returns the live variables visible in sc, overlaid like
// ListConditions.
func (s *PostgresStore) ListVariables(ctx context.Context, sc scope.Scope) ([]Variable, error) {
	rows, err := s.db.Query(ctx, `SELECT `+variableColumns+` FROM variables WHERE `+scopeFilter, sc.CampaignID, sc.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	variables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Variable, error) {
		return scanVariable(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan variables: %w", err)
	}
	return OverlayVariables(variables), nil
}

// ListEffects returns the live effects visible in sc, overlaid like
// ListConditions.
func (s *PostgresStore) ListEffects(ctx context.Context, sc scope.Scope) ([]Effect, error) {
	rows, err := s.db.Query(ctx, `SELECT `+effectColumns+` FROM effects WHERE `+scopeFilter, sc.CampaignID, sc.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list effects: %w", err)
	}
	effects, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Effect, error) {
		return scanEffect(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan effects: %w", err)
	}
	return OverlayEffects(effects), nil
}

// GetCondition loads one live condition by ID, or returns ErrNotFound.
func (s *PostgresStore) GetCondition(ctx context.Context, id string) (*Condition, error) {
	c, err := scanCondition(s.db.QueryRow(ctx, `SELECT `+conditionColumns+` FROM conditions WHERE `+liveByID, id))
	if err != nil {
		return nil, notFoundOr(err, "condition", id)
	}
	return &c, nil
}

// GetVariable loads one live variable by ID, or returns ErrNotFound.
func (s *PostgresStore) GetVariable(ctx context.Context, id string) (*Variable, error) {
	v, err := scanVariable(s.db.QueryRow(ctx, `SELECT `+variableColumns+` FROM variables WHERE `+liveByID, id))
	if err != nil {
		return nil, notFoundOr(err, "variable", id)
	}
	return &v, nil
}

// GetEffect loads one live effect by ID, or returns ErrNotFound.
func (s *PostgresStore) GetEffect(ctx context.Context, id string) (*Effect, error) {
	e, err := scanEffect(s.db.QueryRow(ctx, `SELECT `+effectColumns+` FROM effects WHERE `+liveByID, id))
	if err != nil {
		return nil, notFoundOr(err, "effect", id)
	}
	return &e, nil
}

// ListActiveScopes unions the scopes of all three definition tables.
func (s *PostgresStore) ListActiveScopes(ctx context.Context) ([]scope.Scope, error) {
	query := `
		SELECT campaign_id, COALESCE(branch_id, '') FROM conditions WHERE is_active AND deleted_at IS NULL
		UNION
		SELECT campaign_id, COALESCE(branch_id, '') FROM variables WHERE is_active AND deleted_at IS NULL
		UNION
		SELECT campaign_id, COALESCE(branch_id, '') FROM effects WHERE is_active AND deleted_at IS NULL
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active scopes: %w", err)
	}
	scopes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scope.Scope, error) {
		var campaignID, branchID string
		err := row.Scan(&campaignID, &branchID)
		return scope.New(campaignID, branchID), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan active scopes: %w", err)
	}
	return SortScopes(scopes), nil
}

// Ping checks that the pool can reach the server.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanCondition(row pgx.Row) (Condition, error) {
	var c Condition
	err := row.Scan(&c.ID, &c.CampaignID, &c.BranchID, &c.Key, &c.Name, &c.Expression, &c.Priority, &c.IsActive, &c.UpdatedAt)
	return c, err
}

func scanVariable(row pgx.Row) (Variable, error) {
	var v Variable
	err := row.Scan(&v.ID, &v.CampaignID, &v.BranchID, &v.Key, &v.EntityType, &v.Value, &v.IsActive, &v.UpdatedAt)
	return v, err
}

func scanEffect(row pgx.Row) (Effect, error) {
	var e Effect
	err := row.Scan(&e.ID, &e.CampaignID, &e.BranchID, &e.Key, &e.ConditionID, &e.Patch, &e.Priority, &e.IsActive, &e.UpdatedAt)
	return e, err
}

func notFoundOr(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(kind, id)
	}
	return fmt.Errorf("failed to get %s %q: %w", kind, id, err)
}
