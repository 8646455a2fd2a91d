// Package store reads condition, variable and effect definitions. Rows with
// an empty branch belong to the whole campaign and are visible in every
// branch; a branch row with the same key replaces the campaign-wide one.
package store

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// ErrNotFound matches every not-found error returned by a repository.
var ErrNotFound = apperr.New(apperr.CodeNotFound, "store: definition not found")

// Condition is a boolean rule evaluated against entity data.
type Condition struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaignId"`
	BranchID   string          `json:"branchId,omitempty"`
	Key        string          `json:"key"`
	Name       string          `json:"name,omitempty"`
	Expression json.RawMessage `json:"expression"`
	Priority   int             `json:"priority"`
	IsActive   bool            `json:"isActive"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Variable is a named piece of campaign state.
type Variable struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaignId"`
	BranchID   string          `json:"branchId,omitempty"`
	Key        string          `json:"key"`
	EntityType string          `json:"entityType,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	IsActive   bool            `json:"isActive"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Effect is a JSON Patch applied to state when its condition holds.
type Effect struct {
	ID          string          `json:"id"`
	CampaignID  string          `json:"campaignId"`
	BranchID    string          `json:"branchId,omitempty"`
	Key         string          `json:"key"`
	ConditionID string          `json:"conditionId,omitempty"`
	Patch       json.RawMessage `json:"patch"`
	Priority    int             `json:"priority"`
	IsActive    bool            `json:"isActive"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// VisibleIn reports whether a definition stored under branchID is visible in s.
func VisibleIn(branchID string, s scope.Scope) bool {
	return branchID == "" || branchID == s.BranchID
}

// DefinitionRepository is the read side of the definitions datastore. List
// methods return active, non-deleted definitions visible in the scope,
// already overlaid and sorted by ID.
type DefinitionRepository interface {
	ListConditions(ctx context.Context, s scope.Scope) ([]Condition, error)
	ListVariables(ctx context.Context, s scope.Scope) ([]Variable, error)
	ListEffects(ctx context.Context, s scope.Scope) ([]Effect, error)

	// Get methods return ErrNotFound for unknown, deleted or inactive rows.
	GetCondition(ctx context.Context, id string) (*Condition, error)
	GetVariable(ctx context.Context, id string) (*Variable, error)
	GetEffect(ctx context.Context, id string) (*Effect, error)

	// ListActiveScopes returns every scope holding at least one active
	// definition. Campaign-wide rows contribute the default branch.
	ListActiveScopes(ctx context.Context) ([]scope.Scope, error)

	Ping(ctx context.Context) error
}

// Overlay keeps one row per key, preferring the branch-specific row over
// the campaign-wide one, and sorts the result by ID.
func Overlay[T any](rows []T, keyOf, branchOf, idOf func(T) string) []T {
	byKey := make(map[string]T, len(rows))
	for _, row := range rows {
		key := keyOf(row)
		if existing, ok := byKey[key]; ok && branchOf(existing) != "" && branchOf(row) == "" {
			continue
		}
		byKey[key] = row
	}

	out := make([]T, 0, len(byKey))
	for _, row := range byKey {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(idOf(a), idOf(b)) })
	return out
}

// OverlayConditions applies Overlay to conditions.
func OverlayConditions(rows []Condition) []Condition {
	return Overlay(rows,
		func(c Condition) string { return c.Key },
		func(c Condition) string { return c.BranchID },
		func(c Condition) string { return c.ID },
	)
}

// OverlayVariables applies Overlay to variables.
func OverlayVariables(rows []Variable) []Variable {
	return Overlay(rows,
		func(v Variable) string { return v.Key },
		func(v Variable) string { return v.BranchID },
		func(v Variable) string { return v.ID },
	)
}

// OverlayEffects applies Overlay to effects.
func OverlayEffects(rows []Effect) []Effect {
	return Overlay(rows,
		func(e Effect) string { return e.Key },
		func(e Effect) string { return e.BranchID },
		func(e Effect) string { return e.ID },
	)
}

// SortScopes orders scopes by campaign then branch and removes duplicates.
func SortScopes(scopes []scope.Scope) []scope.Scope {
	slices.SortFunc(scopes, func(a, b scope.Scope) int {
		return cmp.Or(cmp.Compare(a.CampaignID, b.CampaignID), cmp.Compare(a.BranchID, b.BranchID))
	})
	return slices.Compact(scopes)
}
