// Package fixture is an in-memory definitions store loaded from YAML. The
// rules-eval CLI and unit tests use it; Put and Delete let tests change
// definitions between calls.
package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
	"github.com/jakekausler/campaign-manager-sub003/internal/store"
)

var _ store.DefinitionRepository = (*Store)(nil)

// Document is the YAML layout. Expressions, values and patches may be
// written as YAML or inline JSON.
type Document struct {
	Conditions []conditionRecord `yaml:"conditions"`
	Variables  []variableRecord  `yaml:"variables"`
	Effects    []effectRecord    `yaml:"effects"`
	// Context is an optional default evaluation context.
	Context map[string]any `yaml:"context"`
}

type conditionRecord struct {
	ID         string    `yaml:"id"`
	CampaignID string    `yaml:"campaignId"`
	BranchID   string    `yaml:"branchId"`
	Key        string    `yaml:"key"`
	Name       string    `yaml:"name"`
	Expression any       `yaml:"expression"`
	Priority   int       `yaml:"priority"`
	Active     *bool     `yaml:"isActive"`
	UpdatedAt  time.Time `yaml:"updatedAt"`
}

type variableRecord struct {
	ID         string    `yaml:"id"`
	CampaignID string    `yaml:"campaignId"`
	BranchID   string    `yaml:"branchId"`
	Key        string    `yaml:"key"`
	EntityType string    `yaml:"entityType"`
	Value      any       `yaml:"value"`
	Active     *bool     `yaml:"isActive"`
	UpdatedAt  time.Time `yaml:"updatedAt"`
}

type effectRecord struct {
	ID          string    `yaml:"id"`
	CampaignID  string    `yaml:"campaignId"`
	BranchID    string    `yaml:"branchId"`
	Key         string    `yaml:"key"`
	ConditionID string    `yaml:"conditionId"`
	Patch       any       `yaml:"patch"`
	Priority    int       `yaml:"priority"`
	Active      *bool     `yaml:"isActive"`
	UpdatedAt   time.Time `yaml:"updatedAt"`
}

// Store is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	conditions map[string]store.Condition
	variables  map[string]store.Variable
	effects    map[string]store.Effect
	context    map[string]any

	// Err, when set, is returned by every read. Tests use it to simulate an
	// unreachable datastore.
	err error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		conditions: make(map[string]store.Condition),
		variables:  make(map[string]store.Variable),
		effects:    make(map[string]store.Effect),
	}
}

// LoadFile reads a YAML document from path.
func LoadFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a YAML document.
func Load(r io.Reader) (*Store, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}

	s := New()
	s.context = doc.Context
	for i, rec := range doc.Conditions {
		raw, err := toJSON(rec.Expression)
		if err != nil {
			return nil, fmt.Errorf("condition %d (%s): %w", i, rec.ID, err)
		}
		s.PutCondition(store.Condition{
			ID: rec.ID, CampaignID: rec.CampaignID, BranchID: rec.BranchID, Key: keyOr(rec.Key, rec.ID),
			Name: rec.Name, Expression: raw, Priority: rec.Priority, IsActive: active(rec.Active), UpdatedAt: rec.UpdatedAt,
		})
	}
	for i, rec := range doc.Variables {
		raw, err := toJSON(rec.Value)
		if err != nil {
			return nil, fmt.Errorf("variable %d (%s): %w", i, rec.ID, err)
		}
		s.PutVariable(store.Variable{
			ID: rec.ID, CampaignID: rec.CampaignID, BranchID: rec.BranchID, Key: keyOr(rec.Key, rec.ID),
			EntityType: rec.EntityType, Value: raw, IsActive: active(rec.Active), UpdatedAt: rec.UpdatedAt,
		})
	}
	for i, rec := range doc.Effects {
		raw, err := toJSON(rec.Patch)
		if err != nil {
			return nil, fmt.Errorf("effect %d (%s): %w", i, rec.ID, err)
		}
		s.PutEffect(store.Effect{
			ID: rec.ID, CampaignID: rec.CampaignID, BranchID: rec.BranchID, Key: keyOr(rec.Key, rec.ID),
			ConditionID: rec.ConditionID, Patch: raw, Priority: rec.Priority, IsActive: active(rec.Active), UpdatedAt: rec.UpdatedAt,
		})
	}
	return s, nil
}

// Context returns the document's default evaluation context, if any.
func (s *Store) Context() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.context
}

// SetError makes every read fail with err; nil restores normal behaviour.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// PutCondition inserts or replaces a condition by ID. A zero UpdatedAt is
// set to now, so a replaced expression is never served from a parse memo.
func (s *Store) PutCondition(c store.Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.conditions[c.ID] = c
}

// PutVariable inserts or replaces a variable by ID.
func (s *Store) PutVariable(v store.Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	s.variables[v.ID] = v
}

// PutEffect inserts or replaces an effect by ID.
func (s *Store) PutEffect(e store.Effect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	s.effects[e.ID] = e
}

// Delete removes a condition, variable or effect with the given id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conditions, id)
	delete(s.variables, id)
	delete(s.effects, id)
}

// Definitions returns every stored row, active or not.
func (s *Store) Definitions() ([]store.Condition, []store.Variable, []store.Effect) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.conditions, func(store.Condition) bool { return true }),
		collect(s.variables, func(store.Variable) bool { return true }),
		collect(s.effects, func(store.Effect) bool { return true })
}

// ListConditions returns the active conditions visible in sc, branch rows
// overriding campaign-wide rows with the same key.
func (s *Store) ListConditions(_ context.Context, sc scope.Scope) ([]store.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	rows := collect(s.conditions, func(c store.Condition) bool {
		return c.IsActive && c.CampaignID == sc.CampaignID && store.VisibleIn(c.BranchID, sc)
	})
	return store.OverlayConditions(rows), nil
}

// ListVariables returns the active variables visible in sc.
func (s *Store) ListVariables(_ context.Context, sc scope.Scope) ([]store.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	rows := collect(s.variables, func(v store.Variable) bool {
		return v.IsActive && v.CampaignID == sc.CampaignID && store.VisibleIn(v.BranchID, sc)
	})
	return store.OverlayVariables(rows), nil
}

// ListEffects returns the active effects visible in sc.
func (s *Store) ListEffects(_ context.Context, sc scope.Scope) ([]store.Effect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	rows := collect(s.effects, func(e store.Effect) bool {
		return e.IsActive && e.CampaignID == sc.CampaignID && store.VisibleIn(e.BranchID, sc)
	})
	return store.OverlayEffects(rows), nil
}

// GetCondition returns an active condition or store.ErrNotFound.
func (s *Store) GetCondition(_ context.Context, id string) (*store.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.conditions[id]
	if !ok || !c.IsActive {
		return nil, apperr.NotFound("condition", id)
	}
	return &c, nil
}

// GetVariable returns an active variable or store.ErrNotFound.
func (s *Store) GetVariable(_ context.Context, id string) (*store.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.variables[id]
	if !ok || !v.IsActive {
		return nil, apperr.NotFound("variable", id)
	}
	return &v, nil
}

// GetEffect returns an active effect or store.ErrNotFound.
func (s *Store) GetEffect(_ context.Context, id string) (*store.Effect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	e, ok := s.effects[id]
	if !ok || !e.IsActive {
		return nil, apperr.NotFound("effect", id)
	}
	return &e, nil
}

// ListActiveScopes returns every scope with an active definition.
func (s *Store) ListActiveScopes(_ context.Context) ([]scope.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var scopes []scope.Scope
	for _, c := range s.conditions {
		if c.IsActive {
			scopes = append(scopes, scope.New(c.CampaignID, c.BranchID))
		}
	}
	for _, v := range s.variables {
		if v.IsActive {
			scopes = append(scopes, scope.New(v.CampaignID, v.BranchID))
		}
	}
	for _, e := range s.effects {
		if e.IsActive {
			scopes = append(scopes, scope.New(e.CampaignID, e.BranchID))
		}
	}
	return store.SortScopes(scopes), nil
}

// Ping fails with the error set by SetError, if any.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func collect[T any](m map[string]T, keep func(T) bool) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func active(b *bool) bool {
	return b == nil || *b
}

func keyOr(key, id string) string {
	if key != "" {
		return key
	}
	return id
}

// toJSON converts a decoded YAML value to JSON. A string holding valid JSON
// is taken verbatim so expressions can be written inline.
func toJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}
	b, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("failed to convert to JSON: %w", err)
	}
	return b, nil
}

// normalize turns map[any]any, which encoding/json rejects, into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalize(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	}
	return v
}
