// Package graphcache builds dependency graphs from the definitions datastore
// and keeps one graph per campaign branch in memory.
package graphcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/depgraph"
	"github.com/jakekausler/campaign-manager-sub003/internal/extract"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
	"github.com/jakekausler/campaign-manager-sub003/internal/store"
)

// Node metadata keys.
const (
	MetaID          = "id"
	MetaKey         = "key"
	MetaBranch      = "branchId"
	MetaConditionID = "conditionId"
	MetaEntityType  = "entityType"
	MetaDefined     = "defined"
)

// Builder assembles graphs from the definitions datastore.
type Builder struct {
	logger *slog.Logger
	repo   store.DefinitionRepository
}

// NewBuilder creates a Builder.
func NewBuilder(logger *slog.Logger, repo store.DefinitionRepository) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if repo == nil {
		panic("graphcache: definition repository cannot be nil")
	}
	return &Builder{logger: logger, repo: repo}
}

// BuildGraph loads every active definition visible in s and assembles a new graph.
func (b *Builder) BuildGraph(ctx context.Context, s scope.Scope) (*depgraph.Graph, error) {
	// 1. Load definitions
	conditions, err := b.repo.ListConditions(ctx, s)
	if err != nil {
		return nil, loadError("conditions", s, err)
	}
	variables, err := b.repo.ListVariables(ctx, s)
	if err != nil {
		return nil, loadError("variables", s, err)
	}
	effects, err := b.repo.ListEffects(ctx, s)
	if err != nil {
		return nil, loadError("effects", s, err)
	}

	// 2. Defined variables first, so referenced-only ones are marked as such
	g := depgraph.New(s)
	for _, v := range variables {
		if err := g.AddNode(variableNode(v)); err != nil {
			return nil, fmt.Errorf("graphcache: add variable %s: %w", v.ID, err)
		}
	}

	// 3. Conditions with their reads, then effects with their writes
	for _, c := range conditions {
		if err := addCondition(g, c); err != nil {
			return nil, err
		}
	}
	for _, e := range effects {
		if err := addEffect(g, e); err != nil {
			return nil, err
		}
	}

	// 4. Writer -> reader edges
	linkWriters(g)

	b.logger.Debug("dependency graph built",
		slog.String("scope", s.Key()),
		slog.Int("nodes", g.Len()),
		slog.Int("edges", g.EdgeCount()),
	)
	return g, nil
}

// UpdateNode returns a copy of g with a single condition or effect reloaded
// from the datastore. Deleted or deactivated definitions are dropped. Any
// change that the copy cannot represent faithfully (variables, key overrides
// between branch and campaign rows) triggers a full rebuild instead.
func (b *Builder) UpdateNode(ctx context.Context, g *depgraph.Graph, nodeID string) (*depgraph.Graph, error) {
	typ, key, err := depgraph.ParseNodeID(nodeID)
	if err != nil {
		return nil, err
	}

	next := g.Clone()
	var applied bool
	switch typ {
	case depgraph.NodeCondition:
		applied, err = b.refreshCondition(ctx, next, key)
	case depgraph.NodeEffect:
		applied, err = b.refreshEffect(ctx, next, key)
	}
	if err != nil {
		return nil, err
	}

	if !applied {
		b.logger.Debug("incremental graph update not possible, rebuilding",
			slog.String("scope", g.Scope().Key()),
			slog.String("node_id", nodeID),
		)
		return b.BuildGraph(ctx, g.Scope())
	}

	linkWriters(next)
	pruneUndefined(next)
	return next, nil
}

// refreshCondition replaces one condition node and every edge that touches
// it. It reports false when the graph cannot be patched in place.
func (b *Builder) refreshCondition(ctx context.Context, g *depgraph.Graph, id string) (bool, error) {
	nodeID := depgraph.NodeID(depgraph.NodeCondition, id)
	old, existed := g.Node(nodeID)

	c, err := b.loadCondition(ctx, g.Scope(), id)
	if err != nil {
		return false, err
	}
	if existed && old.Metadata[MetaBranch] != "" && (c == nil || c.Key != old.Metadata[MetaKey]) {
		// A campaign-wide row may have been hidden by this override.
		return false, nil
	}
	if c != nil && keyTaken(g, depgraph.NodeCondition, c.Key, nodeID) {
		return false, nil
	}

	g.RemoveNode(nodeID)
	if c == nil {
		return true, nil
	}
	if err := addCondition(g, *c); err != nil {
		return false, nil
	}
	for _, n := range g.NodesOfType(depgraph.NodeEffect) {
		if n.Metadata[MetaConditionID] == id {
			_ = g.AddEdge(nodeID, n.ID, depgraph.RelationDependsOn)
		}
	}
	return true, nil
}

// refreshEffect replaces one effect node. Its old and new triggering
// conditions are refreshed too, which drops their stale derived edges.
func (b *Builder) refreshEffect(ctx context.Context, g *depgraph.Graph, id string) (bool, error) {
	nodeID := depgraph.NodeID(depgraph.NodeEffect, id)
	old, existed := g.Node(nodeID)

	e, err := b.loadEffect(ctx, g.Scope(), id)
	if err != nil {
		return false, err
	}
	if existed && old.Metadata[MetaBranch] != "" && (e == nil || e.Key != old.Metadata[MetaKey]) {
		return false, nil
	}
	if e != nil && keyTaken(g, depgraph.NodeEffect, e.Key, nodeID) {
		return false, nil
	}

	var triggers []string
	if existed && old.Metadata[MetaConditionID] != "" {
		triggers = append(triggers, old.Metadata[MetaConditionID])
	}

	g.RemoveNode(nodeID)
	if e != nil {
		if err := addEffect(g, *e); err != nil {
			return false, nil
		}
		if e.ConditionID != "" && (len(triggers) == 0 || triggers[0] != e.ConditionID) {
			triggers = append(triggers, e.ConditionID)
		}
	}

	for _, cid := range triggers {
		if !g.Has(depgraph.NodeID(depgraph.NodeCondition, cid)) {
			continue
		}
		ok, err := b.refreshCondition(ctx, g, cid)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

func (b *Builder) loadCondition(ctx context.Context, s scope.Scope, id string) (*store.Condition, error) {
	c, err := b.repo.GetCondition(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, loadError("condition "+id, s, err)
	}
	if !c.IsActive || c.CampaignID != s.CampaignID || !store.VisibleIn(c.BranchID, s) {
		return nil, nil
	}
	return c, nil
}

func (b *Builder) loadEffect(ctx context.Context, s scope.Scope, id string) (*store.Effect, error) {
	e, err := b.repo.GetEffect(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, loadError("effect "+id, s, err)
	}
	if !e.IsActive || e.CampaignID != s.CampaignID || !store.VisibleIn(e.BranchID, s) {
		return nil, nil
	}
	return e, nil
}

// loadError keeps context errors intact so callers can report timeouts.
func loadError(what string, s scope.Scope, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Transient(fmt.Sprintf("graphcache: load %s for %s", what, s.Key()), err).
		WithMetadata("campaignId", s.CampaignID, "branchId", s.BranchID)
}

func variableNode(v store.Variable) depgraph.Node {
	return depgraph.Node{
		Type:  depgraph.NodeVariable,
		Key:   v.Key,
		Label: v.Key,
		Metadata: map[string]string{
			MetaID:         v.ID,
			MetaBranch:     v.BranchID,
			MetaEntityType: v.EntityType,
			MetaDefined:    "true",
		},
	}
}

func ensureVariable(g *depgraph.Graph, name string) string {
	g.EnsureNode(depgraph.Node{
		Type:     depgraph.NodeVariable,
		Key:      name,
		Label:    name,
		Metadata: map[string]string{MetaDefined: "false"},
	})
	return depgraph.NodeID(depgraph.NodeVariable, name)
}

func addCondition(g *depgraph.Graph, c store.Condition) error {
	label := c.Name
	if label == "" {
		label = c.Key
	}
	err := g.AddNode(depgraph.Node{
		Type:  depgraph.NodeCondition,
		Key:   c.ID,
		Label: label,
		Metadata: map[string]string{
			MetaID:     c.ID,
			MetaKey:    c.Key,
			MetaBranch: c.BranchID,
		},
	})
	if err != nil {
		return fmt.Errorf("graphcache: add condition %s: %w", c.ID, err)
	}

	nodeID := depgraph.NodeID(depgraph.NodeCondition, c.ID)
	for _, name := range extract.ReadVariables(c.Expression) {
		if err := g.AddEdge(ensureVariable(g, name), nodeID, depgraph.RelationReads); err != nil {
			return fmt.Errorf("graphcache: link condition %s: %w", c.ID, err)
		}
	}
	return nil
}

func addEffect(g *depgraph.Graph, e store.Effect) error {
	err := g.AddNode(depgraph.Node{
		Type:  depgraph.NodeEffect,
		Key:   e.ID,
		Label: e.Key,
		Metadata: map[string]string{
			MetaID:          e.ID,
			MetaKey:         e.Key,
			MetaBranch:      e.BranchID,
			MetaConditionID: e.ConditionID,
		},
	})
	if err != nil {
		return fmt.Errorf("graphcache: add effect %s: %w", e.ID, err)
	}

	nodeID := depgraph.NodeID(depgraph.NodeEffect, e.ID)
	for _, name := range extract.Writes(e.Patch) {
		if err := g.AddEdge(nodeID, ensureVariable(g, name), depgraph.RelationWrites); err != nil {
			return fmt.Errorf("graphcache: link effect %s: %w", e.ID, err)
		}
	}
	if e.ConditionID != "" {
		trigger := depgraph.NodeID(depgraph.NodeCondition, e.ConditionID)
		if g.Has(trigger) {
			_ = g.AddEdge(trigger, nodeID, depgraph.RelationDependsOn)
		}
	}
	return nil
}

// linkWriters adds a DEPENDS_ON edge from whatever writes a variable to every
// condition reading it. The writer is the effect's triggering condition when
// it has one, otherwise the effect itself.
func linkWriters(g *depgraph.Graph) {
	for _, effect := range g.NodesOfType(depgraph.NodeEffect) {
		writer := effect.ID
		if cid := effect.Metadata[MetaConditionID]; cid != "" {
			if trigger := depgraph.NodeID(depgraph.NodeCondition, cid); g.Has(trigger) {
				writer = trigger
			}
		}
		for _, w := range g.Outgoing(effect.ID) {
			if w.Relation != depgraph.RelationWrites {
				continue
			}
			for _, r := range g.Outgoing(w.To) {
				if r.Relation != depgraph.RelationReads || r.To == writer {
					continue
				}
				_ = g.AddEdge(writer, r.To, depgraph.RelationDependsOn)
			}
		}
	}
}

// pruneUndefined drops referenced-only variables nothing points at any more.
func pruneUndefined(g *depgraph.Graph) {
	for _, n := range g.NodesOfType(depgraph.NodeVariable) {
		if n.Metadata[MetaDefined] == "true" {
			continue
		}
		if len(g.Outgoing(n.ID)) == 0 && len(g.Incoming(n.ID)) == 0 {
			g.RemoveNode(n.ID)
		}
	}
}

func keyTaken(g *depgraph.Graph, t depgraph.NodeType, key, self string) bool {
	for _, n := range g.NodesOfType(t) {
		if n.ID != self && n.Metadata[MetaKey] == key {
			return true
		}
	}
	return false
}
