// Package depgraph implements the directed dependency graph between state
// variables, conditions and effects of one campaign branch.
//
// Edges point in data-flow direction: the source of an edge must be evaluated
// before its target. A condition reading a variable is therefore stored as
// VARIABLE -> CONDITION, an effect writing a variable as EFFECT -> VARIABLE.
package depgraph

import (
	"fmt"
	"strings"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
)

// DefaultMaxDepth bounds upstream/downstream traversals.
const DefaultMaxDepth = 50

// NodeType classifies a graph node.
type NodeType string

const (
	NodeVariable  NodeType = "VARIABLE"
	NodeCondition NodeType = "CONDITION"
	NodeEffect    NodeType = "EFFECT"
	NodeEntity    NodeType = "ENTITY"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeVariable, NodeCondition, NodeEffect, NodeEntity:
		return true
	}
	return false
}

// Relation classifies an edge.
type Relation string

const (
	RelationReads     Relation = "READS"
	RelationWrites    Relation = "WRITES"
	RelationDependsOn Relation = "DEPENDS_ON"
)

var (
	ErrDuplicateNode = apperr.New(apperr.CodeValidation, "depgraph: duplicate node")
	ErrNodeNotFound  = apperr.New(apperr.CodeNotFound, "depgraph: node not found")
	ErrSelfLoop      = apperr.New(apperr.CodeValidation, "depgraph: self loop")
	ErrInvalidNodeID = apperr.New(apperr.CodeValidation, "depgraph: invalid node id")
	ErrCycleDetected = apperr.New(apperr.CodeCycleDetected, "depgraph: cycle detected")
)

// Node is a vertex of the graph. ID is always "TYPE:key".
type Node struct {
	ID       string
	Type     NodeType
	Key      string
	Label    string
	Metadata map[string]string
}

// Edge is a directed, typed connection between two nodes.
type Edge struct {
	From     string
	To       string
	Relation Relation
}

// NodeID builds the identity of a node.
func NodeID(t NodeType, key string) string {
	return string(t) + ":" + key
}

// ParseNodeID splits an identity into its type and key.
func ParseNodeID(id string) (NodeType, string, error) {
	typ, key, ok := strings.Cut(id, ":")
	if !ok || key == "" || !NodeType(typ).Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNodeID, id)
	}
	return NodeType(typ), key, nil
}

// CycleError reports a cycle as a closed path, e.g. [A B C A].
type CycleError struct {
	Path []string
}

// Error renders the path as "A -> B -> A".
func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " -> ")
}

// Unwrap lets errors.Is(err, ErrCycleDetected) and apperr.CodeOf see the cycle.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
