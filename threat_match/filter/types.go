package filter

import (
	"fmt"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

// ---------- NodeKind (tagged union) ----------
type NodeKind int

const (
	NodeBool NodeKind = iota
	NodeMatch
	NodeTerms
)

func (k NodeKind) String() string {
	switch k {
	case NodeBool:
		return "Bool"
	case NodeMatch:
		return "Match"
	case NodeTerms:
		return "Terms"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// Node is one element of a compiled boolean filter. Which fields are set
// depends on Kind.
type Node struct {
	Kind NodeKind

	// Bool. A nil slice is omitted on the wire, an empty one is kept.
	Should             []Node
	Filter             []Node
	MustNot            []Node
	MinimumShouldMatch *int

	// Rule is the arity of the mapping rule a conjunction was compiled from.
	// It is not part of the wire format.
	Rule ir.RuleKind

	// Match, Terms
	Field      string
	Provenance ir.Provenance

	// Match
	Query string

	// Terms
	Values []string

	// name keeps a wire _name that did not decode into a Provenance.
	name string
}

// BooleanFilter is the root of a compiled threat mapping query.
type BooleanFilter = Node

func intPtr(v int) *int { return &v }

// Should builds {bool:{should:[...], minimum_should_match:1}}. The should list
// is always present, even when empty.
func Should(nodes ...Node) Node {
	if nodes == nil {
		nodes = []Node{}
	}
	return Node{Kind: NodeBool, Should: nodes, MinimumShouldMatch: intPtr(1)}
}

// Conjunction builds {bool:{filter:[...]}}.
func Conjunction(clauses ...Node) Node {
	if clauses == nil {
		clauses = []Node{}
	}
	return Node{Kind: NodeBool, Filter: clauses}
}

// RuleConjunction is Conjunction tagged with the kind of its source rule.
func RuleConjunction(kind ir.RuleKind, clauses ...Node) Node {
	n := Conjunction(clauses...)
	n.Rule = kind
	return n
}

func Match(field, query string, prov ir.Provenance) Node {
	return Node{Kind: NodeMatch, Field: field, Query: query, Provenance: prov}
}

func Terms(field string, values []string, prov ir.Provenance) Node {
	return Node{Kind: NodeTerms, Field: field, Values: append([]string(nil), values...), Provenance: prov}
}

// Name is the wire _name of a leaf.
func (n Node) Name() string {
	if n.name != "" {
		return n.name
	}
	if n.Kind == NodeBool || n.Provenance == (ir.Provenance{}) {
		return ""
	}
	return n.Provenance.Name()
}

func (n Node) IsLeaf() bool { return n.Kind != NodeBool }

// IsConjunction reports whether n is a pure {bool:{filter:[...]}} node.
func (n Node) IsConjunction() bool {
	return n.Kind == NodeBool && n.Filter != nil && n.Should == nil && n.MustNot == nil && n.MinimumShouldMatch == nil
}

// Clone returns a deep copy.
func (n Node) Clone() Node {
	cp := n
	cp.Should = cloneNodes(n.Should)
	cp.Filter = cloneNodes(n.Filter)
	cp.MustNot = cloneNodes(n.MustNot)
	if n.MinimumShouldMatch != nil {
		cp.MinimumShouldMatch = intPtr(*n.MinimumShouldMatch)
	}
	if n.Values != nil {
		cp.Values = append([]string(nil), n.Values...)
	}
	return cp
}

func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i := range nodes {
		out[i] = nodes[i].Clone()
	}
	return out
}

func (n Node) String() string {
	switch n.Kind {
	case NodeBool:
		return fmt.Sprintf("Bool{should:%d filter:%d must_not:%d}", len(n.Should), len(n.Filter), len(n.MustNot))
	case NodeMatch:
		return fmt.Sprintf("Match{%s=%q}", n.Field, n.Query)
	case NodeTerms:
		return fmt.Sprintf("Terms{%s in %d values}", n.Field, len(n.Values))
	default:
		return n.Kind.String()
	}
}

// Walk visits n and its descendants depth-first. Returning false from fn
// skips the children of that node.
func Walk(n *Node, fn func(n *Node, depth int) bool) {
	walk(n, 1, fn)
}

func walk(n *Node, depth int, fn func(n *Node, depth int) bool) {
	if !fn(n, depth) {
		return
	}
	for _, group := range [][]Node{n.Should, n.Filter, n.MustNot} {
		for i := range group {
			walk(&group[i], depth+1, fn)
		}
	}
}
