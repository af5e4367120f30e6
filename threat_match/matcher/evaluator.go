package matcher

import (
	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/filter"
)

// Result of evaluating one event.
type Result struct {
	Matched bool `json:"matched"`
	// Wire names of the leaf clauses that matched, in tree order. Leaves of a
	// conjunction are reported only when the whole conjunction matched.
	MatchedQueries []string `json:"matched_queries"`
	// The literal prefilter rejected the event without walking the tree.
	Prefiltered bool `json:"prefiltered,omitempty"`
}

// Evaluator runs a compiled filter against in-memory event documents using
// exact string equality per value. It is read-only after construction and
// safe for concurrent use.
type Evaluator struct {
	root      filter.BooleanFilter
	prefilter LiteralPrefilter
	// the root only matches through a positive leaf
	needsLiteral bool
}

func NewEvaluator(f filter.BooleanFilter) *Evaluator {
	return NewEvaluatorWithConfig(f, DefaultPrefilterConfig())
}

func NewEvaluatorWithConfig(f filter.BooleanFilter, cfg PrefilterConfig) *Evaluator {
	root := f.Clone()
	return &Evaluator{
		root:         root,
		prefilter:    PrefilterWithConfig(&root, cfg),
		needsLiteral: needsLiteral(&root),
	}
}

func (e *Evaluator) PrefilterStats() PrefilterStats { return e.prefilter.Stats() }

// Evaluate matches event against the filter.
func (e *Evaluator) Evaluate(event map[string]any) Result {
	if e.needsLiteral && !e.prefilter.MatchesJSON(event) {
		return Result{Prefiltered: true, MatchedQueries: []string{}}
	}
	doc := ir.ThreatListItem{Source: event}
	names := make([]string, 0)
	matched := evalNode(&e.root, doc, &names)
	if !matched {
		names = names[:0]
	}
	return Result{Matched: matched, MatchedQueries: names}
}

// EvaluateBatch evaluates events in order.
func (e *Evaluator) EvaluateBatch(events []map[string]any) []Result {
	out := make([]Result, len(events))
	for i, ev := range events {
		out[i] = e.Evaluate(ev)
	}
	return out
}

func evalNode(n *filter.Node, doc ir.ThreatListItem, names *[]string) bool {
	switch n.Kind {
	case filter.NodeMatch:
		if valueIn(doc.Lookup(n.Field), func(v string) bool { return v == n.Query }) {
			appendName(names, n)
			return true
		}
		return false
	case filter.NodeTerms:
		set := make(map[string]struct{}, len(n.Values))
		for _, v := range n.Values {
			set[v] = struct{}{}
		}
		if valueIn(doc.Lookup(n.Field), func(v string) bool { _, ok := set[v]; return ok }) {
			appendName(names, n)
			return true
		}
		return false
	case filter.NodeBool:
		return evalBool(n, doc, names)
	default:
		return false
	}
}

func evalBool(n *filter.Node, doc ir.ThreatListItem, names *[]string) bool {
	mark := len(*names)
	for i := range n.Filter {
		if !evalNode(&n.Filter[i], doc, names) {
			*names = (*names)[:mark]
			return false
		}
	}
	for i := range n.MustNot {
		var discard []string
		if evalNode(&n.MustNot[i], doc, &discard) {
			*names = (*names)[:mark]
			return false
		}
	}
	if len(n.Should) == 0 {
		if n.Should != nil && minimumShouldMatch(n) > 0 {
			return false
		}
		return true
	}
	hits := 0
	for i := range n.Should {
		if evalNode(&n.Should[i], doc, names) {
			hits++
		}
	}
	if hits < minimumShouldMatch(n) {
		*names = (*names)[:mark]
		return false
	}
	return true
}

// minimumShouldMatch follows the search engine default: 1 when a bool has
// only should clauses, 0 when it also has filter or must_not clauses.
func minimumShouldMatch(n *filter.Node) int {
	if n.MinimumShouldMatch != nil {
		return *n.MinimumShouldMatch
	}
	if len(n.Filter) == 0 && len(n.MustNot) == 0 {
		return 1
	}
	return 0
}

func needsLiteral(n *filter.Node) bool {
	switch n.Kind {
	case filter.NodeMatch, filter.NodeTerms:
		return true
	case filter.NodeBool:
		if len(n.MustNot) > 0 {
			return false
		}
		for i := range n.Filter {
			if needsLiteral(&n.Filter[i]) {
				return true
			}
		}
		if len(n.Filter) > 0 {
			return false
		}
		if minimumShouldMatch(n) < 1 {
			return false
		}
		for i := range n.Should {
			if !needsLiteral(&n.Should[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func valueIn(vals []any, pred func(string) bool) bool {
	for _, v := range vals {
		if pred(ir.Stringify(v)) {
			return true
		}
	}
	return false
}

func appendName(names *[]string, n *filter.Node) {
	if name := n.Name(); name != "" {
		*names = append(*names, name)
	}
}
