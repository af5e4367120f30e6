package optimizer

import (
	"github.com/dchest/siphash"
	"github.com/zyedidia/generic/hashmap"
	"github.com/zyedidia/generic/hashset"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/filter"
)

// TermsOptimizer collapses single-entry equality conjunctions on allow-listed
// field pairs into one terms clause per pair. It holds only configuration.
type TermsOptimizer struct {
	allowed *ir.AllowedFieldsForTermsQuery
}

func NewTermsOptimizer(allowed *ir.AllowedFieldsForTermsQuery) *TermsOptimizer {
	return &TermsOptimizer{allowed: allowed}
}

// OptimizeWithTerms rewrites a should list with the given allow-list.
func OptimizeWithTerms(should []filter.Node, allowed *ir.AllowedFieldsForTermsQuery) []filter.Node {
	return NewTermsOptimizer(allowed).OptimizeShould(should)
}

// Optimize rewrites the top-level should list of f and returns a new filter.
func (o *TermsOptimizer) Optimize(f filter.BooleanFilter) filter.BooleanFilter {
	out := f.Clone()
	if out.Kind != filter.NodeBool || out.Should == nil {
		return out
	}
	out.Should = o.OptimizeShould(f.Should)
	return out
}

// fieldPair keys a bucket: the mapping entry plus the field the clause
// targets on the searched side.
type fieldPair struct {
	entry  ir.MappingEntry
	target string
}

func (p fieldPair) hash() uint64 {
	b := make([]byte, 0, len(p.entry.Field)+len(p.entry.Value)+len(p.target)+2)
	b = append(b, p.entry.Field...)
	b = append(b, 0)
	b = append(b, p.entry.Value...)
	b = append(b, 0)
	b = append(b, p.target...)
	return siphash.Hash(0, 0, b)
}

type bucket struct {
	pair   fieldPair
	values []string
	seen   *hashset.Set[string]
}

func newBucket(pair fieldPair) *bucket {
	return &bucket{
		pair: pair,
		seen: hashset.New[string](0, func(a, b string) bool { return a == b }, hashString),
	}
}

func (b *bucket) add(v string) {
	if b.seen.Has(v) {
		return
	}
	b.seen.Put(v)
	b.values = append(b.values, v)
}

func hashString(s string) uint64 {
	return siphash.Hash(0, 0, []byte(s))
}

// OptimizeShould returns a new should list: clauses that do not qualify keep
// their relative order, followed by one terms clause per field pair in
// first-seen order. Terms clauses already present for an allowed pair are
// merged into their bucket, so the pass is idempotent.
func (o *TermsOptimizer) OptimizeShould(should []filter.Node) []filter.Node {
	buckets := hashmap.New[fieldPair, *bucket](0, func(a, b fieldPair) bool { return a == b }, fieldPair.hash)
	order := make([]*bucket, 0)
	get := func(p fieldPair) *bucket {
		if b, ok := buckets.Get(p); ok {
			return b
		}
		b := newBucket(p)
		buckets.Put(p, b)
		order = append(order, b)
		return b
	}

	kept := make([]filter.Node, 0, len(should))
	for i := range should {
		n := &should[i]
		if pair, literal, ok := o.collapsible(n); ok {
			get(pair).add(literal)
			continue
		}
		if pair, ok := o.existingTerms(n); ok {
			b := get(pair)
			for _, v := range n.Values {
				b.add(v)
			}
			continue
		}
		kept = append(kept, n.Clone())
	}

	for _, b := range order {
		if len(b.values) == 0 {
			continue
		}
		kept = append(kept, filter.Terms(b.pair.target, b.values, ir.TermsProvenance(b.pair.entry)))
	}
	return kept
}

// collapsible matches a conjunction compiled from a single-entry rule whose
// only clause is an equality on an allowed pair.
func (o *TermsOptimizer) collapsible(n *filter.Node) (fieldPair, string, bool) {
	if !n.IsConjunction() || len(n.Filter) != 1 {
		return fieldPair{}, "", false
	}
	if n.Rule == ir.RuleCompound {
		return fieldPair{}, "", false
	}
	leaf := &n.Filter[0]
	if leaf.Kind != filter.NodeMatch || leaf.Provenance.QueryType != ir.QueryTypeMatch {
		return fieldPair{}, "", false
	}
	entry := leaf.Provenance.Entry()
	if !o.allowed.Allows(entry.Field, entry.Value) {
		return fieldPair{}, "", false
	}
	return fieldPair{entry: entry, target: leaf.Field}, leaf.Query, true
}

func (o *TermsOptimizer) existingTerms(n *filter.Node) (fieldPair, bool) {
	if n.Kind != filter.NodeTerms || n.Provenance.QueryType != ir.QueryTypeTerms {
		return fieldPair{}, false
	}
	entry := n.Provenance.Entry()
	if !o.allowed.Allows(entry.Field, entry.Value) {
		return fieldPair{}, false
	}
	return fieldPair{entry: entry, target: n.Field}, true
}
