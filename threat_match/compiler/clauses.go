package compiler

import (
	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/filter"
)

// CreateInnerAndClauses binds each entry to item's literal and emits one
// equality clause per entry, in entry order. Entries without exactly one
// value on item are skipped; the result may be empty.
func CreateInnerAndClauses(entries []ir.MappingEntry, item ir.ThreatListItem, key ir.EntryKey) []filter.Node {
	clauses := make([]filter.Node, 0, len(entries))
	for _, entry := range entries {
		literal, ok := item.Resolve(entry.Lookup(key))
		if !ok {
			continue
		}
		clauses = append(clauses, filter.Match(entry.Target(key), literal, ir.MatchProvenance(item, entry)))
	}
	return clauses
}

// CreateAndOrClauses compiles every rule that survives FilterThreatMapping for
// item into a conjunction node, one per rule, in mapping order.
func CreateAndOrClauses(mapping ir.ThreatMapping, item ir.ThreatListItem, key ir.EntryKey) []filter.Node {
	satisfiable := FilterThreatMapping(mapping, item, key)
	out := make([]filter.Node, 0, len(satisfiable))
	for _, rule := range satisfiable {
		clauses := CreateInnerAndClauses(rule.Entries, item, key)
		if len(clauses) == 0 {
			continue
		}
		out = append(out, filter.RuleConjunction(rule.Kind(), clauses...))
	}
	return out
}
