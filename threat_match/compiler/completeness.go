package compiler

import (
	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

// FilterThreatMapping keeps the rules of mapping whose every entry resolves to
// a value on item. A rule with any missing attribute is dropped whole; kept
// rules are copied unchanged. Neither input is modified.
func FilterThreatMapping(mapping ir.ThreatMapping, item ir.ThreatListItem, key ir.EntryKey) ir.ThreatMapping {
	out := make(ir.ThreatMapping, 0, len(mapping))
	for _, rule := range mapping {
		if !ruleSatisfiable(rule, item, key) {
			continue
		}
		out = append(out, rule.Clone())
	}
	return out
}

func ruleSatisfiable(rule ir.ConjunctiveRule, item ir.ThreatListItem, key ir.EntryKey) bool {
	for _, entry := range rule.Entries {
		if !item.Has(entry.Lookup(key)) {
			return false
		}
	}
	return true
}
