package compiler

import (
	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/filter"
	"github.com/PhucNguyen204/threat-match/threat_match/optimizer"
)

// BuildEntriesMappingFilter ORs the conjunctions of every item in threatList
// into one should list with minimum_should_match 1. When allowed is non-nil
// the list is passed through the terms optimizer.
func BuildEntriesMappingFilter(
	mapping ir.ThreatMapping,
	threatList []ir.ThreatListItem,
	key ir.EntryKey,
	allowed *ir.AllowedFieldsForTermsQuery,
) filter.BooleanFilter {
	should := make([]filter.Node, 0, len(threatList)*len(mapping))
	for _, item := range threatList {
		should = append(should, CreateAndOrClauses(mapping, item, key)...)
	}
	if allowed != nil {
		should = optimizer.OptimizeWithTerms(should, allowed)
	}
	return filter.Should(should...)
}

// BuildThreatMappingFilter compiles a threat mapping and an indicator batch
// into a boolean filter. It is safe for concurrent use.
func BuildThreatMappingFilter(
	mapping ir.ThreatMapping,
	threatList []ir.ThreatListItem,
	key ir.EntryKey,
	allowed *ir.AllowedFieldsForTermsQuery,
) filter.BooleanFilter {
	return BuildEntriesMappingFilter(mapping, threatList, key, allowed)
}

// BuildChunked compiles threatList in batches of cfg.ChunkSize, one filter
// per batch. Terms optimization runs only when cfg.Strategy asks for it.
func BuildChunked(
	mapping ir.ThreatMapping,
	threatList []ir.ThreatListItem,
	allowed *ir.AllowedFieldsForTermsQuery,
	cfg ir.CompilerConfig,
) []filter.BooleanFilter {
	if cfg.Strategy != ir.OptimizeTerms {
		allowed = nil
	}
	chunks := ir.ChunkThreatList(threatList, cfg.ChunkSize)
	out := make([]filter.BooleanFilter, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, BuildThreatMappingFilter(mapping, chunk, cfg.EntryKey, allowed))
	}
	return out
}
