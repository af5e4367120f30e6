// Package enrichment turns the named queries an event matched back into the
// indicators that caused the match.
package enrichment

import (
	"strings"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

// ThreatMatch names one indicator and the mapping entry that matched it.
type ThreatMatch struct {
	ID        string       `json:"id"`
	Index     string       `json:"index"`
	Field     string       `json:"field"`
	Value     string       `json:"value"`
	Type      ir.QueryType `json:"type"`
	Indicator any          `json:"indicator,omitempty"`
}

// Options control how matches are resolved.
type Options struct {
	EntryKey ir.EntryKey
	// Dotted path of the indicator object inside an indicator source,
	// e.g. "threat.indicator". Empty leaves ThreatMatch.Indicator unset.
	IndicatorPath string
}

type matchKey struct {
	id, index, field, value string
}

// Enrich resolves matchedQueries for event against the indicator batch that
// produced the filter. Names that do not decode are skipped and returned as
// the second result. Output follows matchedQueries order, then batch order
// for collapsed terms names, with duplicates removed.
func Enrich(event map[string]any, matchedQueries []string, threatList []ir.ThreatListItem, opts Options) ([]ThreatMatch, []string) {
	key := opts.EntryKey
	if key == "" {
		key = ir.EntryKeyValue
	}
	byID := make(map[[2]string]*ir.ThreatListItem, len(threatList))
	for i := range threatList {
		it := &threatList[i]
		k := [2]string{it.ID, it.Index}
		if _, ok := byID[k]; !ok {
			byID[k] = it
		}
	}
	doc := ir.ThreatListItem{Source: event}

	out := make([]ThreatMatch, 0, len(matchedQueries))
	seen := make(map[matchKey]struct{})
	var invalid []string
	emit := func(it *ir.ThreatListItem, p ir.Provenance) {
		k := matchKey{it.ID, it.Index, p.Field, p.Value}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, ThreatMatch{
			ID:        it.ID,
			Index:     it.Index,
			Field:     p.Field,
			Value:     p.Value,
			Type:      p.QueryType,
			Indicator: indicatorAt(it, opts.IndicatorPath),
		})
	}

	for _, name := range matchedQueries {
		p, err := ir.DecodeNamedQuery(name)
		if err != nil {
			invalid = append(invalid, name)
			continue
		}
		switch p.QueryType {
		case ir.QueryTypeMatch:
			if it, ok := byID[[2]string{p.ID, p.Index}]; ok {
				emit(it, p)
			}
		case ir.QueryTypeTerms:
			entry := p.Entry()
			eventVals := make(map[string]struct{})
			for _, v := range doc.Lookup(entry.Target(key)) {
				eventVals[ir.Stringify(v)] = struct{}{}
			}
			if len(eventVals) == 0 {
				continue
			}
			for i := range threatList {
				lit, ok := threatList[i].Resolve(entry.Lookup(key))
				if !ok {
					continue
				}
				if _, hit := eventVals[lit]; hit {
					emit(&threatList[i], p)
				}
			}
		}
	}
	return out, invalid
}

// indicatorAt returns the object at path in the item's source, if any.
func indicatorAt(it *ir.ThreatListItem, path string) any {
	if path == "" || it.Source == nil {
		return nil
	}
	if v, ok := it.Source[path]; ok {
		return v
	}
	var cur any = it.Source
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[part]; !ok {
			return nil
		}
	}
	return cur
}
