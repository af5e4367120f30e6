package threat_match

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EntryKey selects which side of a MappingEntry names the attribute on the
// list item that supplies the comparison literal.
type EntryKey string

const (
	// EntryKeyValue: indicators are the list, events are searched.
	EntryKeyValue EntryKey = "value"
	// EntryKeyField: events are the list, indicators are searched.
	EntryKeyField EntryKey = "field"
)

// MappingEntryType is the only entry type a threat mapping carries.
const MappingEntryType = "mapping"

type MappingEntry struct {
	Field string `json:"field" yaml:"field"`
	Value string `json:"value" yaml:"value"`
	Type  string `json:"type" yaml:"type"`
}

// Lookup returns the attribute named by key on the list item side.
func (e MappingEntry) Lookup(key EntryKey) string {
	if key == EntryKeyField {
		return e.Field
	}
	return e.Value
}

// Target returns the attribute on the searched side, the opposite of Lookup.
func (e MappingEntry) Target(key EntryKey) string {
	if key == EntryKeyField {
		return e.Value
	}
	return e.Field
}

// RuleKind tags a conjunctive rule by arity. RuleUnknown marks compiled
// nodes whose source rule is not known, e.g. ones decoded from JSON.
type RuleKind int

const (
	RuleUnknown RuleKind = iota
	RuleSingle
	RuleCompound
)

func (k RuleKind) String() string {
	switch k {
	case RuleUnknown:
		return "Unknown"
	case RuleSingle:
		return "Single"
	case RuleCompound:
		return "Compound"
	default:
		return fmt.Sprintf("RuleKind(%d)", int(k))
	}
}

// ConjunctiveRule is one AND-group of a threat mapping.
type ConjunctiveRule struct {
	Entries []MappingEntry `json:"entries" yaml:"entries"`
}

func (r ConjunctiveRule) Kind() RuleKind {
	if len(r.Entries) == 1 {
		return RuleSingle
	}
	return RuleCompound
}

func (r ConjunctiveRule) Clone() ConjunctiveRule {
	return ConjunctiveRule{Entries: append([]MappingEntry(nil), r.Entries...)}
}

// ThreatMapping is an ordered OR of conjunctive rules.
type ThreatMapping []ConjunctiveRule

func (m ThreatMapping) Clone() ThreatMapping {
	if m == nil {
		return nil
	}
	cp := make(ThreatMapping, len(m))
	for i, r := range m {
		cp[i] = r.Clone()
	}
	return cp
}

// EntryCount is the total number of mapping entries across all rules.
func (m ThreatMapping) EntryCount() int {
	n := 0
	for _, r := range m {
		n += len(r.Entries)
	}
	return n
}

// ThreatListItem is one fetched document. Fields holds flattened dotted paths
// to value arrays; Source is the raw document body.
type ThreatListItem struct {
	ID     string           `json:"_id"`
	Index  string           `json:"_index,omitempty"`
	Source map[string]any   `json:"_source,omitempty"`
	Fields map[string][]any `json:"fields,omitempty"`
}

// Lookup resolves a dotted path to its values. Non-null Fields values win
// over Source; an empty or all-null Fields entry falls through to Source.
func (it ThreatListItem) Lookup(path string) []any {
	if path == "" {
		return nil
	}
	if vals := compactValues(it.Fields[path]); len(vals) > 0 {
		return vals
	}
	if it.Source == nil {
		return nil
	}
	return compactValues(lookupSource(it.Source, path))
}

// Resolve returns the comparison literal for path. A path is only usable as
// an indicator literal when it holds exactly one value; zero or several
// values count as absent.
func (it ThreatListItem) Resolve(path string) (string, bool) {
	vals := it.Lookup(path)
	if len(vals) != 1 {
		return "", false
	}
	return Stringify(vals[0]), true
}

// Has reports whether path resolves to a single indicator literal.
func (it ThreatListItem) Has(path string) bool {
	return len(it.Lookup(path)) == 1
}

// lookupSource walks nested objects, trying the longest flattened key first at
// every level so "host.ip" matches both {"host":{"ip":..}} and {"host.ip":..}.
func lookupSource(obj map[string]any, path string) []any {
	if v, ok := obj[path]; ok {
		return flattenValue(v)
	}
	parts := strings.Split(path, ".")
	for i := len(parts) - 1; i >= 1; i-- {
		head := strings.Join(parts[:i], ".")
		child, ok := obj[head]
		if !ok {
			continue
		}
		rest := strings.Join(parts[i:], ".")
		switch t := child.(type) {
		case map[string]any:
			if out := lookupSource(t, rest); len(out) > 0 {
				return out
			}
		case []any:
			var out []any
			for _, el := range t {
				if m, ok := el.(map[string]any); ok {
					out = append(out, lookupSource(m, rest)...)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func flattenValue(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, 0, len(t))
		for _, el := range t {
			out = append(out, flattenValue(el)...)
		}
		return out
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out
	case map[string]any:
		// objects are not comparable literals
		return nil
	default:
		return []any{t}
	}
}

func compactValues(vals []any) []any {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		out = append(out, flattenValue(v)...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Stringify renders a scalar document value as a comparison literal.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// AllowedFieldsForTermsQuery flags field names eligible for terms collapsing,
// separately for the event side (Source) and the indicator side (Threat).
type AllowedFieldsForTermsQuery struct {
	Source map[string]bool `json:"source" yaml:"source"`
	Threat map[string]bool `json:"threat" yaml:"threat"`
}

// Allows reports whether both sides of the pair are flagged.
func (a *AllowedFieldsForTermsQuery) Allows(sourceField, threatField string) bool {
	if a == nil {
		return false
	}
	return a.Source[sourceField] && a.Threat[threatField]
}

// ChunkThreatList splits items into batches of at most size items. A size
// below one returns the whole list as a single batch.
func ChunkThreatList(items []ThreatListItem, size int) [][]ThreatListItem {
	if len(items) == 0 {
		return nil
	}
	if size < 1 || size >= len(items) {
		return [][]ThreatListItem{items}
	}
	out := make([][]ThreatListItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
