package threat_match

import (
	"errors"
	"fmt"
	"strings"
)

// QueryType distinguishes equality clauses from collapsed terms clauses.
type QueryType string

const (
	QueryTypeMatch QueryType = "mq"
	QueryTypeTerms QueryType = "tq"
)

// NamedQuerySeparator joins the provenance parts in a wire _name.
const NamedQuerySeparator = "___"

var ErrUnexpectedQueryFormat = errors.New("unexpected named query format")

// Provenance identifies the indicator and mapping entry a compiled clause
// came from. Terms provenance has no ID or Index.
type Provenance struct {
	ID        string    `json:"id,omitempty"`
	Index     string    `json:"index,omitempty"`
	Field     string    `json:"field"`
	Value     string    `json:"value"`
	QueryType QueryType `json:"query_type"`
}

func MatchProvenance(item ThreatListItem, entry MappingEntry) Provenance {
	return Provenance{
		ID:        item.ID,
		Index:     item.Index,
		Field:     entry.Field,
		Value:     entry.Value,
		QueryType: QueryTypeMatch,
	}
}

func TermsProvenance(entry MappingEntry) Provenance {
	return Provenance{Field: entry.Field, Value: entry.Value, QueryType: QueryTypeTerms}
}

// Entry returns the mapping entry the provenance names.
func (p Provenance) Entry() MappingEntry {
	return MappingEntry{Field: p.Field, Value: p.Value, Type: MappingEntryType}
}

// Name encodes the provenance as a wire _name.
func (p Provenance) Name() string {
	return EncodeNamedQuery(p)
}

func EncodeNamedQuery(p Provenance) string {
	return strings.Join([]string{p.ID, p.Index, p.Field, p.Value, string(p.QueryType)}, NamedQuerySeparator)
}

// DecodeNamedQuery parses a wire _name produced by EncodeNamedQuery. ID and
// index are taken from the left, value path and query type from the right;
// whatever remains is the field, so a field containing the separator still
// round-trips.
func DecodeNamedQuery(name string) (Provenance, error) {
	parts := strings.Split(name, NamedQuerySeparator)
	n := len(parts)
	if n < 5 {
		return Provenance{}, fmt.Errorf("%w: %q", ErrUnexpectedQueryFormat, name)
	}
	qt := QueryType(parts[n-1])
	switch qt {
	case QueryTypeMatch, QueryTypeTerms:
	default:
		return Provenance{}, fmt.Errorf("%w: unknown query type %q", ErrUnexpectedQueryFormat, parts[n-1])
	}
	return Provenance{
		ID:        parts[0],
		Index:     parts[1],
		Field:     strings.Join(parts[2:n-2], NamedQuerySeparator),
		Value:     parts[n-2],
		QueryType: qt,
	}, nil
}
