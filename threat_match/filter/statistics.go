package filter

import (
	"fmt"

	"github.com/dchest/siphash"
)

// ---------- Statistics ----------
type Statistics struct {
	TotalNodes   int `json:"total_nodes"`
	BoolNodes    int `json:"bool_nodes"`
	MatchClauses int `json:"match_clauses"`
	TermsClauses int `json:"terms_clauses"`
	TermsValues  int `json:"terms_values"`
	MaxDepth     int `json:"max_depth"`
	// Leaf clauses as counted against the engine's max clause limit.
	ClauseCount int `json:"clause_count"`
}

func StatisticsFromFilter(f *BooleanFilter) Statistics {
	var s Statistics
	if f == nil {
		return s
	}
	Walk(f, func(n *Node, depth int) bool {
		s.TotalNodes++
		if depth > s.MaxDepth {
			s.MaxDepth = depth
		}
		switch n.Kind {
		case NodeBool:
			s.BoolNodes++
		case NodeMatch:
			s.MatchClauses++
		case NodeTerms:
			s.TermsClauses++
			s.TermsValues += len(n.Values)
		}
		return true
	})
	s.ClauseCount = s.MatchClauses + s.TermsClauses
	return s
}

func (n *Node) Statistics() Statistics {
	return StatisticsFromFilter(n)
}

// ExceedsClauseLimit reports whether the filter has more leaf clauses than max.
// A max below one disables the check.
func (s Statistics) ExceedsClauseLimit(max int) bool {
	return max > 0 && s.ClauseCount > max
}

func (s Statistics) Summary() string {
	return fmt.Sprintf("clauses=%d match=%d terms=%d terms_values=%d depth=%d",
		s.ClauseCount, s.MatchClauses, s.TermsClauses, s.TermsValues, s.MaxDepth)
}

// Fingerprint is a stable 64-bit hash of the filter's wire encoding.
func Fingerprint(f *BooleanFilter) (uint64, error) {
	b, err := f.MarshalJSON()
	if err != nil {
		return 0, err
	}
	return siphash.Hash(0, 0, b), nil
}
