package matcher

import (
	"encoding/json"
	"fmt"

	ac "github.com/petar-dambovaliev/aho-corasick"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/filter"
)

//
// Literal prefilter: an Aho–Corasick automaton over every literal in a
// compiled filter. An event none of whose values contains a literal cannot
// satisfy any equality or terms clause.
//

// -------------------- Statistics --------------------

type PrefilterStats struct {
	PatternCount int `json:"pattern_count"`
	// Leaf clauses that contributed patterns
	ClauseCount int `json:"clause_count"`
	// Literals dropped by MinPatternLength or MaxPatterns
	SkippedCount int `json:"skipped_count"`
}

// Complete reports whether every literal made it into the automaton, which is
// what makes rejection safe.
func (s PrefilterStats) Complete() bool { return s.SkippedCount == 0 }

func (s PrefilterStats) StrategyName() string {
	return fmt.Sprintf("AhoCorasick (%d patterns)", s.PatternCount)
}

// -------------------- Config --------------------

type PrefilterConfig struct {
	MinPatternLength int  `json:"min_pattern_length"`
	MaxPatterns      *int `json:"max_patterns"`
	Enabled          bool `json:"enabled"`
}

func DefaultPrefilterConfig() PrefilterConfig {
	max := 100000
	return PrefilterConfig{
		MinPatternLength: 1,
		MaxPatterns:      &max,
		Enabled:          true,
	}
}

func DisabledPrefilterConfig() PrefilterConfig {
	cfg := DefaultPrefilterConfig()
	cfg.Enabled = false
	return cfg
}

// -------------------- Prefilter --------------------

type LiteralPrefilter struct {
	ac       *ac.AhoCorasick
	patterns []string
	stats    PrefilterStats
	cfg      PrefilterConfig
}

func (p *LiteralPrefilter) Stats() PrefilterStats { return p.stats }

// Active reports whether the prefilter may reject events.
func (p *LiteralPrefilter) Active() bool {
	return p.cfg.Enabled && p.ac != nil && p.stats.Complete()
}

func PrefilterFromFilter(f *filter.BooleanFilter) LiteralPrefilter {
	return PrefilterWithConfig(f, DefaultPrefilterConfig())
}

func PrefilterWithConfig(f *filter.BooleanFilter, cfg PrefilterConfig) LiteralPrefilter {
	if !cfg.Enabled || f == nil {
		return LiteralPrefilter{cfg: cfg}
	}

	seen := make(map[string]struct{})
	var patterns []string
	var stats PrefilterStats
	add := func(lit string) {
		if _, ok := seen[lit]; ok {
			return
		}
		seen[lit] = struct{}{}
		if len(lit) < cfg.MinPatternLength || lit == "" {
			stats.SkippedCount++
			return
		}
		if cfg.MaxPatterns != nil && len(patterns) >= *cfg.MaxPatterns {
			stats.SkippedCount++
			return
		}
		patterns = append(patterns, lit)
	}
	filter.Walk(f, func(n *filter.Node, _ int) bool {
		switch n.Kind {
		case filter.NodeMatch:
			stats.ClauseCount++
			add(n.Query)
		case filter.NodeTerms:
			stats.ClauseCount++
			for _, v := range n.Values {
				add(v)
			}
		}
		return true
	})
	stats.PatternCount = len(patterns)

	var automaton *ac.AhoCorasick
	if len(patterns) > 0 {
		builder := ac.NewAhoCorasickBuilder(ac.Opts{
			AsciiCaseInsensitive: false,
			MatchKind:            ac.LeftMostLongestMatch,
		})
		built := builder.Build(patterns)
		automaton = &built
	}
	return LiteralPrefilter{ac: automaton, patterns: patterns, stats: stats, cfg: cfg}
}

// HasMatch reports whether text contains any pattern.
func (p *LiteralPrefilter) HasMatch(text string) bool {
	if p.ac == nil {
		return false
	}
	return len(p.ac.FindAll(text)) > 0
}

// MatchesJSON reports whether any scalar in event contains a pattern. An
// inactive prefilter lets everything through.
func (p *LiteralPrefilter) MatchesJSON(event any) bool {
	if !p.Active() {
		return true
	}
	return p.searchJSONValue(event)
}

func (p *LiteralPrefilter) searchJSONValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return p.HasMatch(x)
	case []any:
		for _, it := range x {
			if p.searchJSONValue(it) {
				return true
			}
		}
		return false
	case []string:
		for _, it := range x {
			if p.HasMatch(it) {
				return true
			}
		}
		return false
	case map[string]any:
		for _, it := range x {
			if p.searchJSONValue(it) {
				return true
			}
		}
		return false
	case map[string][]any:
		for _, it := range x {
			if p.searchJSONValue([]any(it)) {
				return true
			}
		}
		return false
	case json.Number, float64, float32, int, int32, int64, uint, uint32, uint64, bool:
		return p.HasMatch(ir.Stringify(x))
	default:
		b, _ := json.Marshal(x)
		return p.HasMatch(string(b))
	}
}
