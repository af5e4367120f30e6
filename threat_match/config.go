package threat_match

// Configuration for callers of the compiler (batching and query size limits).

import (
	"fmt"
	"strings"
)

// -------------------- Enums --------------------

type OptimizationStrategy int

const (
	// zero value keeps the compiled tree fully expanded
	OptimizeNone OptimizationStrategy = iota
	OptimizeTerms
)

func (s OptimizationStrategy) String() string {
	switch s {
	case OptimizeNone:
		return "None"
	case OptimizeTerms:
		return "Terms"
	default:
		return fmt.Sprintf("OptimizationStrategy(%d)", int(s))
	}
}

func (s OptimizationStrategy) MarshalText() ([]byte, error) {
	switch s {
	case OptimizeNone:
		return []byte("none"), nil
	case OptimizeTerms:
		return []byte("terms"), nil
	default:
		return nil, fmt.Errorf("unknown optimization strategy %d", int(s))
	}
}

func (s *OptimizationStrategy) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "none":
		*s = OptimizeNone
	case "terms":
		*s = OptimizeTerms
	default:
		return fmt.Errorf("unknown optimization strategy %q", string(b))
	}
	return nil
}

// -------------------- CompilerConfig --------------------

type CompilerConfig struct {
	// Max indicators compiled into one filter
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// Search engine clause limit a compiled filter should stay under
	MaxClauseCount int `json:"max_clause_count" yaml:"max_clause_count"`

	Strategy OptimizationStrategy `json:"optimization_strategy" yaml:"optimization_strategy"`

	// Which side of each entry is resolved on list items
	EntryKey EntryKey `json:"entry_key" yaml:"entry_key"`
}

func DefaultCompilerConfig() CompilerConfig {
	return CompilerConfig{
		ChunkSize:      1000,
		MaxClauseCount: 1024,
		Strategy:       OptimizeTerms,
		EntryKey:       EntryKeyValue,
	}
}

func NewCompilerConfig() CompilerConfig {
	return DefaultCompilerConfig()
}

func ProductionConfig() CompilerConfig {
	return CompilerConfig{
		ChunkSize:      9000,
		MaxClauseCount: 4096,
		Strategy:       OptimizeTerms,
		EntryKey:       EntryKeyValue,
	}
}

// DevelopmentConfig keeps every indicator visible as its own clause.
func DevelopmentConfig() CompilerConfig {
	return CompilerConfig{
		ChunkSize:      100,
		MaxClauseCount: 1024,
		Strategy:       OptimizeNone,
		EntryKey:       EntryKeyValue,
	}
}

func (c CompilerConfig) WithChunkSize(size int) CompilerConfig {
	c.ChunkSize = size
	return c
}

func (c CompilerConfig) WithMaxClauseCount(n int) CompilerConfig {
	c.MaxClauseCount = n
	return c
}

func (c CompilerConfig) WithStrategy(s OptimizationStrategy) CompilerConfig {
	c.Strategy = s
	return c
}

func (c CompilerConfig) WithEntryKey(k EntryKey) CompilerConfig {
	c.EntryKey = k
	return c
}

// ParseEntryKey accepts the two supported keys; empty means EntryKeyValue.
func ParseEntryKey(s string) (EntryKey, error) {
	switch EntryKey(s) {
	case "", EntryKeyValue:
		return EntryKeyValue, nil
	case EntryKeyField:
		return EntryKeyField, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKey, s)
	}
}
