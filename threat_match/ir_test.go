package threat_match

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestMappingEntrySides(t *testing.T) {
	e := MappingEntry{Field: "host.ip", Value: "threat.indicator.ip", Type: MappingEntryType}
	if e.Lookup(EntryKeyValue) != "threat.indicator.ip" || e.Target(EntryKeyValue) != "host.ip" {
		t.Fatalf("value key: lookup=%q target=%q", e.Lookup(EntryKeyValue), e.Target(EntryKeyValue))
	}
	if e.Lookup(EntryKeyField) != "host.ip" || e.Target(EntryKeyField) != "threat.indicator.ip" {
		t.Fatalf("field key: lookup=%q target=%q", e.Lookup(EntryKeyField), e.Target(EntryKeyField))
	}
}

func TestRuleKind(t *testing.T) {
	single := ConjunctiveRule{Entries: []MappingEntry{{Field: "a", Value: "b"}}}
	compound := ConjunctiveRule{Entries: []MappingEntry{{Field: "a", Value: "b"}, {Field: "c", Value: "d"}}}
	if single.Kind() != RuleSingle {
		t.Fatalf("single rule kind = %s", single.Kind())
	}
	if compound.Kind() != RuleCompound {
		t.Fatalf("compound rule kind = %s", compound.Kind())
	}
	if (ConjunctiveRule{}).Kind() != RuleCompound {
		t.Fatalf("empty rule must not be collapsible")
	}
	if RuleUnknown.String() != "Unknown" {
		t.Fatalf("zero kind = %s", RuleUnknown)
	}
}

func TestThreatMappingClone(t *testing.T) {
	m := ThreatMapping{{Entries: []MappingEntry{{Field: "a", Value: "b"}}}}
	cp := m.Clone()
	cp[0].Entries[0].Field = "changed"
	if m[0].Entries[0].Field != "a" {
		t.Fatalf("clone shares entries")
	}
	if m.EntryCount() != 1 || ThreatMapping(nil).Clone() != nil {
		t.Fatalf("entry count / nil clone")
	}
}

func TestThreatListItemLookup(t *testing.T) {
	var src map[string]any
	if err := json.Unmarshal([]byte(`{
		"threat": {
			"indicator": {"ip": "10.0.0.1", "port": 443, "tags": ["a", "b"], "empty": null}
		},
		"file.hash.sha256": "abc",
		"related": [{"ip": "1.1.1.1"}, {"ip": "2.2.2.2"}, {"user": "x"}]
	}`), &src); err != nil {
		t.Fatal(err)
	}
	item := ThreatListItem{
		ID:     "1",
		Source: src,
		Fields: map[string][]any{"threat.indicator.ip": {"10.9.9.9"}, "nothing": {nil}},
	}

	cases := []struct {
		path string
		want []any
	}{
		{"threat.indicator.ip", []any{"10.9.9.9"}},
		{"threat.indicator.port", []any{float64(443)}},
		{"threat.indicator.tags", []any{"a", "b"}},
		{"threat.indicator.empty", nil},
		{"threat.indicator", nil},
		{"file.hash.sha256", []any{"abc"}},
		{"related.ip", []any{"1.1.1.1", "2.2.2.2"}},
		{"nothing", nil},
		{"missing.path", nil},
		{"", nil},
	}
	for _, c := range cases {
		if got := item.Lookup(c.path); !reflect.DeepEqual(got, c.want) {
			t.Fatalf("Lookup(%q) = %#v, want %#v", c.path, got, c.want)
		}
	}

	if v, ok := item.Resolve("threat.indicator.tags"); ok || item.Has("related.ip") {
		t.Fatalf("multi-valued path must not resolve, got %q", v)
	}
	if v, ok := item.Resolve("threat.indicator.port"); !ok || v != "443" {
		t.Fatalf("numeric literal = %q", v)
	}
	if item.Has("threat.indicator.empty") {
		t.Fatalf("null value must be absent")
	}
}

func TestLookupFieldsFallThroughToSource(t *testing.T) {
	item := ThreatListItem{
		ID:     "1",
		Source: map[string]any{"threat": map[string]any{"indicator": map[string]any{"ip": "10.0.0.1", "domain": "a.example"}}},
		Fields: map[string][]any{"threat.indicator.ip": {}, "threat.indicator.domain": {nil}, "threat.indicator.port": {443}},
	}
	for path, want := range map[string]string{
		"threat.indicator.ip":     "10.0.0.1",
		"threat.indicator.domain": "a.example",
		"threat.indicator.port":   "443",
	} {
		if v, ok := item.Resolve(path); !ok || v != want {
			t.Fatalf("Resolve(%q) = %q %v, want %q", path, v, ok, want)
		}
	}
}

func TestStringify(t *testing.T) {
	cases := map[string]any{
		"x":    "x",
		"1.5":  1.5,
		"10":   json.Number("10"),
		"7":    int64(7),
		"true": true,
		`{"a":1}`: map[string]any{"a": 1},
	}
	for want, in := range cases {
		if got := Stringify(in); got != want {
			t.Fatalf("Stringify(%#v) = %q, want %q", in, got, want)
		}
	}
}

func TestAllowedFields(t *testing.T) {
	var nilAllowed *AllowedFieldsForTermsQuery
	if nilAllowed.Allows("a", "b") {
		t.Fatalf("nil allow-list allows nothing")
	}
	a := &AllowedFieldsForTermsQuery{
		Source: map[string]bool{"host.ip": true, "host.name": false},
		Threat: map[string]bool{"threat.indicator.ip": true},
	}
	if !a.Allows("host.ip", "threat.indicator.ip") {
		t.Fatalf("both flagged should be allowed")
	}
	if a.Allows("host.name", "threat.indicator.ip") || a.Allows("host.ip", "threat.indicator.domain") {
		t.Fatalf("either side unflagged must be rejected")
	}
}

func TestChunkThreatList(t *testing.T) {
	items := make([]ThreatListItem, 5)
	for i := range items {
		items[i].ID = string(rune('a' + i))
	}
	chunks := ChunkThreatList(items, 2)
	if len(chunks) != 3 || len(chunks[0]) != 2 || len(chunks[2]) != 1 || chunks[2][0].ID != "e" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if got := ChunkThreatList(items, 0); len(got) != 1 || len(got[0]) != 5 {
		t.Fatalf("size 0 should yield one batch")
	}
	if ChunkThreatList(nil, 10) != nil {
		t.Fatalf("empty list yields no batches")
	}
}

func TestNamedQueryCodec(t *testing.T) {
	item := ThreatListItem{ID: "abc", Index: "ti-1"}
	entry := MappingEntry{Field: "host.ip", Value: "threat.indicator.ip", Type: MappingEntryType}
	p := MatchProvenance(item, entry)
	name := p.Name()
	if name != "abc___ti-1___host.ip___threat.indicator.ip___mq" {
		t.Fatalf("name = %q", name)
	}
	got, err := DecodeNamedQuery(name)
	if err != nil || got != p {
		t.Fatalf("decode = %+v, %v", got, err)
	}
	if got.Entry() != entry {
		t.Fatalf("entry = %+v", got.Entry())
	}

	tq := TermsProvenance(entry).Name()
	if tq != "______host.ip___threat.indicator.ip___tq" {
		t.Fatalf("terms name = %q", tq)
	}
	if d, err := DecodeNamedQuery(tq); err != nil || d.ID != "" || d.QueryType != QueryTypeTerms {
		t.Fatalf("terms decode = %+v, %v", d, err)
	}

	odd := MatchProvenance(item, MappingEntry{Field: "a___b", Value: "ip"})
	if got, err := DecodeNamedQuery(odd.Name()); err != nil || got != odd {
		t.Fatalf("separator in field: decode = %+v, %v", got, err)
	}

	for _, bad := range []string{"", "a___b___c___d", "a___b___c___d___e___f", "a___b___c___d___zz"} {
		if _, err := DecodeNamedQuery(bad); !errors.Is(err, ErrUnexpectedQueryFormat) {
			t.Fatalf("DecodeNamedQuery(%q) err = %v", bad, err)
		}
	}
}

func TestCompilerConfigPresets(t *testing.T) {
	def := DefaultCompilerConfig()
	if def.Strategy != OptimizeTerms || def.EntryKey != EntryKeyValue || def.ChunkSize != 1000 {
		t.Fatalf("default = %+v", def)
	}
	if NewCompilerConfig() != def {
		t.Fatalf("NewCompilerConfig differs from default")
	}
	dev := DevelopmentConfig()
	if dev.Strategy != OptimizeNone {
		t.Fatalf("development must not optimize")
	}
	c := def.WithChunkSize(5).WithMaxClauseCount(10).WithStrategy(OptimizeNone).WithEntryKey(EntryKeyField)
	if c.ChunkSize != 5 || c.MaxClauseCount != 10 || c.Strategy != OptimizeNone || c.EntryKey != EntryKeyField {
		t.Fatalf("builders = %+v", c)
	}
	if def.ChunkSize != 1000 {
		t.Fatalf("builders must not mutate the receiver")
	}
}

func TestOptimizationStrategyText(t *testing.T) {
	b, err := json.Marshal(CompilerConfig{Strategy: OptimizeTerms, EntryKey: EntryKeyField})
	if err != nil {
		t.Fatal(err)
	}
	var back CompilerConfig
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Strategy != OptimizeTerms || back.EntryKey != EntryKeyField {
		t.Fatalf("round trip = %+v from %s", back, b)
	}
	var s OptimizationStrategy
	if err := s.UnmarshalText([]byte("bloom")); err == nil {
		t.Fatalf("unknown strategy accepted")
	}
}

func TestParseEntryKey(t *testing.T) {
	if k, err := ParseEntryKey(""); err != nil || k != EntryKeyValue {
		t.Fatalf("empty key = %q %v", k, err)
	}
	if k, err := ParseEntryKey("field"); err != nil || k != EntryKeyField {
		t.Fatalf("field key = %q %v", k, err)
	}
	if _, err := ParseEntryKey("both"); !errors.Is(err, ErrInvalidEntryKey) {
		t.Fatalf("invalid key err = %v", err)
	}
}
