package enrichment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

func indicator(id, ip string) ir.ThreatListItem {
	return ir.ThreatListItem{
		ID:    id,
		Index: "ti",
		Source: map[string]any{"threat": map[string]any{"indicator": map[string]any{
			"ip":   ip,
			"type": "ipv4-addr",
		}}},
	}
}

var ipEntry = ir.MappingEntry{Field: "host.ip", Value: "threat.indicator.ip", Type: ir.MappingEntryType}

func TestEnrichMatchAndTerms(t *testing.T) {
	list := []ir.ThreatListItem{indicator("1", "10.0.0.1"), indicator("2", "10.0.0.2"), indicator("3", "10.0.0.1")}
	event := map[string]any{"host": map[string]any{"ip": "10.0.0.1"}}
	names := []string{
		ir.MatchProvenance(list[0], ipEntry).Name(),
		ir.TermsProvenance(ipEntry).Name(),
		"not-a-named-query",
		"9___ti___host.ip___threat.indicator.ip___mq",
	}

	got, invalid := Enrich(event, names, list, Options{IndicatorPath: "threat.indicator"})
	assert.Equal(t, []string{"not-a-named-query"}, invalid)
	require.Len(t, got, 2)

	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, ir.QueryTypeMatch, got[0].Type)
	assert.Equal(t, map[string]any{"ip": "10.0.0.1", "type": "ipv4-addr"}, got[0].Indicator)

	assert.Equal(t, "3", got[1].ID)
	assert.Equal(t, ir.QueryTypeTerms, got[1].Type)
	assert.Equal(t, "host.ip", got[1].Field)
	assert.Equal(t, "threat.indicator.ip", got[1].Value)
}

func TestEnrichEntryKeyField(t *testing.T) {
	entry := ir.MappingEntry{Field: "threat.indicator.ip", Value: "source.ip", Type: ir.MappingEntryType}
	list := []ir.ThreatListItem{indicator("a", "1.2.3.4"), indicator("b", "5.6.7.8")}
	event := map[string]any{"source.ip": []any{"5.6.7.8"}}

	got, invalid := Enrich(event, []string{ir.TermsProvenance(entry).Name()}, list, Options{EntryKey: ir.EntryKeyField})
	assert.Empty(t, invalid)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
	assert.Nil(t, got[0].Indicator)
}

func TestEnrichTermsWithoutEventValue(t *testing.T) {
	list := []ir.ThreatListItem{indicator("1", "10.0.0.1")}
	got, _ := Enrich(map[string]any{"user": "x"}, []string{ir.TermsProvenance(ipEntry).Name()}, list, Options{})
	assert.Empty(t, got)
}

func TestIndicatorAtFlattenedKey(t *testing.T) {
	it := &ir.ThreatListItem{Source: map[string]any{"threat.indicator": map[string]any{"url": "http://x"}}}
	assert.Equal(t, map[string]any{"url": "http://x"}, indicatorAt(it, "threat.indicator"))
	assert.Nil(t, indicatorAt(it, "threat.indicator.url.full"))
	assert.Nil(t, indicatorAt(&ir.ThreatListItem{}, "threat"))
}

func TestEnrichFieldContainingSeparator(t *testing.T) {
	entry := ir.MappingEntry{Field: "a___b", Value: "ip", Type: ir.MappingEntryType}
	list := []ir.ThreatListItem{{ID: "1", Index: "ti", Source: map[string]any{"ip": "10.0.0.9"}}}
	event := map[string]any{"a___b": "10.0.0.9"}

	got, invalid := Enrich(event, []string{ir.MatchProvenance(list[0], entry).Name()}, list, Options{})
	require.Empty(t, invalid)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "a___b", got[0].Field)
	assert.Equal(t, "ip", got[0].Value)
}
