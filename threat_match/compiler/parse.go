package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

// mappingDocument is the on-disk form of a threat mapping. Either the
// top-level list or the threat_mapping key may be used.
type mappingDocument struct {
	ThreatMapping       ir.ThreatMapping               `yaml:"threat_mapping"`
	AllowedFieldsForTQ  *ir.AllowedFieldsForTermsQuery `yaml:"allowed_fields_for_terms_query"`
	ThreatIndicatorPath string                         `yaml:"threat_indicator_path"`
}

// MappingFile is a parsed threat mapping configuration.
type MappingFile struct {
	Mapping ir.ThreatMapping
	Allowed *ir.AllowedFieldsForTermsQuery
	// Where the indicator object sits in an indicator's source, used when
	// enriching matches, e.g. "threat.indicator".
	IndicatorPath string
}

// LoadThreatMappingYAML parses a threat mapping from YAML. Entries without a
// type default to "mapping".
func LoadThreatMappingYAML(data []byte) (MappingFile, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return MappingFile{}, fmt.Errorf("YAMLError: %v", err)
	}
	if len(root.Content) == 0 {
		return MappingFile{}, fmt.Errorf("CompilationError: empty YAML")
	}

	var out MappingFile
	switch root.Content[0].Kind {
	case yaml.SequenceNode:
		if err := root.Content[0].Decode(&out.Mapping); err != nil {
			return MappingFile{}, fmt.Errorf("CompilationError: threat_mapping: %v", err)
		}
	case yaml.MappingNode:
		var doc mappingDocument
		if err := root.Content[0].Decode(&doc); err != nil {
			return MappingFile{}, fmt.Errorf("CompilationError: %v", err)
		}
		out.Mapping = doc.ThreatMapping
		out.Allowed = doc.AllowedFieldsForTQ
		out.IndicatorPath = strings.TrimSuffix(strings.TrimSpace(doc.ThreatIndicatorPath), ".")
	default:
		return MappingFile{}, fmt.Errorf("CompilationError: threat mapping must be a list or a mapping")
	}

	if out.Mapping.EntryCount() == 0 {
		return MappingFile{}, fmt.Errorf("CompilationError: %w", ir.ErrEmptyMapping)
	}
	for i := range out.Mapping {
		for j := range out.Mapping[i].Entries {
			e := &out.Mapping[i].Entries[j]
			if e.Type == "" {
				e.Type = ir.MappingEntryType
			}
			if e.Field == "" || e.Value == "" {
				return MappingFile{}, fmt.Errorf("CompilationError: threat_mapping[%d].entries[%d]: field and value are required", i, j)
			}
		}
	}
	return out, nil
}

// LoadThreatMappingFile reads and parses a YAML threat mapping file.
func LoadThreatMappingFile(path string) (MappingFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return MappingFile{}, fmt.Errorf("read threat mapping %s: %w", path, err)
	}
	mf, err := LoadThreatMappingYAML(b)
	if err != nil {
		return MappingFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return mf, nil
}

// LoadAllowedFieldsYAML parses a standalone allow-list:
//
//	source: {host.ip: true}
//	threat: {threat.indicator.ip: true}
func LoadAllowedFieldsYAML(data []byte) (*ir.AllowedFieldsForTermsQuery, error) {
	var a ir.AllowedFieldsForTermsQuery
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("YAMLError: %v", err)
	}
	if a.Source == nil {
		a.Source = map[string]bool{}
	}
	if a.Threat == nil {
		a.Threat = map[string]bool{}
	}
	return &a, nil
}

// LoadThreatList decodes indicator documents from JSON: an array of items, a
// search response ({"hits":{"hits":[...]}}), or newline-delimited items.
func LoadThreatList(r io.Reader) ([]ir.ThreatListItem, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read threat list: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []ir.ThreatListItem
		if err := decodeJSON(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode threat list: %w", err)
		}
		return items, nil
	}

	var resp struct {
		Hits *struct {
			Hits []ir.ThreatListItem `json:"hits"`
		} `json:"hits"`
	}
	if err := decodeJSON(trimmed, &resp); err == nil && resp.Hits != nil {
		return resp.Hits.Hits, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var items []ir.ThreatListItem
	for {
		var it ir.ThreatListItem
		if err := dec.Decode(&it); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode threat list item %d: %w", len(items), err)
		}
		items = append(items, it)
	}
	return items, nil
}

func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
