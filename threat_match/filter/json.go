package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

// MarshalJSON writes the search engine wire shape. Key order is fixed so the
// output is byte-stable. Leaves without a name omit _name.
func (n Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n Node) encode(buf *bytes.Buffer) error {
	switch n.Kind {
	case NodeBool:
		buf.WriteString(`{"bool":{`)
		first := true
		sep := func() {
			if !first {
				buf.WriteByte(',')
			}
			first = false
		}
		for _, g := range []struct {
			key   string
			nodes []Node
		}{{"should", n.Should}, {"filter", n.Filter}, {"must_not", n.MustNot}} {
			if g.nodes == nil {
				continue
			}
			sep()
			writeKey(buf, g.key)
			buf.WriteByte('[')
			for i := range g.nodes {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := g.nodes[i].encode(buf); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
		}
		if n.MinimumShouldMatch != nil {
			sep()
			writeKey(buf, "minimum_should_match")
			fmt.Fprintf(buf, "%d", *n.MinimumShouldMatch)
		}
		buf.WriteString(`}}`)
	case NodeMatch:
		buf.WriteString(`{"match":{`)
		writeKey(buf, n.Field)
		buf.WriteString(`{"query":`)
		writeString(buf, n.Query)
		if name := n.Name(); name != "" {
			buf.WriteString(`,"_name":`)
			writeString(buf, name)
		}
		buf.WriteString(`}}}`)
	case NodeTerms:
		buf.WriteString(`{"terms":{`)
		if name := n.Name(); name != "" {
			writeKey(buf, "_name")
			writeString(buf, name)
			buf.WriteByte(',')
		}
		writeKey(buf, n.Field)
		values := n.Values
		if values == nil {
			values = []string{}
		}
		b, err := json.Marshal(values)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteString(`}}`)
	default:
		return fmt.Errorf("cannot encode node kind %s", n.Kind)
	}
	return nil
}

func writeKey(buf *bytes.Buffer, key string) {
	writeString(buf, key)
	buf.WriteByte(':')
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// UnmarshalJSON accepts the shapes produced by MarshalJSON plus the scalar
// match form {"match":{"f":"v"}} and single-value "term".
func (n *Node) UnmarshalJSON(data []byte) error {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return err
	}
	if len(outer) != 1 {
		return fmt.Errorf("filter node must have exactly one key, got %d", len(outer))
	}
	for kind, body := range outer {
		switch kind {
		case "bool":
			return n.decodeBool(body)
		case "match", "term":
			return n.decodeMatch(body)
		case "terms":
			return n.decodeTerms(body)
		default:
			return fmt.Errorf("unsupported filter node %q", kind)
		}
	}
	return nil
}

func (n *Node) decodeBool(body []byte) error {
	var b struct {
		Should             []Node `json:"should"`
		Filter             []Node `json:"filter"`
		MustNot            []Node `json:"must_not"`
		MinimumShouldMatch *int   `json:"minimum_should_match"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return fmt.Errorf("decode bool: %w", err)
	}
	*n = Node{
		Kind:               NodeBool,
		Should:             b.Should,
		Filter:             b.Filter,
		MustNot:            b.MustNot,
		MinimumShouldMatch: b.MinimumShouldMatch,
	}
	return nil
}

func (n *Node) decodeMatch(body []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("decode match: %w", err)
	}
	if len(m) != 1 {
		return fmt.Errorf("match must name exactly one field, got %d", len(m))
	}
	for field, raw := range m {
		var q struct {
			Query any    `json:"query"`
			Value any    `json:"value"`
			Name  string `json:"_name"`
		}
		if err := decodeLiteral(raw, &q); err != nil {
			var scalar any
			if err := decodeLiteral(raw, &scalar); err != nil {
				return fmt.Errorf("decode match %s: %w", field, err)
			}
			q.Query = scalar
		}
		if q.Query == nil {
			q.Query = q.Value
		}
		*n = Node{Kind: NodeMatch, Field: field, Query: ir.Stringify(q.Query)}
		n.setName(q.Name)
	}
	return nil
}

func (n *Node) decodeTerms(body []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("decode terms: %w", err)
	}
	var name string
	if raw, ok := m["_name"]; ok {
		if err := json.Unmarshal(raw, &name); err != nil {
			return fmt.Errorf("decode terms _name: %w", err)
		}
		delete(m, "_name")
	}
	if len(m) != 1 {
		return fmt.Errorf("terms must name exactly one field, got %d", len(m))
	}
	fields := make([]string, 0, 1)
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var raw []any
	if err := decodeLiteral(m[fields[0]], &raw); err != nil {
		return fmt.Errorf("decode terms %s: %w", fields[0], err)
	}
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		values = append(values, ir.Stringify(v))
	}
	*n = Node{Kind: NodeTerms, Field: fields[0], Values: values}
	n.setName(name)
	return nil
}

// decodeLiteral keeps numbers as json.Number so integer literals survive
// beyond float64 precision.
func decodeLiteral(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func (n *Node) setName(name string) {
	if name == "" {
		return
	}
	if p, err := ir.DecodeNamedQuery(name); err == nil {
		n.Provenance = p
		return
	}
	n.name = name
}
