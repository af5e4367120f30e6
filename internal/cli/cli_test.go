package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

const mappingYAML = `
threat_mapping:
  - entries:
      - field: source.ip
        value: threat.indicator.ip
  - entries:
      - field: file.hash.sha256
        value: threat.indicator.file.hash.sha256
      - field: file.name
        value: threat.indicator.file.name
allowed_fields_for_terms_query:
  source: {source.ip: true}
  threat: {threat.indicator.ip: true}
`

const indicatorsNDJSON = `{"_id":"a","_index":"ti","_source":{"threat":{"indicator":{"ip":"10.1.1.1"}}}}
{"_id":"b","_index":"ti","_source":{"threat":{"indicator":{"ip":"10.1.1.2"}}}}
{"_id":"c","_index":"ti","_source":{"threat":{"indicator":{"file":{"hash":{"sha256":"abc"},"name":"evil.exe"}}}}}
`

func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := NewRoot("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", ""}, args...))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestCompileCommand(t *testing.T) {
	mapping := writeFile(t, "mapping.yaml", mappingYAML)
	out, stderr, err := runCLI(t, indicatorsNDJSON, "compile", "--mapping", mapping, "--stats")
	require.NoError(t, err)
	require.Contains(t, stderr, "filter 0: clauses=3")

	var filters []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &filters))
	require.Len(t, filters, 1)
	require.Equal(t,
		`{"bool":{"should":[`+
			`{"bool":{"filter":[{"match":{"file.hash.sha256":{"query":"abc","_name":"c___ti___file.hash.sha256___threat.indicator.file.hash.sha256___mq"}}},`+
			`{"match":{"file.name":{"query":"evil.exe","_name":"c___ti___file.name___threat.indicator.file.name___mq"}}}]}},`+
			`{"terms":{"_name":"______source.ip___threat.indicator.ip___tq","source.ip":["10.1.1.1","10.1.1.2"]}}`+
			`],"minimum_should_match":1}}`,
		string(filters[0]))
}

func TestCompileCommandFlags(t *testing.T) {
	mapping := writeFile(t, "mapping.yaml", mappingYAML)
	input := writeFile(t, "indicators.ndjson", indicatorsNDJSON)
	out, _, err := runCLI(t, "", "compile", "--mapping", mapping, "-i", input, "--strategy", "none", "--chunk-size", "2")
	require.NoError(t, err)

	var filters []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &filters))
	require.Len(t, filters, 2)
	require.NotContains(t, string(filters[0]), `"terms"`)
	require.Contains(t, string(filters[0]), "a___ti___source.ip___threat.indicator.ip___mq")
	require.Contains(t, string(filters[0]), "b___ti___source.ip___threat.indicator.ip___mq")
}

func TestCompileCommandErrors(t *testing.T) {
	_, _, err := runCLI(t, "", "compile")
	require.ErrorContains(t, err, "no threat mapping")

	mapping := writeFile(t, "mapping.yaml", mappingYAML)
	_, _, err = runCLI(t, "", "compile", "--mapping", mapping, "--entry-key", "both")
	require.ErrorIs(t, err, ir.ErrInvalidEntryKey)

	_, _, err = runCLI(t, "", "compile", "--mapping", mapping, "--from-db")
	require.ErrorContains(t, err, "--from-db needs database_dsn")
}

func TestDecodeCommand(t *testing.T) {
	out, _, err := runCLI(t, "", "decode", "abc___ti___host.ip___threat.indicator.ip___mq")
	require.NoError(t, err)
	var got []ir.Provenance
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, []ir.Provenance{{
		ID: "abc", Index: "ti", Field: "host.ip", Value: "threat.indicator.ip", QueryType: ir.QueryTypeMatch,
	}}, got)

	_, _, err = runCLI(t, "", "decode", "not-a-name")
	require.ErrorIs(t, err, ir.ErrUnexpectedQueryFormat)
}

func TestIngestNeedsDatabase(t *testing.T) {
	t.Setenv("THREATMATCH_DB_DSN", "")
	_, _, err := runCLI(t, indicatorsNDJSON, "ingest")
	require.ErrorContains(t, err, "ingest needs database_dsn")
}
