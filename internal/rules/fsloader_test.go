package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadDirectoryMerges(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "b/hashes.yaml", `
threat_mapping:
  - entries:
      - {field: file.hash.sha256, value: threat.indicator.file.hash.sha256}
allowed_fields_for_terms_query:
  source: {file.hash.sha256: true}
  threat: {threat.indicator.file.hash.sha256: true}
threat_indicator_path: threat.indicator
`)
	write(t, dir, "a-network.yml", `
- entries:
    - {field: source.ip, value: threat.indicator.ip}
`)
	write(t, dir, "README.md", "not a mapping")

	mf, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, mf.Mapping, 2)
	require.Equal(t, "source.ip", mf.Mapping[0].Entries[0].Field, "files load in lexical path order")
	require.Equal(t, "threat.indicator", mf.IndicatorPath)
	require.True(t, mf.Allowed.Allows("file.hash.sha256", "threat.indicator.file.hash.sha256"))
	require.False(t, mf.Allowed.Allows("source.ip", "threat.indicator.ip"))
}

func TestLoadSingleFile(t *testing.T) {
	p := write(t, t.TempDir(), "m.yaml", "- entries:\n    - {field: a, value: b}\n")
	mf, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, 1, mf.Mapping.EntryCount())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(t.TempDir())
	require.ErrorIs(t, err, ir.ErrEmptyMapping)

	dir := t.TempDir()
	write(t, dir, "bad.yaml", "- entries: [")
	_, err = Load(dir)
	require.Error(t, err)
}

func TestMergeConflictingIndicatorPath(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "1.yaml", "threat_mapping: [{entries: [{field: a, value: b}]}]\nthreat_indicator_path: threat.indicator\n")
	write(t, dir, "2.yaml", "threat_mapping: [{entries: [{field: c, value: d}]}]\nthreat_indicator_path: indicator\n")
	_, err := Load(dir)
	require.ErrorContains(t, err, "conflicting threat_indicator_path")
}
