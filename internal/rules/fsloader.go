// Package rules loads threat mapping rules from a file or a directory tree of
// YAML files.
package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/compiler"
)

func isYAML(p string) bool {
	l := strings.ToLower(p)
	return strings.HasSuffix(l, ".yml") || strings.HasSuffix(l, ".yaml")
}

// Load reads path as one mapping file, or merges every YAML file under it
// when path is a directory.
func Load(path string) (compiler.MappingFile, error) {
	st, err := os.Stat(path)
	if err != nil {
		return compiler.MappingFile{}, fmt.Errorf("threat mapping %s: %w", path, err)
	}
	if !st.IsDir() {
		return compiler.LoadThreatMappingFile(path)
	}
	files, err := LoadDirRecursive(path)
	if err != nil {
		return compiler.MappingFile{}, err
	}
	if len(files) == 0 {
		return compiler.MappingFile{}, fmt.Errorf("%s: no YAML files: %w", path, ir.ErrEmptyMapping)
	}
	return Merge(files)
}

// LoadDirRecursive parses every YAML file under root in lexical path order.
func LoadDirRecursive(root string) ([]compiler.MappingFile, error) {
	var out []compiler.MappingFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(p) {
			return nil
		}
		mf, err := compiler.LoadThreatMappingFile(p)
		if err != nil {
			return err
		}
		out = append(out, mf)
		return nil
	})
	return out, err
}

// Merge concatenates rules in order. Allow-lists are unioned. Files may
// leave the indicator path unset but must not disagree on it.
func Merge(files []compiler.MappingFile) (compiler.MappingFile, error) {
	var out compiler.MappingFile
	for _, f := range files {
		out.Mapping = append(out.Mapping, f.Mapping.Clone()...)
		if f.IndicatorPath != "" {
			if out.IndicatorPath != "" && out.IndicatorPath != f.IndicatorPath {
				return compiler.MappingFile{}, fmt.Errorf("conflicting threat_indicator_path %q and %q", out.IndicatorPath, f.IndicatorPath)
			}
			out.IndicatorPath = f.IndicatorPath
		}
		if f.Allowed == nil {
			continue
		}
		if out.Allowed == nil {
			out.Allowed = &ir.AllowedFieldsForTermsQuery{Source: map[string]bool{}, Threat: map[string]bool{}}
		}
		union(out.Allowed.Source, f.Allowed.Source)
		union(out.Allowed.Threat, f.Allowed.Threat)
	}
	return out, nil
}

func union(dst, src map[string]bool) {
	for k, v := range src {
		dst[k] = dst[k] || v
	}
}
