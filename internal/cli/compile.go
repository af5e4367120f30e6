package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PhucNguyen204/threat-match/internal/config"
	"github.com/PhucNguyen204/threat-match/internal/indicators"
	"github.com/PhucNguyen204/threat-match/internal/rules"
	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/compiler"
	"github.com/PhucNguyen204/threat-match/threat_match/filter"
)

type compileFlags struct {
	mapping   string
	allowed   string
	input     string
	fromDB    bool
	indexes   []string
	since     string
	entryKey  string
	chunkSize int
	strategy  string
	pretty    bool
	showStats bool
}

func newCompileCmd() *cobra.Command {
	var f compileFlags
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a threat mapping and an indicator batch into search filters (JSON array, one per chunk)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.mapping, "mapping", "", "Threat mapping YAML file or directory (defaults to mapping_file from config)")
	cmd.Flags().StringVar(&f.allowed, "allowed", "", "Allowed fields for terms query YAML")
	cmd.Flags().StringVarP(&f.input, "indicators", "i", "-", "Indicator documents: JSON array, search response or NDJSON; - for stdin")
	cmd.Flags().BoolVar(&f.fromDB, "from-db", false, "Read indicators from the Postgres store instead of --indicators")
	cmd.Flags().StringSliceVar(&f.indexes, "index", nil, "Indicator index to read with --from-db (repeatable)")
	cmd.Flags().StringVar(&f.since, "since", "", "Only indicators updated since (duration like 72h or a date) with --from-db")
	cmd.Flags().StringVar(&f.entryKey, "entry-key", "", "Side of each entry resolved on list items: value|field")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "Indicators per filter")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "Optimization: none|terms")
	cmd.Flags().BoolVar(&f.pretty, "pretty", false, "Indent JSON output")
	cmd.Flags().BoolVar(&f.showStats, "stats", false, "Print filter statistics to stderr")
	return cmd
}

func runCompile(cmd *cobra.Command, f compileFlags) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	ccfg := cfg.Compiler
	if cmd.Flags().Changed("entry-key") {
		k, err := ir.ParseEntryKey(f.entryKey)
		if err != nil {
			return err
		}
		ccfg = ccfg.WithEntryKey(k)
	}
	if cmd.Flags().Changed("chunk-size") {
		ccfg = ccfg.WithChunkSize(f.chunkSize)
	}
	if cmd.Flags().Changed("strategy") {
		var s ir.OptimizationStrategy
		if err := s.UnmarshalText([]byte(f.strategy)); err != nil {
			return err
		}
		ccfg = ccfg.WithStrategy(s)
	}

	mappingPath := f.mapping
	if mappingPath == "" {
		mappingPath = cfg.MappingFile
	}
	if mappingPath == "" {
		return errors.New("no threat mapping: pass --mapping or set mapping_file")
	}
	mf, err := loadMapping(mappingPath, firstNonEmpty(f.allowed, cfg.AllowedFields))
	if err != nil {
		return err
	}

	var items []ir.ThreatListItem
	if f.fromDB {
		items, err = readStoredIndicators(cmd, cfg, f)
	} else {
		items, err = readIndicators(cmd.InOrStdin(), f.input)
	}
	if err != nil {
		return err
	}

	filters := compiler.BuildChunked(mf.Mapping, items, mf.Allowed, ccfg)
	if len(filters) == 0 {
		filters = []filter.BooleanFilter{compiler.BuildThreatMappingFilter(mf.Mapping, nil, ccfg.EntryKey, nil)}
	}
	if f.showStats {
		for i := range filters {
			st := filters[i].Statistics()
			warn := ""
			if st.ExceedsClauseLimit(ccfg.MaxClauseCount) {
				warn = fmt.Sprintf(" (exceeds max_clause_count %d)", ccfg.MaxClauseCount)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "filter %d: %s%s\n", i, st.Summary(), warn)
		}
	}
	return printJSON(cmd, filters, f.pretty)
}

// loadMapping reads the mapping file or directory; a separate allow-list
// file replaces the one embedded in the mapping.
func loadMapping(path, allowedPath string) (compiler.MappingFile, error) {
	mf, err := rules.Load(path)
	if err != nil {
		return compiler.MappingFile{}, err
	}
	if allowedPath != "" {
		b, err := os.ReadFile(allowedPath)
		if err != nil {
			return compiler.MappingFile{}, fmt.Errorf("read allowed fields %s: %w", allowedPath, err)
		}
		a, err := compiler.LoadAllowedFieldsYAML(b)
		if err != nil {
			return compiler.MappingFile{}, fmt.Errorf("%s: %w", allowedPath, err)
		}
		mf.Allowed = a
	}
	return mf, nil
}

func readIndicators(stdin io.Reader, path string) ([]ir.ThreatListItem, error) {
	if path == "" || path == "-" {
		return compiler.LoadThreatList(stdin)
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open indicators: %w", err)
	}
	defer fh.Close()
	return compiler.LoadThreatList(fh)
}

func readStoredIndicators(cmd *cobra.Command, cfg config.Config, f compileFlags) ([]ir.ThreatListItem, error) {
	if cfg.DatabaseDSN == "" {
		return nil, errors.New("--from-db needs database_dsn or THREATMATCH_DB_DSN")
	}
	since, err := indicators.ParseSince(f.since, time.Now())
	if err != nil {
		return nil, err
	}
	db, err := indicators.Open(cmd.Context(), cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	st := indicators.NewPostgresStore(db, nil)
	var items []ir.ThreatListItem
	_, err = indicators.FetchAll(cmd.Context(), st, indicators.Query{Indexes: f.indexes, Since: since}, func(page []ir.ThreatListItem) error {
		items = append(items, page...)
		return nil
	})
	return items, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
