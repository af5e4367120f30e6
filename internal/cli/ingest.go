package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PhucNguyen204/threat-match/internal/config"
	"github.com/PhucNguyen204/threat-match/internal/indicators"
	"github.com/PhucNguyen204/threat-match/internal/logging"
)

func newIngestCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load indicator documents into the Postgres indicator store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if cfg.DatabaseDSN == "" {
				return errors.New("ingest needs database_dsn or THREATMATCH_DB_DSN")
			}
			items, err := readIndicators(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogDev)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := indicators.Open(cmd.Context(), cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			st := indicators.NewPostgresStore(db, log)
			if cfg.Migrate {
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
			}
			n, err := st.Upsert(cmd.Context(), items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "upserted %d indicators\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "indicators", "i", "-", "Indicator documents: JSON array, search response or NDJSON; - for stdin")
	return cmd
}
