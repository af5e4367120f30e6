package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PhucNguyen204/threat-match/internal/config"
	"github.com/PhucNguyen204/threat-match/internal/indicators"
	"github.com/PhucNguyen204/threat-match/internal/logging"
	"github.com/PhucNguyen204/threat-match/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the threat mapping compiler HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store indicators.Store
	if cfg.DatabaseDSN != "" {
		db, err := indicators.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		pg := indicators.NewPostgresStore(db, log)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		store = pg
	} else {
		mem := indicators.NewMemoryStore(cfg.IndicatorTTL)
		log.Warnw("no database configured, indicators are kept in memory", "ttl", cfg.IndicatorTTL)
		if cfg.IndicatorTTL > 0 {
			go mem.RunCleanup(ctx, cfg.IndicatorTTL/4, func(n int) {
				log.Infow("expired indicators removed", "count", n)
			})
		}
		store = mem
	}

	srv := server.NewAppServer(store, log, cfg.Compiler)
	if cfg.MappingFile != "" {
		mf, err := loadMapping(cfg.MappingFile, cfg.AllowedFields)
		if err != nil {
			return err
		}
		srv.SetMapping(mf)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infow("threat-match listening", "addr", cfg.Addr,
			"chunk_size", cfg.Compiler.ChunkSize, "strategy", cfg.Compiler.Strategy.String(), "entry_key", cfg.Compiler.EntryKey)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
