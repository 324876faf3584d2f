package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Odenhjalm/Aveli-sub000/internal/config"
	"github.com/Odenhjalm/Aveli-sub000/internal/storage"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// ── media-doctor ──────────────────────────────────────────────────────────────

func mediaDoctorCmd() *cobra.Command {
	var (
		limit  int
		output string
		probe  bool
	)
	cmd := &cobra.Command{
		Use:   "media-doctor",
		Short: "Audit media storage references and print a JSON report",
		Long: "Resolves every media asset's source and derived references in one batch " +
			"and reports drifted, missing, and orphaned objects. Read-only.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()
			st := store.New(db)

			// The catalog table is the default source of truth; --probe-storage
			// asks the object store directly instead.
			var catalog storage.Catalog = st
			if probe {
				objects, err := newObjectStore(cfg)
				if err != nil {
					return err
				}
				catalog = objects
			}

			refs, err := st.ListMediaReferences(cmd.Context(), limit)
			if err != nil {
				return err
			}
			resolver := storage.NewResolver(catalog, cfg.KnownBuckets, prometheus.NewRegistry(), logger)
			report, err := resolver.Audit(cmd.Context(), refs)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output) //nolint:gosec // operator-supplied path
				if err != nil {
					return fmt.Errorf("open report file: %w", err)
				}
				defer f.Close() //nolint:errcheck
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			slog.Info("media doctor complete", "references", report.Total, "needs_attention", len(report.Entries))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "audit at most this many assets (0 = all)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "report destination file, - for stdout")
	cmd.Flags().BoolVar(&probe, "probe-storage", false, "check existence against the object store instead of the catalog table")
	return cmd
}
