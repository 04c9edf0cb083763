package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogersf/relay/internal/store"
	"github.com/rogersf/relay/internal/verify"
)

var reportFlags struct {
	since time.Duration
	write bool
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize recorded actions",
	Long:  "Summarize recorded actions over a trailing window and print the report as JSON.",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().DurationVar(&reportFlags.since, "since", 24*time.Hour, "report window ending now")
	reportCmd.Flags().BoolVar(&reportFlags.write, "write", false, "also store the report under data_dir/reports")
}

func runReport(cmd *cobra.Command, args []string) error {
	if reportFlags.since <= 0 {
		return fmt.Errorf("--since must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	audit, err := verify.NewAuditLog(verify.AuditConfig{
		DataDir: cfg.DataDir,
		DB:      db,
		Logger:  newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat),
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	ctx := cmd.Context()
	since := time.Now().Add(-reportFlags.since)
	rep, err := audit.Report(ctx, since)
	if err != nil {
		return err
	}
	if reportFlags.write {
		path, err := audit.WriteReport(ctx, since)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", path)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
