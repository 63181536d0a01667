// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/czcorpus/kontext-sub000/pkg/logging"
	"github.com/czcorpus/kontext-sub000/services/bgcalc"
)

var (
	configPath string
	sweepTTL   time.Duration

	rootCmd = &cobra.Command{
		Use:          "bgcalc",
		Short:        "Background computation and result caching service",
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a queue worker (pgqueue backend)",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired cache artifacts once",
		Long: `Removes cache artifacts older than --ttl together with abandoned build
markers and leftover temp files, then prints the counters as JSON.`,
		Args: cobra.NoArgs,
		RunE: runSweep,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres task queue schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BGCALC_CONFIG"), "path to the YAML configuration file")
	sweepCmd.Flags().DurationVar(&sweepTTL, "ttl", 0, "artifact lifetime (default: sweeper.ttl from the configuration)")
	rootCmd.AddCommand(serveCmd, workerCmd, sweepCmd, migrateCmd)
}

// setup loads the configuration and installs the logger.
func setup(service string) (bgcalc.Config, *logging.Logger, error) {
	cfg, err := bgcalc.LoadConfig(configPath)
	if err != nil {
		return bgcalc.Config{}, nil, err
	}
	logCfg := cfg.Log
	logCfg.Service = service
	logger := logging.New(logCfg)
	logger.Install()
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup("bgcalc")
	if err != nil {
		return err
	}
	defer logger.Close()

	svc, err := bgcalc.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	ctx, stop := signalContext()
	defer stop()
	return svc.Run(ctx)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup("bgcalc-worker")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signalContext()
	defer stop()
	if err := bgcalc.RunWorker(ctx, cfg, nil); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("Worker stopped")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup("bgcalc-sweep")
	if err != nil {
		return err
	}
	defer logger.Close()

	res, err := bgcalc.Sweep(cfg, sweepTTL)
	if err != nil {
		return err
	}
	return printSweep(cmd.OutOrStdout(), res.Total, res.Removed, res.Errors)
}

// printSweep writes the sweep summary consumed by cron wrappers.
func printSweep(w io.Writer, total, removed, errs int) error {
	return json.NewEncoder(w).Encode(map[string]int{
		"total":   total,
		"removed": removed,
		"errors":  errs,
	})
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup("bgcalc-migrate")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signalContext()
	defer stop()
	if err := bgcalc.Migrate(ctx, cfg); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "task queue schema is up to date")
	return nil
}
