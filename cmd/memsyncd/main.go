package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"memsync/internal/config"
	"memsync/internal/identity"
	"memsync/internal/logging"
	"memsync/internal/registry"
	"memsync/internal/store"

	"log/slog"
	"path/filepath"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memsyncd",
	Short: "Peer-to-peer replication daemon for local memory stores",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default ~/.memsync/config.toml)")
	rootCmd.AddCommand(serveCmd, pairCmd, peersCmd, syncCmd, statusCmd, backfillCmd, rotateCmd)
}

// app bundles the pieces every subcommand needs. Callers must defer Close.
type app struct {
	cfg config.Config
	log *slog.Logger
	st  *store.Store
	id  *identity.Identity
	reg *registry.Registry
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	id, err := identity.Ensure(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("device identity: %w", err)
	}
	return &app{cfg: cfg, log: log, st: st, id: id, reg: registry.New(st)}, nil
}

func (a *app) Close() {
	_ = a.st.Close()
}
