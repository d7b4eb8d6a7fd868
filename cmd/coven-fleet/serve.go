// ABOUTME: serve command: loads config, prints the banner and runs the fleet until interrupted
// ABOUTME: SIGINT/SIGTERM shut down gracefully; SIGHUP reloads the config file

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-fleet/internal/app"
	"github.com/2389/coven-fleet/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fleet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runServe(ctx, getConfigPath(configFlag))
	},
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:        %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Data:          %s\n", cfg.DataDir)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:      %d\n", len(cfg.Sessions))
	green.Print("    ▶ ")
	fmt.Printf("Organizations: %d\n", len(cfg.Organizations))
	if cfg.Search.Embeddings.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Semantic:      ")
		cyan.Println(cfg.Search.Embeddings.Model)
	}
	fmt.Println()

	logger.Info("starting coven-fleet", "config", configPath, "data_dir", cfg.DataDir)

	fleet, err := app.New(app.Options{Config: cfg, ConfigPath: configPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating fleet: %w", err)
	}
	return fleet.Run(ctx)
}
