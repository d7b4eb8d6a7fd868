// ABOUTME: Entry point for coven-fleet, the multi-session agent orchestrator
// ABOUTME: Cobra root command with serve, validate and schedules subcommands

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                        __ _           _
  ___ _____   _____ _ __              / _| | ___  ___| |_
 / __/ _ \ \ / / _ \ '_ \   _____    | |_| |/ _ \/ _ \ __|
| (_| (_) \ V /  __/ | | | |_____|   |  _| |  __/  __/ |_
 \___\___/ \_/ \___|_| |_|           |_| |_|\___|\___|\__|
`

var (
	configFlag string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "coven-fleet",
	Short: "Run a fleet of independently configured agent sessions",
	Long: `coven-fleet runs many agent sessions in one process.

Each session has its own workspace, protocol servers and schedules.
Sessions in the same organization share a chat channel and wake each
other with @mentions.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $COVEN_FLEET_CONFIG or ~/.config/coven/fleet.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default .env if present)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(serveCmd, validateCmd, schedulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnv reads a dotenv file before config expansion. An explicit file must
// exist; the default .env is optional.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading env file: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("loading .env: %w", err)
		}
	}
	return nil
}

// getConfigPath returns the path to the fleet config file.
// Priority: --config flag > COVEN_FLEET_CONFIG env var > XDG_CONFIG_HOME/coven/fleet.yaml > ~/.config/coven/fleet.yaml
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv("COVEN_FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "fleet.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "fleet.yaml")
}
