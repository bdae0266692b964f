// Package cli implements the offlinesync command line: the device process
// (serve), the reference authority (authority), operator access to the
// local queue (queue) and build information (version).
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-offline-sync/internal/config"
	"github.com/tbourn/go-offline-sync/internal/sysutil"
)

// Build information, set with -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string // optional TOML overlay
	EnvFile    string // dotenv file loaded before the environment is read
	DBPath     string // overrides DB_PATH
}

// NewRootCommand creates the root command of the offlinesync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "offlinesync",
		Short: "Offline-first sync engine",
		Long: `offlinesync keeps a durable local queue of user operations and drains it
to a remote authority whenever connectivity allows.

Configuration comes from the environment (optionally seeded from a .env
file) with an optional TOML file on top.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load (missing file is ignored)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the local SQLite database (overrides DB_PATH)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewAuthorityCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig resolves the effective configuration for a command and points
// the global logger at stderr.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.EnvFile != "" {
		// Existing variables win over the file.
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.ConfigPath != "" {
		if err := config.LoadFile(opts.ConfigPath, &cfg); err != nil {
			return config.Config{}, err
		}
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	sysutil.ConfigureLogging(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	return cfg, nil
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "offlinesync %s (%s)\n", Version, Commit)
			return err
		},
	}
}
