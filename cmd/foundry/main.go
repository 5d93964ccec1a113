package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/foundry/pkg/config"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Foundry - build orchestration for package ecosystems",
	Long: `Foundry schedules dependency-ordered package rebuilds across a
fleet of build workers. When a package changes, it computes the set of
dependent packages per target, orders them into a job group, and
dispatches jobs as their dependencies complete.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foundry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Foundry version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the orchestration service",
	Long: `Start the scheduler, worker manager, log pipeline, and RPC
surface. The dependency graph is rebuilt from the package store before
any socket is opened; a store that cannot be read aborts startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		defer srv.Close()

		return srv.Run(ctx)
	},
}
