package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/core"
	"yqhp/coordinator/pkg/logger"
)

var serveWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a coordinator node",
	Long: `Serve assembles a coordinator node from the configuration and runs it
until SIGINT or SIGTERM: priority scheduler, slot pool, coordination
bus, workflow orchestrator, recovery coordinator, objective monitor
and the REST control surface.`,
	Example: `  # run on defaults with the in-memory store
  coordinator serve

  # run from a configuration file
  coordinator serve --config coordinator.yaml

  # pick up tunable settings on file changes
  coordinator serve --config coordinator.yaml --watch-config`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveWatch, "watch-config", false, "apply tunable settings when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Init(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	defer logger.Sync()

	node, err := core.NewNode(cfg, logger.L())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveWatch {
		if cfgFile == "" {
			return errors.New("--watch-config needs --config")
		}
		watcher, werr := config.NewWatcher(cfgFile, cfg)
		if werr != nil {
			return fmt.Errorf("watch config: %w", werr)
		}
		watcher.OnReload(node.ApplyConfig)
		watcher.Start()
		defer watcher.Stop()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, Banner, Version)
	fmt.Fprintf(out, "\n  control surface: %s\n", cfg.Server.Address)
	fmt.Fprintf(out, "  store backend:   %s\n", cfg.Store.Backend)
	fmt.Fprintf(out, "  pool capacity:   %d\n\n", cfg.Pool.Capacity)

	return node.Run(ctx)
}
