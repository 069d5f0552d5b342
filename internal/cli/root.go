// Package cli implements the coordinator command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/coordinator/internal/config"
)

const (
	// Version is the current release.
	Version = "0.1.0"
	// Banner is shown by the version command and on serve startup.
	Banner = `
   ___ ___   ___  _ __ __| |
  / __/ _ \ / _ \| '__/ _' |  coordinator %s
 | (_| (_) | (_) | | | (_| |
  \___\___/ \___/|_|  \__,_|
`
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Central task coordination node",
	Long: `coordinator schedules prioritized tasks onto a bounded slot pool,
orchestrates multi-step workflows with checkpointed rollback and
escalation, and exposes a REST control surface for operators.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd returns the root command for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig resolves the effective configuration: defaults, then the
// config file when one was given, then environment variables, then the
// persistent flags.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	if logLevel != "" {
		loader = loader.WithCmdArgs(map[string]string{"logging.level": logLevel})
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
