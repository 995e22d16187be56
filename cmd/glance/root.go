// Package cli holds the glance command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	agentcfg "github.com/neboloop/glance/internal/agent/config"
	"github.com/neboloop/glance/internal/logging"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile string
	verbose bool
)

// Version is set by main from the build.
var Version = "dev"

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "glance",
		Short: "Glance - desktop assistant agent",
		Long: `Glance answers questions about what you were doing on screen and can act on
this computer with files, commands and skills, within the configured access policy.

Run 'glance chat' for an interactive session or 'glance serve' for the local API.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.Setup(logging.Options{Level: "debug"})
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: <data_dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		ChatCmd(),
		ServeCmd(),
		SkillsCmd(),
		KeyCmd(),
		ConfigCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "glance", Version)
		},
	}
}

// loadConfig reads the config selected by --config, falling back to the data
// directory, and applies its logging settings unless --verbose overrides them.
func loadConfig() (*agentcfg.Config, error) {
	var (
		cfg *agentcfg.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = agentcfg.LoadFrom(cfgFile)
	} else {
		cfg, err = agentcfg.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !verbose {
		logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	return cfg, nil
}
