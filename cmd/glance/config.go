package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neboloop/glance/internal/defaults"
)

// ConfigCmd creates the config command
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				fmt.Fprintln(cmd.OutOrStdout(), cfgFile)
				return nil
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Path())
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config.yaml to the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := defaults.DataDir()
			if err != nil {
				return err
			}
			if force {
				err = defaults.Reset(dir)
			} else {
				err = defaults.EnsureDir(dir)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration ready in %s\n", dir)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite existing config files with the defaults")
	cmd.AddCommand(initCmd)

	return cmd
}
