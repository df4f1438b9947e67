package cmd

import (
	"fmt"

	"kestrel/core/config"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configGenerateCmd)

	configGenerateCmd.Flags().Bool("minimal", false, "Create minimal config with essential settings")
	configGenerateCmd.Flags().StringP("file", "f", "config.yaml", "Where to write the generated config")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate the configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		var err error
		if path != "" {
			_, err = config.ReadFile(path)
		} else {
			_, err = config.LoadConfig()
		}
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a configuration file",
	Long: `Generate a configuration file:

kestrel config generate            Write every default setting
kestrel config generate --minimal  Add file persistence and sample component sections`,
	RunE: func(cmd *cobra.Command, args []string) error {
		minimal, _ := cmd.Flags().GetBool("minimal")
		file, _ := cmd.Flags().GetString("file")

		cfg := config.Default()
		if minimal {
			cfg = config.GenerateMinimalConfig()
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("generated config is invalid: %w", err)
		}
		if err := config.SaveGeneratedConfig(cfg, file); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s.\n", file)
		return nil
	},
}
