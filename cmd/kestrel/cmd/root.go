package cmd

import (
	"context"
	"fmt"
	"os"

	"kestrel/core/config"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
)

// rootCmd is the base command for the kestrel CLI.
var rootCmd = &cobra.Command{
	Use:           "kestrel",
	Short:         "Kestrel host CLI",
	Long:          "Kestrel runs a component host with a lifecycle orchestrator, a process scheduler and a message bus, and controls running hosts over NATS.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: config.yaml in ., ./configs or /etc/kestrel)")
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// loadConfig reads the file named by --config, or searches the default locations.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.LoadConfig()
}
