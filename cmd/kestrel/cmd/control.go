package cmd

import (
	"context"
	"fmt"
	"strings"

	"kestrel/core/bridge"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	natsURL   string
	principal string
	roles     []string
)

func init() {
	for _, c := range []*cobra.Command{statusCmd, pauseCmd, resumeCmd, shutdownCmd, processesCmd, componentsCmd} {
		c.PersistentFlags().StringVar(&natsURL, "url", "", "NATS URL of the host (default: bridge.url from config)")
		c.PersistentFlags().StringVar(&principal, "as", "", "principal ID sent with control requests")
		c.PersistentFlags().StringSliceVar(&roles, "roles", nil, "roles of the principal")
		rootCmd.AddCommand(c)
	}
}

// withClient connects to the host's bridge and runs fn with a control client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *bridge.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := natsURL
	if url == "" {
		url = cfg.Bridge.URL
	}
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("kestrel-cli"))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer nc.Close()

	client := bridge.NewClient(nc, cfg.Bridge.SubjectPrefix, cfg.Bridge.RequestTimeout)
	if principal != "" {
		client = client.WithPrincipal(bridge.PrincipalInfo{ID: principal, Roles: roles})
	}
	return fn(cmd.Context(), client)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running host",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *bridge.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), outputFormat(cmd), st)
		})
	},
}

var processesCmd = &cobra.Command{
	Use:   "processes",
	Short: "List live and recently finished processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *bridge.Client) error {
			procs, err := c.Processes(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), outputFormat(cmd), procs)
		})
	},
}

func simpleControl(use, short, done string, call func(*bridge.Client, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *bridge.Client) error {
				if err := call(c, ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), done)
				return nil
			})
		},
	}
}

var (
	pauseCmd    = simpleControl("pause", "Pause a running host", "Host paused.", (*bridge.Client).Pause)
	resumeCmd   = simpleControl("resume", "Resume a paused host", "Host resumed.", (*bridge.Client).Resume)
	shutdownCmd = simpleControl("shutdown", "Shut a running host down", "Shutdown requested.", (*bridge.Client).Shutdown)
)

var componentsCmd = &cobra.Command{
	Use:   "components",
	Short: "List, enable or disable components of a running host",
}

func init() {
	componentsCmd.AddCommand(componentsListCmd, componentsEnableCmd, componentsDisableCmd)
}

var componentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered components",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *bridge.Client) error {
			infos, err := c.Components(ctx)
			if err != nil {
				return err
			}
			if outputFormat(cmd) != "table" {
				return render(cmd.OutOrStdout(), outputFormat(cmd), infos)
			}
			w := cmd.OutOrStdout()
			for _, info := range infos {
				deps := strings.Join(info.Descriptor.DependencyNames(), ",")
				fmt.Fprintf(w, "%-16s %-10s %-12s enabled=%-5t deps=%s\n", info.Descriptor.Name, info.Descriptor.Version, info.State, info.Enabled, deps)
			}
			return nil
		})
	},
}

var componentsEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a component",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *bridge.Client) error {
			if err := c.Enable(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Component %s enabled.\n", args[0])
			return nil
		})
	},
}

var componentsDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a component",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *bridge.Client) error {
			if err := c.Disable(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Component %s disabled.\n", args[0])
			return nil
		})
	},
}
