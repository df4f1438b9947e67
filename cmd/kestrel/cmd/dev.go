package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kestrel/core/kernel"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(devCmd)
	devCmd.Flags().Int("ticks", 60, "number of scheduler ticks to run; 0 runs until interrupted")
	devCmd.Flags().Duration("delay", 0, "pause between ticks (default: one tick period)")
	devCmd.Flags().Bool("status", true, "print the host status when done")
}

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Boot the host, drive it tick by tick, then shut it down",
	Long: `Boots a host with the built-in components and drives the scheduler and
bus manually for a number of ticks. The NATS bridge is not started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ticks, _ := cmd.Flags().GetInt("ticks")
		delay, _ := cmd.Flags().GetDuration("delay")
		showStatus, _ := cmd.Flags().GetBool("status")
		if delay == 0 && cfg.Scheduler.TickRate > 0 {
			delay = time.Second / time.Duration(cfg.Scheduler.TickRate)
		}

		rt, err := newRuntime(cfg, runtimeOptions{TraceOutput: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		var last kernel.Status
		err = rt.host.RunDev(cmd.Context(), kernel.DevOptions{
			Ticks: ticks,
			Delay: delay,
			OnTick: func(i int) {
				last = rt.host.Status()
			},
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if showStatus {
			return render(cmd.OutOrStdout(), outputFormat(cmd), last)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ran %d ticks.\n", ticks)
		return nil
	},
}
