package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/franklinbaldo/julesched/internal/scheduler"
)

var serveCron string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ticks continuously on a cron schedule",
	Long: `Runs the scheduler as a long-lived process, executing a tick on the
given cron schedule until interrupted. Equivalent to wiring "julesched tick"
into crontab, without the crontab.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveCron, "cron", "@hourly", "cron expression for tick cadence")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := cron.New()
	_, err = runner.AddFunc(serveCron, func() {
		release, err := rt.lock.Acquire()
		if err != nil {
			rt.log.Warn("skipping tick", "error", err.Error())
			return
		}
		defer release()

		decisions, err := rt.engine.Tick(ctx, scheduler.TickOptions{})
		if err != nil {
			rt.log.Error("tick failed", "error", err.Error())
		}
		for _, d := range decisions {
			fmt.Fprintln(cmd.OutOrStdout(), d.String())
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", serveCron, err)
	}

	rt.log.Info("scheduler started", "cron", serveCron)
	runner.Start()
	<-ctx.Done()
	rt.log.Info("scheduler stopping")

	stopCtx := runner.Stop()
	<-stopCtx.Done()
	return nil
}
