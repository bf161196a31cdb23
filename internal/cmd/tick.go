package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/franklinbaldo/julesched/internal/scheduler"
	"github.com/franklinbaldo/julesched/internal/text"
)

var (
	tickDryRun  bool
	tickTrack   string
	tickPersona string
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass",
	Long: `Runs one pass of the cycle: resolves pending sessions, merges green
pull requests into the integration branch, heals drift, and dispatches the
next persona. Designed to be invoked from cron or CI.`,
	RunE: runTick,
}

func init() {
	tickCmd.Flags().BoolVar(&tickDryRun, "dry-run", false, "report decisions without changing anything")
	tickCmd.Flags().StringVar(&tickTrack, "track", "", "limit the tick to one track")
	tickCmd.Flags().StringVar(&tickPersona, "persona", "", "force dispatch of a specific persona")
	rootCmd.AddCommand(tickCmd)
}

var (
	actionStyle = map[scheduler.Action]lipgloss.Style{
		scheduler.ActionMerged:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		scheduler.ActionDispatched: lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		scheduler.ActionRotated:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		scheduler.ActionReconciled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		scheduler.ActionUnstuck:    lipgloss.NewStyle().Foreground(lipgloss.Color("213")),
		scheduler.ActionStuck:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		scheduler.ActionWait:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		scheduler.ActionSkipped:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		scheduler.ActionAdvanced:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}
	plainStyle = lipgloss.NewStyle()
)

func runTick(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	release, err := rt.lock.Acquire()
	if err != nil {
		return err
	}
	defer release()

	decisions, err := rt.engine.Tick(ctx, scheduler.TickOptions{
		DryRun:  tickDryRun,
		Track:   tickTrack,
		Persona: tickPersona,
	})
	for _, d := range decisions {
		style, ok := actionStyle[d.Action]
		if !ok {
			style = plainStyle
		}
		fmt.Fprintln(cmd.OutOrStdout(), text.TruncateANSI(style.Render(d.String()), maxDecisionWidth))
	}
	return err
}

// maxDecisionWidth keeps one decision per terminal line in cron mail.
const maxDecisionWidth = 200
