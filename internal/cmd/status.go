package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/franklinbaldo/julesched/internal/text"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cycle state per track",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	trackStyle   = lipgloss.NewStyle().Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildStatusRuntime(cfg)
	if err != nil {
		return err
	}

	st, err := rt.store.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render("Cycle status"))
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("state: %s  history: %d sessions", rt.store.Path(), len(st.History))))
	fmt.Fprintln(out)

	for _, track := range rt.catalog.Tracks() {
		personas, err := rt.catalog.Track(track)
		if err != nil {
			return err
		}
		cursor := st.Track(track)

		var rotation []string
		for _, p := range personas {
			name := p.ID
			if p.Emoji != "" {
				name = p.Emoji + " " + name
			}
			if p.ID == cursor.Persona {
				name = trackStyle.Render(name)
			}
			rotation = append(rotation, name)
		}

		fmt.Fprintf(out, "%s (cycle %d)\n", trackStyle.Render(track), cursor.Cycle)
		fmt.Fprintf(out, "  rotation: %s\n", strings.Join(rotation, " -> "))
		if cursor.SessionID != "" {
			fmt.Fprintf(out, "  %s\n", pendingStyle.Render(
				fmt.Sprintf("pending: %s (session %s)", cursor.Persona, text.Truncate(cursor.SessionID, 15))))
		} else {
			fmt.Fprintf(out, "  %s\n", idleStyle.Render("idle"))
		}
		if !cursor.UpdatedAt.IsZero() {
			fmt.Fprintf(out, "  %s\n", dimStyle.Render("updated: "+cursor.UpdatedAt.Format("2006-01-02 15:04:05 MST")))
		}
		fmt.Fprintln(out)
	}
	return nil
}
