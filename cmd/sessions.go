package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/store"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List journaled sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmd.Context())
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's transcript, state history and automation results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "Maximum sessions to list")
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	recs, err := s.ListSessions(ctx, sessionsLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		ui.Info("No sessions recorded yet. Start one with: flock run \"<task>\"")
		return nil
	}
	ui.Records(recs)
	return nil
}

func sessionsShowRun(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	rec, err := s.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", rec.ID, rec.Title)
	fmt.Fprintf(ui.Out, "  branch:   %s\n", rec.Branch)
	fmt.Fprintf(ui.Out, "  worktree: %s\n", rec.WorktreePath)
	if rec.PullRequestURL != "" {
		fmt.Fprintf(ui.Out, "  pr:       %s\n", rec.PullRequestURL)
	}
	if rec.LastError != "" {
		fmt.Fprintf(ui.Out, "  error:    %s\n", rec.LastError)
	}

	changes, err := s.ListStateChanges(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	for _, c := range changes {
		ui.VerboseLog("%s %s", c.At.Local().Format("15:04:05"), c.State)
	}
	ui.Info("state: %s (%d transitions)", rec.State, len(changes))

	msgs, err := s.ListMessages(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	ui.Transcript(msgs)

	results, err := s.ListAutomation(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range results {
		ui.Event(bus.Event{Kind: bus.EventAutomationResult, SessionID: id, Automation: &r})
	}
	return nil
}
