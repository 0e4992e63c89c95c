package cmd

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sessions"
)

var runTitle string

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Start a session and chat with its agent",
	Long: `Start a session in a fresh worktree and sandbox, send it the task and
keep reading follow-up messages from stdin. Type /retry to run the last
message again, /stop or send EOF to end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd.Context(), strings.Join(args, " "), os.Stdin)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runTitle, "title", "t", "", "Session title (default: first line of the task)")
	rootCmd.AddCommand(runCmd)
}

func runRun(ctx context.Context, task string, in io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, ui.ErrOut)

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			ui.Warning("shutdown: %v", err)
		}
	}()

	id, err := rt.manager.Create(ctx, sessions.Options{Title: runTitle})
	if err != nil {
		return err
	}
	if sum, err := rt.manager.Get(id); err == nil {
		ui.Success("session %s on %s", id, sum.Branch)
		ui.VerboseLog("worktree %s", sum.WorktreePath)
	}
	sub := rt.bus.Subscribe(bus.ForSession(id))
	defer sub.Unsubscribe()

	return chat(ctx, rt.manager, id, sub, readLines(in), task)
}

// chatSessions is what chat needs from the session manager.
type chatSessions interface {
	Send(ctx context.Context, id, text string) error
	Retry(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) error
	Get(id string) (models.SessionSummary, error)
	Stop(ctx context.Context, id string) error
}

// chat drives one session from lines until the user stops, input ends or
// the session reaches a terminal state. first, when set, is sent before
// any input is read.
func chat(ctx context.Context, m chatSessions, id string, sub *bus.Subscription, lines <-chan string, first string) error {
	var turnDone chan error
	start := func(turn func() error) {
		if err := turn(); err != nil {
			ui.Error("%v", err)
			prompt()
			return
		}
		done := make(chan error, 1)
		turnDone = done
		go func() { done <- m.Wait(ctx, id) }()
	}
	send := func(text string) {
		start(func() error { return m.Send(ctx, id, text) })
	}

	if strings.TrimSpace(first) != "" {
		send(first)
	} else {
		prompt()
	}

	for {
		select {
		case <-ctx.Done():
			ui.Warning("interrupted, stopping session")
			return stopSession(m, id)

		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			ui.Event(ev)

		case err := <-turnDone:
			turnDone = nil
			if err != nil {
				return stopSession(m, id)
			}
			drain(sub)
			sum, err := m.Get(id)
			if err != nil {
				return err
			}
			if sum.State.IsTerminal() {
				ui.Info("session %s", sum.State)
				return nil
			}
			prompt()

		case line, ok := <-lines:
			if !ok {
				return stopSession(m, id)
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
				continue
			case text == "/stop" || text == "/quit":
				return stopSession(m, id)
			case turnDone != nil:
				ui.Warning("agent is still working; wait for the prompt")
				continue
			case text == "/retry":
				start(func() error { return m.Retry(ctx, id) })
				continue
			}
			send(text)
		}
	}
}

// drain renders events already queued for the subscriber.
func drain(sub *bus.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			ui.Event(ev)
		default:
			return
		}
	}
}

func prompt() {
	if ui.Out != nil {
		_, _ = io.WriteString(ui.Out, "> ")
	}
}

func stopSession(m chatSessions, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	ui.Info("session %s stopped; worktree and branch kept", id)
	return nil
}

// readLines feeds lines from r until EOF.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
