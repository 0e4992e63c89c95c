package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/models"
)

// UI provides colored output and respects verbose mode.
type UI struct {
	Verbose bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  →")
	toolPrefix    = color.New(color.FgHiMagenta).Sprint("  ⚙")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	bold          = color.New(color.Bold).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Green returns a green-colored string.
func Green(s string) string { return green(s) }

// Yellow returns a yellow-colored string.
func Yellow(s string) string { return yellow(s) }

// Red returns a red-colored string.
func Red(s string) string { return red(s) }

// StateColor returns the state colored by how much attention it needs.
func StateColor(state models.AgentState) string {
	s := string(state)
	switch state {
	case models.StateIdle:
		return green(s)
	case models.StateAwaitingCompletion, models.StateExecutingTools:
		return cyan(s)
	case models.StateAwaitingUserInput:
		return yellow(s)
	case models.StateStopped:
		return red(s)
	case models.StateCompleted:
		return bold(s)
	default:
		return s
	}
}

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "%s %s\n", verbosePrefix, fmt.Sprintf(format, a...))
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// Event renders one bus event as a terminal line. User messages are not
// echoed; the user just typed them.
func (u *UI) Event(ev bus.Event) {
	switch ev.Kind {
	case bus.EventSessionCreated:
		if ev.Session != nil {
			u.Success("session %s on %s", cyan(ShortID(ev.SessionID)), ev.Session.Branch)
		}
	case bus.EventStateChanged:
		u.VerboseLog("state %s", StateColor(ev.State))
	case bus.EventMessageAppended:
		if ev.Message != nil && ev.Message.Role == models.RoleAssistant && ev.Message.Content != "" {
			fmt.Fprintf(u.Out, "%s\n", strings.TrimSpace(ev.Message.Content))
		}
	case bus.EventToolInvoked:
		if ev.Tool != nil {
			fmt.Fprintf(u.Out, "%s %s\n", toolPrefix, ev.Tool.Name)
		}
	case bus.EventToolCompleted:
		if ev.Tool != nil && ev.Tool.Result != nil {
			u.toolResult(*ev.Tool.Result)
		}
	case bus.EventAutomationResult:
		if ev.Automation != nil {
			u.automation(*ev.Automation)
		}
	case bus.EventActivity:
		u.VerboseLog("%s", ev.Text)
	case bus.EventError:
		if ev.Error != nil {
			u.Error("%s: %s", ev.Error.Kind, ev.Error.Detail)
		}
	}
}

func (u *UI) toolResult(r models.ToolResult) {
	if r.OK {
		u.VerboseLog("%s ok (%s)", r.Name, r.Duration.Round(time.Millisecond))
		return
	}
	reason := r.Reason
	if reason == "" {
		reason = "failed"
	}
	u.Warning("%s %s: %s", r.Name, reason, firstLine(r.Output))
}

func (u *UI) automation(r models.AutomationResult) {
	if r.Skipped {
		return
	}
	if r.CommitSHA != "" {
		u.Success("committed %s", ShortID(r.CommitSHA))
	}
	if r.Pushed {
		u.Success("pushed")
	}
	switch {
	case r.PullRequestCreated:
		u.Success("opened %s", r.PullRequestURL)
	case r.PullRequestUpdated:
		u.Success("updated %s", r.PullRequestURL)
	}
	for _, e := range r.Errors {
		u.Warning("%s: %s", e.Step, e.Detail)
	}
}

// Sessions renders live sessions as a table.
func (u *UI) Sessions(list []models.SessionSummary) {
	table := u.Table([]string{"ID", "TITLE", "STATE", "BRANCH", "MESSAGES", "PR"})
	for _, s := range list {
		state := StateColor(s.State)
		if s.Busy {
			state += "*"
		}
		_ = table.Append([]string{s.ID, s.Title, state, s.Branch, fmt.Sprint(s.Messages), s.PullRequestURL})
	}
	_ = table.Render()
}

// Records renders journaled sessions as a table.
func (u *UI) Records(recs []*models.SessionRecord) {
	table := u.Table([]string{"ID", "TITLE", "STATE", "BRANCH", "CREATED", "PR"})
	for _, r := range recs {
		_ = table.Append([]string{
			r.ID, r.Title, StateColor(r.State), r.Branch,
			r.CreatedAt.Local().Format("2006-01-02 15:04"), r.PullRequestURL,
		})
	}
	_ = table.Render()
}

// Transcript renders a conversation.
func (u *UI) Transcript(msgs []models.Message) {
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			fmt.Fprintf(u.Out, "%s %s\n", bold("you:"), m.Content)
		case models.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(u.Out, "%s %s\n", cyan("agent:"), m.Content)
			}
			for _, c := range m.ToolCalls {
				fmt.Fprintf(u.Out, "%s %s %s\n", toolPrefix, c.Name, string(c.Arguments))
			}
		case models.RoleTool:
			for _, r := range m.ToolResults {
				mark := green("ok")
				if !r.OK {
					mark = red(r.Reason)
				}
				fmt.Fprintf(u.Out, "    %s %s: %s\n", mark, r.Name, firstLine(r.Output))
			}
		}
	}
}

// ShortID shortens a ULID to its random tail and a commit hash to its
// usual 8-character prefix.
func ShortID(id string) string {
	switch {
	case len(id) == 40:
		return id[:8]
	case len(id) > 12:
		return strings.ToLower(id[len(id)-8:])
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
