package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/flock/internal/llm"
	"github.com/joescharf/flock/internal/models"
)

const summarySystem = `You condense the conversation between a user and a coding agent.
Keep every decision, file path, command, error and open question that later work may need.
Leave out pleasantries and repeated tool output. Answer with the summary only.`

// SummaryPrefix starts the message that replaces summarized turns.
const SummaryPrefix = "Summary of the conversation so far:\n\n"

const maxSummarizedOutput = 2000

// summarize replaces every message before the previous user message with a
// single summary once cfg.SummaryEvery completions ran since the last one.
// The previous turn stays verbatim and the order of what is kept does not
// change. A failed summary leaves the history as it was.
func (a *Agent) summarize(ctx context.Context) error {
	if a.cfg.SummaryEvery <= 0 {
		return nil
	}
	a.mu.Lock()
	due := a.completions-a.summarizedAt >= a.cfg.SummaryEvery
	anchor := a.lastInput
	history := a.history
	cut := indexOf(history, anchor)
	a.mu.Unlock()
	if !due || cut < 2 {
		return nil
	}

	a.activity("summarizing the conversation")
	completion, err := a.llm.Complete(ctx, llm.Request{
		System:   summarySystem,
		Messages: []models.Message{newMessage(models.RoleUser, transcript(history[:cut]))},
		Sampling: a.cfg.Sampling,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return err
		}
		a.logger.Warn("summary failed", "error", err)
		return nil
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return nil
	}

	summary := newMessage(models.RoleUser, SummaryPrefix+text)
	a.mu.Lock()
	if i := indexOf(a.history, anchor); i == cut {
		kept := make([]models.Message, 0, len(a.history)-cut+1)
		kept = append(kept, summary)
		a.history = append(kept, a.history[cut:]...)
		a.summarizedAt = a.completions
	}
	a.mu.Unlock()
	a.logger.Info("conversation summarized", "messages", cut)
	a.activity(fmt.Sprintf("summarized %d earlier messages", cut))
	return nil
}

// transcript renders messages as plain text so the summary request carries
// no tool blocks.
func transcript(msgs []models.Message) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation:\n\n")
	for _, m := range msgs {
		if m.Content != "" {
			fmt.Fprintf(&b, "[%s] %s\n\n", m.Role, m.Content)
		}
		for _, c := range m.ToolCalls {
			fmt.Fprintf(&b, "[%s called %s] %s\n\n", m.Role, c.Name, c.Arguments)
		}
		for _, r := range m.ToolResults {
			status := "ok"
			if !r.OK {
				status = "failed"
			}
			out := r.Output
			if len(out) > maxSummarizedOutput {
				out = strings.ToValidUTF8(out[:maxSummarizedOutput], "") + "\n..."
			}
			fmt.Fprintf(&b, "[%s %s] %s\n\n", r.Name, status, out)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
