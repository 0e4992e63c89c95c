package agent

import (
	"fmt"
	"strings"
)

// PromptOptions selects the constraints of the system prompt.
type PromptOptions struct {
	ProjectName       string
	EditMode          string
	EndlessMode       bool
	CustomConstraints []string
}

var baseConstraints = []string{
	// General
	"Research your solution before providing it",
	"Tool calls run in parallel. You may issue several at once, but they must not depend on each other",
	"Your first response to any user message must be your thoughts on how to solve the problem",
	"Keep a neutral tone and avoid superlatives",
	"Structure every response as: Observation, Reasoning, Next step",

	// Knowledge
	"Do not rely on your own knowledge; research and verify against the actual code",
	"If you lack information, use the available tools to find it instead of leaving the task incomplete",
	"Understand the project layout before proposing a plan",

	// Tools
	"Never write or edit a file before reading it",
	"Prefer running the tests over running coverage when you only need to know whether tests pass",

	// Code
	"Write idiomatic code for the language and account for edge cases",
	"When adding tests, run coverage afterwards to confirm the tests exercise new code",
	"Make sure the code builds and the tests pass",
	"Do not remove existing comments",
	"Keep existing behavior unless explicitly asked to change it",

	// Workflow
	"Your changes are committed automatically; do not commit yourself",
	"You are already on a branch for this task; do not create or switch branches",
	"If you get stuck, use reset_file to undo changes to a file",
	"When the task is fully done, call complete_task with a short summary",
}

var wholeModeConstraints = []string{
	"Writing a file replaces its entire content, so always write the complete file",
}

var lineModeConstraints = []string{
	"Prefer replace_lines and add_lines over write_file. Make only one replace_lines or add_lines call at a time",
	"Use add_lines when you are only adding new lines",
	"Before every replace_lines or add_lines call, read the file with read_file_with_line_numbers; line numbers change after each edit",
}

// SystemPrompt renders the system prompt for opts.
func SystemPrompt(opts PromptOptions) string {
	constraints := append([]string(nil), baseConstraints...)
	if opts.EditMode == "line" {
		constraints = append(constraints, lineModeConstraints...)
	} else {
		constraints = append(constraints, wholeModeConstraints...)
	}
	if opts.EndlessMode {
		constraints = append(constraints, "You cannot ask for feedback and have to complete the task on your own")
	} else {
		constraints = append(constraints,
			"Try to solve the problem yourself first and ask for help only when you cannot",
			"Do not repeat your answers; ask a question if you need feedback",
		)
	}
	constraints = append(constraints, opts.CustomConstraints...)

	var b strings.Builder
	b.WriteString("You are an autonomous agent helping a user with a code project. ")
	b.WriteString("You can solve coding problems yourself and should always work towards a complete solution.")
	if opts.ProjectName != "" {
		fmt.Fprintf(&b, " The project is called %s.", opts.ProjectName)
	}
	b.WriteString("\n\nConstraints:\n")
	for _, c := range constraints {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	return b.String()
}

// IsQuestion reports whether assistant text asks the user something.
func IsQuestion(text string) bool {
	return strings.HasSuffix(strings.TrimSpace(text), "?")
}
