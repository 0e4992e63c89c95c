package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joescharf/flock/internal/sandbox"
)

// Names of the builtin tools.
const (
	RunCommandName       = "run_command"
	ReadFileName         = "read_file"
	ReadFileNumberedName = "read_file_with_line_numbers"
	WriteFileName        = "write_file"
	ReplaceLinesName     = "replace_lines"
	AddLinesName         = "add_lines"
	SearchFileName       = "search_file"
	SearchCodeName       = "search_code"
	GitName              = "git"
	ResetFileName        = "reset_file"
	RunTestsName         = "run_tests"
	RunCoverageName      = "run_coverage"
	SearchContextName    = "search_context"
	CompleteTaskName     = "complete_task"
)

const (
	maxSearchResults       = 200
	defaultContextSnippets = 5
)

// BuiltinOptions selects the builtin tool set.
type BuiltinOptions struct {
	EditMode string // "whole" or "line"
	Commands Commands
	Disabled []string
	// HasStartRef enables reset_file.
	HasStartRef bool
}

// NewBuiltinRegistry returns a registry with the builtin tools for opts.
func NewBuiltinRegistry(opts BuiltinOptions) *Registry {
	reg := NewRegistry()
	for _, t := range Builtins(opts) {
		reg.MustRegister(t)
	}
	return reg
}

// Builtins returns the builtin tools for opts, minus disabled ones.
func Builtins(opts BuiltinOptions) []*Tool {
	all := []*Tool{
		RunCommand(),
		WriteFile(),
		SearchFile(),
		SearchCode(),
		Git(),
		SearchContext(),
		CompleteTask(),
	}
	if opts.EditMode == "line" {
		all = append(all, ReadFileNumbered(), ReplaceLinesTool(), AddLinesTool())
	} else {
		all = append(all, ReadFile())
	}
	if opts.HasStartRef {
		all = append(all, ResetFile())
	}
	if opts.Commands.Test != "" {
		all = append(all, RunTests())
	}
	if opts.Commands.Coverage != "" {
		all = append(all, RunCoverage())
	}

	out := all[:0]
	for _, t := range all {
		if !slices.Contains(opts.Disabled, t.Name) {
			out = append(out, t)
		}
	}
	return out
}

type runCommandArgs struct {
	Command        string `json:"command" validate:"required" jsonschema:"description=Shell command to run in the project directory"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=3600" jsonschema:"description=Optional timeout in seconds"`
}

// RunCommand runs an arbitrary shell command and reports the files it changed.
func RunCommand() *Tool {
	return New(RunCommandName, "Run a shell command in the project directory and return its output.",
		func(ctx context.Context, env *Env, a runCommandArgs) (Output, error) {
			before := env.snapshot(ctx)
			cmd := sandbox.Command{Shell: a.Command}
			if a.TimeoutSeconds > 0 {
				cmd.Timeout = time.Duration(a.TimeoutSeconds) * time.Second
			}
			res, err := env.Exec.Exec(ctx, env.Sandbox, cmd)
			if err != nil {
				return Output{}, err
			}
			out := Output{Text: describe(res), ChangedPaths: changedBetween(before, env.snapshot(ctx))}
			if res.TimedOut {
				return out, timedOut(RunCommandName, res)
			}
			return out, nil
		}, Mutating(), WithCallTimeout(func(a runCommandArgs) time.Duration {
			return time.Duration(a.TimeoutSeconds) * time.Second
		}))
}

type pathArgs struct {
	Path string `json:"path" validate:"required" jsonschema:"description=File path relative to the project root"`
}

func pathOf(a pathArgs) []string { return []string{a.Path} }

// ReadFile returns a file's content.
func ReadFile() *Tool {
	return New(ReadFileName, "Read a file.",
		func(ctx context.Context, env *Env, a pathArgs) (Output, error) {
			content, err := env.read(ctx, a.Path)
			if err != nil {
				return Output{}, err
			}
			return Output{Text: content}, nil
		}, WithPaths(pathOf))
}

// ReadFileNumbered returns a file's content with line numbers.
func ReadFileNumbered() *Tool {
	return New(ReadFileNumberedName, "Read a file, prefixing each line with its line number.",
		func(ctx context.Context, env *Env, a pathArgs) (Output, error) {
			content, err := env.read(ctx, a.Path)
			if err != nil {
				return Output{}, err
			}
			return Output{Text: NumberLines(content)}, nil
		}, WithPaths(pathOf))
}

type writeFileArgs struct {
	Path    string `json:"path" validate:"required" jsonschema:"description=File path relative to the project root"`
	Content string `json:"content" jsonschema:"description=Complete new file content"`
}

// WriteFile replaces a file's content, creating it if needed.
func WriteFile() *Tool {
	return New(WriteFileName, "Write a file, replacing its content. Parent directories are created.",
		func(ctx context.Context, env *Env, a writeFileArgs) (Output, error) {
			if err := env.write(ctx, a.Path, a.Content); err != nil {
				return Output{}, err
			}
			return Output{Text: fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path), ChangedPaths: []string{a.Path}}, nil
		}, Mutating(), WithPaths(func(a writeFileArgs) []string { return []string{a.Path} }))
}

type replaceLinesArgs struct {
	Path      string `json:"path" validate:"required" jsonschema:"description=File path relative to the project root"`
	StartLine int    `json:"start_line" validate:"required,min=1" jsonschema:"description=First line to replace (1-indexed)"`
	EndLine   int    `json:"end_line" validate:"required,gtefield=StartLine" jsonschema:"description=Last line to replace (inclusive)"`
	Content   string `json:"content" jsonschema:"description=Replacement lines; empty deletes the range"`
}

// ReplaceLinesTool replaces a line range of a file.
func ReplaceLinesTool() *Tool {
	return New(ReplaceLinesName, "Replace an inclusive range of lines in a file. Read the file with line numbers first.",
		func(ctx context.Context, env *Env, a replaceLinesArgs) (Output, error) {
			content, err := env.read(ctx, a.Path)
			if err != nil {
				return Output{}, err
			}
			updated, err := ReplaceLines(content, a.StartLine, a.EndLine, a.Content)
			if err != nil {
				return Output{}, err
			}
			if err := env.write(ctx, a.Path, updated); err != nil {
				return Output{}, err
			}
			return Output{Text: fmt.Sprintf("replaced lines %d-%d of %s", a.StartLine, a.EndLine, a.Path), ChangedPaths: []string{a.Path}}, nil
		}, Mutating(), WithPaths(func(a replaceLinesArgs) []string { return []string{a.Path} }))
}

type addLinesArgs struct {
	Path    string `json:"path" validate:"required" jsonschema:"description=File path relative to the project root"`
	After   int    `json:"after_line" validate:"min=0" jsonschema:"description=Insert after this line (0 inserts at the top)"`
	Content string `json:"content" validate:"required" jsonschema:"description=Lines to insert"`
}

// AddLinesTool inserts lines into a file.
func AddLinesTool() *Tool {
	return New(AddLinesName, "Insert new lines into a file after the given line number.",
		func(ctx context.Context, env *Env, a addLinesArgs) (Output, error) {
			content, err := env.read(ctx, a.Path)
			if err != nil {
				return Output{}, err
			}
			updated, err := InsertLines(content, a.After, a.Content)
			if err != nil {
				return Output{}, err
			}
			if err := env.write(ctx, a.Path, updated); err != nil {
				return Output{}, err
			}
			return Output{Text: fmt.Sprintf("added lines after line %d of %s", a.After, a.Path), ChangedPaths: []string{a.Path}}, nil
		}, Mutating(), WithPaths(func(a addLinesArgs) []string { return []string{a.Path} }))
}

type searchFileArgs struct {
	Name string `json:"name" validate:"required" jsonschema:"description=Part of the file name to look for (case-insensitive)"`
}

// SearchFile finds files by name.
func SearchFile() *Tool {
	return New(SearchFileName, "Find files whose name contains the given text.",
		func(ctx context.Context, env *Env, a searchFileArgs) (Output, error) {
			script := fmt.Sprintf(`find . -path ./.git -prune -o -type f -iname %s -print | sed 's|^\./||' | sort | head -n %d`,
				Quote("*"+a.Name+"*"), maxSearchResults)
			res, err := env.sh(ctx, script)
			if err != nil {
				return Output{}, err
			}
			if strings.TrimSpace(res.Stdout) == "" && res.ExitCode == 0 {
				return Output{Text: "no files found"}, nil
			}
			return Output{Text: describe(res)}, nil
		})
}

type searchCodeArgs struct {
	Query string `json:"query" validate:"required" jsonschema:"description=Regular expression to search for in the code"`
}

// SearchCode greps the project.
func SearchCode() *Tool {
	return New(SearchCodeName, "Search file contents with a regular expression and return matching lines.",
		func(ctx context.Context, env *Env, a searchCodeArgs) (Output, error) {
			q := Quote(a.Query)
			script := fmt.Sprintf(`if command -v rg >/dev/null 2>&1; then rg --line-number --no-heading --color never -e %[1]s .; `+
				`else grep -rnI --exclude-dir=.git -e %[1]s .; fi | head -n %[2]d`, q, maxSearchResults)
			res, err := env.sh(ctx, script)
			if err != nil {
				return Output{}, err
			}
			if strings.TrimSpace(res.Stdout) == "" {
				if res.Stderr != "" {
					return Output{Text: describe(res)}, nil
				}
				return Output{Text: "no matches found"}, nil
			}
			return Output{Text: res.Stdout}, nil
		})
}

type gitArgs struct {
	Command string `json:"command" validate:"required" jsonschema:"description=Git arguments, e.g. 'status' or 'log -5 --oneline'"`
}

// ErrBranchChange is returned when a git command would leave the session branch.
var ErrBranchChange = errors.New("changing branches is not allowed; you are already on the branch for this task")

// Git runs a git sub-command. Branch changes are refused.
func Git() *Tool {
	return New(GitName, "Run a git command in the project. Do not switch branches.",
		func(ctx context.Context, env *Env, a gitArgs) (Output, error) {
			if ChangesBranch(a.Command) {
				return Output{}, ErrBranchChange
			}
			before := env.snapshot(ctx)
			res, err := env.sh(ctx, "git "+a.Command)
			if err != nil {
				return Output{}, err
			}
			out := Output{Text: describe(res), ChangedPaths: changedBetween(before, env.snapshot(ctx))}
			if res.TimedOut {
				return out, timedOut(GitName, res)
			}
			return out, nil
		}, Exclusive())
}

// ChangesBranch reports whether git arguments would move HEAD to another
// branch or rewrite the branch itself.
func ChangesBranch(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	args := fields[1:]
	switch fields[0] {
	case "switch", "worktree":
		return true
	case "checkout":
		// `git checkout -- file` and `git checkout <ref> -- file` restore files.
		return !slices.Contains(args, "--")
	case "branch":
		for _, a := range args {
			switch a {
			case "-m", "-M", "--move", "-c", "-C", "--copy", "-d", "-D", "--delete", "-f", "--force":
				return true
			}
		}
	}
	return false
}

// ResetFile restores a file to its state at the session's start ref.
func ResetFile() *Tool {
	return New(ResetFileName, "Undo all changes to a file since the task started.",
		func(ctx context.Context, env *Env, a pathArgs) (Output, error) {
			if env.StartRef == "" {
				return Output{}, errors.New("no start ref recorded for this session")
			}
			if _, err := env.abs(a.Path); err != nil {
				return Output{}, err
			}
			res, err := env.sh(ctx, fmt.Sprintf("git checkout %s -- %s", Quote(env.StartRef), Quote(a.Path)))
			if err != nil {
				return Output{}, err
			}
			if res.ExitCode != 0 {
				return Output{}, fmt.Errorf("reset %s: %s", a.Path, strings.TrimSpace(res.Combined()))
			}
			return Output{Text: "reset " + a.Path, ChangedPaths: []string{a.Path}}, nil
		}, Mutating(), WithPaths(pathOf))
}

type noArgs struct{}

// RunTests runs the configured test command.
func RunTests() *Tool {
	return New(RunTestsName, "Run the project's test suite.",
		func(ctx context.Context, env *Env, _ noArgs) (Output, error) {
			return env.runConfigured(ctx, env.Commands.Test, "test")
		})
}

// RunCoverage runs the configured coverage command.
func RunCoverage() *Tool {
	return New(RunCoverageName, "Run the project's coverage command and report coverage.",
		func(ctx context.Context, env *Env, _ noArgs) (Output, error) {
			return env.runConfigured(ctx, env.Commands.Coverage, "coverage")
		})
}

func (e *Env) runConfigured(ctx context.Context, command, what string) (Output, error) {
	if command == "" {
		return Output{}, fmt.Errorf("no %s command configured", what)
	}
	res, err := e.sh(ctx, command)
	if err != nil {
		return Output{}, err
	}
	if res.TimedOut {
		return Output{Text: describe(res)}, timedOut(what+"_command", res)
	}
	return Output{Text: describe(res)}, nil
}

type searchContextArgs struct {
	Query string `json:"query" validate:"required" jsonschema:"description=What you want to know about the codebase"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=20" jsonschema:"description=Maximum number of snippets (default 5)"`
}

// SearchContext queries the project index.
func SearchContext() *Tool {
	return New(SearchContextName, "Search the project index for code and documentation relevant to a question.",
		func(ctx context.Context, env *Env, a searchContextArgs) (Output, error) {
			if env.Retriever == nil {
				return Output{}, errors.New("no index available")
			}
			k := a.Limit
			if k == 0 {
				k = defaultContextSnippets
			}
			snippets, err := env.Retriever.Query(ctx, a.Query, k)
			if err != nil {
				return Output{}, err
			}
			if len(snippets) == 0 {
				return Output{Text: "nothing relevant found"}, nil
			}
			var b strings.Builder
			for _, s := range snippets {
				fmt.Fprintf(&b, "%s:%d\n%s\n\n", s.Path, s.Line, s.Content)
			}
			return Output{Text: strings.TrimRight(b.String(), "\n")}, nil
		}, Pure())
}

type completeTaskArgs struct {
	Summary string `json:"summary" validate:"required" jsonschema:"description=Short summary of what was done"`
}

// CompleteTask ends the session successfully.
func CompleteTask() *Tool {
	return New(CompleteTaskName, "Call when the task is fully done. The session ends after this call.",
		func(_ context.Context, _ *Env, a completeTaskArgs) (Output, error) {
			return Output{Text: "task marked complete: " + a.Summary}, nil
		}, Pure())
}

func (e *Env) read(ctx context.Context, p string) (string, error) {
	abs, err := e.abs(p)
	if err != nil {
		return "", err
	}
	files, err := e.Exec.CopyOut(ctx, e.Sandbox, []string{abs})
	if err != nil {
		return "", err
	}
	return string(files[abs]), nil
}

func (e *Env) write(ctx context.Context, p, content string) error {
	abs, err := e.abs(p)
	if err != nil {
		return err
	}
	return e.Exec.CopyIn(ctx, e.Sandbox, []sandbox.File{{Path: abs, Content: []byte(content)}})
}
