package tools

import (
	"fmt"
	"strings"
)

// splitLines splits content into lines, remembering whether it ended with
// a newline so edits preserve it. Empty content counts as newline-terminated.
func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, true
	}
	trailing := strings.HasSuffix(content, "\n")
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n"), trailing
}

func joinLines(lines []string, trailing bool) string {
	out := strings.Join(lines, "\n")
	if trailing && len(lines) > 0 {
		out += "\n"
	}
	return out
}

// ReplaceLines replaces the 1-indexed, inclusive range [start, end] with
// replacement. An empty replacement deletes the range.
func ReplaceLines(content string, start, end int, replacement string) (string, error) {
	lines, trailing := splitLines(content)
	if start < 1 || end < start {
		return "", fmt.Errorf("invalid line range %d-%d", start, end)
	}
	if end > len(lines) {
		return "", fmt.Errorf("line range %d-%d is outside the file (%d lines)", start, end, len(lines))
	}
	repl, _ := splitLines(replacement)
	out := make([]string, 0, len(lines)-(end-start+1)+len(repl))
	out = append(out, lines[:start-1]...)
	out = append(out, repl...)
	out = append(out, lines[end:]...)
	return joinLines(out, trailing), nil
}

// InsertLines inserts text after the 1-indexed line after; 0 inserts at
// the top of the file.
func InsertLines(content string, after int, text string) (string, error) {
	lines, trailing := splitLines(content)
	if after < 0 || after > len(lines) {
		return "", fmt.Errorf("line %d is outside the file (%d lines)", after, len(lines))
	}
	add, _ := splitLines(text)
	out := make([]string, 0, len(lines)+len(add))
	out = append(out, lines[:after]...)
	out = append(out, add...)
	out = append(out, lines[after:]...)
	return joinLines(out, trailing), nil
}

// NumberLines prefixes each line with its 1-indexed number.
func NumberLines(content string) string {
	lines, _ := splitLines(content)
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%d: %s\n", i+1, l)
	}
	return b.String()
}
