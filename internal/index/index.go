// Package index answers free-text queries over a source tree.
package index

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Snippet is one retrieved piece of context.
type Snippet struct {
	Path    string  `json:"path"`
	Line    int     `json:"line"`
	Score   float64 `json:"score"`
	Content string  `json:"content"`
}

// Retriever returns the k snippets most relevant to text.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]Snippet, error)
}

// KeywordRetriever scores the files under Root by query term frequency.
// It holds no mutable state and is safe for concurrent use.
type KeywordRetriever struct {
	Root         string
	MaxFileBytes int64
	ContextLines int
}

// NewKeywordRetriever returns a retriever over root.
func NewKeywordRetriever(root string) *KeywordRetriever {
	return &KeywordRetriever{Root: root, MaxFileBytes: 512 << 10, ContextLines: 3}
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true, "build": true, "target": true, "__pycache__": true,
}

// Query implements Retriever.
func (r *KeywordRetriever) Query(ctx context.Context, text string, k int) ([]Snippet, error) {
	terms := Terms(text)
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	var results []Snippet
	err := filepath.WalkDir(r.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != r.Root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() || info.Size() > r.MaxFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		rel, _ := filepath.Rel(r.Root, path)
		if s, ok := r.score(rel, string(data), terms); ok {
			results = append(results, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (r *KeywordRetriever) score(rel, content string, terms []string) (Snippet, bool) {
	lower := strings.ToLower(content)
	lowerPath := strings.ToLower(rel)

	var score float64
	for _, t := range terms {
		score += float64(strings.Count(lower, t))
		if strings.Contains(lowerPath, t) {
			score += 5
		}
	}
	if score == 0 {
		return Snippet{}, false
	}

	// Window around the line with the most term hits.
	lines := strings.Split(content, "\n")
	best, bestHits := 0, -1
	for i, line := range lines {
		l := strings.ToLower(line)
		hits := 0
		for _, t := range terms {
			hits += strings.Count(l, t)
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	from := max(best-r.ContextLines, 0)
	to := min(best+r.ContextLines+1, len(lines))

	return Snippet{
		Path:    rel,
		Line:    best + 1,
		Score:   score,
		Content: strings.Join(lines[from:to], "\n"),
	}, true
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true, "from": true, "into": true,
	"are": true, "was": true, "not": true, "but": true, "you": true, "all": true, "can": true, "has": true,
}

// Terms splits text into lowercase search terms of at least three
// characters, without stop words or duplicates.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
