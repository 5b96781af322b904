// Package retrieval supplies reference material for a topic from a local
// directory of text and markdown files. Documents are split into chunks at
// load time and ranked per query by keyword overlap weighted with inverse
// document frequency.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/textsplitter"
	"github.com/yargevad/filepathx"
)

// Config controls how documents are loaded and chunks are returned.
type Config struct {
	// Dir is the root directory searched for documents.
	Dir string

	// Patterns are doublestar globs relative to Dir. Defaults to markdown
	// and text files at any depth.
	Patterns []string

	ChunkSize    int // default 1000
	ChunkOverlap int // default 100
	TopK         int // default 4
}

func (c *Config) applyDefaults() {
	if len(c.Patterns) == 0 {
		c.Patterns = []string{"**/*.md", "**/*.txt"}
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 10
	}
	if c.TopK <= 0 {
		c.TopK = 4
	}
}

type chunk struct {
	source string
	text   string
	terms  map[string]int
}

// Index is an in-memory keyword index. It is immutable after Load and safe
// for concurrent use.
type Index struct {
	chunks []chunk
	df     map[string]int
	topK   int
}

// Load reads and indexes every document matching cfg.Patterns under cfg.Dir.
func Load(cfg Config) (*Index, error) {
	cfg.applyDefaults()

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("retrieval: %s is not a directory", cfg.Dir)
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
	)

	seen := make(map[string]bool)
	ix := &Index{df: make(map[string]int), topK: cfg.TopK}

	for _, pattern := range cfg.Patterns {
		matches, err := filepathx.Glob(filepath.Join(cfg.Dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("retrieval: invalid pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)

		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true

			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("retrieval: read %s: %w", path, err)
			}
			parts, err := splitter.SplitText(string(data))
			if err != nil {
				return nil, fmt.Errorf("retrieval: split %s: %w", path, err)
			}
			rel, _ := filepath.Rel(cfg.Dir, path)
			for _, p := range parts {
				ix.add(rel, p)
			}
		}
	}

	slog.Info("retrieval index loaded", "dir", cfg.Dir, "documents", len(seen), "chunks", len(ix.chunks))
	return ix, nil
}

func (ix *Index) add(source, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	terms := make(map[string]int)
	for _, t := range tokenize(text) {
		terms[t]++
	}
	for t := range terms {
		ix.df[t]++
	}
	ix.chunks = append(ix.chunks, chunk{source: source, text: text, terms: terms})
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int { return len(ix.chunks) }

// Retrieve returns the best matching chunks for topic joined by blank
// lines. It returns an empty string when nothing matches.
func (ix *Index) Retrieve(ctx context.Context, topic string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	query := make(map[string]bool)
	for _, t := range tokenize(topic) {
		query[t] = true
	}
	if len(query) == 0 || len(ix.chunks) == 0 {
		return "", nil
	}

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	n := float64(len(ix.chunks))
	for i, c := range ix.chunks {
		var s float64
		for t := range query {
			tf := c.terms[t]
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + n/float64(ix.df[t]))
			s += (1 + math.Log(float64(tf))) * idf
		}
		if s > 0 {
			hits = append(hits, scored{idx: i, score: s})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > ix.topK {
		hits = hits[:ix.topK]
	}

	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, ix.chunks[h.idx].text)
	}
	return strings.Join(parts, "\n\n"), nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "with": true,
	"how": true, "what": true, "why": true, "does": true, "this": true,
	"that": true, "from": true, "into": true, "its": true, "work": true,
	"works": true, "explain": true,
}

// tokenize lowercases text and splits it into words of three or more
// letters or digits, dropping common stopwords.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
