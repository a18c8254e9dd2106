// Package chunk splits cleaned markdown into LLM-sized chunks: split on
// headers first, fall back to paragraph and then word splitting for
// oversized sections, and carry a paragraph-aligned tail of each chunk
// into the next as overlap.
package chunk

import (
	"regexp"
	"strings"
)

// Config controls chunk sizing in token-equivalent units.
type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultConfig returns the default chunk sizing.
func DefaultConfig() Config {
	return Config{MaxTokens: 2000, OverlapTokens: 200}
}

// Chunk is one piece of a document, carrying its header breadcrumb so
// downstream extraction prompts retain section context.
type Chunk struct {
	Text       string
	HeaderPath string
	Index      int
}

var headerSplitRe = regexp.MustCompile(`(?m)^## `)
var headerLineRe = regexp.MustCompile(`(?m)^(#{1,3})\s+(.+)$`)

// countTokens approximates token count as roughly 4 characters per token.
func countTokens(s string) int {
	return len(s) / 4
}

// Document splits markdown into chunks bounded by cfg.MaxTokens, with
// cfg.OverlapTokens of trailing context carried into each subsequent
// chunk.
func Document(markdown string, cfg Config) []Chunk {
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return nil
	}

	if countTokens(markdown) <= cfg.MaxTokens {
		return []Chunk{{Text: markdown, HeaderPath: extractHeaderPath(markdown), Index: 0}}
	}

	sections := splitByHeaders(markdown)

	var rawChunks []Chunk
	for _, sec := range sections {
		headerPath := extractHeaderPath(sec)
		if countTokens(sec) <= cfg.MaxTokens {
			rawChunks = append(rawChunks, Chunk{Text: sec, HeaderPath: headerPath})
			continue
		}
		for _, piece := range splitLargeSection(sec, headerPath, cfg) {
			rawChunks = append(rawChunks, Chunk{Text: piece, HeaderPath: headerPath})
		}
	}

	return applyOverlap(rawChunks, cfg)
}

func splitByHeaders(markdown string) []string {
	var parts []string
	prev := 0
	for _, loc := range headerSplitRe.FindAllStringIndex(markdown, -1) {
		parts = append(parts, markdown[prev:loc[0]])
		prev = loc[0]
	}
	parts = append(parts, markdown[prev:])
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{markdown}
	}
	return out
}

// extractHeaderPath builds an H1 > H2 > H3 breadcrumb from the first
// headers of each level found in the section.
func extractHeaderPath(section string) string {
	var h1, h2, h3 string
	for _, m := range headerLineRe.FindAllStringSubmatch(section, -1) {
		switch len(m[1]) {
		case 1:
			if h1 == "" {
				h1 = strings.TrimSpace(m[2])
			}
		case 2:
			if h2 == "" {
				h2 = strings.TrimSpace(m[2])
			}
		case 3:
			if h3 == "" {
				h3 = strings.TrimSpace(m[2])
			}
		}
	}
	var parts []string
	for _, p := range []string{h1, h2, h3} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " > ")
}

// splitLargeSection splits an oversized section by paragraph, then by
// word, budgeting MaxTokens minus the header path's own token cost so
// the breadcrumb prepended by callers still fits.
func splitLargeSection(section, headerPath string, cfg Config) []string {
	budget := cfg.MaxTokens - countTokens(headerPath)
	if budget < 100 {
		budget = 100
	}

	paragraphs := splitParagraphs(section)
	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, para := range paragraphs {
		if countTokens(para) > budget {
			flush()
			pieces = append(pieces, splitByWords(para, budget)...)
			continue
		}
		candidate := current.String()
		if candidate != "" {
			candidate += "\n\n"
		}
		candidate += para
		if countTokens(candidate) > budget {
			flush()
			current.WriteString(para)
		} else {
			current.Reset()
			current.WriteString(candidate)
		}
	}
	flush()

	return pieces
}

func splitParagraphs(s string) []string {
	raw := strings.Split(s, "\n\n")
	var out []string
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitByWords(s string, budget int) []string {
	words := strings.Fields(s)
	var pieces []string
	var current []string
	currentLen := 0

	for _, w := range words {
		wLen := countTokens(w) + 1
		if currentLen+wLen > budget && len(current) > 0 {
			pieces = append(pieces, strings.Join(current, " "))
			current = nil
			currentLen = 0
		}
		current = append(current, w)
		currentLen += wLen
	}
	if len(current) > 0 {
		pieces = append(pieces, strings.Join(current, " "))
	}
	return pieces
}

// getTail returns the trailing portion of text worth roughly
// overlapTokens, aligned to a paragraph boundary when one exists within
// that window so the carried-over overlap reads naturally.
func getTail(text string, overlapTokens int) string {
	if overlapTokens <= 0 || text == "" {
		return ""
	}
	overlapChars := overlapTokens * 4
	if overlapChars >= len(text) {
		return text
	}
	tail := text[len(text)-overlapChars:]
	if idx := strings.Index(tail, "\n\n"); idx >= 0 {
		tail = tail[idx+2:]
	}
	return strings.TrimSpace(tail)
}

func applyOverlap(chunks []Chunk, cfg Config) []Chunk {
	out := make([]Chunk, len(chunks))
	var prevTail string
	for i, c := range chunks {
		text := c.Text
		if i > 0 && prevTail != "" {
			text = prevTail + "\n\n" + text
		}
		out[i] = Chunk{Text: text, HeaderPath: c.HeaderPath, Index: i}
		prevTail = getTail(c.Text, cfg.OverlapTokens)
	}
	return out
}
