// Package clean implements a two-layer content cleaner: universal regex
// stripping of navigation/boilerplate markup, followed by a
// line-density scan that drops everything above the first contiguous
// run of substantial, non-link-heavy lines.
package clean

import (
	"regexp"
	"strings"
)

// universalPatterns strip structural junk that is safe to remove on any
// page: markdown link-only lines, image-only lines, long separator
// rules, and bracketed nav breadcrumbs.
var universalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*\[([^\]]*)\]\(([^)]*)\)\s*$`),
	regexp.MustCompile(`(?m)^\s*!\[[^\]]*\]\([^)]*\)\s*$`),
	regexp.MustCompile(`(?m)^-{3,}\s*$`),
	regexp.MustCompile(`(?m)^\s*\[.*\]\s*(>|»|/)\s*\[.*\]\s*$`),
}

// DensityConfig tunes the line-density scan (layer 2).
type DensityConfig struct {
	MinContentLines int
	DensityThreshold float64
	MinLineLength   int
	MaxScanLines    int
}

// DefaultDensityConfig returns the default density-scan tuning.
func DefaultDensityConfig() DensityConfig {
	return DensityConfig{
		MinContentLines:  3,
		DensityThreshold: 0.4,
		MinLineLength:    20,
		MaxScanLines:     200,
	}
}

var linkRe = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)

// lineIsLinkHeavy reports whether more than half of a line's non-space
// characters are consumed by markdown link syntax.
func lineIsLinkHeavy(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	linkChars := 0
	for _, m := range linkRe.FindAllString(trimmed, -1) {
		linkChars += len(m)
	}
	return float64(linkChars) > float64(len(trimmed))*0.5
}

// computeLineLinkDensity returns the fraction of lines in the window
// that are link-heavy.
func computeLineLinkDensity(lines []string) float64 {
	if len(lines) == 0 {
		return 0
	}
	heavy := 0
	for _, l := range lines {
		if lineIsLinkHeavy(l) {
			heavy++
		}
	}
	return float64(heavy) / float64(len(lines))
}

// StripStructuralJunk applies layer 1: universal pattern removal.
func StripStructuralJunk(markdown string) string {
	out := markdown
	for _, re := range universalPatterns {
		out = re.ReplaceAllString(out, "")
	}
	// Collapse the resulting runs of blank lines.
	out = regexp.MustCompile(`\n{3,}`).ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// findContentByLineDensity scans from the top for the first contiguous
// run of at least cfg.MinContentLines non-link-heavy, non-trivial lines,
// and returns the document from that point onward. If no qualifying run
// is found within cfg.MaxScanLines, the original text is returned
// unchanged.
func findContentByLineDensity(markdown string, cfg DensityConfig) string {
	lines := strings.Split(markdown, "\n")
	scanLimit := len(lines)
	if scanLimit > cfg.MaxScanLines {
		scanLimit = cfg.MaxScanLines
	}

	windowSize := cfg.MinContentLines
	for start := 0; start < scanLimit; start++ {
		end := start + windowSize
		if end > len(lines) {
			end = len(lines)
		}
		window := lines[start:end]
		if len(window) < cfg.MinContentLines {
			break
		}
		density := computeLineLinkDensity(window)
		substantial := 0
		for _, l := range window {
			if len(strings.TrimSpace(l)) >= cfg.MinLineLength && !lineIsLinkHeavy(l) {
				substantial++
			}
		}
		if density < cfg.DensityThreshold && substantial >= cfg.MinContentLines {
			return strings.Join(lines[start:], "\n")
		}
	}
	return markdown
}

// CleanForEmbedding runs layer 1 then layer 2, matching the reference
// implementation's clean_markdown_for_embedding.
func CleanForEmbedding(markdown string, cfg DensityConfig) string {
	stage1 := StripStructuralJunk(markdown)
	stage2 := findContentByLineDensity(stage1, cfg)
	return strings.TrimSpace(stage2)
}
