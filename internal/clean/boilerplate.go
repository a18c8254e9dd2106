package clean

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"kxpipe/internal/model"
)

// BoilerplateConfig tunes the block-hashing boilerplate detector.
type BoilerplateConfig struct {
	ThresholdPct  float64
	MinPages      int
	MinBlockChars int
}

// DefaultBoilerplateConfig returns the default thresholds: a block
// appearing on at least 70% of a domain's analyzed pages is boilerplate.
func DefaultBoilerplateConfig() BoilerplateConfig {
	return BoilerplateConfig{ThresholdPct: 0.70, MinPages: 3, MinBlockChars: 40}
}

// blocks splits markdown into paragraph-level blocks, discarding ones
// too short to be meaningfully repeated boilerplate.
func blocks(markdown string, minChars int) []string {
	raw := strings.Split(markdown, "\n\n")
	var out []string
	for _, b := range raw {
		b = strings.TrimSpace(b)
		if len(b) >= minChars {
			out = append(out, b)
		}
	}
	return out
}

func hashBlock(b string) string {
	sum := sha256.Sum256([]byte(b))
	return hex.EncodeToString(sum[:])
}

// BuildBoilerplate analyzes a batch of same-domain pages and returns the
// set of block hashes that recur on at least cfg.ThresholdPct of them.
// It requires at least cfg.MinPages pages before producing a fingerprint
// at all, refusing to fingerprint from too small a sample.
func BuildBoilerplate(projectID uuid.UUID, domain string, pages []string, cfg BoilerplateConfig) (*model.DomainBoilerplate, bool) {
	if len(pages) < cfg.MinPages {
		return nil, false
	}

	counts := make(map[string]int)
	blocksTotal := 0
	for _, page := range pages {
		seen := make(map[string]bool)
		for _, b := range blocks(page, cfg.MinBlockChars) {
			blocksTotal++
			h := hashBlock(b)
			if !seen[h] {
				counts[h]++
				seen[h] = true
			}
		}
	}

	threshold := float64(len(pages)) * cfg.ThresholdPct
	var hashes []string
	boilerplateBlocks := 0
	for h, c := range counts {
		if float64(c) >= threshold {
			hashes = append(hashes, h)
			boilerplateBlocks += c
		}
	}

	return &model.DomainBoilerplate{
		ProjectID:         projectID,
		Domain:            domain,
		BoilerplateHashes: hashes,
		PagesAnalyzed:     len(pages),
		BlocksTotal:       blocksTotal,
		BlocksBoilerplate: boilerplateBlocks,
		ThresholdPct:      cfg.ThresholdPct,
		MinPages:          cfg.MinPages,
		MinBlockChars:     cfg.MinBlockChars,
	}, true
}

// RemoveBoilerplate strips any block of markdown whose hash is in the
// fingerprint's BoilerplateHashes.
func RemoveBoilerplate(markdown string, bp *model.DomainBoilerplate) string {
	if bp == nil || len(bp.BoilerplateHashes) == 0 {
		return markdown
	}
	known := make(map[string]bool, len(bp.BoilerplateHashes))
	for _, h := range bp.BoilerplateHashes {
		known[h] = true
	}

	parts := strings.Split(markdown, "\n\n")
	var kept []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		if known[hashBlock(trimmed)] {
			continue
		}
		kept = append(kept, p)
	}
	return strings.TrimSpace(strings.Join(kept, "\n\n"))
}
