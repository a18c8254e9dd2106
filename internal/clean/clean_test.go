package clean

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripStructuralJunkRemovesLinkOnlyLines(t *testing.T) {
	md := "Real content here.\n\n[Home](/home)\n\nMore real content follows."
	out := StripStructuralJunk(md)
	assert.NotContains(t, out, "[Home](/home)")
	assert.Contains(t, out, "Real content here.")
	assert.Contains(t, out, "More real content follows.")
}

func TestStripStructuralJunkRemovesImageOnlyLines(t *testing.T) {
	md := "Body text.\n\n![logo](/logo.png)\n\nMore body text."
	out := StripStructuralJunk(md)
	assert.NotContains(t, out, "![logo]")
}

func TestStripStructuralJunkRemovesSeparatorRules(t *testing.T) {
	md := "Section one.\n\n-----\n\nSection two."
	out := StripStructuralJunk(md)
	assert.NotContains(t, out, "-----")
}

func TestStripStructuralJunkRemovesBreadcrumbs(t *testing.T) {
	md := "[Home] > [Products]\n\nActual page content goes here."
	out := StripStructuralJunk(md)
	assert.NotContains(t, out, "[Home] > [Products]")
	assert.Contains(t, out, "Actual page content goes here.")
}

func TestStripStructuralJunkCollapsesBlankLineRuns(t *testing.T) {
	md := "para one\n\n\n\n\npara two"
	out := StripStructuralJunk(md)
	assert.NotContains(t, out, "\n\n\n")
}

func TestLineIsLinkHeavyDetectsNavLine(t *testing.T) {
	assert.True(t, lineIsLinkHeavy("[Home](/) [About](/about) [Contact](/contact)"))
	assert.False(t, lineIsLinkHeavy("This is a normal sentence with a [link](/x) in it."))
}

func TestCleanForEmbeddingSkipsLeadingNavBlock(t *testing.T) {
	nav := strings.Repeat("[Home](/) [About](/about) [Contact](/contact) [Help](/help)\n", 4)
	body := strings.Repeat("This paragraph contains real substantial article content about the topic at hand.\n", 4)
	md := nav + "\n" + body
	out := CleanForEmbedding(md, DefaultDensityConfig())
	assert.Contains(t, out, "real substantial article content")
}

func TestCleanForEmbeddingStripsAllLinkOnlyDocument(t *testing.T) {
	md := "[a](/a)\n[b](/b)\n[c](/c)"
	out := CleanForEmbedding(md, DefaultDensityConfig())
	assert.Empty(t, out)
}
