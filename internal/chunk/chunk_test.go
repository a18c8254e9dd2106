package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentShortDocReturnsOneChunk(t *testing.T) {
	chunks := Document("short content", DefaultConfig())
	require.Len(t, chunks, 1)
	assert.Equal(t, "short content", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
}

func TestDocumentEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, Document("   ", DefaultConfig()))
}

func TestDocumentSplitsOnHeaders(t *testing.T) {
	md := "# Title\n\n" + strings.Repeat("word ", 600) + "\n\n## Section Two\n\n" + strings.Repeat("other ", 600)
	chunks := Document(md, Config{MaxTokens: 500, OverlapTokens: 0})
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestDocumentHeaderPathCarriesBreadcrumb(t *testing.T) {
	md := "# Top\n\n## Sub\n\n" + strings.Repeat("text ", 600)
	chunks := Document(md, Config{MaxTokens: 300, OverlapTokens: 0})
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].HeaderPath, "Top")
}

func TestDocumentAppliesOverlapBetweenChunks(t *testing.T) {
	md := "# Title\n\n" + strings.Repeat("alpha ", 400) + "\n\n## Next\n\n" + strings.Repeat("beta ", 400)
	cfg := Config{MaxTokens: 300, OverlapTokens: 50}
	chunks := Document(md, cfg)
	require.Greater(t, len(chunks), 1)
	assert.Contains(t, chunks[1].Text, "alpha")
}

func TestSplitByWordsRespectsBudget(t *testing.T) {
	pieces := splitByWords(strings.Repeat("word ", 100), 40)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, countTokens(p), 50)
	}
}
