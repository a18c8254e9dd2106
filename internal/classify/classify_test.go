package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kxpipe/internal/model"
)

func TestClassifyNilConfigReturnsNone(t *testing.T) {
	r := Classify("https://example.com/page", "Some Page", nil)
	assert.Equal(t, MethodNone, r.Method)
	assert.Equal(t, confNone, r.Confidence)
	assert.False(t, r.Skip)
}

func TestClassifySkipPatternWins(t *testing.T) {
	cfg := &model.ClassificationConfig{
		SkipPatterns: []string{`/login`, `/cart`},
		URLPatterns: []model.ClassificationRule{
			{Pattern: `/login`, Groups: []string{"auth"}},
		},
	}
	r := Classify("https://example.com/login", "Login", cfg)
	assert.True(t, r.Skip)
	assert.Equal(t, MethodSkip, r.Method)
	assert.Equal(t, confSkip, r.Confidence)
}

func TestClassifyURLPatternMatch(t *testing.T) {
	cfg := &model.ClassificationConfig{
		URLPatterns: []model.ClassificationRule{
			{Pattern: `/products/`, Groups: []string{"product_specs", "pricing"}},
		},
	}
	r := Classify("https://example.com/products/widget", "Widget", cfg)
	assert.Equal(t, MethodURL, r.Method)
	assert.Equal(t, confURL, r.Confidence)
	assert.Equal(t, []string{"product_specs", "pricing"}, r.Groups)
}

func TestClassifyFallsBackToTitleKeyword(t *testing.T) {
	cfg := &model.ClassificationConfig{
		URLPatterns: []model.ClassificationRule{
			{Pattern: `/products/`, Groups: []string{"product_specs"}},
		},
		TitleKeywords: []model.ClassificationRule{
			{Pattern: `pricing`, Groups: []string{"pricing"}},
		},
	}
	r := Classify("https://example.com/about-us", "Our Pricing Plans", cfg)
	assert.Equal(t, MethodTitle, r.Method)
	assert.Equal(t, confTitle, r.Confidence)
	assert.Equal(t, []string{"pricing"}, r.Groups)
}

func TestClassifyTitleKeywordIsCaseInsensitive(t *testing.T) {
	cfg := &model.ClassificationConfig{
		TitleKeywords: []model.ClassificationRule{
			{Pattern: `warranty`, Groups: []string{"warranty"}},
		},
	}
	r := Classify("https://example.com/x", "WARRANTY Information", cfg)
	assert.Equal(t, MethodTitle, r.Method)
}

func TestClassifyNoMatchReturnsNone(t *testing.T) {
	cfg := &model.ClassificationConfig{
		URLPatterns: []model.ClassificationRule{
			{Pattern: `/products/`, Groups: []string{"product_specs"}},
		},
	}
	r := Classify("https://example.com/about", "About Us", cfg)
	assert.Equal(t, MethodNone, r.Method)
	assert.Empty(t, r.Groups)
}

func TestMatchesFallsBackToSubstringOnInvalidRegex(t *testing.T) {
	assert.True(t, matches("[invalid(", "has [invalid( in it"))
	assert.False(t, matches("[invalid(", "does not contain it"))
}
