package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kxpipe/internal/model"
)

func TestBuildPromptFlatGroupUsesFlatShapeHint(t *testing.T) {
	group := model.FieldGroup{
		Name: "pricing",
		Fields: []model.FieldDefinition{
			{Name: "price", Type: model.FieldFloat, Description: "unit price", Required: true},
			{Name: "currency", Type: model.FieldEnum, Description: "currency code", EnumValues: []string{"USD", "EUR"}},
		},
	}
	req := Request{ChunkText: "Widgets cost $9.99.", HeaderPath: "Pricing > Widgets", SourceTypeLabel: "product page", Group: group}
	out := BuildPrompt(req)

	assert.Contains(t, out.UserPrompt, "flat JSON object")
	assert.Contains(t, out.UserPrompt, "price (float): unit price (required)")
	assert.Contains(t, out.UserPrompt, "[allowed: USD, EUR]")
	assert.Contains(t, out.UserPrompt, "Section: Pricing > Widgets")
	assert.Contains(t, out.UserPrompt, "product page")
	assert.Contains(t, out.UserPrompt, "Widgets cost $9.99.")
	assert.Equal(t, float64(0), out.Temperature)
}

func TestBuildPromptEntityListUsesGroupNameAsKey(t *testing.T) {
	group := model.FieldGroup{
		Name:         "accessories",
		IsEntityList: true,
		Fields: []model.FieldDefinition{
			{Name: "sku", Type: model.FieldText, Description: "stock keeping unit"},
		},
	}
	req := Request{ChunkText: "content", Group: group}
	out := BuildPrompt(req)

	assert.Contains(t, out.UserPrompt, `{"accessories": [`)
}

func TestBuildPromptIncludesPromptHintWhenPresent(t *testing.T) {
	group := model.FieldGroup{Name: "g", PromptHint: "Only extract confirmed values."}
	out := BuildPrompt(Request{ChunkText: "x", Group: group})
	assert.Contains(t, out.UserPrompt, "Only extract confirmed values.")
}

func TestParseResponseValidJSON(t *testing.T) {
	out, err := ParseResponse(`{"price": 9.99, "currency": "USD"}`)
	require.NoError(t, err)
	assert.Equal(t, 9.99, out["price"])
	assert.Equal(t, "USD", out["currency"])
}

func TestParseResponseInvalidJSONReturnsError(t *testing.T) {
	_, err := ParseResponse("not json")
	assert.Error(t, err)
}
