// Package schema builds extraction prompts per field group and
// validates/coerces the LLM's JSON response against the group's field
// definitions.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"kxpipe/internal/llm"
	"kxpipe/internal/model"
)

// Request is one chunk-against-one-field-group extraction call.
type Request struct {
	ChunkText       string
	HeaderPath      string
	SourceTypeLabel string
	Group           model.FieldGroup
}

// BuildPrompt renders the system/user prompt pair for req, field by
// field. The entity-list key used in the expected JSON shape is the
// field group's own name, so the same prompt builder serves any group
// rather than a hardcoded key like "products".
func BuildPrompt(req Request) llm.ChatRequest {
	var fieldLines strings.Builder
	for _, f := range req.Group.Fields {
		fieldLines.WriteString(fmt.Sprintf("- %s (%s): %s", f.Name, f.Type, f.Description))
		if f.Type == model.FieldEnum && len(f.EnumValues) > 0 {
			fieldLines.WriteString(fmt.Sprintf(" [allowed: %s]", strings.Join(f.EnumValues, ", ")))
		}
		if f.Required {
			fieldLines.WriteString(" (required)")
		}
		fieldLines.WriteString("\n")
	}

	system := "You are a precise structured-data extractor. Respond with a single JSON object and no surrounding text."

	var shapeHint string
	if req.Group.IsEntityList {
		shapeHint = fmt.Sprintf(`Respond with {"%s": [ {field: value, ...}, ... ]}. Each array entry is one distinct instance found in the text. If none are found, use an empty array.`, req.Group.Name)
	} else {
		shapeHint = `Respond with a flat JSON object mapping each field name directly to its value. If a field is not present in the text, omit it.`
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Source type: %s\n", req.SourceTypeLabel)
	if req.HeaderPath != "" {
		fmt.Fprintf(&user, "Section: %s\n", req.HeaderPath)
	}
	if req.Group.PromptHint != "" {
		fmt.Fprintf(&user, "%s\n", req.Group.PromptHint)
	}
	fmt.Fprintf(&user, "\nExtract the following fields:\n%s\n%s\n\nContent:\n%s", fieldLines.String(), shapeHint, req.ChunkText)

	return llm.ChatRequest{SystemPrompt: system, UserPrompt: user.String(), Temperature: 0}
}

// ParseResponse unmarshals the chat response's content into a loosely
// typed map, returning an error the caller can feed to the JSON-repair
// pipeline on failure.
func ParseResponse(content string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, err
	}
	return out, nil
}
