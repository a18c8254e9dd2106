package schema

import (
	"fmt"
	"strconv"
	"strings"

	"kxpipe/internal/model"
)

// metadataKeys are reserved keys the validator passes through untouched
// rather than attempting to coerce against a field definition.
var metadataKeys = map[string]bool{
	"_raw":        true,
	"_confidence": true,
	"_source":     true,
}

// Violation records one field-level coercion or validation problem.
type Violation struct {
	Field  string
	Issue  string
	Detail string
}

const (
	IssueConfidenceBelowThreshold = "confidence_below_threshold"
	IssueTypeCoerced              = "type_coerced"
	IssueInvalidType              = "invalid_type"
	IssueInvalidEnum              = "invalid_enum"
)

// ValidationResult is a validated-and-coerced field group instance.
type ValidationResult struct {
	Data       map[string]any
	Violations []Violation
}

// ConfidenceThreshold gates acceptance of a group extraction; below this
// the group's raw output is still coerced but flagged.
const ConfidenceThreshold = 0.5

// ValidateGroup validates and coerces raw against group's field
// definitions. For entity-list groups, raw is one entry of the array
// under the group's key (callers unwrap the array per BuildPrompt's
// shape).
func ValidateGroup(group model.FieldGroup, raw map[string]any, confidence float64) ValidationResult {
	result := ValidationResult{Data: make(map[string]any)}

	if confidence > 0 && confidence < ConfidenceThreshold {
		result.Violations = append(result.Violations, Violation{
			Field: "_group", Issue: IssueConfidenceBelowThreshold,
			Detail: fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, ConfidenceThreshold),
		})
	}

	for k, v := range raw {
		if metadataKeys[k] {
			result.Data[k] = v
			continue
		}
	}

	for _, field := range group.Fields {
		v, present := raw[field.Name]
		if !present {
			if field.Required && field.Default != nil {
				result.Data[field.Name] = field.Default
			}
			continue
		}
		coerced, violation := coerceField(field, v)
		if violation != nil {
			result.Violations = append(result.Violations, *violation)
		}
		result.Data[field.Name] = coerced
	}

	return result
}

// ValidateEntityList validates each entry of an entity-list group's
// array.
func ValidateEntityList(group model.FieldGroup, entries []map[string]any, confidence float64) []ValidationResult {
	out := make([]ValidationResult, 0, len(entries))
	for _, e := range entries {
		out = append(out, ValidateGroup(group, e, confidence))
	}
	return out
}

func coerceField(field model.FieldDefinition, v any) (any, *Violation) {
	switch field.Type {
	case model.FieldText:
		return coerceText(field, v)
	case model.FieldInteger:
		return coerceInt(field, v)
	case model.FieldFloat:
		return coerceFloat(field, v)
	case model.FieldBoolean:
		return coerceBool(field, v)
	case model.FieldEnum:
		return coerceEnum(field, v)
	case model.FieldList:
		return coerceList(field, v)
	default:
		return v, nil
	}
}

func coerceText(field model.FieldDefinition, v any) (any, *Violation) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", v), &Violation{Field: field.Name, Issue: IssueTypeCoerced, Detail: "coerced to text"}
}

func coerceInt(field model.FieldDefinition, v any) (any, *Violation) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, &Violation{Field: field.Name, Issue: IssueTypeCoerced, Detail: "parsed integer from string"}
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return int64(f), &Violation{Field: field.Name, Issue: IssueTypeCoerced, Detail: "truncated float string to integer"}
		}
	}
	return nil, &Violation{Field: field.Name, Issue: IssueInvalidType, Detail: fmt.Sprintf("cannot coerce %v to integer", v)}
}

func coerceFloat(field model.FieldDefinition, v any) (any, *Violation) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, &Violation{Field: field.Name, Issue: IssueTypeCoerced, Detail: "parsed float from string"}
		}
	}
	return nil, &Violation{Field: field.Name, Issue: IssueInvalidType, Detail: fmt.Sprintf("cannot coerce %v to float", v)}
}

func coerceBool(field model.FieldDefinition, v any) (any, *Violation) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1":
			return true, &Violation{Field: field.Name, Issue: IssueTypeCoerced, Detail: "parsed boolean from string"}
		case "false", "no", "0":
			return false, &Violation{Field: field.Name, Issue: IssueTypeCoerced, Detail: "parsed boolean from string"}
		}
	}
	return nil, &Violation{Field: field.Name, Issue: IssueInvalidType, Detail: fmt.Sprintf("cannot coerce %v to boolean", v)}
}

func coerceEnum(field model.FieldDefinition, v any) (any, *Violation) {
	s, ok := v.(string)
	if !ok {
		return nil, &Violation{Field: field.Name, Issue: IssueInvalidType, Detail: "enum value must be a string"}
	}
	for _, allowed := range field.EnumValues {
		if strings.EqualFold(allowed, s) {
			return allowed, nil
		}
	}
	return s, &Violation{Field: field.Name, Issue: IssueInvalidEnum, Detail: fmt.Sprintf("%q not in allowed values", s)}
}

func coerceList(field model.FieldDefinition, v any) (any, *Violation) {
	switch l := v.(type) {
	case []any:
		return l, nil
	case string:
		parts := strings.Split(l, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, &Violation{Field: field.Name, Issue: IssueTypeCoerced, Detail: "split comma-separated string into list"}
	}
	return nil, &Violation{Field: field.Name, Issue: IssueInvalidType, Detail: fmt.Sprintf("cannot coerce %v to list", v)}
}
