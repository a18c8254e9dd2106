// Package orchestrator drives a full extraction pass over one source:
// chunk the cleaned markdown, run each relevant field group's chat
// extraction per chunk, validate/coerce the result, and merge the
// per-chunk results into one record per field group.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"kxpipe/internal/chunk"
	"kxpipe/internal/errs"
	"kxpipe/internal/jsonrepair"
	"kxpipe/internal/llm"
	"kxpipe/internal/model"
	"kxpipe/internal/schema"
)

// GroupResult is the merged extraction for one field group across all
// of a source's chunks.
type GroupResult struct {
	Group          model.FieldGroup
	Data           map[string]any
	EntityRows     []map[string]any
	Violations     []schema.Violation
	Confidence     float64
	ConflictFields []string
}

// Orchestrator ties a chat client to the chunk/schema machinery.
type Orchestrator struct {
	Chat       llm.ChatClient
	ChunkCfg   chunk.Config
	SourceType string
}

// New builds an Orchestrator.
func New(chat llm.ChatClient, chunkCfg chunk.Config, sourceType string) *Orchestrator {
	return &Orchestrator{Chat: chat, ChunkCfg: chunkCfg, SourceType: sourceType}
}

// Extract runs every group in groups over content and returns one
// GroupResult per group.
func (o *Orchestrator) Extract(ctx context.Context, content string, groups []model.FieldGroup) ([]GroupResult, error) {
	chunks := chunk.Document(content, o.ChunkCfg)
	if len(chunks) == 0 {
		return nil, nil
	}

	results := make([]GroupResult, 0, len(groups))
	for _, g := range groups {
		gr, err := o.extractGroup(ctx, chunks, g)
		if err != nil {
			return nil, err
		}
		results = append(results, gr)
	}
	return results, nil
}

func (o *Orchestrator) extractGroup(ctx context.Context, chunks []chunk.Chunk, group model.FieldGroup) (GroupResult, error) {
	var perChunk []map[string]any
	var violations []schema.Violation

	for _, c := range chunks {
		req := schema.BuildPrompt(schema.Request{
			ChunkText:       c.Text,
			HeaderPath:      c.HeaderPath,
			SourceTypeLabel: o.SourceType,
			Group:           group,
		})

		resp, err := o.Chat.Chat(ctx, req)
		if err != nil {
			return GroupResult{}, err
		}

		parsed, perr := schema.ParseResponse(resp.Content)
		if perr != nil {
			repaired, ok := jsonrepair.Repair(resp.Content)
			if !ok {
				violations = append(violations, schema.Violation{
					Field: "_group", Issue: "unparseable_response", Detail: perr.Error(),
				})
				continue
			}
			parsed = repaired
		}

		if group.IsEntityList {
			rows := extractEntityRows(parsed, group.Name)
			for _, row := range rows {
				vr := schema.ValidateGroup(group, row, 1.0)
				violations = append(violations, vr.Violations...)
				perChunk = append(perChunk, vr.Data)
			}
		} else {
			vr := schema.ValidateGroup(group, parsed, 1.0)
			violations = append(violations, vr.Violations...)
			if len(vr.Data) > 0 {
				perChunk = append(perChunk, vr.Data)
			}
		}
	}

	if group.IsEntityList {
		return GroupResult{Group: group, EntityRows: perChunk, Violations: violations, Confidence: 1.0}, nil
	}

	merged, conflicts := merge(group, perChunk)
	return GroupResult{Group: group, Data: merged, Violations: violations, Confidence: 1.0, ConflictFields: conflicts}, nil
}

func extractEntityRows(parsed map[string]any, groupName string) []map[string]any {
	raw, ok := parsed[groupName]
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// merge combines per-chunk field values for a non-entity-list group: OR
// for booleans, max for numerics (with conflicting-magnitude detection),
// first-non-empty for enums/text, dedup for lists.
func merge(group model.FieldGroup, rows []map[string]any) (map[string]any, []string) {
	out := make(map[string]any)
	var conflicts []string

	for _, field := range group.Fields {
		var values []any
		for _, row := range rows {
			if v, ok := row[field.Name]; ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}

		switch field.Type {
		case model.FieldBoolean:
			out[field.Name] = mergeBool(values)
		case model.FieldInteger, model.FieldFloat:
			v, conflicted := mergeNumeric(values)
			out[field.Name] = v
			if conflicted {
				conflicts = append(conflicts, field.Name)
			}
		case model.FieldList:
			out[field.Name] = mergeList(values)
		default:
			out[field.Name] = firstNonEmpty(values)
		}
	}

	sort.Strings(conflicts)
	return out, conflicts
}

func mergeBool(values []any) bool {
	for _, v := range values {
		if b, ok := v.(bool); ok && b {
			return true
		}
	}
	return false
}

func mergeNumeric(values []any) (any, bool) {
	var max float64
	first := true
	conflicted := false
	for _, v := range values {
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		if first {
			max = f
			first = false
			continue
		}
		if f != max {
			conflicted = true
			if f > max {
				max = f
			}
		}
	}
	return max, conflicted
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func firstNonEmpty(values []any) any {
	for _, v := range values {
		if s, ok := v.(string); ok {
			if strings.TrimSpace(s) != "" {
				return s
			}
			continue
		}
		if v != nil {
			return v
		}
	}
	return nil
}

func mergeList(values []any) []any {
	seen := make(map[string]bool)
	var out []any
	for _, v := range values {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			key := fmt.Sprintf("%v", item)
			if !seen[key] {
				seen[key] = true
				out = append(out, item)
			}
		}
	}
	return out
}

// WrapMalformed converts a parse/validation failure into a tagged error
// for the caller's retry policy to inspect.
func WrapMalformed(op string, err error) error {
	return errs.New(errs.KindLLMMalformedJSON, op, err)
}
