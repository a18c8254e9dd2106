// Package extractworker runs extract jobs: it loads a source and its
// project's schema, drives the orchestrator over the source's relevant
// field groups, and commits the resulting extractions (and, for
// entity-list groups, the entities they name) through the dual-write
// pipeline.
package extractworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kxpipe/internal/errs"
	"kxpipe/internal/jobstore"
	"kxpipe/internal/model"
	"kxpipe/internal/orchestrator"
	"kxpipe/internal/pipeline"
	"kxpipe/internal/relstore"
)

// Payload is the extract job's input, decoded from Job.Payload.
type Payload struct {
	SourceID uuid.UUID `json:"source_id"`
}

// Worker executes extract jobs claimed from the job store.
type Worker struct {
	jobs *jobstore.Store
	rel  *relstore.Store
	pipe *pipeline.Pipeline
	log  zerolog.Logger
}

// New builds a Worker.
func New(jobs *jobstore.Store, rel *relstore.Store, pipe *pipeline.Pipeline, log zerolog.Logger) *Worker {
	return &Worker{jobs: jobs, rel: rel, pipe: pipe, log: log}
}

// RunExtractJob extracts every relevant field group from one source and
// commits the results.
func (w *Worker) RunExtractJob(ctx context.Context, job *model.Job, project *model.Project, orc *orchestrator.Orchestrator) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errs.New(errs.KindValidationViolation, "extractworker.RunExtractJob", err)
	}

	src, err := w.rel.GetSource(ctx, p.SourceID)
	if err != nil {
		return err
	}

	groups := relevantGroups(project, src)
	if len(groups) == 0 {
		return w.jobs.Advance(ctx, job.ID, model.JobStatusCompleted, mustJSON(map[string]any{"extraction_count": 0}), "")
	}

	results, err := orc.Extract(ctx, src.EffectiveContent(), groups)
	if err != nil {
		return err
	}

	extractionIDs, err := w.commitResults(ctx, project, src, results)
	if err != nil {
		return err
	}

	result := mustJSON(map[string]any{"extraction_count": len(extractionIDs), "extraction_ids": extractionIDs})
	return w.jobs.Advance(ctx, job.ID, model.JobStatusCompleted, result, "")
}

func relevantGroups(project *model.Project, src *model.Source) []model.FieldGroup {
	if len(src.RelevantFieldGroups) == 0 {
		return project.ExtractionSchema.FieldGroups
	}
	want := make(map[string]bool, len(src.RelevantFieldGroups))
	for _, name := range src.RelevantFieldGroups {
		want[name] = true
	}
	var out []model.FieldGroup
	for _, g := range project.ExtractionSchema.FieldGroups {
		if want[g.Name] {
			out = append(out, g)
		}
	}
	return out
}

func (w *Worker) commitResults(ctx context.Context, project *model.Project, src *model.Source, results []orchestrator.GroupResult) ([]string, error) {
	var ids []string
	for _, gr := range results {
		if gr.Group.IsEntityList {
			for _, row := range gr.EntityRows {
				ex := &model.Extraction{
					ProjectID:      project.ID,
					SourceID:       src.ID,
					SourceGroup:    src.SourceGroup,
					ExtractionType: gr.Group.Name,
					Data:           row,
					Confidence:     gr.Confidence,
					ProfileUsed:    project.ExtractionSchema.Name,
				}
				saved, err := w.pipe.Commit(ctx, ex, embeddingText(gr.Group, row))
				if err != nil {
					return ids, err
				}
				ids = append(ids, saved.ID.String())

				if err := w.linkEntity(ctx, project, gr.Group, src, saved, row); err != nil {
					w.log.Warn().Err(err).Str("group", gr.Group.Name).Msg("entity link failed")
				}
			}
			continue
		}

		if len(gr.Data) == 0 {
			continue
		}
		ex := &model.Extraction{
			ProjectID:      project.ID,
			SourceID:       src.ID,
			SourceGroup:    src.SourceGroup,
			ExtractionType: gr.Group.Name,
			Data:           gr.Data,
			Confidence:     gr.Confidence,
			ProfileUsed:    project.ExtractionSchema.Name,
		}
		saved, err := w.pipe.Commit(ctx, ex, embeddingText(gr.Group, gr.Data))
		if err != nil {
			return ids, err
		}
		ids = append(ids, saved.ID.String())
	}
	return ids, nil
}

// linkEntity resolves the entity identified by group.EntityIDFields
// within row (creating it if new) and links it to the just-committed
// extraction.
func (w *Worker) linkEntity(ctx context.Context, project *model.Project, group model.FieldGroup, src *model.Source, ex *model.Extraction, row map[string]any) error {
	idFields := group.EntityIDFields
	if len(idFields) == 0 {
		return nil
	}

	var parts []string
	for _, f := range idFields {
		if v, ok := row[f]; ok {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	value := strings.Join(parts, " ")
	if strings.TrimSpace(value) == "" {
		return nil
	}
	normalized := strings.ToLower(strings.TrimSpace(value))

	entity, err := w.rel.InsertEntity(ctx, &model.Entity{
		ProjectID:       project.ID,
		SourceGroup:     src.SourceGroup,
		EntityType:      group.Name,
		Value:           value,
		NormalizedValue: normalized,
		Attributes:      row,
	})
	if err != nil {
		return err
	}

	return w.rel.LinkEntity(ctx, model.EntityLink{ExtractionID: ex.ID, EntityID: entity.ID, Role: "subject"})
}

// embeddingText renders a field group's extracted data as plain text for
// the embedding model, ordering fields by name for determinism.
func embeddingText(group model.FieldGroup, data map[string]any) string {
	var b strings.Builder
	b.WriteString(group.Name)
	b.WriteString(": ")

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v; ", k, data[k])
	}
	return b.String()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
