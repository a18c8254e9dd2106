// Package pipeline implements the dual-write extraction pipeline and its
// orphan recovery sweep: commit structured facts to the relational store
// first, then upsert their embeddings into the vector index, and
// periodically recover any extraction left without a vector entry by
// that two-step write not completing atomically.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"kxpipe/internal/alert"
	"kxpipe/internal/errs"
	"kxpipe/internal/llm"
	"kxpipe/internal/model"
	"kxpipe/internal/relstore"
	"kxpipe/internal/vectorindex"
)

// Config controls recovery sweep sizing.
type Config struct {
	Collection     string
	EmbeddingDim   int
	MaxBatches     int
	BatchSize      int
	MaxConcurrency int64
}

// DefaultConfig returns the default recovery loop constants
// (max_batches=10, batch_size=50).
func DefaultConfig() Config {
	return Config{Collection: "extractions", EmbeddingDim: 1024, MaxBatches: 10, BatchSize: 50, MaxConcurrency: 8}
}

// Pipeline commits extraction results to Postgres, then the vector
// index, recovering orphans left behind by a crash between the two.
type Pipeline struct {
	rel   *relstore.Store
	embed llm.EmbeddingClient
	index vectorindex.Index
	alert *alert.Service
	cfg   Config
	log   zerolog.Logger
}

// New builds a Pipeline.
func New(rel *relstore.Store, embed llm.EmbeddingClient, index vectorindex.Index, alertSvc *alert.Service, cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{rel: rel, embed: embed, index: index, alert: alertSvc, cfg: cfg, log: log}
}

// Commit writes one extraction: first the relational row (the durable
// source of truth), then its embedding into the vector index. A failure
// after the relational write leaves an orphan for RecoverOrphans to pick
// up later rather than losing the extraction outright.
func (p *Pipeline) Commit(ctx context.Context, ex *model.Extraction, embeddingText string) (*model.Extraction, error) {
	saved, err := p.rel.CreateExtraction(ctx, ex)
	if err != nil {
		return nil, err
	}

	if err := p.upsertVector(ctx, saved, embeddingText); err != nil {
		p.log.Warn().Err(err).Str("extraction_id", saved.ID.String()).Msg("vector upsert failed after relational commit; extraction is orphaned until recovery")
		return saved, nil
	}
	return saved, nil
}

// upsertVector embeds embeddingText and upserts it keyed by ex.ID itself
// rather than a freshly minted id, so re-running this for the same
// extraction (recovery retried twice, or a crash between the upsert and
// SetExtractionEmbeddingID) overwrites the same point instead of
// accumulating duplicates.
func (p *Pipeline) upsertVector(ctx context.Context, ex *model.Extraction, embeddingText string) error {
	vec, err := p.embed.Embed(ctx, embeddingText)
	if err != nil {
		return errs.New(errs.KindEmbeddingFailure, "pipeline.upsertVector", err)
	}

	payload, err := json.Marshal(ex.Data)
	if err != nil {
		return errs.New(errs.KindVectorUpsertFailure, "pipeline.upsertVector", err)
	}
	var payloadMap map[string]any
	_ = json.Unmarshal(payload, &payloadMap)
	if payloadMap == nil {
		payloadMap = map[string]any{}
	}
	payloadMap["project_id"] = ex.ProjectID.String()
	payloadMap["source_group"] = ex.SourceGroup
	payloadMap["extraction_type"] = ex.ExtractionType

	point := vectorindex.Point{ID: ex.ID, Vector: vec, Payload: payloadMap}
	if err := p.index.UpsertBatch(ctx, p.cfg.Collection, []vectorindex.Point{point}); err != nil {
		return err
	}

	return p.rel.SetExtractionEmbeddingID(ctx, ex.ID, ex.ID)
}

// RecoverySummary reports one recovery sweep's outcome.
type RecoverySummary struct {
	Recovered int
	Failed    int
	Batches   int
}

// RecoverOrphans repeatedly scans for orphaned extractions and retries
// their vector upsert, bounded to cfg.MaxBatches rounds of cfg.BatchSize
// each, firing a recovery-completed alert when done.
func (p *Pipeline) RecoverOrphans(ctx context.Context, projectID uuid.UUID, embeddingTextFor func(*model.Extraction) string) (RecoverySummary, error) {
	summary := RecoverySummary{}

	for batch := 0; batch < p.cfg.MaxBatches; batch++ {
		orphans, err := p.rel.ListOrphanExtractions(ctx, projectID, p.cfg.BatchSize)
		if err != nil {
			return summary, err
		}
		if len(orphans) == 0 {
			break
		}
		summary.Batches++

		recovered, failed := p.recoverBatch(ctx, orphans, embeddingTextFor)
		summary.Recovered += recovered
		summary.Failed += failed
	}

	if p.alert != nil {
		_ = p.alert.RecoveryCompleted(ctx, projectID, summary.Recovered, summary.Failed)
	}
	return summary, nil
}

// recoverBatch retries each orphan's vector upsert with bounded
// concurrency, collecting every result rather than failing fast on the
// first error — one bad extraction must not stop the rest of the batch
// from recovering.
func (p *Pipeline) recoverBatch(ctx context.Context, orphans []*model.Extraction, embeddingTextFor func(*model.Extraction) string) (recovered, failed int) {
	sem := semaphore.NewWeighted(p.cfg.MaxConcurrency)
	results := make(chan bool, len(orphans))

	for _, ex := range orphans {
		ex := ex
		if err := sem.Acquire(ctx, 1); err != nil {
			results <- false
			continue
		}
		go func() {
			defer sem.Release(1)
			text := embeddingTextFor(ex)
			err := p.upsertVector(ctx, ex, text)
			if err != nil {
				p.log.Warn().Err(err).Str("extraction_id", ex.ID.String()).Msg("orphan recovery upsert failed")
			}
			results <- err == nil
		}()
	}

	for range orphans {
		if <-results {
			recovered++
		} else {
			failed++
		}
	}
	return recovered, failed
}

// EnsureCollection initializes the vector index's collection, idempotent
// across restarts.
func (p *Pipeline) EnsureCollection(ctx context.Context) error {
	if err := p.index.InitCollection(ctx, p.cfg.Collection, p.cfg.EmbeddingDim); err != nil {
		return fmt.Errorf("ensure vector collection: %w", err)
	}
	return nil
}
