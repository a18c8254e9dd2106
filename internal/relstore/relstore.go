// Package relstore holds the relational-store operations for sources,
// extractions, entities and domain boilerplate fingerprints, the data
// model that sits alongside the job queue (internal/jobstore). Raw SQL
// throughout, for the same reason internal/jobstore uses it. The
// domain-boilerplate upsert uses an ON CONFLICT ... DO UPDATE shape
// against a named unique constraint.
package relstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"kxpipe/internal/errs"
	"kxpipe/internal/model"
)

// ErrNotFound is returned when a lookup finds no row.
var ErrNotFound = errors.New("relstore: not found")

// Store is the relational backing store for sources/extractions/
// entities/domain-boilerplate/projects.
type Store struct {
	db *sql.DB
}

// New builds a Store over db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSource inserts a fetched document.
func (s *Store) CreateSource(ctx context.Context, src *model.Source) (*model.Source, error) {
	id := uuid.New()
	meta, err := json.Marshal(src.MetaData)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.CreateSource", err)
	}

	const q = `
		INSERT INTO sources (id, project_id, uri, source_group, source_type, title, content,
			cleaned_content, status, created_by_job_id, page_type, relevant_field_groups,
			classification_method, classification_confidence, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())
		RETURNING created_at`

	err = s.db.QueryRowContext(ctx, q, id, src.ProjectID, src.URI, src.SourceGroup, string(src.SourceType),
		src.Title, src.Content, src.CleanedContent, src.Status, src.CreatedByJobID, src.PageType,
		pqStringArray(src.RelevantFieldGroups), src.ClassificationMethod, src.ClassificationConf, meta,
	).Scan(&src.CreatedAt)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.CreateSource", err)
	}
	src.ID = id
	return src, nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, id uuid.UUID) (*model.Source, error) {
	const q = `
		SELECT id, project_id, uri, source_group, source_type, title, content, cleaned_content,
			status, created_by_job_id, page_type, relevant_field_groups, classification_method,
			classification_confidence, metadata, created_at
		FROM sources WHERE id = $1`

	row := s.db.QueryRowContext(ctx, q, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.GetSource", err)
	}
	return src, nil
}

// ListSourcesByDomain returns up to limit sources for (projectID, domain),
// used by the boilerplate detector to gather a sample page set.
func (s *Store) ListSourcesByDomain(ctx context.Context, projectID uuid.UUID, domain string, limit int) ([]*model.Source, error) {
	const q = `
		SELECT id, project_id, uri, source_group, source_type, title, content, cleaned_content,
			status, created_by_job_id, page_type, relevant_field_groups, classification_method,
			classification_confidence, metadata, created_at
		FROM sources
		WHERE project_id = $1 AND metadata->>'domain' = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, projectID, domain, limit)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.ListSourcesByDomain", err)
	}
	defer rows.Close()

	var out []*model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, errs.New(errs.KindDBError, "relstore.ListSourcesByDomain", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*model.Source, error) {
	var src model.Source
	var sourceType string
	var groups pqStringArr
	var meta []byte

	if err := row.Scan(&src.ID, &src.ProjectID, &src.URI, &src.SourceGroup, &sourceType, &src.Title,
		&src.Content, &src.CleanedContent, &src.Status, &src.CreatedByJobID, &src.PageType, &groups,
		&src.ClassificationMethod, &src.ClassificationConf, &meta, &src.CreatedAt); err != nil {
		return nil, err
	}
	src.SourceType = model.SourceType(sourceType)
	src.RelevantFieldGroups = groups
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &src.MetaData)
	}
	return &src, nil
}

// CreateExtraction inserts a structured-fact row.
func (s *Store) CreateExtraction(ctx context.Context, ex *model.Extraction) (*model.Extraction, error) {
	id := uuid.New()
	data, err := json.Marshal(ex.Data)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.CreateExtraction", err)
	}

	const q = `
		INSERT INTO extractions (id, project_id, source_id, source_group, extraction_type, data,
			confidence, profile_used, embedding_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
		RETURNING created_at`

	err = s.db.QueryRowContext(ctx, q, id, ex.ProjectID, ex.SourceID, ex.SourceGroup, ex.ExtractionType,
		data, ex.Confidence, ex.ProfileUsed, ex.EmbeddingID).Scan(&ex.CreatedAt)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.CreateExtraction", err)
	}
	ex.ID = id
	return ex, nil
}

// SetExtractionEmbeddingID records the vector-index point ID once an
// extraction's upsert has succeeded, closing the orphan window.
func (s *Store) SetExtractionEmbeddingID(ctx context.Context, id, embeddingID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE extractions SET embedding_id = $2 WHERE id = $1`, id, embeddingID)
	if err != nil {
		return errs.New(errs.KindDBError, "relstore.SetExtractionEmbeddingID", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrphanExtractions returns committed extractions with no embedding,
// the recovery sweep's candidate set.
func (s *Store) ListOrphanExtractions(ctx context.Context, projectID uuid.UUID, batchSize int) ([]*model.Extraction, error) {
	const q = `
		SELECT id, project_id, source_id, source_group, extraction_type, data, confidence,
			profile_used, embedding_id, created_at
		FROM extractions
		WHERE project_id = $1 AND embedding_id IS NULL
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, projectID, batchSize)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.ListOrphanExtractions", err)
	}
	defer rows.Close()

	var out []*model.Extraction
	for rows.Next() {
		ex, err := scanExtraction(rows)
		if err != nil {
			return nil, errs.New(errs.KindDBError, "relstore.ListOrphanExtractions", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExtraction(row rowScanner) (*model.Extraction, error) {
	var ex model.Extraction
	var data []byte
	if err := row.Scan(&ex.ID, &ex.ProjectID, &ex.SourceID, &ex.SourceGroup, &ex.ExtractionType,
		&data, &ex.Confidence, &ex.ProfileUsed, &ex.EmbeddingID, &ex.CreatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &ex.Data)
	}
	return &ex, nil
}

// UpsertDomainBoilerplate writes bp, replacing any existing fingerprint
// for (project_id, domain) via an ON CONFLICT upsert against the
// uq_domain_boilerplate_project_domain constraint.
func (s *Store) UpsertDomainBoilerplate(ctx context.Context, bp *model.DomainBoilerplate) error {
	const q = `
		INSERT INTO domain_boilerplate (id, project_id, domain, boilerplate_hashes, pages_analyzed,
			blocks_total, blocks_boilerplate, threshold_pct, min_pages, min_block_chars, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
		ON CONFLICT ON CONSTRAINT uq_domain_boilerplate_project_domain
		DO UPDATE SET
			boilerplate_hashes = EXCLUDED.boilerplate_hashes,
			pages_analyzed = EXCLUDED.pages_analyzed,
			blocks_total = EXCLUDED.blocks_total,
			blocks_boilerplate = EXCLUDED.blocks_boilerplate,
			threshold_pct = EXCLUDED.threshold_pct,
			min_pages = EXCLUDED.min_pages,
			min_block_chars = EXCLUDED.min_block_chars,
			updated_at = now()`

	id := uuid.New()
	_, err := s.db.ExecContext(ctx, q, id, bp.ProjectID, bp.Domain, pqStringArray(bp.BoilerplateHashes),
		bp.PagesAnalyzed, bp.BlocksTotal, bp.BlocksBoilerplate, bp.ThresholdPct, bp.MinPages, bp.MinBlockChars)
	if err != nil {
		return errs.New(errs.KindConstraintViolation, "relstore.UpsertDomainBoilerplate", err)
	}
	return nil
}

// GetDomainBoilerplate fetches the fingerprint for (projectID, domain).
func (s *Store) GetDomainBoilerplate(ctx context.Context, projectID uuid.UUID, domain string) (*model.DomainBoilerplate, error) {
	const q = `
		SELECT id, project_id, domain, boilerplate_hashes, pages_analyzed, blocks_total,
			blocks_boilerplate, threshold_pct, min_pages, min_block_chars, updated_at
		FROM domain_boilerplate WHERE project_id = $1 AND domain = $2`

	var bp model.DomainBoilerplate
	var hashes pqStringArr
	err := s.db.QueryRowContext(ctx, q, projectID, domain).Scan(&bp.ID, &bp.ProjectID, &bp.Domain,
		&hashes, &bp.PagesAnalyzed, &bp.BlocksTotal, &bp.BlocksBoilerplate, &bp.ThresholdPct,
		&bp.MinPages, &bp.MinBlockChars, &bp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.GetDomainBoilerplate", err)
	}
	bp.BoilerplateHashes = hashes
	return &bp, nil
}

// InsertEntity inserts a normalized entity row.
func (s *Store) InsertEntity(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	id := uuid.New()
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.InsertEntity", err)
	}

	const q = `
		INSERT INTO entities (id, project_id, source_group, entity_type, value, normalized_value, attributes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())
		RETURNING created_at`

	err = s.db.QueryRowContext(ctx, q, id, e.ProjectID, e.SourceGroup, e.EntityType, e.Value,
		e.NormalizedValue, attrs).Scan(&e.CreatedAt)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.InsertEntity", err)
	}
	e.ID = id
	return e, nil
}

// LinkEntity associates an extraction with an entity under a role.
func (s *Store) LinkEntity(ctx context.Context, link model.EntityLink) error {
	const q = `
		INSERT INTO extraction_entity_links (extraction_id, entity_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (extraction_id, entity_id, role) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, link.ExtractionID, link.EntityID, link.Role)
	if err != nil {
		return errs.New(errs.KindDBError, "relstore.LinkEntity", err)
	}
	return nil
}

// CreateProject inserts a new project, used at bootstrap time to seed
// the tenant a worker daemon operates against.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) (*model.Project, error) {
	id := uuid.New()
	schema, err := json.Marshal(p.ExtractionSchema)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.CreateProject", err)
	}
	extractionCtx, err := json.Marshal(p.ExtractionContext)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.CreateProject", err)
	}
	var classification, crawlCfg []byte
	if p.ClassificationConfig != nil {
		classification, _ = json.Marshal(p.ClassificationConfig)
	}
	if p.CrawlConfig != nil {
		crawlCfg, _ = json.Marshal(p.CrawlConfig)
	}

	const q = `
		INSERT INTO projects (id, name, extraction_schema, entity_types, extraction_context,
			classification_config, crawl_config, deleted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false, now(), now())
		RETURNING created_at, updated_at`

	err = s.db.QueryRowContext(ctx, q, id, p.Name, schema, pqStringArray(p.EntityTypes), extractionCtx,
		nullableJSON(classification), nullableJSON(crawlCfg)).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.CreateProject", err)
	}
	p.ID = id
	return p, nil
}

// ListActiveProjects returns every non-deleted project, used to drive the
// recovery sweep across tenants.
func (s *Store) ListActiveProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects WHERE deleted = false`)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.ListActiveProjects", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errs.New(errs.KindDBError, "relstore.ListActiveProjects", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.ListActiveProjects", err)
	}

	out := make([]*model.Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// GetProject fetches a project's config, the schema/classification/crawl
// settings that drive every other component.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	const q = `
		SELECT id, name, extraction_schema, entity_types, extraction_context,
			classification_config, crawl_config, deleted, created_at, updated_at
		FROM projects WHERE id = $1`

	var p model.Project
	var schema, extractionCtx []byte
	var classification, crawlCfg sql.NullString
	var entityTypes pqStringArr

	err := s.db.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.Name, &schema, &entityTypes, &extractionCtx,
		&classification, &crawlCfg, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.New(errs.KindDBError, "relstore.GetProject", err)
	}

	p.EntityTypes = entityTypes
	_ = json.Unmarshal(schema, &p.ExtractionSchema)
	_ = json.Unmarshal(extractionCtx, &p.ExtractionContext)
	if classification.Valid {
		var cc model.ClassificationConfig
		if json.Unmarshal([]byte(classification.String), &cc) == nil {
			p.ClassificationConfig = &cc
		}
	}
	if crawlCfg.Valid {
		var cfg model.CrawlConfig
		if json.Unmarshal([]byte(crawlCfg.String), &cfg) == nil {
			p.CrawlConfig = &cfg
		}
	}
	return &p, nil
}
