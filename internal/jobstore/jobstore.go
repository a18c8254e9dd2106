// Package jobstore implements a durable job queue: atomic claim via
// SELECT ... FOR UPDATE SKIP LOCKED, the
// queued/running/cancelling/cancelled(-or-completed/failed) state
// machine, and stale-job recovery. Queries are written directly against
// *sql.DB rather than through a generated query layer.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"kxpipe/internal/errs"
	"kxpipe/internal/model"
)

// ErrNotFound is returned when a job lookup finds no row.
var ErrNotFound = errors.New("jobstore: job not found")

// ErrNotCancellable is returned when RequestCancel is called on a job
// already in a terminal or cancelling state.
var ErrNotCancellable = errors.New("jobstore: job cannot be cancelled from its current state")

// Store is the job queue's relational backing store.
type Store struct {
	db *sql.DB
}

// New builds a Store over db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new queued job.
func (s *Store) Create(ctx context.Context, projectID uuid.UUID, jobType model.JobType, priority int32, payload any) (*model.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.Create", err)
	}

	id := uuid.New()
	const q = `
		INSERT INTO jobs (id, project_id, type, status, priority, payload, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, now(), now())
		RETURNING id, project_id, type, status, priority, payload, result, error,
			created_at, started_at, completed_at, updated_at, cancellation_requested_at`

	row := s.db.QueryRowContext(ctx, q, id, projectID, string(jobType), priority, raw)
	job, err := scanJob(row)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.Create", err)
	}
	return job, nil
}

// Get fetches a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	const q = `
		SELECT id, project_id, type, status, priority, payload, result, error,
			created_at, started_at, completed_at, updated_at, cancellation_requested_at
		FROM jobs WHERE id = $1`

	row := s.db.QueryRowContext(ctx, q, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.Get", err)
	}
	return job, nil
}

// ClaimNext atomically claims up to limit jobs of jobType, moving them
// to running, using SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never double-claim a row. A job is eligible either because it
// is freshly queued, or because it has been running past staleThreshold
// without a heartbeat (see Touch) — the same claim protocol re-claims a
// worker-killed job rather than routing it through a separate recovery
// path, so no committed progress is discarded.
func (s *Store) ClaimNext(ctx context.Context, jobType model.JobType, limit int, staleThreshold time.Duration) ([]*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.ClaimNext", err)
	}
	defer tx.Rollback()

	cutoff := time.Now().Add(-staleThreshold)
	const selectQ = `
		SELECT id FROM jobs
		WHERE type = $1 AND (status = 'queued' OR (status = 'running' AND updated_at < $2))
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, selectQ, string(jobType), cutoff, limit)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.ClaimNext", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.New(errs.KindDBError, "jobstore.ClaimNext", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.ClaimNext", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	const updateQ = `
		UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = ANY($1)
		RETURNING id, project_id, type, status, priority, payload, result, error,
			created_at, started_at, completed_at, updated_at, cancellation_requested_at`

	idArr := make([]string, len(ids))
	for i, id := range ids {
		idArr[i] = id.String()
	}

	claimRows, err := tx.QueryContext(ctx, updateQ, idArr)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.ClaimNext", err)
	}
	defer claimRows.Close()

	var jobs []*model.Job
	for claimRows.Next() {
		job, err := scanJobRows(claimRows)
		if err != nil {
			return nil, errs.New(errs.KindDBError, "jobstore.ClaimNext", err)
		}
		jobs = append(jobs, job)
	}
	if err := claimRows.Err(); err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.ClaimNext", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.ClaimNext", err)
	}
	return jobs, nil
}

// Advance transitions a job to a terminal or intermediate status,
// recording its result/error as applicable.
func (s *Store) Advance(ctx context.Context, id uuid.UUID, status model.JobStatus, result json.RawMessage, errMsg string) error {
	var completedAtClause string
	if status == model.JobStatusCompleted || status == model.JobStatusFailed || status == model.JobStatusCancelled {
		completedAtClause = ", completed_at = now()"
	}

	q := `UPDATE jobs SET status = $2, result = $3, error = $4, updated_at = now()` + completedAtClause + ` WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, string(status), nullRawMessage(result), nullString(errMsg))
	if err != nil {
		return errs.New(errs.KindDBError, "jobstore.Advance", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel marks a job cancelling if it is currently queued or
// running (only those two source states may transition to cancelling).
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	const q = `
		UPDATE jobs SET status = 'cancelling', cancellation_requested_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`

	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return errs.New(errs.KindDBError, "jobstore.RequestCancel", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotCancellable
	}
	return nil
}

// MarkCancelled finalizes a cancelling job as cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	const q = `
		UPDATE jobs SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'cancelling'`

	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return errs.New(errs.KindDBError, "jobstore.MarkCancelled", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsCancellationRequested reports whether the job's current status is
// cancelling, the signal a running worker polls to cooperatively abort.
func (s *Store) IsCancellationRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `SELECT status = 'cancelling' FROM jobs WHERE id = $1`
	var requested bool
	err := s.db.QueryRowContext(ctx, q, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, errs.New(errs.KindDBError, "jobstore.IsCancellationRequested", err)
	}
	return requested, nil
}

// Touch refreshes a running job's updated_at as a liveness heartbeat, so
// a worker still actively processing a long job is not mistaken for
// stale by FindStale or re-claimed out from under it by ClaimNext.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE jobs SET updated_at = now() WHERE id = $1 AND status = 'running'`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return errs.New(errs.KindDBError, "jobstore.Touch", err)
	}
	return nil
}

// FindStale returns running jobs of jobType whose updated_at predates
// the cutoff — i.e. jobs that have gone quiet, either because their
// worker died or because it stopped heartbeating. These are surfaced
// for observability only: ClaimNext's own predicate is what actually
// re-claims them.
func (s *Store) FindStale(ctx context.Context, jobType model.JobType, olderThan time.Duration) ([]*model.Job, error) {
	cutoff := time.Now().Add(-olderThan)
	const q = `
		SELECT id, project_id, type, status, priority, payload, result, error,
			created_at, started_at, completed_at, updated_at, cancellation_requested_at
		FROM jobs
		WHERE type = $1 AND status = 'running' AND updated_at < $2`

	rows, err := s.db.QueryContext(ctx, q, string(jobType), cutoff)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.FindStale", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, errs.New(errs.KindDBError, "jobstore.FindStale", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListTerminalOlderThan returns up to limit completed/failed/cancelled
// jobs created before the retention cutoff, the candidate set for the
// retention sweep.
func (s *Store) ListTerminalOlderThan(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Job, error) {
	cutoff := time.Now().Add(-olderThan)
	const q = `
		SELECT id, project_id, type, status, priority, payload, result, error,
			created_at, started_at, completed_at, updated_at, cancellation_requested_at
		FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, cutoff, limit)
	if err != nil {
		return nil, errs.New(errs.KindDBError, "jobstore.ListTerminalOlderThan", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, errs.New(errs.KindDBError, "jobstore.ListTerminalOlderThan", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete hard-deletes a job row. Call DeleteArtifacts first if its
// sources/vector points should go too — Delete only removes the job
// itself.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return errs.New(errs.KindDBError, "jobstore.Delete", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// VectorDeleter is the slice of vectorindex.Index that DeleteArtifacts
// needs. Declared here, rather than importing vectorindex directly, so
// the job queue stays ignorant of how vector points are stored.
type VectorDeleter interface {
	DeleteBatch(ctx context.Context, collection string, ids []uuid.UUID) error
}

// ArtifactCounts reports how much DeleteArtifacts removed.
type ArtifactCounts struct {
	VectorPoints int
	Sources      int
}

// DeleteArtifacts removes everything a job produced: vector points for
// its sources' extractions (via vec), then the source rows themselves
// (created_by_job_id), whose ON DELETE CASCADE foreign keys take their
// extractions and entity links with them. The job row itself is left
// alone — this only clears the artifacts a job is responsible for, not
// its own history. Calling it again after everything is already gone
// returns zero counts rather than erroring, since the sources it looks
// up are simply no longer there. vec may be nil, in which case any
// already-embedded extractions are left in the vector index and only
// VectorPoints is reported as 0; callers that care about vector cleanup
// must pass a live index.
func (s *Store) DeleteArtifacts(ctx context.Context, jobID uuid.UUID, vec VectorDeleter, collection string) (ArtifactCounts, error) {
	var counts ArtifactCounts

	const embeddingQ = `
		SELECT e.embedding_id
		FROM extractions e
		JOIN sources src ON src.id = e.source_id
		WHERE src.created_by_job_id = $1 AND e.embedding_id IS NOT NULL`

	rows, err := s.db.QueryContext(ctx, embeddingQ, jobID)
	if err != nil {
		return counts, errs.New(errs.KindDBError, "jobstore.DeleteArtifacts", err)
	}
	var embeddingIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return counts, errs.New(errs.KindDBError, "jobstore.DeleteArtifacts", err)
		}
		embeddingIDs = append(embeddingIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return counts, errs.New(errs.KindDBError, "jobstore.DeleteArtifacts", err)
	}

	if len(embeddingIDs) > 0 && vec != nil {
		if err := vec.DeleteBatch(ctx, collection, embeddingIDs); err != nil {
			return counts, err
		}
		counts.VectorPoints = len(embeddingIDs)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE created_by_job_id = $1`, jobID)
	if err != nil {
		return counts, errs.New(errs.KindDBError, "jobstore.DeleteArtifacts", err)
	}
	n, _ := res.RowsAffected()
	counts.Sources = int(n)

	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*model.Job, error) {
	return scanJobRows(row)
}

func scanJobRows(row rowScanner) (*model.Job, error) {
	var j model.Job
	var typ, status string
	var payload, result []byte
	var errMsg sql.NullString
	var startedAt, completedAt, cancelReqAt sql.NullTime

	if err := row.Scan(&j.ID, &j.ProjectID, &typ, &status, &j.Priority, &payload, &result,
		&errMsg, &j.CreatedAt, &startedAt, &completedAt, &j.UpdatedAt, &cancelReqAt); err != nil {
		return nil, err
	}

	j.Type = model.JobType(typ)
	j.Status = model.JobStatus(status)
	j.Payload = payload
	j.Result = result
	j.Error = errMsg.String
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if cancelReqAt.Valid {
		j.CancellationRequestedAt = &cancelReqAt.Time
	}
	return &j, nil
}

func nullRawMessage(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
