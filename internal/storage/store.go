package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/hatchq/hatchq/internal/domain"
)

// Store persists jobs in Postgres (source of truth). Every status
// transition is conditional on the current status so a live worker and the
// reconciliation sweep can race on the same row without clobbering each
// other: the loser gets domain.ErrConflict.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobColumns = `id, tenant_id, type, status, priority, queue_name,
input_data, output_data, retry_count, max_retries, retry_delay_ms,
visibility_timeout_ms, worker_id, error_message, error_details,
created_at, updated_at, started_at, completed_at, expires_at`

type InsertJobParams struct {
	TenantID            string
	Type                string
	Priority            int
	QueueName           string
	InputData           json.RawMessage
	MaxRetries          int
	RetryDelayMs        int
	VisibilityTimeoutMs int
	ExpiresAt           *time.Time
}

// InsertJob creates the row in status pending and returns the new job.
func (s *Store) InsertJob(ctx context.Context, p InsertJobParams) (*domain.Job, error) {
	id := uuid.NewString()
	row := s.db.QueryRow(ctx, `insert into jobs(
id, tenant_id, type, status, priority, queue_name, input_data,
retry_count, max_retries, retry_delay_ms, visibility_timeout_ms, expires_at
) values ($1,$2,$3,'pending',$4,$5,$6,0,$7,$8,$9,$10)
returning `+jobColumns,
		id, p.TenantID, p.Type, p.Priority, p.QueueName, p.InputData,
		p.MaxRetries, p.RetryDelayMs, p.VisibilityTimeoutMs, p.ExpiresAt,
	)
	j, err := scanJob(row)
	return j, errors.Wrap(err, "insert job")
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return j, errors.Wrap(err, "get job")
}

// ListJobs returns the tenant's jobs newest first.
func (s *Store) ListJobs(ctx context.Context, tenant string, limit, offset int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
where tenant_id = $1 order by created_at desc limit $2 offset $3`,
		tenant, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "list jobs scan")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

// MarkProcessing transitions pending -> processing and records the worker
// that took the lease.
func (s *Store) MarkProcessing(ctx context.Context, id, workerID string) error {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'processing', worker_id = $2, started_at = now(), updated_at = now()
where id = $1 and status = 'pending'`, id, workerID)
	if err != nil {
		return errors.Wrap(err, "mark processing")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// MarkCompleted transitions processing -> completed. Conditioned on the
// worker still being the row's holder so a recovered-and-retried job and
// its zombie first attempt cannot both commit results.
func (s *Store) MarkCompleted(ctx context.Context, id, workerID string, output json.RawMessage) error {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'completed', output_data = $3, completed_at = now(), updated_at = now()
where id = $1 and status = 'processing' and worker_id = $2`, id, workerID, output)
	if err != nil {
		return errors.Wrap(err, "mark completed")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// MarkRetrying transitions processing -> retrying with the incremented
// retry count and the failure that caused it.
func (s *Store) MarkRetrying(ctx context.Context, id string, retryCount int, errMsg string) error {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'retrying', retry_count = $2, error_message = $3, updated_at = now()
where id = $1 and status = 'processing'`, id, retryCount, errMsg)
	if err != nil {
		return errors.Wrap(err, "mark retrying")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// MarkPending flips a retrying job back to pending once its delay has
// elapsed and it is back on the queue.
func (s *Store) MarkPending(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'pending', updated_at = now()
where id = $1 and status = 'retrying'`, id)
	if err != nil {
		return errors.Wrap(err, "mark pending")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// MarkFailed transitions from an expected status to failed with a reason.
// Used for backlog trimming (pending -> failed) and lease recovery
// (processing -> failed).
func (s *Store) MarkFailed(ctx context.Context, id string, from domain.Status, reason string) error {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'failed', error_message = $3, updated_at = now()
where id = $1 and status = $2`, id, string(from), reason)
	if err != nil {
		return errors.Wrap(err, "mark failed")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// StaleProcessing returns in-flight jobs that have not been touched since
// olderThan. Candidates for lease recovery; the sweeper still checks the
// broker for a live lease before declaring them lost.
func (s *Store) StaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
where status = 'processing' and updated_at < $1
order by updated_at asc limit $2`, olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(err, "stale processing")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "stale processing scan")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "stale processing")
}

// StatusCounts aggregates job counts by status, optionally scoped to one
// tenant.
func (s *Store) StatusCounts(ctx context.Context, tenant string) (map[domain.Status]int64, error) {
	q := `select status, count(*) from jobs group by status`
	args := []any{}
	if tenant != "" {
		q = `select status, count(*) from jobs where tenant_id = $1 group by status`
		args = append(args, tenant)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "status counts")
	}
	defer rows.Close()

	counts := make(map[domain.Status]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "status counts scan")
		}
		counts[domain.Status(st)] = n
	}
	return counts, errors.Wrap(rows.Err(), "status counts")
}

// ArchiveOlderThan marks terminal jobs older than cutoff as archived and
// returns how many rows moved.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'archived', updated_at = now()
where status in ('completed','failed') and updated_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "archive")
	}
	return tag.RowsAffected(), nil
}

// PurgeExpired deletes archived jobs whose expiry has passed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from jobs
where status = 'archived' and expires_at is not null and expires_at < $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "purge expired")
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Type, &j.Status, &j.Priority, &j.QueueName,
		&j.InputData, &j.OutputData, &j.RetryCount, &j.MaxRetries,
		&j.RetryDelayMs, &j.VisibilityTimeoutMs, &j.WorkerID,
		&j.ErrorMessage, &j.ErrorDetails, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.CompletedAt, &j.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
