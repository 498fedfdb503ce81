package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/hatchq/hatchq/internal/domain"
)

// DeadLetter atomically snapshots the job into dead_letters and flips the
// original row processing -> dead_letter. The snapshot is immutable.
func (s *Store) DeadLetter(ctx context.Context, j *domain.Job, errMsg string) (*domain.DeadLetterRecord, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "dead letter begin")
	}
	defer tx.Rollback(ctx)

	rec := &domain.DeadLetterRecord{
		ID:            uuid.NewString(),
		OriginalJobID: j.ID,
		TenantID:      j.TenantID,
		Type:          j.Type,
		QueueName:     j.QueueName,
		InputData:     j.InputData,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		ErrorMessage:  errMsg,
		ErrorDetails:  j.ErrorDetails,
		FailedAt:      time.Now().UTC(),
	}

	tag, err := tx.Exec(ctx, `update jobs
set status = 'dead_letter', error_message = $2, updated_at = now()
where id = $1 and status = 'processing'`, j.ID, errMsg)
	if err != nil {
		return nil, errors.Wrap(err, "dead letter update")
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrConflict
	}

	if _, err := tx.Exec(ctx, `insert into dead_letters(
id, original_job_id, tenant_id, type, queue_name, input_data,
retry_count, max_retries, error_message, error_details, failed_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.OriginalJobID, rec.TenantID, rec.Type, rec.QueueName,
		rec.InputData, rec.RetryCount, rec.MaxRetries, rec.ErrorMessage,
		rec.ErrorDetails, rec.FailedAt,
	); err != nil {
		return nil, errors.Wrap(err, "dead letter insert")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "dead letter commit")
	}
	return rec, nil
}

const deadLetterColumns = `id, original_job_id, tenant_id, type, queue_name,
input_data, retry_count, max_retries, error_message, error_details,
failed_at, created_at`

func (s *Store) ListDeadLetters(ctx context.Context, tenant string, limit, offset int) ([]*domain.DeadLetterRecord, error) {
	rows, err := s.db.Query(ctx, `select `+deadLetterColumns+` from dead_letters
where ($1 = '' or tenant_id = $1) order by failed_at desc limit $2 offset $3`,
		tenant, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	defer rows.Close()

	var out []*domain.DeadLetterRecord
	for rows.Next() {
		var rec domain.DeadLetterRecord
		if err := rows.Scan(
			&rec.ID, &rec.OriginalJobID, &rec.TenantID, &rec.Type,
			&rec.QueueName, &rec.InputData, &rec.RetryCount, &rec.MaxRetries,
			&rec.ErrorMessage, &rec.ErrorDetails, &rec.FailedAt, &rec.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "list dead letters scan")
		}
		out = append(out, &rec)
	}
	return out, errors.Wrap(rows.Err(), "list dead letters")
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterRecord, error) {
	var rec domain.DeadLetterRecord
	err := s.db.QueryRow(ctx, `select `+deadLetterColumns+` from dead_letters where id = $1`, id).Scan(
		&rec.ID, &rec.OriginalJobID, &rec.TenantID, &rec.Type,
		&rec.QueueName, &rec.InputData, &rec.RetryCount, &rec.MaxRetries,
		&rec.ErrorMessage, &rec.ErrorDetails, &rec.FailedAt, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return &rec, errors.Wrap(err, "get dead letter")
}

// RequeueDeadLetter re-admits a dead-lettered job under operator control:
// dead_letter -> pending with retry bookkeeping reset. The snapshot row in
// dead_letters is left untouched. Returns the refreshed job so the caller
// can push it back on the queue.
func (s *Store) RequeueDeadLetter(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
set status = 'pending', retry_count = 0, worker_id = null,
    error_message = null, updated_at = now()
where id = $1 and status = 'dead_letter'
returning `+jobColumns, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrConflict
	}
	return j, errors.Wrap(err, "requeue dead letter")
}
