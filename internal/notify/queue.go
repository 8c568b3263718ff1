package notify

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/lib/pq"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// staleClaimAge is how long an IN_FLIGHT job may sit untouched before the
// sweep assumes its owner died and returns it to the pool.
const staleClaimAge = 10 * time.Minute

const jobColumns = `job_id, tenant_id, alert_id, channel_id, trigger_event, status,
		attempt_count, max_attempts, next_attempt_at, owner_token, payload, last_error`

// Queue owns the notification_jobs table: enqueue on alert transitions,
// claim with per-channel serialization, and the attempt/dead-letter
// bookkeeping for every outcome. All access runs service-scoped; the job
// rows carry their tenant and the row-level policy does not apply to the
// worker role.
type Queue struct {
	gateway *store.Gateway
	logger  logging.Logger
	enqueue failsafe.Executor[any]
}

func NewQueue(gw *store.Gateway, logger logging.Logger) *Queue {
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(250*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		HandleIf(func(_ any, err error) bool {
			return faults.IsTransient(err)
		}).
		Build()

	return &Queue{
		gateway: gw,
		logger:  logger,
		enqueue: failsafe.With(policy),
	}
}

// Enqueue inserts one job for an (alert, channel, event) triple. The
// unique key makes re-routing the same transition a no-op; inserted
// reports whether this call created the row.
func (q *Queue) Enqueue(ctx context.Context, job models.NotificationJob) (inserted bool, err error) {
	_, err = q.enqueue.WithContext(ctx).Get(func() (any, error) {
		return nil, q.gateway.WithService(ctx, func(tx *sql.Tx) error {
			res, execErr := tx.ExecContext(ctx, `
				INSERT INTO notification_jobs
					(tenant_id, alert_id, channel_id, trigger_event, status,
					 attempt_count, max_attempts, next_attempt_at, payload)
				VALUES ($1, $2, $3, $4, $5, 0, $6, now(), $7)
				ON CONFLICT (tenant_id, alert_id, channel_id, trigger_event) DO NOTHING`,
				job.TenantID, job.AlertID, job.ChannelID, job.TriggerEvent,
				models.JobPending, job.MaxAttempts, job.Payload)
			if execErr != nil {
				return execErr
			}
			n, execErr := res.RowsAffected()
			if execErr != nil {
				return execErr
			}
			inserted = n > 0
			return nil
		})
	})
	return inserted, err
}

// Claim leases the oldest due PENDING job to ownerToken. At most one job
// per (tenant, channel) is ever IN_FLIGHT, which keeps channel deliveries
// ordered and spares endpoints a thundering herd after an outage. SKIP
// LOCKED lets concurrent claimers fan out instead of queueing on the same
// row. Returns ok=false when nothing is due.
func (q *Queue) Claim(ctx context.Context, ownerToken string) (*models.NotificationJob, bool, error) {
	var job models.NotificationJob
	err := q.gateway.WithService(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE notification_jobs
			SET status = $2, owner_token = $1, updated_at = now()
			WHERE job_id = (
				SELECT j.job_id
				FROM notification_jobs j
				WHERE j.status = $3
				  AND j.next_attempt_at <= now()
				  AND NOT EXISTS (
					SELECT 1 FROM notification_jobs f
					WHERE f.status = $2
					  AND f.tenant_id = j.tenant_id
					  AND f.channel_id = j.channel_id
				  )
				ORDER BY j.next_attempt_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns,
			ownerToken, models.JobInFlight, models.JobPending)
		return scanJob(row, &job)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &job, true, nil
}

// Complete marks the job delivered and records the attempt.
func (q *Queue) Complete(ctx context.Context, job *models.NotificationJob, detail string, elapsed time.Duration) error {
	return q.gateway.WithService(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = $2, owner_token = NULL, last_error = NULL, updated_at = now()
			WHERE job_id = $1`,
			job.JobID, models.JobCompleted); err != nil {
			return err
		}
		return insertAttempt(ctx, tx, job.JobID, job.AttemptCount+1, models.AttemptSuccess, detail, elapsed)
	})
}

// Retry returns the job to PENDING with the next attempt scheduled after
// the caller-computed backoff.
func (q *Queue) Retry(ctx context.Context, job *models.NotificationJob, detail string, delay time.Duration, elapsed time.Duration) error {
	return q.gateway.WithService(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = $2, owner_token = NULL, attempt_count = $3,
			    next_attempt_at = now() + make_interval(secs => $4),
			    last_error = $5, updated_at = now()
			WHERE job_id = $1`,
			job.JobID, models.JobPending, job.AttemptCount+1, delay.Seconds(), detail); err != nil {
			return err
		}
		return insertAttempt(ctx, tx, job.JobID, job.AttemptCount+1, models.AttemptTransientFailure, detail, elapsed)
	})
}

// Fail retires the job and copies it to the dead-letter table for manual
// replay. Used for permanent errors and attempt exhaustion.
func (q *Queue) Fail(ctx context.Context, job *models.NotificationJob, outcome, detail string, elapsed time.Duration) error {
	return q.gateway.WithService(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = $2, owner_token = NULL, attempt_count = $3,
			    last_error = $4, updated_at = now()
			WHERE job_id = $1`,
			job.JobID, models.JobFailed, job.AttemptCount+1, detail); err != nil {
			return err
		}
		if err := insertAttempt(ctx, tx, job.JobID, job.AttemptCount+1, outcome, detail, elapsed); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notification_dead_letters
				(tenant_id, job_id, alert_id, channel_id, trigger_event, payload, last_error, attempts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			job.TenantID, job.JobID, job.AlertID, job.ChannelID, job.TriggerEvent,
			job.Payload, detail, job.AttemptCount+1)
		return err
	})
}

// ResetClaims releases this process's unfinished claims on shutdown so
// another worker picks them up immediately.
func (q *Queue) ResetClaims(ctx context.Context, ownerTokens []string) (int64, error) {
	if len(ownerTokens) == 0 {
		return 0, nil
	}
	var n int64
	err := q.gateway.WithService(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = $2, owner_token = NULL, next_attempt_at = now(), updated_at = now()
			WHERE owner_token = ANY($1) AND status = $3`,
			pq.Array(ownerTokens), models.JobPending, models.JobInFlight)
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return n, err
}

// ReapStale rescues IN_FLIGHT jobs whose owner crashed without resetting
// them. Runs from the sweep loop.
func (q *Queue) ReapStale(ctx context.Context) (int64, error) {
	var n int64
	err := q.gateway.WithService(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = $1, owner_token = NULL, next_attempt_at = now(), updated_at = now()
			WHERE status = $2 AND updated_at < now() - make_interval(secs => $3)`,
			models.JobPending, models.JobInFlight, staleClaimAge.Seconds())
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return n, err
}

// ReplayDeadLetter requeues the job behind a dead letter: PENDING, zero
// attempts, due immediately. The dead-letter row stays for audit.
func (q *Queue) ReplayDeadLetter(ctx context.Context, tenantID, deadLetterID string) (string, error) {
	var jobID string
	err := q.gateway.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT job_id FROM notification_dead_letters WHERE dead_letter_id = $1`,
			deadLetterID)
		if err := row.Scan(&jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return faults.Newf(faults.KindPermanent, "dead letter %s not found", deadLetterID)
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = $2, attempt_count = 0, owner_token = NULL,
			    next_attempt_at = now(), last_error = NULL, updated_at = now()
			WHERE job_id = $1`,
			jobID, models.JobPending)
		return err
	})
	return jobID, err
}

// Depth counts runnable PENDING jobs for the queue-depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.gateway.WithService(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM notification_jobs WHERE status = $1`,
			models.JobPending)
		return row.Scan(&n)
	})
	return n, err
}

func insertAttempt(ctx context.Context, tx *sql.Tx, jobID string, number int, outcome, detail string, elapsed time.Duration) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notification_attempts (job_id, attempt_number, outcome, detail, duration_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		jobID, number, outcome, detail, elapsed.Milliseconds())
	return err
}

func scanJob(row *sql.Row, job *models.NotificationJob) error {
	return row.Scan(
		&job.JobID, &job.TenantID, &job.AlertID, &job.ChannelID, &job.TriggerEvent,
		&job.Status, &job.AttemptCount, &job.MaxAttempts, &job.NextAttemptAt,
		&job.OwnerToken, &job.Payload, &job.LastError)
}
