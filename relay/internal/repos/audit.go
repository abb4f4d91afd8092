package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"station-relay/relay/internal/models"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS relay_audit_logs (
	audit_id     UUID PRIMARY KEY,
	occurred_at  TIMESTAMPTZ NOT NULL,
	client_id    TEXT,
	action       TEXT NOT NULL,
	station_id   TEXT,
	request_id   TEXT,
	method       TEXT,
	path         TEXT,
	status_code  INT NOT NULL,
	duration_ms  BIGINT NOT NULL,
	client_ip    TEXT,
	user_agent   TEXT,
	details      JSONB
);
CREATE INDEX IF NOT EXISTS relay_audit_logs_station_idx ON relay_audit_logs (station_id, occurred_at DESC);
`

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, auditSchema)
	return err
}

func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range entries {
		entry := entries[i]
		if entry.AuditID == uuid.Nil {
			entry.AuditID = uuid.New()
		}
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO relay_audit_logs (
				audit_id, occurred_at, client_id, action, station_id,
				request_id, method, path, status_code, duration_ms,
				client_ip, user_agent, details
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9, $10,
				$11, $12, $13
			)
		`,
			entry.AuditID,
			entry.OccurredAt,
			nullIfEmpty(entry.ClientID),
			entry.Action,
			entry.StationID,
			nullIfEmpty(entry.RequestID),
			nullIfEmpty(entry.Method),
			nullIfEmpty(entry.Path),
			entry.StatusCode,
			entry.DurationMS,
			nullIfEmpty(entry.ClientIP),
			nullIfEmpty(entry.UserAgent),
			entry.Details,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// RecentForStation returns the newest entries for stationID, newest first.
func (r *AuditRepo) RecentForStation(ctx context.Context, stationID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT audit_id, occurred_at, COALESCE(client_id, ''), action, station_id,
			COALESCE(request_id, ''), COALESCE(method, ''), COALESCE(path, ''),
			status_code, duration_ms, COALESCE(client_ip, ''), COALESCE(user_agent, ''), details
		FROM relay_audit_logs
		WHERE station_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(
			&e.AuditID, &e.OccurredAt, &e.ClientID, &e.Action, &e.StationID,
			&e.RequestID, &e.Method, &e.Path,
			&e.StatusCode, &e.DurationMS, &e.ClientIP, &e.UserAgent, &e.Details,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
