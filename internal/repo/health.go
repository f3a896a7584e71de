package repo

import (
	"context"
	"database/sql"

	"appfleet/internal/domain"
)

func (r Repo) UpsertHealthRecord(ctx context.Context, rec domain.HealthRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertHealthRecordTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertHealthRecordTx(ctx context.Context, tx *sql.Tx, rec domain.HealthRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO health_records(app_name, url, status, consecutive_failures, last_checked_at, last_latency_ms, last_error)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(app_name) DO UPDATE SET url=excluded.url, status=excluded.status,
consecutive_failures=excluded.consecutive_failures, last_checked_at=excluded.last_checked_at,
last_latency_ms=excluded.last_latency_ms, last_error=excluded.last_error`,
		rec.AppName, rec.URL, rec.Status, rec.ConsecutiveFailures, nullable(rec.LastCheckedAt), rec.LastLatencyMS, nullable(rec.LastError))
	return err
}

func (r Repo) GetHealthRecord(ctx context.Context, appName string) (domain.HealthRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT app_name, url, status, consecutive_failures, COALESCE(last_checked_at,''), last_latency_ms, COALESCE(last_error,'')
FROM health_records WHERE app_name=?`, appName)
	var rec domain.HealthRecord
	err := row.Scan(&rec.AppName, &rec.URL, &rec.Status, &rec.ConsecutiveFailures, &rec.LastCheckedAt, &rec.LastLatencyMS, &rec.LastError)
	if err == sql.ErrNoRows {
		return domain.HealthRecord{}, ErrNotFound
	}
	return rec, err
}

func (r Repo) ListHealthRecords(ctx context.Context) ([]domain.HealthRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT app_name, url, status, consecutive_failures, COALESCE(last_checked_at,''), last_latency_ms, COALESCE(last_error,'')
FROM health_records ORDER BY app_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HealthRecord
	for rows.Next() {
		var rec domain.HealthRecord
		if err := rows.Scan(&rec.AppName, &rec.URL, &rec.Status, &rec.ConsecutiveFailures, &rec.LastCheckedAt, &rec.LastLatencyMS, &rec.LastError); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
