package repo

import (
	"context"
)

type MetricValue struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Value int64  `json:"value"`
}

func (r Repo) IncrCounter(ctx context.Context, name, label string, delta int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO counters(name, label, value) VALUES (?,?,?)
ON CONFLICT(name, label) DO UPDATE SET value=value+excluded.value`, name, label, delta)
	return err
}

func (r Repo) SetGauge(ctx context.Context, name, label string, value int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO gauges(name, label, value, updated_at) VALUES (?,?,?,?)
ON CONFLICT(name, label) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, name, label, value, now)
	return err
}

func (r Repo) ListCounters(ctx context.Context) ([]MetricValue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name, label, value FROM counters ORDER BY name ASC, label ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MetricValue
	for rows.Next() {
		var m MetricValue
		if err := rows.Scan(&m.Name, &m.Label, &m.Value); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListGauges(ctx context.Context) ([]MetricValue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name, label, value FROM gauges ORDER BY name ASC, label ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MetricValue
	for rows.Next() {
		var m MetricValue
		if err := rows.Scan(&m.Name, &m.Label, &m.Value); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
