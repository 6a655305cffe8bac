package repo

import (
	"context"
	"database/sql"

	"trustline/internal/domain"
)

func (r Repo) GetSetting(ctx context.Context, q Querier, key string) (domain.Setting, error) {
	var s domain.Setting
	var desc sql.NullString
	err := q.QueryRowContext(ctx, `SELECT key,value_json,description,updated_at FROM settings WHERE key=?`, key).
		Scan(&s.Key, &s.Value, &desc, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if desc.Valid {
		s.Description = desc.String
	}
	return s, err
}

func (r Repo) UpsertSetting(ctx context.Context, tx *sql.Tx, s domain.Setting) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO settings(key,value_json,description,updated_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, description=COALESCE(excluded.description, settings.description), updated_at=excluded.updated_at`,
		s.Key, s.Value, nullable(s.Description), s.UpdatedAt)
	return err
}

func (r Repo) ListSettings(ctx context.Context) ([]domain.Setting, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value_json,description,updated_at FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Setting
	for rows.Next() {
		var s domain.Setting
		var desc sql.NullString
		if err := rows.Scan(&s.Key, &s.Value, &desc, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			s.Description = desc.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
