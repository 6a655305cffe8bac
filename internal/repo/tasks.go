package repo

import (
	"context"
	"database/sql"
	"strings"

	"trustline/internal/domain"
)

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,title,description,created_at) VALUES (?,?,?,?)`,
		m.ID, m.Title, nullable(m.Description), m.CreatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	var m domain.Mission
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,description,created_at FROM missions WHERE id=?`, id).
		Scan(&m.ID, &m.Title, &desc, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if desc.Valid {
		m.Description = desc.String
	}
	return m, err
}

func (r Repo) ListMissions(ctx context.Context) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,description,created_at FROM missions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		var m domain.Mission
		var desc sql.NullString
		if err := rows.Scan(&m.ID, &m.Title, &desc, &m.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			m.Description = desc.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,mission_id,title,description,state,verification_method,max_completions,created_at,published_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MissionID, t.Title, nullable(t.Description), t.State, t.VerificationMethod,
		nullableIntPtr(t.MaxCompletions), t.CreatedAt, nullableStringPtr(t.PublishedAt))
	if err != nil {
		return err
	}
	for _, c := range t.Criteria {
		if _, err := tx.ExecContext(ctx, `INSERT INTO criteria(id,task_id,description,proof_type,sort_order) VALUES (?,?,?,?,?)`,
			c.ID, t.ID, c.Description, c.ProofType, c.SortOrder); err != nil {
			return err
		}
	}
	for _, inc := range t.Incentives {
		if _, err := tx.ExecContext(ctx, `INSERT INTO incentives(id,task_id,dimension,points) VALUES (?,?,?,?)`,
			inc.ID, t.ID, string(inc.Dimension), inc.Points); err != nil {
			return err
		}
	}
	return nil
}

// GetTask loads a task with its criteria and incentive schedule.
func (r Repo) GetTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	var t domain.Task
	var desc, publishedAt sql.NullString
	var maxCompletions sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT id,mission_id,title,description,state,verification_method,max_completions,created_at,published_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.MissionID, &t.Title, &desc, &t.State, &t.VerificationMethod, &maxCompletions, &t.CreatedAt, &publishedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if maxCompletions.Valid {
		v := int(maxCompletions.Int64)
		t.MaxCompletions = &v
	}
	if publishedAt.Valid {
		t.PublishedAt = &publishedAt.String
	}
	if t.Criteria, err = r.ListCriteria(ctx, q, id); err != nil {
		return t, err
	}
	if t.Incentives, err = r.ListIncentives(ctx, q, id); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) ListCriteria(ctx context.Context, q Querier, taskID string) ([]domain.Criterion, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,task_id,description,proof_type,sort_order FROM criteria WHERE task_id=? ORDER BY sort_order ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Criterion
	for rows.Next() {
		var c domain.Criterion
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Description, &c.ProofType, &c.SortOrder); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ListIncentives(ctx context.Context, q Querier, taskID string) ([]domain.Incentive, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,task_id,dimension,points FROM incentives WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incentive
	for rows.Next() {
		var inc domain.Incentive
		var dim string
		if err := rows.Scan(&inc.ID, &inc.TaskID, &dim, &inc.Points); err != nil {
			return nil, err
		}
		inc.Dimension = domain.Dimension(dim)
		res = append(res, inc)
	}
	return res, rows.Err()
}

// PublishTask flips draft to open. The WHERE state='draft' guard is the
// concurrency control: zero rows affected means another publisher won.
func (r Repo) PublishTask(ctx context.Context, tx *sql.Tx, id, publishedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='open', published_at=? WHERE id=? AND state='draft'`, publishedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type TaskFilters struct {
	MissionID string
	State     string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mission_id,title,description,state,verification_method,max_completions,created_at,published_at FROM tasks `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var desc, publishedAt sql.NullString
		var maxCompletions sql.NullInt64
		if err := rows.Scan(&t.ID, &t.MissionID, &t.Title, &desc, &t.State, &t.VerificationMethod, &maxCompletions, &t.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			t.Description = desc.String
		}
		if maxCompletions.Valid {
			v := int(maxCompletions.Int64)
			t.MaxCompletions = &v
		}
		if publishedAt.Valid {
			t.PublishedAt = &publishedAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
