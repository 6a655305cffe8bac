package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"trustline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx so reads can run inside or
// outside a transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO members(id,display_name,role,trust_score,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		m.ID, nullable(m.DisplayName), string(m.Role), m.TrustScore, m.CreatedAt, m.UpdatedAt)
	return err
}

func scanMember(row *sql.Row) (domain.Member, error) {
	var m domain.Member
	var display sql.NullString
	var role string
	err := row.Scan(&m.ID, &display, &role, &m.TrustScore, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if display.Valid {
		m.DisplayName = display.String
	}
	m.Role = domain.Role(role)
	return m, nil
}

func (r Repo) GetMember(ctx context.Context, q Querier, id string) (domain.Member, error) {
	return scanMember(q.QueryRowContext(ctx, `SELECT id,display_name,role,trust_score,created_at,updated_at FROM members WHERE id=?`, id))
}

func (r Repo) ListMembers(ctx context.Context) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,display_name,role,trust_score,created_at,updated_at FROM members ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		var display sql.NullString
		var role string
		if err := rows.Scan(&m.ID, &display, &role, &m.TrustScore, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if display.Valid {
			m.DisplayName = display.String
		}
		m.Role = domain.Role(role)
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMemberScore writes the freshly derived score. Callers must compute the
// value via the deriver inside the same transaction, never increment in place.
func (r Repo) UpdateMemberScore(ctx context.Context, tx *sql.Tx, id string, score int, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE members SET trust_score=?, updated_at=? WHERE id=?`, score, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMemberRole advances the role only when the current role still matches,
// so a promotion racing with itself fires at most once.
func (r Repo) UpdateMemberRole(ctx context.Context, tx *sql.Tx, id string, from, to domain.Role, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE members SET role=?, updated_at=? WHERE id=? AND role=?`, string(to), now, id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetMemberRole is the manual override path; no current-role guard.
func (r Repo) SetMemberRole(ctx context.Context, tx *sql.Tx, id string, role domain.Role, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE members SET role=?, updated_at=? WHERE id=?`, string(role), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns most recent ledger rows, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id greater than the cursor, in append order.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the current ledger head, 0 when the ledger is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// EventsByEntity returns the full history for one entity in append order.
func (r Repo) EventsByEntity(ctx context.Context, q Querier, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
