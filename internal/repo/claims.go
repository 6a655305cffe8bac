package repo

import (
	"context"
	"database/sql"
	"strings"

	"trustline/internal/domain"
)

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(id,member_id,task_id,status,reviewer_id,revision_count,feedback,created_at,updated_at,reviewed_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.MemberID, c.TaskID, string(c.Status), nullableStringPtr(c.ReviewerID), c.RevisionCount,
		nullableStringPtr(c.Feedback), c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.ReviewedAt))
	return err
}

func (r Repo) InsertProof(ctx context.Context, tx *sql.Tx, p domain.Proof) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proofs(id,claim_id,criterion_id,kind,text,artifact_id,content_hash,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.ClaimID, p.CriterionID, p.Kind, nullable(p.Text), nullableStringPtr(p.ArtifactID), nullableStringPtr(p.ContentHash), p.CreatedAt)
	return err
}

// DeleteProofs clears a claim's proofs ahead of resubmission. Proof rows are
// working state, not ledger facts; the submitted proofs are echoed in events.
func (r Repo) DeleteProofs(ctx context.Context, tx *sql.Tx, claimID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM proofs WHERE claim_id=?`, claimID)
	return err
}

func scanClaimRow(scan func(dest ...any) error) (domain.Claim, error) {
	var c domain.Claim
	var status string
	var reviewerID, feedback, reviewedAt sql.NullString
	err := scan(&c.ID, &c.MemberID, &c.TaskID, &status, &reviewerID, &c.RevisionCount, &feedback, &c.CreatedAt, &c.UpdatedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.ClaimStatus(status)
	if reviewerID.Valid {
		c.ReviewerID = &reviewerID.String
	}
	if feedback.Valid {
		c.Feedback = &feedback.String
	}
	if reviewedAt.Valid {
		c.ReviewedAt = &reviewedAt.String
	}
	return c, nil
}

const claimColumns = `id,member_id,task_id,status,reviewer_id,revision_count,feedback,created_at,updated_at,reviewed_at`

func (r Repo) GetClaim(ctx context.Context, q Querier, id string) (domain.Claim, error) {
	c, err := scanClaimRow(q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id).Scan)
	if err != nil {
		return c, err
	}
	c.Proofs, err = r.ListProofs(ctx, q, c.ID)
	return c, err
}

func (r Repo) GetClaimByMemberTask(ctx context.Context, q Querier, memberID, taskID string) (domain.Claim, error) {
	return scanClaimRow(q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE member_id=? AND task_id=?`, memberID, taskID).Scan)
}

func (r Repo) ListProofs(ctx context.Context, q Querier, claimID string) ([]domain.Proof, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,claim_id,criterion_id,kind,text,artifact_id,content_hash,created_at FROM proofs WHERE claim_id=? ORDER BY created_at ASC, id ASC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proof
	for rows.Next() {
		var p domain.Proof
		var text, artifactID, contentHash sql.NullString
		if err := rows.Scan(&p.ID, &p.ClaimID, &p.CriterionID, &p.Kind, &text, &artifactID, &contentHash, &p.CreatedAt); err != nil {
			return nil, err
		}
		if text.Valid {
			p.Text = text.String
		}
		if artifactID.Valid {
			p.ArtifactID = &artifactID.String
		}
		if contentHash.Valid {
			p.ContentHash = &contentHash.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountCompletions counts claims occupying a task slot. Rejected claims free
// their slot; everything else (pending or approved) holds one.
func (r Repo) CountCompletions(ctx context.Context, q Querier, taskID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM claims WHERE task_id=? AND status != 'rejected'`, taskID).Scan(&n)
	return n, err
}

func (r Repo) CountActiveReviews(ctx context.Context, q Querier, reviewerID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM claims WHERE reviewer_id=? AND status='under_review'`, reviewerID).Scan(&n)
	return n, err
}

// AssignClaim takes a submitted claim for review. The status guard makes two
// racing reviewers resolve to exactly one winner; the loser sees false.
func (r Repo) AssignClaim(ctx context.Context, tx *sql.Tx, claimID, reviewerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET status='under_review', reviewer_id=?, updated_at=? WHERE id=? AND status='submitted'`,
		reviewerID, now, claimID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DecideClaim moves an under_review claim to a decision status, guarded on
// both current status and assigned reviewer.
func (r Repo) DecideClaim(ctx context.Context, tx *sql.Tx, claimID, reviewerID string, status domain.ClaimStatus, feedback, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET status=?, feedback=?, reviewed_at=?, updated_at=? WHERE id=? AND status='under_review' AND reviewer_id=?`,
		string(status), nullable(feedback), now, now, claimID, reviewerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AutoApproveClaim approves a freshly submitted claim in the auto_approve
// path, skipping review assignment entirely.
func (r Repo) AutoApproveClaim(ctx context.Context, tx *sql.Tx, claimID, reviewerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET status='approved', reviewer_id=?, reviewed_at=?, updated_at=? WHERE id=? AND status='submitted'`,
		reviewerID, now, now, claimID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequestClaimRevision also bumps the revision counter.
func (r Repo) RequestClaimRevision(ctx context.Context, tx *sql.Tx, claimID, reviewerID, feedback, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET status='revision_requested', revision_count=revision_count+1, feedback=?, reviewed_at=?, updated_at=? WHERE id=? AND status='under_review' AND reviewer_id=?`,
		feedback, now, now, claimID, reviewerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseClaim returns an under_review claim to the queue, clearing the
// reviewer. Used for both voluntary and timeout release.
func (r Repo) ReleaseClaim(ctx context.Context, tx *sql.Tx, claimID, reviewerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET status='submitted', reviewer_id=NULL, updated_at=? WHERE id=? AND status='under_review' AND reviewer_id=?`,
		now, claimID, reviewerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResubmitClaim returns a revision_requested claim to submitted.
func (r Repo) ResubmitClaim(ctx context.Context, tx *sql.Tx, claimID, memberID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET status='submitted', reviewer_id=NULL, updated_at=? WHERE id=? AND status='revision_requested' AND member_id=?`,
		now, claimID, memberID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListOrphanedClaims finds claims stuck under_review since before the cutoff.
// updated_at is the canonical staleness signal: assignment is the last write
// before a claim goes stale.
func (r Repo) ListOrphanedClaims(ctx context.Context, q Querier, cutoff string) ([]domain.Claim, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE status='under_review' AND updated_at < ? ORDER BY updated_at ASC, id ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaimRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

type ClaimFilters struct {
	MemberID   string
	TaskID     string
	ReviewerID string
	Status     string
	Limit      int
}

func (r Repo) ListClaims(ctx context.Context, f ClaimFilters) ([]domain.Claim, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MemberID != "" {
		clauses = append(clauses, "member_id=?")
		args = append(args, f.MemberID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.ReviewerID != "" {
		clauses = append(clauses, "reviewer_id=?")
		args = append(args, f.ReviewerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + claimColumns + ` FROM claims ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaimRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
