package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trustline/internal/domain"
	"trustline/internal/events"
	"trustline/internal/repo"
	"trustline/internal/validate"
)

// systemActor attributes automatic transitions (auto-approval, promotion
// triggers) in the ledger.
const systemActor = "system"

// AssignReviewer takes a submitted claim for peer review. The status-guarded
// update is the lock: of two racing reviewers exactly one wins, the other
// gets CLAIM_ALREADY_TAKEN.
func (e Engine) AssignReviewer(ctx context.Context, claimID, reviewerID string) (domain.Claim, error) {
	if err := validate.ID("reviewer id", reviewerID); err != nil {
		return domain.Claim{}, errf(KindInvalidInput, "%s", err)
	}
	st, err := e.loadSettings(ctx, e.DB)
	if err != nil {
		return domain.Claim{}, err
	}
	claim, err := e.GetClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	if claim.MemberID == reviewerID {
		return domain.Claim{}, errf(KindUnauthorizedReviewer, "members may not review their own claims")
	}
	if _, err := e.GetMember(ctx, reviewerID); err != nil {
		return domain.Claim{}, err
	}
	score, err := e.Trust.CalculateTrustScore(ctx, e.DB, reviewerID)
	if err != nil {
		return domain.Claim{}, err
	}
	if score < st.ReviewerMinScore {
		return domain.Claim{}, errf(KindReviewerScoreTooLow, "reviewer trust score %d is below the required %d", score, st.ReviewerMinScore)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	// Capacity is counted inside the transaction so two concurrent assigns by
	// the same reviewer cannot both slip under the limit.
	active, err := e.Repo.CountActiveReviews(ctx, tx, reviewerID)
	if err != nil {
		return domain.Claim{}, err
	}
	if active >= st.ReviewerMaxActive {
		return domain.Claim{}, errf(KindReviewerCapacity, "reviewer already holds %d active reviews (limit %d)", active, st.ReviewerMaxActive)
	}

	now := e.nowStr()
	taken, err := e.Repo.AssignClaim(ctx, tx, claimID, reviewerID, now)
	if err != nil {
		return domain.Claim{}, err
	}
	if !taken {
		return domain.Claim{}, errf(KindClaimAlreadyTaken, "claim %s is no longer available for review", claimID)
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeClaimAssigned, EntityKind: "claim", EntityID: claimID, ActorID: reviewerID,
		Payload: events.ClaimAssigned{MemberID: claim.MemberID, TaskID: claim.TaskID, ReviewerID: reviewerID},
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	claim.Status = domain.ClaimUnderReview
	claim.ReviewerID = &reviewerID
	claim.UpdatedAt = now
	return claim, nil
}

// reviewGate re-reads the claim after a failed conditional update and
// translates what it finds into the precise business error.
func (e Engine) reviewGate(ctx context.Context, q repo.Querier, claimID, reviewerID string) error {
	claim, err := e.Repo.GetClaim(ctx, q, claimID)
	if errors.Is(err, repo.ErrNotFound) {
		return errf(KindClaimNotFound, "claim %s not found", claimID)
	}
	if err != nil {
		return err
	}
	if claim.Status != domain.ClaimUnderReview {
		return errf(KindClaimNotUnderReview, "claim %s is %s, not under review", claimID, claim.Status)
	}
	if claim.ReviewerID == nil || *claim.ReviewerID != reviewerID {
		return errf(KindUnauthorizedReviewer, "claim %s is assigned to a different reviewer", claimID)
	}
	return errf(KindClaimNotUnderReview, "claim %s changed state; re-read and retry", claimID)
}

// approvalOutcome is what an approval settled to inside its transaction.
type approvalOutcome struct {
	Points      int
	Breakdown   map[domain.Dimension]int
	ScoreBefore int
	ScoreAfter  int
	Promotion   PromotionResult
}

// settleApproval runs after the claim row has moved to approved: appends the
// claim.approved event, recomputes the member's score from the ledger
// (recompute-then-assign, never increment), and checks promotion. The caller
// owns the transaction.
func (e Engine) settleApproval(ctx context.Context, tx *sql.Tx, claim domain.Claim, member domain.Member, task domain.Task, reviewerID, feedback string, auto bool, st Settings) (approvalOutcome, error) {
	points := task.TotalPoints()
	breakdown := map[domain.Dimension]int{}
	for _, inc := range task.Incentives {
		breakdown[inc.Dimension] += inc.Points
	}
	scoreBefore, err := e.Trust.CalculateTrustScore(ctx, tx, member.ID)
	if err != nil {
		return approvalOutcome{}, err
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeClaimApproved, EntityKind: "claim", EntityID: claim.ID, ActorID: reviewerID,
		Payload: events.ClaimApproved{
			MemberID:     member.ID,
			TaskID:       task.ID,
			MissionID:    task.MissionID,
			ReviewerID:   reviewerID,
			PointsEarned: points,
			Breakdown:    breakdown,
			ScoreBefore:  scoreBefore,
			ScoreAfter:   scoreBefore + points,
			Feedback:     feedback,
			Auto:         auto,
		},
	}); err != nil {
		return approvalOutcome{}, err
	}
	// Recompute including the event just appended; the tx sees its own write.
	scoreAfter, err := e.Trust.CalculateTrustScore(ctx, tx, member.ID)
	if err != nil {
		return approvalOutcome{}, err
	}
	if err := e.Repo.UpdateMemberScore(ctx, tx, member.ID, scoreAfter, e.nowStr()); err != nil {
		return approvalOutcome{}, err
	}
	promo, err := e.checkAndPromote(ctx, tx, member, scoreAfter, systemActor, st)
	if err != nil {
		return approvalOutcome{}, err
	}
	return approvalOutcome{
		Points:      points,
		Breakdown:   breakdown,
		ScoreBefore: scoreBefore,
		ScoreAfter:  scoreAfter,
		Promotion:   promo,
	}, nil
}

// ReviewResult reports an approval decision.
type ReviewResult struct {
	Claim        domain.Claim             `json:"claim"`
	PointsEarned int                      `json:"points_earned"`
	Breakdown    map[domain.Dimension]int `json:"breakdown"`
	ScoreBefore  int                      `json:"score_before"`
	ScoreAfter   int                      `json:"score_after"`
	Promotion    PromotionResult          `json:"promotion"`
}

// ApproveClaim finalizes a review: claim approved, points awarded from the
// frozen task schedule, cached score recomputed, promotion checked — one
// transaction.
func (e Engine) ApproveClaim(ctx context.Context, claimID, reviewerID, feedback string) (ReviewResult, error) {
	st, err := e.loadSettings(ctx, e.DB)
	if err != nil {
		return ReviewResult{}, err
	}
	claim, err := e.GetClaim(ctx, claimID)
	if err != nil {
		return ReviewResult{}, err
	}
	member, err := e.GetMember(ctx, claim.MemberID)
	if err != nil {
		return ReviewResult{}, err
	}
	task, err := e.Repo.GetTask(ctx, e.DB, claim.TaskID)
	if err != nil {
		return ReviewResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReviewResult{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	moved, err := e.Repo.DecideClaim(ctx, tx, claimID, reviewerID, domain.ClaimApproved, feedback, now)
	if err != nil {
		return ReviewResult{}, err
	}
	if !moved {
		return ReviewResult{}, e.reviewGate(ctx, tx, claimID, reviewerID)
	}
	outcome, err := e.settleApproval(ctx, tx, claim, member, task, reviewerID, feedback, false, st)
	if err != nil {
		return ReviewResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReviewResult{}, err
	}
	claim.Status = domain.ClaimApproved
	claim.ReviewerID = &reviewerID
	claim.UpdatedAt = now
	claim.ReviewedAt = &now
	return ReviewResult{
		Claim:        claim,
		PointsEarned: outcome.Points,
		Breakdown:    outcome.Breakdown,
		ScoreBefore:  outcome.ScoreBefore,
		ScoreAfter:   outcome.ScoreAfter,
		Promotion:    outcome.Promotion,
	}, nil
}

// RejectClaim finalizes a review negatively. Feedback is mandatory: the
// member deserves to know why. No points move, and per the sanctuary policy
// nothing is ever deducted.
func (e Engine) RejectClaim(ctx context.Context, claimID, reviewerID, feedback string) (domain.Claim, error) {
	st, err := e.loadSettings(ctx, e.DB)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := validate.Feedback(feedback, st.MinFeedbackLen); err != nil {
		return domain.Claim{}, errf(KindFeedbackTooShort, "%s", err)
	}
	claim, err := e.GetClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	moved, err := e.Repo.DecideClaim(ctx, tx, claimID, reviewerID, domain.ClaimRejected, feedback, now)
	if err != nil {
		return domain.Claim{}, err
	}
	if !moved {
		return domain.Claim{}, e.reviewGate(ctx, tx, claimID, reviewerID)
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeClaimRejected, EntityKind: "claim", EntityID: claimID, ActorID: reviewerID,
		Payload: events.ClaimRejected{MemberID: claim.MemberID, TaskID: claim.TaskID, ReviewerID: reviewerID, Feedback: feedback},
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	claim.Status = domain.ClaimRejected
	claim.Feedback = &feedback
	claim.UpdatedAt = now
	claim.ReviewedAt = &now
	return claim, nil
}

// RequestRevision sends the claim back for another attempt, bounded by the
// revision cap so a claim cannot loop forever.
func (e Engine) RequestRevision(ctx context.Context, claimID, reviewerID, feedback string) (domain.Claim, error) {
	st, err := e.loadSettings(ctx, e.DB)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := validate.Feedback(feedback, st.MinFeedbackLen); err != nil {
		return domain.Claim{}, errf(KindFeedbackTooShort, "%s", err)
	}
	claim, err := e.GetClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	if claim.RevisionCount >= st.MaxRevisions {
		return domain.Claim{}, errf(KindMaxRevisions, "claim %s already used its %d revisions", claimID, st.MaxRevisions)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	moved, err := e.Repo.RequestClaimRevision(ctx, tx, claimID, reviewerID, feedback, now)
	if err != nil {
		return domain.Claim{}, err
	}
	if !moved {
		return domain.Claim{}, e.reviewGate(ctx, tx, claimID, reviewerID)
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeClaimRevision, EntityKind: "claim", EntityID: claimID, ActorID: reviewerID,
		Payload: events.ClaimRevision{
			MemberID:      claim.MemberID,
			TaskID:        claim.TaskID,
			ReviewerID:    reviewerID,
			Feedback:      feedback,
			RevisionCount: claim.RevisionCount + 1,
		},
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	claim.Status = domain.ClaimRevisionRequested
	claim.RevisionCount++
	claim.Feedback = &feedback
	claim.UpdatedAt = now
	claim.ReviewedAt = &now
	return claim, nil
}

// ReleaseClaim lets the assigned reviewer hand a claim back to the queue.
// Sanctuary policy: releases carry no penalty for anyone.
func (e Engine) ReleaseClaim(ctx context.Context, claimID, reviewerID, reason string) (domain.Claim, error) {
	claim, err := e.GetClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	moved, err := e.Repo.ReleaseClaim(ctx, tx, claimID, reviewerID, now)
	if err != nil {
		return domain.Claim{}, err
	}
	if !moved {
		return domain.Claim{}, e.reviewGate(ctx, tx, claimID, reviewerID)
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeClaimReleased, EntityKind: "claim", EntityID: claimID, ActorID: reviewerID,
		Payload: events.ClaimReleased{MemberID: claim.MemberID, TaskID: claim.TaskID, ReviewerID: reviewerID, Reason: reason},
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	claim.Status = domain.ClaimSubmitted
	claim.ReviewerID = nil
	claim.UpdatedAt = now
	return claim, nil
}

// ReleaseOrphanedClaims sweeps every claim stuck under review past the
// configured timeout back to the queue. The threshold in force is frozen
// into each event so later config changes don't rewrite history. Finding
// nothing is a no-op, not an error.
func (e Engine) ReleaseOrphanedClaims(ctx context.Context, adminID string) ([]domain.Claim, error) {
	st, err := e.loadSettings(ctx, e.DB)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	cutoff := now.Add(-time.Duration(st.ClaimTimeoutDays) * 24 * time.Hour).Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	orphans, err := e.Repo.ListOrphanedClaims(ctx, tx, cutoff)
	if err != nil {
		return nil, err
	}
	nowStr := now.Format(time.RFC3339)
	var released []domain.Claim
	for _, claim := range orphans {
		if claim.ReviewerID == nil {
			continue
		}
		reviewerID := *claim.ReviewerID
		moved, err := e.Repo.ReleaseClaim(ctx, tx, claim.ID, reviewerID, nowStr)
		if err != nil {
			return nil, err
		}
		if !moved {
			continue
		}
		staleSince, err := time.Parse(time.RFC3339, claim.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("claim %s updated_at: %w", claim.ID, err)
		}
		if err := e.writer().Append(ctx, tx, events.Entry{
			Type: events.TypeClaimTimeout, EntityKind: "claim", EntityID: claim.ID, ActorID: adminID,
			Payload: events.ClaimTimeout{
				ClaimID:              claim.ID,
				MemberID:             claim.MemberID,
				TaskID:               claim.TaskID,
				ReviewerID:           reviewerID,
				DaysOrphaned:         now.Sub(staleSince).Hours() / 24,
				TimeoutThresholdDays: st.ClaimTimeoutDays,
			},
		}); err != nil {
			return nil, err
		}
		claim.Status = domain.ClaimSubmitted
		claim.ReviewerID = nil
		claim.UpdatedAt = nowStr
		released = append(released, claim)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return released, nil
}
