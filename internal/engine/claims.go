package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trustline/internal/domain"
	"trustline/internal/events"
	"trustline/internal/repo"
	"trustline/internal/validate"
)

// ProofInput is one proof supplied at submission, either inline text or a
// reference to an externally stored artifact.
type ProofInput struct {
	CriterionID string
	Kind        string
	Text        string
	ArtifactID  string
	ContentHash string
}

// SubmitOptions are parameters for submitting a claim.
type SubmitOptions struct {
	MemberID string
	TaskID   string
	Proofs   []ProofInput
	ActorID  string
}

// SubmitResult reports the claim and, for auto-approved tasks, the points and
// promotion that landed in the same transaction.
type SubmitResult struct {
	Claim        domain.Claim    `json:"claim"`
	AutoApproved bool            `json:"auto_approved"`
	PointsEarned int             `json:"points_earned,omitempty"`
	Promotion    PromotionResult `json:"promotion"`
}

// SubmitClaim asserts that a member completed a task, with one proof per
// criterion. One claim per (member, task), ever. Auto-approve tasks run the
// full approval path inside the same transaction.
func (e Engine) SubmitClaim(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	if err := validate.ID("member id", opts.MemberID); err != nil {
		return SubmitResult{}, errf(KindInvalidInput, "%s", err)
	}
	if err := validate.ID("task id", opts.TaskID); err != nil {
		return SubmitResult{}, errf(KindInvalidInput, "%s", err)
	}
	st, err := e.loadSettings(ctx, e.DB)
	if err != nil {
		return SubmitResult{}, err
	}
	member, err := e.GetMember(ctx, opts.MemberID)
	if err != nil {
		return SubmitResult{}, err
	}
	task, err := e.Repo.GetTask(ctx, e.DB, opts.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return SubmitResult{}, errf(KindTaskNotFound, "task %s not found", opts.TaskID)
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if task.State != "open" {
		return SubmitResult{}, errf(KindTaskNotOpen, "task %s is %s, not open", task.ID, task.State)
	}
	if len(task.Criteria) == 0 {
		return SubmitResult{}, errf(KindTaskHasNoCriteria, "task %s has no criteria", task.ID)
	}
	now := e.nowStr()
	claim := domain.Claim{
		ID:        newID(),
		MemberID:  opts.MemberID,
		TaskID:    opts.TaskID,
		Status:    domain.ClaimSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	proofs, err := e.buildProofs(claim.ID, task, opts.Proofs, st, now)
	if err != nil {
		return SubmitResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()

	// The slot checks run inside the transaction so a racing submit cannot
	// pass the same gate; the UNIQUE(member_id, task_id) constraint backstops
	// the duplicate check regardless.
	if _, err := e.Repo.GetClaimByMemberTask(ctx, tx, opts.MemberID, opts.TaskID); err == nil {
		return SubmitResult{}, errf(KindDuplicateClaim, "member %s already claimed task %s", opts.MemberID, opts.TaskID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return SubmitResult{}, err
	}
	if task.MaxCompletions != nil {
		n, err := e.Repo.CountCompletions(ctx, tx, task.ID)
		if err != nil {
			return SubmitResult{}, err
		}
		if n >= *task.MaxCompletions {
			return SubmitResult{}, errf(KindMaxCompletions, "task %s reached its completion limit of %d", task.ID, *task.MaxCompletions)
		}
	}

	if err := e.Repo.InsertClaim(ctx, tx, claim); err != nil {
		if isUniqueViolation(err) {
			return SubmitResult{}, errf(KindDuplicateClaim, "member %s already claimed task %s", opts.MemberID, opts.TaskID)
		}
		return SubmitResult{}, fmt.Errorf("insert claim: %w", err)
	}
	for _, p := range proofs {
		if err := e.Repo.InsertProof(ctx, tx, p); err != nil {
			return SubmitResult{}, fmt.Errorf("insert proof: %w", err)
		}
	}
	auto := task.VerificationMethod == "auto_approve"
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeClaimSubmitted, EntityKind: "claim", EntityID: claim.ID, ActorID: opts.ActorID,
		Payload: events.ClaimSubmitted{
			MemberID:    claim.MemberID,
			TaskID:      task.ID,
			MissionID:   task.MissionID,
			ProofCount:  len(proofs),
			AutoApprove: auto,
		},
	}); err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{Claim: claim}
	if auto {
		approved, err := e.Repo.AutoApproveClaim(ctx, tx, claim.ID, systemActor, now)
		if err != nil {
			return SubmitResult{}, err
		}
		if !approved {
			return SubmitResult{}, fmt.Errorf("auto-approve lost claim %s", claim.ID)
		}
		outcome, err := e.settleApproval(ctx, tx, claim, member, task, systemActor, "", true, st)
		if err != nil {
			return SubmitResult{}, err
		}
		sys := systemActor
		claim.Status = domain.ClaimApproved
		claim.ReviewerID = &sys
		claim.ReviewedAt = &now
		result.Claim = claim
		result.AutoApproved = true
		result.PointsEarned = outcome.Points
		result.Promotion = outcome.Promotion
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	result.Claim.Proofs = proofs
	return result, nil
}

// buildProofs enforces exactly one valid proof per task criterion.
func (e Engine) buildProofs(claimID string, task domain.Task, inputs []ProofInput, st Settings, now string) ([]domain.Proof, error) {
	if len(inputs) != len(task.Criteria) {
		return nil, errf(KindProofCountMismatch, "task requires %d proofs, got %d", len(task.Criteria), len(inputs))
	}
	byCriterion := map[string]ProofInput{}
	for _, in := range inputs {
		if _, dup := byCriterion[in.CriterionID]; dup {
			return nil, errf(KindProofCountMismatch, "multiple proofs for criterion %s", in.CriterionID)
		}
		byCriterion[in.CriterionID] = in
	}
	var proofs []domain.Proof
	for _, c := range task.Criteria {
		in, ok := byCriterion[c.ID]
		if !ok {
			return nil, errf(KindMissingProof, "no proof for criterion %q", c.Description)
		}
		kind := in.Kind
		if kind == "" {
			kind = c.ProofType
		}
		if kind != c.ProofType {
			return nil, errf(KindProofInvalid, "criterion %q requires a %s proof", c.Description, c.ProofType)
		}
		p := domain.Proof{
			ID:          newID(),
			ClaimID:     claimID,
			CriterionID: c.ID,
			Kind:        kind,
			CreatedAt:   now,
		}
		switch kind {
		case "text":
			if err := validate.ProofText(in.Text, st.MinProofLen); err != nil {
				return nil, errf(KindProofInvalid, "criterion %q: %s", c.Description, err)
			}
			p.Text = in.Text
		case "artifact":
			if in.ArtifactID == "" {
				return nil, errf(KindProofInvalid, "criterion %q: artifact reference required", c.Description)
			}
			if err := validate.ContentHash(in.ContentHash); err != nil {
				return nil, errf(KindProofInvalid, "criterion %q: %s", c.Description, err)
			}
			artifactID, hash := in.ArtifactID, in.ContentHash
			p.ArtifactID = &artifactID
			p.ContentHash = &hash
		default:
			return nil, errf(KindProofInvalid, "unknown proof kind %q", kind)
		}
		proofs = append(proofs, p)
	}
	return proofs, nil
}

// ResubmitClaim replaces a revision-requested claim's proofs and returns it
// to the review queue. The claim row is reused; the revision history lives in
// the ledger.
func (e Engine) ResubmitClaim(ctx context.Context, claimID, memberID string, inputs []ProofInput, actorID string) (domain.Claim, error) {
	st, err := e.loadSettings(ctx, e.DB)
	if err != nil {
		return domain.Claim{}, err
	}
	claim, err := e.Repo.GetClaim(ctx, e.DB, claimID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Claim{}, errf(KindClaimNotFound, "claim %s not found", claimID)
	}
	if err != nil {
		return domain.Claim{}, err
	}
	if claim.MemberID != memberID {
		return domain.Claim{}, errf(KindNotClaimOwner, "claim %s does not belong to member %s", claimID, memberID)
	}
	if claim.Status != domain.ClaimRevisionRequested {
		return domain.Claim{}, errf(KindClaimNotRevisable, "claim %s is %s, not revision_requested", claimID, claim.Status)
	}
	task, err := e.Repo.GetTask(ctx, e.DB, claim.TaskID)
	if err != nil {
		return domain.Claim{}, err
	}
	now := e.nowStr()
	proofs, err := e.buildProofs(claim.ID, task, inputs, st, now)
	if err != nil {
		return domain.Claim{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	moved, err := e.Repo.ResubmitClaim(ctx, tx, claim.ID, memberID, now)
	if err != nil {
		return domain.Claim{}, err
	}
	if !moved {
		return domain.Claim{}, errf(KindClaimNotRevisable, "claim %s changed state; re-read and retry", claimID)
	}
	if err := e.Repo.DeleteProofs(ctx, tx, claim.ID); err != nil {
		return domain.Claim{}, err
	}
	for _, p := range proofs {
		if err := e.Repo.InsertProof(ctx, tx, p); err != nil {
			return domain.Claim{}, fmt.Errorf("insert proof: %w", err)
		}
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeClaimResubmitted, EntityKind: "claim", EntityID: claim.ID, ActorID: actorID,
		Payload: events.ClaimResubmitted{
			MemberID:      claim.MemberID,
			TaskID:        claim.TaskID,
			RevisionCount: claim.RevisionCount,
			ProofCount:    len(proofs),
		},
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	claim.Status = domain.ClaimSubmitted
	claim.ReviewerID = nil
	claim.UpdatedAt = now
	claim.Proofs = proofs
	return claim, nil
}

// isUniqueViolation detects a sqlite UNIQUE constraint failure. modernc's
// driver exposes no typed error for it, only the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (e Engine) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	c, err := e.Repo.GetClaim(ctx, e.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, errf(KindClaimNotFound, "claim %s not found", id)
	}
	return c, err
}
