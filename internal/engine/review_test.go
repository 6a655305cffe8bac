package engine_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/repo"
)

// peerTask publishes a peer-review task with a text and an artifact criterion.
func (env testEnv) peerTask(t *testing.T, id string, maxCompletions *int) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:                 id,
		MissionID:          env.mission(t),
		Title:              "Peer reviewed task",
		VerificationMethod: "peer_review",
		MaxCompletions:     maxCompletions,
		Criteria: []engine.CriterionInput{
			{Description: "write it up", ProofType: "text"},
			{Description: "attach the artifact", ProofType: "artifact"},
		},
		Incentives: map[domain.Dimension]int{
			domain.DimCollaboration: 25,
			domain.DimImpact:        15,
		},
		ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("create peer task: %v", err)
	}
	task, err = env.Engine.PublishTask(env.Ctx, task.ID, "admin")
	if err != nil {
		t.Fatalf("publish peer task: %v", err)
	}
	return task
}

func mixedProofs(task domain.Task) []engine.ProofInput {
	hash := strings.Repeat("ab", 32)
	proofs := make([]engine.ProofInput, 0, len(task.Criteria))
	for _, c := range task.Criteria {
		if c.ProofType == "artifact" {
			proofs = append(proofs, engine.ProofInput{CriterionID: c.ID, Kind: "artifact", ArtifactID: "artifact-1", ContentHash: hash})
			continue
		}
		proofs = append(proofs, engine.ProofInput{CriterionID: c.ID, Kind: "text", Text: "the work was done as described"})
	}
	return proofs
}

// reviewer registers a member eligible to review.
func (env testEnv) reviewer(t *testing.T, id string) {
	t.Helper()
	env.member(t, id)
	env.boost(t, id, 250)
}

func TestSubmitClaimValidation(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	task := env.peerTask(t, "pt-validate", nil)

	_, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{MemberID: "alice", TaskID: "no-such-task", ActorID: "alice"})
	wantKind(t, err, engine.KindTaskNotFound)

	draft, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID: "pt-draft", MissionID: env.mission(t), Title: "Draft", VerificationMethod: "peer_review",
		Criteria:   []engine.CriterionInput{{Description: "x", ProofType: "text"}},
		Incentives: map[domain.Dimension]int{domain.DimImpact: 5},
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	_, err = env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{MemberID: "alice", TaskID: draft.ID, ActorID: "alice"})
	wantKind(t, err, engine.KindTaskNotOpen)

	// wrong proof count
	_, err = env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task)[:1], ActorID: "alice",
	})
	wantKind(t, err, engine.KindProofCountMismatch)

	// text proof below the configured minimum
	short := mixedProofs(task)
	for i := range short {
		if short[i].Kind == "text" {
			short[i].Text = "too short"
		}
	}
	_, err = env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: short, ActorID: "alice",
	})
	wantKind(t, err, engine.KindProofInvalid)

	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	}); err != nil {
		t.Fatalf("valid submit: %v", err)
	}
	_, err = env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	wantKind(t, err, engine.KindDuplicateClaim)
}

func TestPeerReviewApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.reviewer(t, "bob")
	task := env.peerTask(t, "pt-flow", nil)

	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.AutoApproved || res.Claim.Status != domain.ClaimSubmitted {
		t.Fatalf("peer review claim should wait for a reviewer: %+v", res)
	}

	claim, err := env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "bob")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if claim.Status != domain.ClaimUnderReview || claim.ReviewerID == nil || *claim.ReviewerID != "bob" {
		t.Fatalf("assignment did not land: %+v", claim)
	}

	outcome, err := env.Engine.ApproveClaim(env.Ctx, claim.ID, "bob", "solid work, well documented")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if outcome.PointsEarned != 40 || outcome.ScoreAfter-outcome.ScoreBefore != 40 {
		t.Fatalf("unexpected award: %+v", outcome)
	}
	if outcome.Breakdown[domain.DimCollaboration] != 25 || outcome.Breakdown[domain.DimImpact] != 15 {
		t.Fatalf("unexpected breakdown: %v", outcome.Breakdown)
	}
	score, _ := env.Engine.TrustScore(env.Ctx, "alice")
	if score != 40 {
		t.Fatalf("alice should hold 40 points, got %d", score)
	}

	history, err := env.Engine.EntityHistory(env.Ctx, "claim", claim.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var types []string
	for _, evt := range history {
		types = append(types, evt.Type)
	}
	want := []string{"claim.submitted", "claim.assigned", "claim.approved"}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestAssignReviewerEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.member(t, "carol") // not enough score to review
	env.reviewer(t, "bob")
	task := env.peerTask(t, "pt-eligibility", nil)
	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "alice")
	wantKind(t, err, engine.KindUnauthorizedReviewer)

	_, err = env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "carol")
	wantKind(t, err, engine.KindReviewerScoreTooLow)

	if _, err := env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "bob"); err != nil {
		t.Fatalf("eligible assign: %v", err)
	}
}

func TestAssignReviewerLosesRaceExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.reviewer(t, "bob")
	env.reviewer(t, "carol")
	task := env.peerTask(t, "pt-race", nil)
	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "bob"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	_, err = env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "carol")
	wantKind(t, err, engine.KindClaimAlreadyTaken)
}

func TestReviewerCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.reviewer(t, "bob")
	members := []string{"m1", "m2", "m3", "m4"}
	var claims []string
	for _, id := range members {
		env.member(t, id)
		task := env.peerTask(t, "pt-cap-"+id, nil)
		res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
			MemberID: id, TaskID: task.ID, Proofs: mixedProofs(task), ActorID: id,
		})
		if err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
		claims = append(claims, res.Claim.ID)
	}
	for _, claimID := range claims[:3] {
		if _, err := env.Engine.AssignReviewer(env.Ctx, claimID, "bob"); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	_, err := env.Engine.AssignReviewer(env.Ctx, claims[3], "bob")
	wantKind(t, err, engine.KindReviewerCapacity)

	// Deciding one claim frees a slot.
	if _, err := env.Engine.ApproveClaim(env.Ctx, claims[0], "bob", "good enough to approve"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.AssignReviewer(env.Ctx, claims[3], "bob"); err != nil {
		t.Fatalf("assign after freeing a slot: %v", err)
	}
}

func TestRejectFeedbackBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.reviewer(t, "bob")
	task := env.peerTask(t, "pt-feedback", nil)
	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// 19 characters, one short of the default minimum
	_, err = env.Engine.RejectClaim(env.Ctx, res.Claim.ID, "bob", "needs more detail o")
	wantKind(t, err, engine.KindFeedbackTooShort)

	// exactly 20
	claim, err := env.Engine.RejectClaim(env.Ctx, res.Claim.ID, "bob", "needs more detail ok")
	if err != nil {
		t.Fatalf("reject at boundary: %v", err)
	}
	if claim.Status != domain.ClaimRejected || claim.Feedback == nil {
		t.Fatalf("rejection did not land: %+v", claim)
	}
	// Rejection never deducts points.
	score, _ := env.Engine.TrustScore(env.Ctx, "alice")
	if score != 0 {
		t.Fatalf("rejection changed the score: %d", score)
	}
}

func TestRevisionCycleAndCap(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.reviewer(t, "bob")
	task := env.peerTask(t, "pt-revision", nil)
	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimID := res.Claim.ID

	for round := 1; round <= 2; round++ {
		if _, err := env.Engine.AssignReviewer(env.Ctx, claimID, "bob"); err != nil {
			t.Fatalf("assign round %d: %v", round, err)
		}
		claim, err := env.Engine.RequestRevision(env.Ctx, claimID, "bob", "please expand the writeup")
		if err != nil {
			t.Fatalf("revision round %d: %v", round, err)
		}
		if claim.RevisionCount != round {
			t.Fatalf("expected revision count %d, got %d", round, claim.RevisionCount)
		}
		// Only the owner may resubmit.
		_, err = env.Engine.ResubmitClaim(env.Ctx, claimID, "bob", mixedProofs(task), "bob")
		wantKind(t, err, engine.KindNotClaimOwner)

		claim, err = env.Engine.ResubmitClaim(env.Ctx, claimID, "alice", mixedProofs(task), "alice")
		if err != nil {
			t.Fatalf("resubmit round %d: %v", round, err)
		}
		if claim.Status != domain.ClaimSubmitted || claim.ReviewerID != nil {
			t.Fatalf("resubmit should requeue the claim: %+v", claim)
		}
	}

	// The cap forbids a third revision round.
	if _, err := env.Engine.AssignReviewer(env.Ctx, claimID, "bob"); err != nil {
		t.Fatalf("assign final: %v", err)
	}
	_, err = env.Engine.RequestRevision(env.Ctx, claimID, "bob", "please expand the writeup")
	wantKind(t, err, engine.KindMaxRevisions)

	// A resubmit of a claim that is not awaiting revision is refused.
	_, err = env.Engine.ResubmitClaim(env.Ctx, claimID, "alice", mixedProofs(task), "alice")
	wantKind(t, err, engine.KindClaimNotRevisable)
}

func TestVoluntaryRelease(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.reviewer(t, "bob")
	env.reviewer(t, "carol")
	task := env.peerTask(t, "pt-release", nil)
	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// only the assigned reviewer can release
	_, err = env.Engine.ReleaseClaim(env.Ctx, res.Claim.ID, "carol", "")
	wantKind(t, err, engine.KindUnauthorizedReviewer)

	claim, err := env.Engine.ReleaseClaim(env.Ctx, res.Claim.ID, "bob", "no time this week")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if claim.Status != domain.ClaimSubmitted || claim.ReviewerID != nil {
		t.Fatalf("release should requeue: %+v", claim)
	}
	// and another reviewer can pick it up
	if _, err := env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "carol"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
}

func TestReleaseOrphanedClaims(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.reviewer(t, "bob")
	task := env.peerTask(t, "pt-orphan", nil)
	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Six days later the review is still within the window.
	env.Engine.Now = func() time.Time { return baseTime.Add(6 * 24 * time.Hour) }
	released, err := env.Engine.ReleaseOrphanedClaims(env.Ctx, "sweeper")
	if err != nil || len(released) != 0 {
		t.Fatalf("sweep inside the window released %d claims (%v)", len(released), err)
	}

	// Eight days out the claim is orphaned.
	env.Engine.Now = func() time.Time { return baseTime.Add(8 * 24 * time.Hour) }
	released, err = env.Engine.ReleaseOrphanedClaims(env.Ctx, "sweeper")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(released) != 1 || released[0].Status != domain.ClaimSubmitted {
		t.Fatalf("expected one requeued claim, got %+v", released)
	}

	history, _ := env.Engine.EntityHistory(env.Ctx, "claim", res.Claim.ID)
	last := history[len(history)-1]
	if last.Type != "claim.timeout_released" {
		t.Fatalf("expected timeout event, got %s", last.Type)
	}
	var payload struct {
		ReviewerID           string  `json:"reviewer_id"`
		DaysOrphaned         float64 `json:"days_orphaned"`
		TimeoutThresholdDays int     `json:"timeout_threshold_days"`
	}
	if err := json.Unmarshal([]byte(last.Payload), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ReviewerID != "bob" || payload.TimeoutThresholdDays != 7 || payload.DaysOrphaned < 7.9 {
		t.Fatalf("unexpected timeout payload: %s", last.Payload)
	}

	// A second sweep finds nothing and is a clean no-op.
	released, err = env.Engine.ReleaseOrphanedClaims(env.Ctx, "sweeper")
	if err != nil || len(released) != 0 {
		t.Fatalf("repeat sweep released %d claims (%v)", len(released), err)
	}
}

func TestConcurrentSubmitsHoldTheGates(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.member(t, "dave")

	// Two racing submits by the same member: exactly one lands, the loser is
	// told it is a duplicate rather than surfacing a raw constraint error.
	dup := env.peerTask(t, "pt-race-dup", nil)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
				MemberID: "alice", TaskID: dup.ID, Proofs: mixedProofs(dup), ActorID: "alice",
			})
			errs <- err
		}()
	}
	var ok, duplicate int
	for i := 0; i < 2; i++ {
		switch err := <-errs; engine.KindOf(err) {
		case engine.Kind(""):
			if err != nil {
				t.Fatalf("racing submit failed outside the business surface: %v", err)
			}
			ok++
		case engine.KindDuplicateClaim:
			duplicate++
		default:
			t.Fatalf("unexpected racing submit error: %v", err)
		}
	}
	if ok != 1 || duplicate != 1 {
		t.Fatalf("expected one winner and one duplicate, got %d/%d", ok, duplicate)
	}

	// Two members racing for the last completion slot: the cap holds.
	one := 1
	limited := env.peerTask(t, "pt-race-slot", &one)
	for _, id := range []string{"alice", "dave"} {
		id := id
		go func() {
			_, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
				MemberID: id, TaskID: limited.ID, Proofs: mixedProofs(limited), ActorID: id,
			})
			errs <- err
		}()
	}
	ok, capped := 0, 0
	for i := 0; i < 2; i++ {
		switch err := <-errs; engine.KindOf(err) {
		case engine.Kind(""):
			if err != nil {
				t.Fatalf("racing slot submit failed outside the business surface: %v", err)
			}
			ok++
		case engine.KindMaxCompletions:
			capped++
		default:
			t.Fatalf("unexpected racing slot error: %v", err)
		}
	}
	if ok != 1 || capped != 1 {
		t.Fatalf("completion cap overrun: %d winners, %d capped", ok, capped)
	}
	claims, err := env.Engine.ListClaims(env.Ctx, repo.ClaimFilters{TaskID: limited.ID})
	if err != nil || len(claims) != 1 {
		t.Fatalf("expected exactly one claim on the limited task, got %d (%v)", len(claims), err)
	}
}

func TestConcurrentAssignsHoldCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.reviewer(t, "bob")
	var claims []string
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		env.member(t, id)
		task := env.peerTask(t, "pt-ccap-"+id, nil)
		res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
			MemberID: id, TaskID: task.ID, Proofs: mixedProofs(task), ActorID: id,
		})
		if err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
		claims = append(claims, res.Claim.ID)
	}
	for _, claimID := range claims[:2] {
		if _, err := env.Engine.AssignReviewer(env.Ctx, claimID, "bob"); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}

	// One slot left, two racing assigns: exactly one may take it.
	errs := make(chan error, 2)
	for _, claimID := range claims[2:] {
		claimID := claimID
		go func() {
			_, err := env.Engine.AssignReviewer(env.Ctx, claimID, "bob")
			errs <- err
		}()
	}
	var ok, capped int
	for i := 0; i < 2; i++ {
		switch err := <-errs; engine.KindOf(err) {
		case engine.Kind(""):
			if err != nil {
				t.Fatalf("racing assign failed outside the business surface: %v", err)
			}
			ok++
		case engine.KindReviewerCapacity:
			capped++
		default:
			t.Fatalf("unexpected racing assign error: %v", err)
		}
	}
	if ok != 1 || capped != 1 {
		t.Fatalf("capacity overrun: %d winners, %d capped", ok, capped)
	}
	active, err := env.Engine.ListClaims(env.Ctx, repo.ClaimFilters{ReviewerID: "bob", Status: string(domain.ClaimUnderReview)})
	if err != nil || len(active) != 3 {
		t.Fatalf("expected bob at exactly 3 active reviews, got %d (%v)", len(active), err)
	}
}

func TestFeedbackGateCountsCharacters(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.reviewer(t, "bob")
	task := env.peerTask(t, "pt-runes", nil)
	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.AssignReviewer(env.Ctx, res.Claim.ID, "bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// 19 characters but 38 bytes; the gate counts characters.
	_, err = env.Engine.RejectClaim(env.Ctx, res.Claim.ID, "bob", strings.Repeat("ö", 19))
	wantKind(t, err, engine.KindFeedbackTooShort)

	if _, err := env.Engine.RejectClaim(env.Ctx, res.Claim.ID, "bob", strings.Repeat("ö", 20)); err != nil {
		t.Fatalf("reject with 20 characters: %v", err)
	}
}

func TestMaxCompletionsAndRejectedSlot(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.member(t, "dave")
	env.reviewer(t, "bob")
	one := 1
	task := env.peerTask(t, "pt-limited", &one)

	first, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err = env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "dave", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "dave",
	})
	wantKind(t, err, engine.KindMaxCompletions)

	// A rejection frees the slot for someone else.
	if _, err := env.Engine.AssignReviewer(env.Ctx, first.Claim.ID, "bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.RejectClaim(env.Ctx, first.Claim.ID, "bob", "does not meet the criteria"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "dave", TaskID: task.ID, Proofs: mixedProofs(task), ActorID: "dave",
	}); err != nil {
		t.Fatalf("claim after freed slot: %v", err)
	}
}
