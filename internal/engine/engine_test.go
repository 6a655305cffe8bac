package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"trustline/internal/config"
	"trustline/internal/db"
	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return baseTime }
	ctx := context.Background()
	if err := eng.SeedSettings(ctx, "system"); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) member(t *testing.T, id string) domain.Member {
	t.Helper()
	m, err := env.Engine.RegisterMember(env.Ctx, id, id, "admin")
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return m
}

var taskSeq int

// openTask drafts and publishes a task with one text criterion.
func (env testEnv) openTask(t *testing.T, method string, incentives map[domain.Dimension]int) domain.Task {
	t.Helper()
	taskSeq++
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:                 fmt.Sprintf("task-%d", taskSeq),
		MissionID:          env.mission(t),
		Title:              "Test task",
		VerificationMethod: method,
		Criteria:           []engine.CriterionInput{{Description: "show your work", ProofType: "text"}},
		Incentives:         incentives,
		ActorID:            "admin",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = env.Engine.PublishTask(env.Ctx, task.ID, "admin")
	if err != nil {
		t.Fatalf("publish task: %v", err)
	}
	return task
}

func (env testEnv) mission(t *testing.T) string {
	t.Helper()
	const id = "mission-main"
	if _, err := env.Engine.GetMission(env.Ctx, id); err == nil {
		return id
	}
	if _, err := env.Engine.CreateMission(env.Ctx, id, "Main mission", "", "admin"); err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return id
}

func textProofs(task domain.Task) []engine.ProofInput {
	proofs := make([]engine.ProofInput, 0, len(task.Criteria))
	for _, c := range task.Criteria {
		proofs = append(proofs, engine.ProofInput{CriterionID: c.ID, Kind: "text", Text: "here is ample proof of completion"})
	}
	return proofs
}

// boost raises a member's derived trust score by the given points through an
// auto-approved claim.
func (env testEnv) boost(t *testing.T, memberID string, points int) {
	t.Helper()
	task := env.openTask(t, "auto_approve", map[domain.Dimension]int{domain.DimParticipation: points})
	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: memberID, TaskID: task.ID, Proofs: textProofs(task), ActorID: memberID,
	}); err != nil {
		t.Fatalf("boost %s by %d: %v", memberID, points, err)
	}
}

func wantKind(t *testing.T, err error, kind engine.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if got := engine.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, got, err)
	}
}

func TestRegisterMemberStartsAsExplorer(t *testing.T) {
	env := newTestEnv(t)
	m := env.member(t, "alice")
	if m.Role != domain.RoleExplorer || m.TrustScore != 0 {
		t.Fatalf("unexpected new member: %+v", m)
	}
	_, err := env.Engine.RegisterMember(env.Ctx, "alice", "alice", "admin")
	wantKind(t, err, engine.KindMemberExists)

	history, err := env.Engine.EntityHistory(env.Ctx, "member", "alice")
	if err != nil || len(history) != 1 || history[0].Type != "member.registered" {
		t.Fatalf("expected a single member.registered event, got %v (%v)", history, err)
	}
}

func TestSettingsRequired(t *testing.T) {
	// An engine whose settings were never seeded refuses score-bearing
	// operations rather than inventing values.
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return baseTime }
	ctx := context.Background()
	if _, err := eng.RegisterMember(ctx, "alice", "alice", "admin"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = eng.SubmitClaim(ctx, engine.SubmitOptions{MemberID: "alice", TaskID: "task-x", ActorID: "alice"})
	wantKind(t, err, engine.KindConfigKeyNotFound)
}

func TestSetSettingRecordsOldAndNewValue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetSetting(env.Ctx, "admin", config.KeyMaxRevisions, json.RawMessage("3"), "")
	if err != nil {
		t.Fatalf("set setting: %v", err)
	}
	n, err := env.Engine.GetSettingNumber(env.Ctx, config.KeyMaxRevisions)
	if err != nil || n != 3 {
		t.Fatalf("expected 3, got %d (%v)", n, err)
	}
	history, err := env.Engine.EntityHistory(env.Ctx, "setting", config.KeyMaxRevisions)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	var payload struct {
		OldValue json.RawMessage `json:"old_value"`
		NewValue json.RawMessage `json:"new_value"`
	}
	if err := json.Unmarshal([]byte(last.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(payload.OldValue) != "2" || string(payload.NewValue) != "3" {
		t.Fatalf("expected 2 -> 3, got %s -> %s", payload.OldValue, payload.NewValue)
	}
}

func TestPublishTaskExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:                 "bare-task",
		MissionID:          env.mission(t),
		Title:              "No criteria yet",
		VerificationMethod: "peer_review",
		Incentives:         map[domain.Dimension]int{domain.DimImpact: 10},
		ActorID:            "admin",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.PublishTask(env.Ctx, task.ID, "admin")
	wantKind(t, err, engine.KindTaskHasNoCriteria)

	ready := env.openTask(t, "peer_review", map[domain.Dimension]int{domain.DimImpact: 10})
	_, err = env.Engine.PublishTask(env.Ctx, ready.ID, "admin")
	wantKind(t, err, engine.KindTaskAlreadyPublished)
}

func TestAutoApproveAwardsPointsInOneTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	task := env.openTask(t, "auto_approve", map[domain.Dimension]int{
		domain.DimParticipation: 30,
		domain.DimInnovation:    20,
	})
	res, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitOptions{
		MemberID: "alice", TaskID: task.ID, Proofs: textProofs(task), ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.AutoApproved || res.PointsEarned != 50 {
		t.Fatalf("expected auto approval worth 50, got %+v", res)
	}
	if res.Claim.Status != domain.ClaimApproved {
		t.Fatalf("expected approved, got %s", res.Claim.Status)
	}
	score, err := env.Engine.TrustScore(env.Ctx, "alice")
	if err != nil || score != 50 {
		t.Fatalf("expected derived score 50, got %d (%v)", score, err)
	}
	m, _ := env.Engine.GetMember(env.Ctx, "alice")
	if m.TrustScore != 50 {
		t.Fatalf("cached score not updated: %d", m.TrustScore)
	}
}

func TestScoreDerivationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.boost(t, "alice", 40)
	env.boost(t, "alice", 35)

	first, err := env.Engine.TrustScore(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := env.Engine.TrustScore(env.Ctx, "alice")
	if err != nil || first != second || first != 75 {
		t.Fatalf("derivation not stable: %d then %d (%v)", first, second, err)
	}
	breakdown, err := env.Engine.IncentiveBreakdown(env.Ctx, "alice")
	if err != nil || breakdown[domain.DimParticipation] != 75 {
		t.Fatalf("unexpected breakdown %v (%v)", breakdown, err)
	}
}

func TestDeriverRecoversLegacyEventMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	task := env.openTask(t, "peer_review", map[domain.Dimension]int{
		domain.DimParticipation: 30,
		domain.DimImpact:        12,
	})

	// An approval written before payloads carried points and breakdown: the
	// deriver must recover both from the task's frozen incentive schedule.
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		baseTime.Format(time.RFC3339), "claim.approved", "claim", "legacy-claim", "system",
		fmt.Sprintf(`{"member_id":"alice","task_id":"%s"}`, task.ID)); err != nil {
		t.Fatalf("insert legacy event: %v", err)
	}

	score, err := env.Engine.TrustScore(env.Ctx, "alice")
	if err != nil || score != 42 {
		t.Fatalf("expected score 42 from the schedule fallback, got %d (%v)", score, err)
	}
	breakdown, err := env.Engine.IncentiveBreakdown(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if breakdown[domain.DimParticipation] != 30 || breakdown[domain.DimImpact] != 12 {
		t.Fatalf("fallback breakdown mismatch: %v", breakdown)
	}
}

func TestLedgerTimestampsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	history, err := env.Engine.EntityHistory(env.Ctx, "member", "alice")
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one event, got %d (%v)", len(history), err)
	}
	if want := baseTime.Format(time.RFC3339); history[0].TS != want {
		t.Fatalf("event ts %s not on the engine clock %s", history[0].TS, want)
	}
}

func TestCacheDriftDetectionAndRepair(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	env.boost(t, "alice", 60)

	// Corrupt the cache behind the engine's back.
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE members SET trust_score = 999 WHERE id = 'alice'`); err != nil {
		t.Fatalf("corrupt cache: %v", err)
	}
	report, err := env.Engine.DetectCacheDrift(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if report.Cached != 999 || report.Calculated != 60 || report.Drift != 939 {
		t.Fatalf("unexpected drift report %+v", report)
	}
	if _, err := env.Engine.RecalculateScore(env.Ctx, "alice", "admin"); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	m, _ := env.Engine.GetMember(env.Ctx, "alice")
	if m.TrustScore != 60 {
		t.Fatalf("repair did not land: %d", m.TrustScore)
	}
	evts, err := env.Engine.EventLog(env.Ctx, 5, "member.score_recalculated", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one recalculation event, got %d (%v)", len(evts), err)
	}

	// A clean cache recalculation is a no-op and logs nothing.
	if _, err := env.Engine.RecalculateScore(env.Ctx, "alice", "admin"); err != nil {
		t.Fatalf("noop recalculate: %v", err)
	}
	evts, _ = env.Engine.EventLog(env.Ctx, 5, "member.score_recalculated", "", "")
	if len(evts) != 1 {
		t.Fatalf("no-op recalculation appended an event")
	}
}

func TestPromotionIsOneStepAndExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	// 600 points crosses every threshold at once, but rank moves one step
	// per approval.
	env.boost(t, "alice", 600)
	m, _ := env.Engine.GetMember(env.Ctx, "alice")
	if m.Role != domain.RoleContributor {
		t.Fatalf("expected one-step promotion to contributor, got %s", m.Role)
	}
	env.boost(t, "alice", 1)
	m, _ = env.Engine.GetMember(env.Ctx, "alice")
	if m.Role != domain.RoleSteward {
		t.Fatalf("expected steward after next approval, got %s", m.Role)
	}
	env.boost(t, "alice", 1)
	m, _ = env.Engine.GetMember(env.Ctx, "alice")
	if m.Role != domain.RoleGuardian {
		t.Fatalf("expected guardian, got %s", m.Role)
	}
	// At the top rank further approvals promote no one.
	env.boost(t, "alice", 100)
	m, _ = env.Engine.GetMember(env.Ctx, "alice")
	if m.Role != domain.RoleGuardian {
		t.Fatalf("role moved past the top rank: %s", m.Role)
	}
	promos, err := env.Engine.EventLog(env.Ctx, 10, "member.role_promoted", "", "")
	if err != nil || len(promos) != 3 {
		t.Fatalf("expected exactly 3 promotion events, got %d (%v)", len(promos), err)
	}
}

func TestManualPromotionOverride(t *testing.T) {
	env := newTestEnv(t)
	env.member(t, "alice")
	m, err := env.Engine.PromoteMember(env.Ctx, "root", "alice", domain.RoleSteward, "founding member")
	if err != nil || m.Role != domain.RoleSteward {
		t.Fatalf("override failed: %+v (%v)", m, err)
	}
	history, _ := env.Engine.EntityHistory(env.Ctx, "member", "alice")
	last := history[len(history)-1]
	var payload struct {
		Threshold *int   `json:"threshold"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(last.Payload), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Threshold != nil || payload.Reason != "founding member" {
		t.Fatalf("override event should carry null threshold and the reason: %s", last.Payload)
	}
	_, err = env.Engine.PromoteMember(env.Ctx, "root", "alice", domain.Role("emperor"), "")
	wantKind(t, err, engine.KindInvalidRole)
}
