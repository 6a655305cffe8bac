package engine

import (
	"context"
	"errors"
	"fmt"

	"trustline/internal/domain"
	"trustline/internal/events"
	"trustline/internal/repo"
	"trustline/internal/validate"
)

// CreateMission registers a mission tasks can attach to.
func (e Engine) CreateMission(ctx context.Context, id, title, description, actorID string) (domain.Mission, error) {
	if err := validate.ID("mission id", id); err != nil {
		return domain.Mission{}, errf(KindInvalidInput, "%s", err)
	}
	if title == "" {
		return domain.Mission{}, errf(KindInvalidInput, "title is required")
	}
	m := domain.Mission{ID: id, Title: title, Description: description, CreatedAt: e.nowStr()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// TaskCreateOptions are parameters for drafting a task.
type TaskCreateOptions struct {
	ID                 string
	MissionID          string
	Title              string
	Description        string
	VerificationMethod string
	MaxCompletions     *int
	Criteria           []CriterionInput
	Incentives         map[domain.Dimension]int
	ActorID            string
}

type CriterionInput struct {
	Description string
	ProofType   string
}

// CreateTask drafts a task with its criteria and incentive schedule. Drafts
// stay editable only by replacement; once published the definition freezes.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errf(KindInvalidInput, "title is required")
	}
	if err := validate.ID("mission id", opts.MissionID); err != nil {
		return domain.Task{}, errf(KindInvalidInput, "%s", err)
	}
	switch opts.VerificationMethod {
	case "":
		opts.VerificationMethod = "peer_review"
	case "auto_approve", "peer_review", "admin_review":
	default:
		return domain.Task{}, errf(KindInvalidInput, "unknown verification method %q", opts.VerificationMethod)
	}
	if opts.MaxCompletions != nil && *opts.MaxCompletions <= 0 {
		return domain.Task{}, errf(KindInvalidInput, "max completions must be positive")
	}
	for dim, points := range opts.Incentives {
		if !dim.Valid() {
			return domain.Task{}, errf(KindInvalidInput, "unknown incentive dimension %q", dim)
		}
		if points < 0 {
			return domain.Task{}, errf(KindInvalidInput, "incentive points must not be negative")
		}
	}
	for _, c := range opts.Criteria {
		if c.Description == "" {
			return domain.Task{}, errf(KindInvalidInput, "criterion description is required")
		}
		if c.ProofType != "" && c.ProofType != "text" && c.ProofType != "artifact" {
			return domain.Task{}, errf(KindInvalidInput, "unknown proof type %q", c.ProofType)
		}
	}
	if _, err := e.Repo.GetMission(ctx, opts.MissionID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, errf(KindMissionNotFound, "mission %s not found", opts.MissionID)
		}
		return domain.Task{}, err
	}

	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := e.nowStr()
	t := domain.Task{
		ID:                 id,
		MissionID:          opts.MissionID,
		Title:              opts.Title,
		Description:        opts.Description,
		State:              "draft",
		VerificationMethod: opts.VerificationMethod,
		MaxCompletions:     opts.MaxCompletions,
		CreatedAt:          now,
	}
	for i, c := range opts.Criteria {
		proofType := c.ProofType
		if proofType == "" {
			proofType = "text"
		}
		t.Criteria = append(t.Criteria, domain.Criterion{
			ID:          newID(),
			TaskID:      id,
			Description: c.Description,
			ProofType:   proofType,
			SortOrder:   i,
		})
	}
	for _, dim := range domain.Dimensions {
		points, ok := opts.Incentives[dim]
		if !ok || points == 0 {
			continue
		}
		t.Incentives = append(t.Incentives, domain.Incentive{
			ID:        newID(),
			TaskID:    id,
			Dimension: dim,
			Points:    points,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeTaskCreated, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID,
		Payload: events.TaskCreated{MissionID: t.MissionID, Title: t.Title, VerificationMethod: t.VerificationMethod},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// PublishTask flips a draft to open. One-way: after this the title, criteria
// and incentives are frozen; edits mean drafting a new task. The conditional
// update makes a double publish race resolve to one winner.
func (e Engine) PublishTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, e.DB, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, errf(KindTaskNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return t, err
	}
	if len(t.Criteria) == 0 {
		return t, errf(KindTaskHasNoCriteria, "task %s has no criteria; nothing to prove", taskID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	published, err := e.Repo.PublishTask(ctx, tx, taskID, now)
	if err != nil {
		return t, err
	}
	if !published {
		return t, errf(KindTaskAlreadyPublished, "task %s is not a draft", taskID)
	}

	criteria := make([]string, 0, len(t.Criteria))
	for _, c := range t.Criteria {
		criteria = append(criteria, c.Description)
	}
	incentives := map[domain.Dimension]int{}
	for _, inc := range t.Incentives {
		incentives[inc.Dimension] += inc.Points
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeTaskPublished, EntityKind: "task", EntityID: t.ID, ActorID: actorID,
		Payload: events.TaskPublished{
			MissionID:   t.MissionID,
			Title:       t.Title,
			Criteria:    criteria,
			Incentives:  incentives,
			TotalPoints: t.TotalPoints(),
		},
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.State = "open"
	t.PublishedAt = &now
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, e.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, errf(KindTaskNotFound, "task %s not found", id)
	}
	return t, err
}
