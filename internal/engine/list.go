package engine

import (
	"context"
	"errors"

	"trustline/internal/domain"
	"trustline/internal/repo"
)

func (e Engine) ListMembers(ctx context.Context) ([]domain.Member, error) {
	return e.Repo.ListMembers(ctx)
}

func (e Engine) ListMissions(ctx context.Context) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx)
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return m, errf(KindMissionNotFound, "mission %s not found", id)
	}
	return m, err
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) ListClaims(ctx context.Context, f repo.ClaimFilters) ([]domain.Claim, error) {
	return e.Repo.ListClaims(ctx, f)
}

// EventLog tails the ledger, newest first, optionally filtered.
func (e Engine) EventLog(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
}

// EntityHistory returns the full ledger trail of one entity, oldest first.
func (e Engine) EntityHistory(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	return e.Repo.EventsByEntity(ctx, e.DB, entityKind, entityID)
}
