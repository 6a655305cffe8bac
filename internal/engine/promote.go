package engine

import (
	"context"
	"database/sql"
	"errors"

	"trustline/internal/domain"
	"trustline/internal/events"
	"trustline/internal/repo"
	"trustline/internal/validate"
)

// PromotionResult reports whether a promotion fired and what changed.
type PromotionResult struct {
	Promoted  bool        `json:"promoted"`
	OldRole   domain.Role `json:"old_role,omitempty"`
	NewRole   domain.Role `json:"new_role,omitempty"`
	Threshold int         `json:"threshold,omitempty"`
}

// checkAndPromote advances the member at most one role step if the score
// clears the next threshold. Runs inside the transaction of whatever score
// change triggered it, so promotion commits atomically with the earning
// event. The role guard in UpdateMemberRole keeps the trigger exactly-once.
func (e Engine) checkAndPromote(ctx context.Context, tx *sql.Tx, member domain.Member, score int, triggeredBy string, st Settings) (PromotionResult, error) {
	next := member.Role.Next()
	if next == "" {
		return PromotionResult{}, nil
	}
	threshold, ok := st.Thresholds[next]
	if !ok || score < threshold {
		return PromotionResult{}, nil
	}
	advanced, err := e.Repo.UpdateMemberRole(ctx, tx, member.ID, member.Role, next, e.nowStr())
	if err != nil {
		return PromotionResult{}, err
	}
	if !advanced {
		// Role moved underneath us; the member is no longer exactly one
		// step below, so this trigger does nothing.
		return PromotionResult{}, nil
	}
	t := threshold
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeMemberPromoted, EntityKind: "member", EntityID: member.ID, ActorID: triggeredBy,
		Payload: events.MemberPromoted{
			MemberID:    member.ID,
			OldRole:     member.Role,
			NewRole:     next,
			Score:       score,
			Threshold:   &t,
			TriggeredBy: triggeredBy,
		},
	}); err != nil {
		return PromotionResult{}, err
	}
	return PromotionResult{Promoted: true, OldRole: member.Role, NewRole: next, Threshold: threshold}, nil
}

// PromoteMember is the manual override: an admin sets any role regardless of
// score. The event carries the reason and a null threshold to mark the
// override in the audit trail.
func (e Engine) PromoteMember(ctx context.Context, adminID, memberID string, role domain.Role, reason string) (domain.Member, error) {
	if !role.Valid() {
		return domain.Member{}, errf(KindInvalidRole, "unknown role %q", role)
	}
	if err := validate.ID("member id", memberID); err != nil {
		return domain.Member{}, errf(KindInvalidInput, "%s", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()

	member, err := e.Repo.GetMember(ctx, tx, memberID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Member{}, errf(KindMemberNotFound, "member %s not found", memberID)
	}
	if err != nil {
		return domain.Member{}, err
	}
	if member.Role == role {
		return member, nil
	}
	now := e.nowStr()
	if err := e.Repo.SetMemberRole(ctx, tx, memberID, role, now); err != nil {
		return domain.Member{}, err
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeMemberPromoted, EntityKind: "member", EntityID: memberID, ActorID: adminID,
		Payload: events.MemberPromoted{
			MemberID:    memberID,
			OldRole:     member.Role,
			NewRole:     role,
			Score:       member.TrustScore,
			Threshold:   nil,
			TriggeredBy: adminID,
			Reason:      reason,
		},
	}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	member.Role = role
	member.UpdatedAt = now
	return member, nil
}
