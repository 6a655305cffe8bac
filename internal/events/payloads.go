package events

import (
	"encoding/json"

	"trustline/internal/domain"
)

// Event types recorded in the ledger.
const (
	TypeMemberRegistered   = "member.registered"
	TypeMemberPromoted     = "member.role_promoted"
	TypeMemberRecalculated = "member.score_recalculated"
	TypeTaskCreated        = "task.created"
	TypeTaskPublished      = "task.published"
	TypeClaimSubmitted     = "claim.submitted"
	TypeClaimAssigned      = "claim.assigned"
	TypeClaimApproved      = "claim.approved"
	TypeClaimRejected      = "claim.rejected"
	TypeClaimRevision      = "claim.revision_requested"
	TypeClaimResubmitted   = "claim.resubmitted"
	TypeClaimReleased      = "claim.released"
	TypeClaimTimeout       = "claim.timeout_released"
	TypeConfigUpdated      = "config.updated"
)

// Payload is the closed set of per-event-type metadata variants. Keeping
// payloads typed (rather than open maps) means every field the score
// derivation reads is declared here.
type Payload interface {
	EventType() string
}

type MemberRegistered struct {
	Role        domain.Role `json:"role"`
	DisplayName string      `json:"display_name,omitempty"`
}

func (MemberRegistered) EventType() string { return TypeMemberRegistered }

type MemberPromoted struct {
	MemberID string      `json:"member_id"`
	OldRole  domain.Role `json:"old_role"`
	NewRole  domain.Role `json:"new_role"`
	Score    int         `json:"score"`
	// Threshold is nil for manual overrides.
	Threshold   *int   `json:"threshold"`
	TriggeredBy string `json:"triggered_by"`
	Reason      string `json:"reason,omitempty"`
}

func (MemberPromoted) EventType() string { return TypeMemberPromoted }

type MemberRecalculated struct {
	MemberID string `json:"member_id"`
	OldScore int    `json:"old_score"`
	NewScore int    `json:"new_score"`
	Drift    int    `json:"drift"`
}

func (MemberRecalculated) EventType() string { return TypeMemberRecalculated }

type TaskCreated struct {
	MissionID          string `json:"mission_id"`
	Title              string `json:"title"`
	VerificationMethod string `json:"verification_method"`
}

func (TaskCreated) EventType() string { return TypeTaskCreated }

// TaskPublished snapshots the frozen definition at publish time.
type TaskPublished struct {
	MissionID   string                   `json:"mission_id"`
	Title       string                   `json:"title"`
	Criteria    []string                 `json:"criteria"`
	Incentives  map[domain.Dimension]int `json:"incentives"`
	TotalPoints int                      `json:"total_points"`
}

func (TaskPublished) EventType() string { return TypeTaskPublished }

type ClaimSubmitted struct {
	MemberID    string `json:"member_id"`
	TaskID      string `json:"task_id"`
	MissionID   string `json:"mission_id"`
	ProofCount  int    `json:"proof_count"`
	AutoApprove bool   `json:"auto_approve,omitempty"`
}

func (ClaimSubmitted) EventType() string { return TypeClaimSubmitted }

type ClaimAssigned struct {
	MemberID   string `json:"member_id"`
	TaskID     string `json:"task_id"`
	ReviewerID string `json:"reviewer_id"`
}

func (ClaimAssigned) EventType() string { return TypeClaimAssigned }

// ClaimApproved carries everything the trust score deriver needs; the member's
// cached score and the incentive breakdown are reconstructable from these rows
// alone.
type ClaimApproved struct {
	MemberID     string                   `json:"member_id"`
	TaskID       string                   `json:"task_id"`
	MissionID    string                   `json:"mission_id"`
	ReviewerID   string                   `json:"reviewer_id"`
	PointsEarned int                      `json:"points_earned"`
	Breakdown    map[domain.Dimension]int `json:"breakdown,omitempty"`
	ScoreBefore  int                      `json:"score_before"`
	ScoreAfter   int                      `json:"score_after"`
	Feedback     string                   `json:"feedback,omitempty"`
	Auto         bool                     `json:"auto,omitempty"`
}

func (ClaimApproved) EventType() string { return TypeClaimApproved }

type ClaimRejected struct {
	MemberID   string `json:"member_id"`
	TaskID     string `json:"task_id"`
	ReviewerID string `json:"reviewer_id"`
	Feedback   string `json:"feedback"`
}

func (ClaimRejected) EventType() string { return TypeClaimRejected }

type ClaimRevision struct {
	MemberID      string `json:"member_id"`
	TaskID        string `json:"task_id"`
	ReviewerID    string `json:"reviewer_id"`
	Feedback      string `json:"feedback"`
	RevisionCount int    `json:"revision_count"`
}

func (ClaimRevision) EventType() string { return TypeClaimRevision }

type ClaimResubmitted struct {
	MemberID      string `json:"member_id"`
	TaskID        string `json:"task_id"`
	RevisionCount int    `json:"revision_count"`
	ProofCount    int    `json:"proof_count"`
}

func (ClaimResubmitted) EventType() string { return TypeClaimResubmitted }

type ClaimReleased struct {
	MemberID   string `json:"member_id"`
	TaskID     string `json:"task_id"`
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason,omitempty"`
}

func (ClaimReleased) EventType() string { return TypeClaimReleased }

// ClaimTimeout freezes the threshold in force at release time so later config
// changes do not rewrite historical audit records.
type ClaimTimeout struct {
	ClaimID              string  `json:"claim_id"`
	MemberID             string  `json:"member_id"`
	TaskID               string  `json:"task_id"`
	ReviewerID           string  `json:"reviewer_id"`
	DaysOrphaned         float64 `json:"days_orphaned"`
	TimeoutThresholdDays int     `json:"timeout_threshold_days"`
}

func (ClaimTimeout) EventType() string { return TypeClaimTimeout }

type ConfigUpdated struct {
	Key      string          `json:"key"`
	OldValue json.RawMessage `json:"old_value"`
	NewValue json.RawMessage `json:"new_value"`
}

func (ConfigUpdated) EventType() string { return TypeConfigUpdated }
