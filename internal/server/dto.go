package server

import (
	"encoding/json"

	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/trust"
)

// Request payloads

type RegisterMemberRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

type CreateMissionRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type CriterionRequest struct {
	Description string `json:"description"`
	ProofType   string `json:"proof_type,omitempty" enum:"text,artifact"`
}

type CreateTaskRequest struct {
	ID                 *string            `json:"id,omitempty"`
	MissionID          string             `json:"mission_id"`
	Title              string             `json:"title"`
	Description        *string            `json:"description,omitempty"`
	VerificationMethod string             `json:"verification_method,omitempty" enum:"auto_approve,peer_review,admin_review"`
	MaxCompletions     *int               `json:"max_completions,omitempty"`
	Criteria           []CriterionRequest `json:"criteria,omitempty"`
	Incentives         map[string]int     `json:"incentives,omitempty"`
}

type ProofRequest struct {
	CriterionID string `json:"criterion_id"`
	Kind        string `json:"kind,omitempty" enum:"text,artifact"`
	Text        string `json:"text,omitempty"`
	ArtifactID  string `json:"artifact_id,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

type SubmitClaimRequest struct {
	TaskID string         `json:"task_id"`
	Proofs []ProofRequest `json:"proofs"`
}

type ResubmitClaimRequest struct {
	Proofs []ProofRequest `json:"proofs"`
}

type ReviewDecisionRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

type ReleaseClaimRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PromoteMemberRequest struct {
	Role   string `json:"role" enum:"explorer,contributor,steward,guardian"`
	Reason string `json:"reason,omitempty"`
}

type SetSettingRequest struct {
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
}

// Response payloads

type ScoreResponse struct {
	MemberID  string         `json:"member_id"`
	Score     int            `json:"score"`
	Breakdown map[string]int `json:"breakdown,omitempty"`
}

type DriftResponse struct {
	MemberID   string `json:"member_id"`
	Cached     int    `json:"cached"`
	Calculated int    `json:"calculated"`
	Drift      int    `json:"drift"`
}

type SubmitClaimResponse struct {
	Claim        domain.Claim `json:"claim"`
	AutoApproved bool         `json:"auto_approved"`
	PointsEarned int          `json:"points_earned,omitempty"`
	Promotion    *PromotionDTO `json:"promotion,omitempty"`
}

type ReviewResponse struct {
	Claim        domain.Claim   `json:"claim"`
	PointsEarned int            `json:"points_earned"`
	Breakdown    map[string]int `json:"breakdown,omitempty"`
	ScoreBefore  int            `json:"score_before"`
	ScoreAfter   int            `json:"score_after"`
	Promotion    *PromotionDTO  `json:"promotion,omitempty"`
}

type PromotionDTO struct {
	OldRole   domain.Role `json:"old_role"`
	NewRole   domain.Role `json:"new_role"`
	Threshold int         `json:"threshold"`
}

func promotionDTO(p engine.PromotionResult) *PromotionDTO {
	if !p.Promoted {
		return nil
	}
	return &PromotionDTO{OldRole: p.OldRole, NewRole: p.NewRole, Threshold: p.Threshold}
}

func driftResponse(r trust.DriftReport) DriftResponse {
	return DriftResponse{MemberID: r.MemberID, Cached: r.Cached, Calculated: r.Calculated, Drift: r.Drift}
}

func dimensionMap(in map[domain.Dimension]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for dim, points := range in {
		out[string(dim)] = points
	}
	return out
}

func incentiveInputs(in map[string]int) map[domain.Dimension]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[domain.Dimension]int, len(in))
	for dim, points := range in {
		out[domain.Dimension(dim)] = points
	}
	return out
}

func proofInputs(in []ProofRequest) []engine.ProofInput {
	out := make([]engine.ProofInput, 0, len(in))
	for _, p := range in {
		out = append(out, engine.ProofInput{
			CriterionID: p.CriterionID,
			Kind:        p.Kind,
			Text:        p.Text,
			ArtifactID:  p.ArtifactID,
			ContentHash: p.ContentHash,
		})
	}
	return out
}

func criterionInputs(in []CriterionRequest) []engine.CriterionInput {
	out := make([]engine.CriterionInput, 0, len(in))
	for _, c := range in {
		out = append(out, engine.CriterionInput{Description: c.Description, ProofType: c.ProofType})
	}
	return out
}
