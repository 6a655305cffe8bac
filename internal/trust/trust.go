// Package trust derives a member's Trust Score from the event ledger. The
// member row's trust_score column is only a cache of what this package
// computes; every writer recomputes through here before assigning.
package trust

import (
	"context"
	"encoding/json"
	"fmt"

	"trustline/internal/domain"
	"trustline/internal/events"
	"trustline/internal/repo"
)

type Deriver struct {
	Repo repo.Repo
}

// approvedPayload decodes only what derivation reads. Pointer fields
// distinguish "absent" from zero for older events that predate the field.
type approvedPayload struct {
	MemberID     string                   `json:"member_id"`
	TaskID       string                   `json:"task_id"`
	PointsEarned *int                     `json:"points_earned"`
	Breakdown    map[domain.Dimension]int `json:"breakdown"`
}

func (d Deriver) approvedEvents(ctx context.Context, q repo.Querier, memberID string) ([]approvedPayload, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT payload_json FROM events WHERE type=? AND json_extract(payload_json,'$.member_id')=? ORDER BY id ASC`,
		events.TypeClaimApproved, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []approvedPayload
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p approvedPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode claim.approved payload: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CalculateTrustScore sums points_earned across the member's claim.approved
// events. Recomputation over the same history always yields the same value.
func (d Deriver) CalculateTrustScore(ctx context.Context, q repo.Querier, memberID string) (int, error) {
	payloads, err := d.approvedEvents(ctx, q, memberID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range payloads {
		pts, err := d.pointsFor(ctx, q, p)
		if err != nil {
			return 0, err
		}
		total += pts
	}
	return total, nil
}

func (d Deriver) pointsFor(ctx context.Context, q repo.Querier, p approvedPayload) (int, error) {
	if p.PointsEarned != nil {
		return *p.PointsEarned, nil
	}
	// Older events may lack points_earned; the task's incentive schedule is
	// frozen after publish, so recomputing from it is equivalent.
	incentives, err := d.Repo.ListIncentives(ctx, q, p.TaskID)
	if err != nil {
		return 0, fmt.Errorf("fallback incentives for task %s: %w", p.TaskID, err)
	}
	total := 0
	for _, inc := range incentives {
		total += inc.Points
	}
	return total, nil
}

// IncentiveBreakdown groups the member's earned points by dimension, falling
// back to the task schedule for events without a recorded breakdown.
func (d Deriver) IncentiveBreakdown(ctx context.Context, q repo.Querier, memberID string) (map[domain.Dimension]int, error) {
	payloads, err := d.approvedEvents(ctx, q, memberID)
	if err != nil {
		return nil, err
	}
	breakdown := map[domain.Dimension]int{}
	for _, p := range payloads {
		if len(p.Breakdown) > 0 {
			for dim, pts := range p.Breakdown {
				breakdown[dim] += pts
			}
			continue
		}
		incentives, err := d.Repo.ListIncentives(ctx, q, p.TaskID)
		if err != nil {
			return nil, fmt.Errorf("fallback incentives for task %s: %w", p.TaskID, err)
		}
		for _, inc := range incentives {
			breakdown[inc.Dimension] += inc.Points
		}
	}
	return breakdown, nil
}

// DriftReport compares the cached score against the derived one.
type DriftReport struct {
	MemberID   string `json:"member_id"`
	Cached     int    `json:"cached"`
	Calculated int    `json:"calculated"`
	Drift      int    `json:"drift"`
}

// DetectCacheDrift is the reconciliation probe. It never repairs anything;
// RecalculateScore on the engine is the sanctioned repair path.
func (d Deriver) DetectCacheDrift(ctx context.Context, q repo.Querier, memberID string) (DriftReport, error) {
	member, err := d.Repo.GetMember(ctx, q, memberID)
	if err != nil {
		return DriftReport{}, err
	}
	calculated, err := d.CalculateTrustScore(ctx, q, memberID)
	if err != nil {
		return DriftReport{}, err
	}
	return DriftReport{
		MemberID:   memberID,
		Cached:     member.TrustScore,
		Calculated: calculated,
		Drift:      member.TrustScore - calculated,
	}, nil
}
