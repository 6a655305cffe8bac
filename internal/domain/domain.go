package domain

// Role is a member's rank. Roles only move forward (except by admin override).
type Role string

const (
	RoleExplorer    Role = "explorer"
	RoleContributor Role = "contributor"
	RoleSteward     Role = "steward"
	RoleGuardian    Role = "guardian"
)

// RoleOrder lists roles in promotion order, lowest first.
var RoleOrder = []Role{RoleExplorer, RoleContributor, RoleSteward, RoleGuardian}

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	for _, known := range RoleOrder {
		if r == known {
			return true
		}
	}
	return false
}

// Next returns the role one step above r, or "" if r is the top role.
func (r Role) Next() Role {
	for i, known := range RoleOrder {
		if r == known && i+1 < len(RoleOrder) {
			return RoleOrder[i+1]
		}
	}
	return ""
}

// Dimension is one of the five fixed incentive categories.
type Dimension string

const (
	DimParticipation Dimension = "participation"
	DimCollaboration Dimension = "collaboration"
	DimInnovation    Dimension = "innovation"
	DimLeadership    Dimension = "leadership"
	DimImpact        Dimension = "impact"
)

var Dimensions = []Dimension{DimParticipation, DimCollaboration, DimInnovation, DimLeadership, DimImpact}

func (d Dimension) Valid() bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role" enum:"explorer,contributor,steward,guardian"`
	// TrustScore caches the value derivable from claim.approved events.
	// Never authoritative; see trust.Deriver.
	TrustScore int    `json:"trust_score"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Mission struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                 string  `json:"id"`
	MissionID          string  `json:"mission_id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	State              string  `json:"state" enum:"draft,open,in_progress,complete,expired,cancelled"`
	VerificationMethod string  `json:"verification_method" enum:"auto_approve,peer_review,admin_review"`
	MaxCompletions     *int    `json:"max_completions,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	PublishedAt        *string `json:"published_at,omitempty" format:"date-time"`

	Criteria   []Criterion `json:"criteria,omitempty"`
	Incentives []Incentive `json:"incentives,omitempty"`
}

// TotalPoints is the sum of the task's incentive allocations. A claim's award
// is always this sum over the frozen task definition.
func (t Task) TotalPoints() int {
	total := 0
	for _, inc := range t.Incentives {
		total += inc.Points
	}
	return total
}

// Criterion is one required proof item of a task.
type Criterion struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	ProofType   string `json:"proof_type" enum:"text,artifact"`
	SortOrder   int    `json:"sort_order"`
}

// Incentive is a named point allocation on one dimension.
type Incentive struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Dimension Dimension `json:"dimension" enum:"participation,collaboration,innovation,leadership,impact"`
	Points    int       `json:"points"`
}

type ClaimStatus string

const (
	ClaimSubmitted         ClaimStatus = "submitted"
	ClaimUnderReview       ClaimStatus = "under_review"
	ClaimApproved          ClaimStatus = "approved"
	ClaimRejected          ClaimStatus = "rejected"
	ClaimRevisionRequested ClaimStatus = "revision_requested"
)

type Claim struct {
	ID            string      `json:"id"`
	MemberID      string      `json:"member_id"`
	TaskID        string      `json:"task_id"`
	Status        ClaimStatus `json:"status" enum:"submitted,under_review,approved,rejected,revision_requested"`
	ReviewerID    *string     `json:"reviewer_id,omitempty"`
	RevisionCount int         `json:"revision_count"`
	Feedback      *string     `json:"feedback,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
	ReviewedAt    *string     `json:"reviewed_at,omitempty" format:"date-time"`

	Proofs []Proof `json:"proofs,omitempty"`
}

// Proof satisfies exactly one criterion of the claim's task. Either inline
// text or a reference to an externally stored artifact by content hash.
type Proof struct {
	ID          string  `json:"id"`
	ClaimID     string  `json:"claim_id"`
	CriterionID string  `json:"criterion_id"`
	Kind        string  `json:"kind" enum:"text,artifact"`
	Text        string  `json:"text,omitempty"`
	ArtifactID  *string `json:"artifact_id,omitempty"`
	ContentHash *string `json:"content_hash,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only ledger. Never updated or deleted.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Setting is one versioned configuration entry.
type Setting struct {
	Key         string `json:"key"`
	Value       string `json:"value_json"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Principal is the already-authenticated caller supplied by the transport.
type Principal struct {
	ID         string `json:"id"`
	Role       Role   `json:"role"`
	TrustScore int    `json:"trust_score"`
}
