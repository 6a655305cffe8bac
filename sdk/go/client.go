package trustlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trustline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Member represents the API member model.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
	TrustScore  int    `json:"trust_score"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                 string      `json:"id"`
	MissionID          string      `json:"mission_id"`
	Title              string      `json:"title"`
	State              string      `json:"state"`
	VerificationMethod string      `json:"verification_method"`
	Criteria           []Criterion `json:"criteria,omitempty"`
}

// Criterion is one required proof item of a task.
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	ProofType   string `json:"proof_type"`
}

// Proof is one submitted proof.
type Proof struct {
	CriterionID string `json:"criterion_id"`
	Kind        string `json:"kind,omitempty"`
	Text        string `json:"text,omitempty"`
	ArtifactID  string `json:"artifact_id,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Claim represents the API claim model.
type Claim struct {
	ID            string  `json:"id"`
	MemberID      string  `json:"member_id"`
	TaskID        string  `json:"task_id"`
	Status        string  `json:"status"`
	ReviewerID    *string `json:"reviewer_id,omitempty"`
	RevisionCount int     `json:"revision_count"`
	Feedback      *string `json:"feedback,omitempty"`
}

// SubmitResult reports a submission, including auto-approval outcomes.
type SubmitResult struct {
	Claim        Claim `json:"claim"`
	AutoApproved bool  `json:"auto_approved"`
	PointsEarned int   `json:"points_earned,omitempty"`
}

// ReviewResult reports an approval.
type ReviewResult struct {
	Claim        Claim          `json:"claim"`
	PointsEarned int            `json:"points_earned"`
	Breakdown    map[string]int `json:"breakdown,omitempty"`
	ScoreBefore  int            `json:"score_before"`
	ScoreAfter   int            `json:"score_after"`
}

// Score is a derived trust score with its per-dimension breakdown.
type Score struct {
	MemberID  string         `json:"member_id"`
	Score     int            `json:"score"`
	Breakdown map[string]int `json:"breakdown,omitempty"`
}

// Event represents a ledger entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterMember registers a member.
func (c *Client) RegisterMember(ctx context.Context, id, displayName string) (Member, error) {
	body := map[string]any{"id": id, "display_name": displayName}
	var resp Member
	err := c.do(ctx, http.MethodPost, "v0/members", body, &resp)
	return resp, err
}

// GetMember fetches a member.
func (c *Client) GetMember(ctx context.Context, id string) (Member, error) {
	var resp Member
	err := c.do(ctx, http.MethodGet, "v0/members/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TrustScore returns the derived score with its breakdown.
func (c *Client) TrustScore(ctx context.Context, memberID string) (Score, error) {
	var resp Score
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/members/%s/score", url.PathEscape(memberID)), nil, &resp)
	return resp, err
}

// GetTask fetches a task with criteria.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListOpenTasks lists published tasks.
func (c *Client) ListOpenTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "v0/tasks?state=open", nil, &resp)
	return resp, err
}

// SubmitClaim claims a task with proofs.
func (c *Client) SubmitClaim(ctx context.Context, taskID string, proofs []Proof) (SubmitResult, error) {
	body := map[string]any{"task_id": taskID, "proofs": proofs}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "v0/claims", body, &resp)
	return resp, err
}

// AssignReviewer takes a claim for review as the authenticated member.
func (c *Client) AssignReviewer(ctx context.Context, claimID string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/claims/%s/assign", url.PathEscape(claimID)), map[string]any{}, &resp)
	return resp, err
}

// ApproveClaim approves a claim under review.
func (c *Client) ApproveClaim(ctx context.Context, claimID, feedback string) (ReviewResult, error) {
	var resp ReviewResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/claims/%s/approve", url.PathEscape(claimID)), map[string]any{"feedback": feedback}, &resp)
	return resp, err
}

// RejectClaim rejects a claim under review.
func (c *Client) RejectClaim(ctx context.Context, claimID, feedback string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/claims/%s/reject", url.PathEscape(claimID)), map[string]any{"feedback": feedback}, &resp)
	return resp, err
}

// Events returns recent ledger events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
