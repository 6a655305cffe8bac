package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_already_taken"`
	Message string         `json:"message" example:"claim is no longer available for review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trustline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Trustline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMembers(group, cfg.Engine)
	registerScores(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error kinds onto the HTTP envelope. The kind
// becomes the wire code; infrastructure failures collapse to a 500.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	kind := engine.KindOf(err)
	code := strings.ToLower(string(kind))
	switch {
	case engine.IsNotFound(err):
		return newAPIError(http.StatusNotFound, code, err.Error(), nil)
	case engine.IsConflict(err),
		kind == engine.KindClaimNotUnderReview,
		kind == engine.KindClaimNotRevisable,
		kind == engine.KindMaxRevisions:
		return newAPIError(http.StatusConflict, code, err.Error(), nil)
	case kind == engine.KindUnauthorizedReviewer,
		kind == engine.KindReviewerScoreTooLow,
		kind == engine.KindReviewerCapacity,
		kind == engine.KindNotClaimOwner:
		return newAPIError(http.StatusForbidden, code, err.Error(), nil)
	case kind == engine.KindTaskNotOpen,
		kind == engine.KindTaskHasNoCriteria,
		kind == engine.KindMissingProof,
		kind == engine.KindProofCountMismatch,
		kind == engine.KindProofInvalid,
		kind == engine.KindFeedbackTooShort:
		return newAPIError(http.StatusUnprocessableEntity, code, err.Error(), nil)
	case kind == engine.KindInvalidInput, kind == engine.KindInvalidRole:
		return newAPIError(http.StatusBadRequest, code, err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Trustline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-member",
		Method:        http.MethodPost,
		Path:          "/members",
		Summary:       "Register member",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RegisterMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RegisterMember(ctx, input.Body.ID, input.Body.DisplayName, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/members",
		Summary:     "List members",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Member `json:"body"`
	}, error) {
		items, err := e.ListMembers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Member `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-member",
		Method:      http.MethodGet,
		Path:        "/members/{member_id}",
		Summary:     "Get member",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		m, err := e.GetMember(ctx, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-member",
		Method:      http.MethodPost,
		Path:        "/members/{member_id}/promote",
		Summary:     "Promote member (admin override)",
	}, func(ctx context.Context, input *struct {
		MemberID string               `path:"member_id"`
		Body     PromoteMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		adminID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.PromoteMember(ctx, adminID, input.MemberID, domain.Role(input.Body.Role), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})
}

func registerScores(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-trust-score",
		Method:      http.MethodGet,
		Path:        "/members/{member_id}/score",
		Summary:     "Derived trust score with breakdown",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
	}) (*struct {
		Body ScoreResponse `json:"body"`
	}, error) {
		score, err := e.TrustScore(ctx, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		breakdown, err := e.IncentiveBreakdown(ctx, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScoreResponse `json:"body"`
		}{Body: ScoreResponse{MemberID: input.MemberID, Score: score, Breakdown: dimensionMap(breakdown)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-score-drift",
		Method:      http.MethodGet,
		Path:        "/members/{member_id}/score/drift",
		Summary:     "Compare cached and derived score",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
	}) (*struct {
		Body DriftResponse `json:"body"`
	}, error) {
		report, err := e.DetectCacheDrift(ctx, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DriftResponse `json:"body"`
		}{Body: driftResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-score",
		Method:      http.MethodPost,
		Path:        "/members/{member_id}/score/recalculate",
		Summary:     "Repair the cached score from the ledger",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
	}) (*struct {
		Body DriftResponse `json:"body"`
	}, error) {
		adminID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.RecalculateScore(ctx, input.MemberID, adminID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DriftResponse `json:"body"`
		}{Body: driftResponse(report)}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		adminID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMission(ctx, input.Body.ID, input.Body.Title, input.Body.Description, adminID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		items, err := e.ListMissions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: items}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Draft a task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		adminID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			MissionID:          input.Body.MissionID,
			Title:              input.Body.Title,
			VerificationMethod: input.Body.VerificationMethod,
			MaxCompletions:     input.Body.MaxCompletions,
			Criteria:           criterionInputs(input.Body.Criteria),
			Incentives:         incentiveInputs(input.Body.Incentives),
			ActorID:            adminID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		State     string `query:"state" enum:",draft,open,in_progress,complete,expired,cancelled"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{MissionID: input.MissionID, State: input.State})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task with criteria and incentives",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/publish",
		Summary:     "Publish a draft task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		adminID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.PublishTask(ctx, input.TaskID, adminID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-claim",
		Method:        http.MethodPost,
		Path:          "/claims",
		Summary:       "Submit a claim with proofs",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SubmitClaimRequest `json:"body"`
	}) (*struct {
		Body SubmitClaimResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitClaim(ctx, engine.SubmitOptions{
			MemberID: actorID,
			TaskID:   input.Body.TaskID,
			Proofs:   proofInputs(input.Body.Proofs),
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitClaimResponse `json:"body"`
		}{Body: SubmitClaimResponse{
			Claim:        res.Claim,
			AutoApproved: res.AutoApproved,
			PointsEarned: res.PointsEarned,
			Promotion:    promotionDTO(res.Promotion),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List claims",
	}, func(ctx context.Context, input *struct {
		MemberID   string `query:"member_id"`
		TaskID     string `query:"task_id"`
		Status     string `query:"status" enum:",submitted,under_review,approved,rejected,revision_requested"`
		ReviewerID string `query:"reviewer_id"`
	}) (*struct {
		Body []domain.Claim `json:"body"`
	}, error) {
		items, err := e.ListClaims(ctx, repo.ClaimFilters{
			MemberID:   input.MemberID,
			TaskID:     input.TaskID,
			Status:     input.Status,
			ReviewerID: input.ReviewerID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Claim `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_id}",
		Summary:     "Get claim with proofs",
	}, func(ctx context.Context, input *struct {
		ClaimID string `path:"claim_id"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		c, err := e.GetClaim(ctx, input.ClaimID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-claim",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_id}/resubmit",
		Summary:     "Resubmit after a revision request",
	}, func(ctx context.Context, input *struct {
		ClaimID string               `path:"claim_id"`
		Body    ResubmitClaimRequest `json:"body"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ResubmitClaim(ctx, input.ClaimID, actorID, proofInputs(input.Body.Proofs), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: c}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-reviewer",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_id}/assign",
		Summary:     "Take a claim for review",
	}, func(ctx context.Context, input *struct {
		ClaimID string `path:"claim_id"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AssignReviewer(ctx, input.ClaimID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-claim",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_id}/approve",
		Summary:     "Approve a claim under review",
	}, func(ctx context.Context, input *struct {
		ClaimID string                `path:"claim_id"`
		Body    ReviewDecisionRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApproveClaim(ctx, input.ClaimID, actorID, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: ReviewResponse{
			Claim:        res.Claim,
			PointsEarned: res.PointsEarned,
			Breakdown:    dimensionMap(res.Breakdown),
			ScoreBefore:  res.ScoreBefore,
			ScoreAfter:   res.ScoreAfter,
			Promotion:    promotionDTO(res.Promotion),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-claim",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_id}/reject",
		Summary:     "Reject a claim under review",
	}, func(ctx context.Context, input *struct {
		ClaimID string                `path:"claim_id"`
		Body    ReviewDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RejectClaim(ctx, input.ClaimID, actorID, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_id}/revision",
		Summary:     "Send a claim back for revision",
	}, func(ctx context.Context, input *struct {
		ClaimID string                `path:"claim_id"`
		Body    ReviewDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RequestRevision(ctx, input.ClaimID, actorID, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-claim",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_id}/release",
		Summary:     "Hand a claim back to the review queue",
	}, func(ctx context.Context, input *struct {
		ClaimID string              `path:"claim_id"`
		Body    ReleaseClaimRequest `json:"body"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ReleaseClaim(ctx, input.ClaimID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-orphaned-claims",
		Method:      http.MethodPost,
		Path:        "/claims/sweep",
		Summary:     "Release claims stuck under review past the timeout",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Claim `json:"body"`
	}, error) {
		adminID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		released, err := e.ReleaseOrphanedClaims(ctx, adminID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Claim `json:"body"`
		}{Body: released}, nil
	})
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "List settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Setting `json:"body"`
	}, error) {
		items, err := e.ListSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Setting `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-setting",
		Method:      http.MethodGet,
		Path:        "/settings/{key}",
		Summary:     "Get setting",
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.Setting `json:"body"`
	}, error) {
		s, err := e.GetSetting(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Setting `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-setting",
		Method:      http.MethodPut,
		Path:        "/settings/{key}",
		Summary:     "Update setting",
	}, func(ctx context.Context, input *struct {
		Key  string            `path:"key"`
		Body SetSettingRequest `json:"body"`
	}) (*struct {
		Body domain.Setting `json:"body"`
	}, error) {
		adminID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetSetting(ctx, adminID, input.Key, input.Body.Value, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Setting `json:"body"`
		}{Body: s}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event ledger",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"1" maximum:"500"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.EventLog(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
