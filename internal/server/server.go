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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stageline/internal/config"
	"stageline/internal/contract"
	"stageline/internal/domain"
	"stageline/internal/pipeline"
	"stageline/internal/pipeline/auth"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   pipeline.Engine
	BasePath string
	Auth     AuthConfig
	// SweepEvery starts a background sweeper when positive.
	SweepEvery time.Duration
	SweepBatch int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_approval"`
	Message string         `json:"message" example:"approval is stale: inputs changed since it was requested"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stageline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerPipeline(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerInputs(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerSweeper(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)
	if cfg.SweepEvery > 0 {
		startSweeper(cfg.Engine, cfg.SweepEvery, cfg.SweepBatch)
	}

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"stage": fe.Stage, "roles": fe.Roles,
		})
	}
	if errors.Is(err, pipeline.ErrStaleApproval) {
		return newAPIError(http.StatusConflict, "stale_approval", err.Error(), nil)
	}
	if errors.Is(err, pipeline.ErrNoPendingApproval) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func parseStage(raw string) (stage.Key, huma.StatusError) {
	key, err := stage.Parse(raw)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return key, nil
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stageline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type stagePath struct {
	ProjectID string `path:"project_id"`
	StageKey  string `path:"stage_key"`
}

type statusBody struct {
	Body domain.PipelineStatus `json:"body"`
}

func statusOut(st domain.PipelineStatus) *statusBody {
	return &statusBody{Body: st}
}

func registerProjects(api huma.API, e pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/contract",
		Summary:     "Get contract snapshot",
		Description: "The cached snapshot the last gate evaluation saw.",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body *contract.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Contract(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *contract.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerPipeline(api huma.API, e pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Pipeline status",
	}, func(ctx context.Context, input *projectPath) (*statusBody, error) {
		st, err := e.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/evaluate",
		Summary:     "Evaluate stage gates",
	}, func(ctx context.Context, input *projectPath) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Evaluate(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/advance",
		Summary:     "Run one autopilot step",
	}, func(ctx context.Context, input *projectPath) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.AutoAdvance(ctx, input.ProjectID, pipeline.TriggerManual, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pause",
		Summary:     "Pause autopilot",
	}, func(ctx context.Context, input *struct {
		projectPath
		Body PauseRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Pause(ctx, input.ProjectID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/resume",
		Summary:     "Resume autopilot",
	}, func(ctx context.Context, input *struct {
		projectPath
		Body ResumeRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Resume(ctx, input.ProjectID, input.Body.ResetFailures, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-autopilot",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/autopilot",
		Summary:     "Set autopilot mode",
	}, func(ctx context.Context, input *struct {
		projectPath
		Body AutopilotRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetAutopilot(ctx, input.ProjectID, input.Body.Enabled, input.Body.Mode, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerApprovals(api huma.API, e pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/approvals",
		Summary:     "List pending approvals",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.StageApproval `json:"body"`
	}, error) {
		items, err := e.Repo.ListPendingApprovals(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageApproval `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/stages/{stage_key}/approve",
		Summary:     "Approve a stage gate",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		stagePath
		Body ApprovalDecisionRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, perr := parseStage(input.StageKey)
		if perr != nil {
			return nil, perr
		}
		st, err := e.Approve(ctx, input.ProjectID, key, actorID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/stages/{stage_key}/reject",
		Summary:     "Reject a stage gate",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		stagePath
		Body ApprovalDecisionRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, perr := parseStage(input.StageKey)
		if perr != nil {
			return nil, perr
		}
		st, err := e.Reject(ctx, input.ProjectID, key, actorID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})
}

func registerInputs(api huma.API, e pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-onboarding",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/onboarding",
		Summary:     "Record the client onboarding submission",
	}, func(ctx context.Context, input *struct {
		projectPath
		Body OnboardingRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, _ := json.Marshal(input.Body.Fields)
		now := time.Now().UTC().Format(time.RFC3339)
		err := e.Repo.UpsertOnboarding(ctx, repo.OnboardingSubmission{
			ProjectID: input.ProjectID, Submitted: true,
			PayloadJSON: string(payload), SubmittedAt: &now,
		})
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.Evaluate(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-assignment",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/assignments/{role}",
		Summary:     "Assign a project role",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Role      string `path:"role"`
		Body      AssignmentRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpsertAssignment(ctx, input.ProjectID, input.Role, input.Body.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		st, err := e.Evaluate(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-template",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/template",
		Summary:     "Record the template selection",
	}, func(ctx context.Context, input *struct {
		projectPath
		Body TemplateRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.TemplateID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "template_id is required", nil)
		}
		err := e.Repo.UpsertTemplateSelection(ctx, repo.TemplateSelection{
			ProjectID:        input.ProjectID,
			TemplateID:       input.Body.TemplateID,
			ValidationStatus: input.Body.ValidationStatus,
			ValidationError:  input.Body.ValidationError,
			PreviewReady:     input.Body.PreviewReady,
			QualityScore:     input.Body.QualityScore,
			UpdatedAt:        time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.Evaluate(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-output",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/stages/{stage_key}/output",
		Summary:     "Record a stage output",
	}, func(ctx context.Context, input *struct {
		stagePath
		Body StageOutputRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, perr := parseStage(input.StageKey)
		if perr != nil {
			return nil, perr
		}
		payload, _ := json.Marshal(input.Body.Output)
		err := e.Repo.UpsertStageOutput(ctx, repo.StageOutput{
			ProjectID:    input.ProjectID,
			StageKey:     key,
			OutputJSON:   string(payload),
			QualityScore: input.Body.QualityScore,
			UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.Evaluate(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})
}

func registerJobs(api huma.API, e pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/jobs",
		Summary:     "List job runs",
	}, func(ctx context.Context, input *struct {
		projectPath
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.JobRun `json:"body"`
	}, error) {
		items, err := e.Repo.ListJobRuns(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.JobRun `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-succeeded",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/succeed",
		Summary:     "Job success callback",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.OnJobSuccess(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-failed",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/fail",
		Summary:     "Job failure callback",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  JobFailureRequest `json:"body"`
	}) (*statusBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.OnJobFailure(ctx, input.JobID, input.Body.Error, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return statusOut(st), nil
	})
}

func registerEvents(api huma.API, e pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List pipeline events",
	}, func(ctx context.Context, input *struct {
		projectPath
		Limit int   `query:"limit"`
		After int64 `query:"after"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, input.Limit, input.After, input.ProjectID)
		} else {
			items, err = e.Repo.ListEvents(ctx, input.ProjectID, input.Limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			out = append(out, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerConfig(api huma.API, e pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Export project config",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Import project config",
	}, func(ctx context.Context, input *struct {
		projectPath
		Body config.Config `json:"body"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg := input.Body
		cfg.Project.ID = input.ProjectID
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpsertProjectConfig(ctx, input.ProjectID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: &cfg}, nil
	})
}

func registerSweeper(api huma.API, e pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweeper",
		Method:      http.MethodPost,
		Path:        "/sweeper/run",
		Summary:     "Run one sweeper pass",
	}, func(ctx context.Context, input *struct {
		Body SweepRequest `json:"body"`
	}) (*struct {
		Body pipeline.SweepReport `json:"body"`
	}, error) {
		report, err := e.RunSweeper(ctx, input.Body.Batch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pipeline.SweepReport `json:"body"`
		}{Body: report}, nil
	})
}
