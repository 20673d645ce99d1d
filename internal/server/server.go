package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultline/internal/app"
	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/health"
	"vaultline/internal/notify"
	"vaultline/internal/plan"
	"vaultline/internal/repo"
	"vaultline/internal/store"
)

// Config for the HTTP handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	// LivenessOnly serves /health and /metrics without the ops API.
	LivenessOnly bool
	Logger       *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"descriptor not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"name\":\"ODOO_payment_acme.md\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing /health, /metrics and, unless
// LivenessOnly is set, the ops API under BasePath.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !cfg.LivenessOnly && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("server: jwt secret is required for the ops API")
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
	if !cfg.LivenessOnly {
		router.Use(newAuthMiddleware(basePath, cfg.Auth))
	}
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Vaultline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	registerHealth(api, cfg.App.Checker())
	if cfg.LivenessOnly {
		return router, nil
	}

	a := cfg.App
	group := huma.NewGroup(api, basePath)
	registerDocs(router, basePath)
	registerStatus(group, a)
	registerEvents(group, a)
	registerApprovals(group, a, cfg.logger())
	registerReplies(group, a, cfg.logger())
	registerPlan(group, a)
	registerJobs(group, a)
	registerOpenAPI(router, api, basePath)
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
	var te *store.TransitionError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, plan.ErrNoActivePlan):
		return newAPIError(http.StatusNotFound, "no_active_plan", err.Error(), nil)
	case errors.Is(err, notify.ErrUnrecognizedReply):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"name": te.Name,
			"from": string(te.From),
			"to":   string(te.To),
		})
	case strings.Contains(strings.ToLower(err.Error()), "invalid"):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
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

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == "/health" {
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
    <title>Vaultline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; (see vl token).
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, checker health.Checker) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness report",
		Description: "Reports degraded when the vault or its handbook is missing or the degraded marker exists. Always 200.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body health.Report `json:"body"`
	}, error) {
		return &struct {
			Body health.Report `json:"body"`
		}{Body: checker.Check()}, nil
	})
}

func registerStatus(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Dashboard snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap := dashboard.Project(a.Store, a.Health, a.Now(), a.Config.Odoo.URL)
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit entries, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		items, err := a.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: nonNilSlice(items)}}, nil
	})
}

func registerApprovals(api huma.API, a *app.App, logger *log.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "Descriptors awaiting approval",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body approvalList `json:"body"`
	}, error) {
		pending, err := a.Store.ListByState(ctx, domain.StateAwaitingApproval)
		if err != nil {
			return nil, handleError(err)
		}
		resp := approvalList{Items: []ApprovalResponse{}}
		for _, d := range pending {
			h, _, err := a.Store.Read(d)
			if err != nil {
				logger.Printf("api: read %s failed: %v", d.Name, err)
				continue
			}
			resp.Items = append(resp.Items, approvalResponse(d, h))
		}
		return &struct {
			Body approvalList `json:"body"`
		}{Body: resp}, nil
	})

	decide := func(verb string, move func(context.Context, string) (domain.Descriptor, error)) func(context.Context, *struct {
		Name string `path:"name"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			Name string `path:"name"`
		}) (*struct {
			Body ApprovalResponse `json:"body"`
		}, error) {
			d, err := move(ctx, input.Name)
			if err != nil {
				return nil, handleError(err)
			}
			h, _, _ := a.Store.Read(d)
			logger.Printf("api: %s %s by %s", verb, d.Name, actorFromContext(ctx))
			return &struct {
				Body ApprovalResponse `json:"body"`
			}{Body: approvalResponse(d, h)}, nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "approve",
		Method:      http.MethodPost,
		Path:        "/approvals/{name}/approve",
		Summary:     "Approve a pending action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, decide("approved", a.Store.Approve))
	huma.Register(api, huma.Operation{
		OperationID: "reject",
		Method:      http.MethodPost,
		Path:        "/approvals/{name}/reject",
		Summary:     "Reject a pending action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, decide("rejected", a.Store.Reject))
}

func registerReplies(api huma.API, a *app.App, logger *log.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "reply",
		Method:      http.MethodPost,
		Path:        "/replies",
		Summary:     "Apply an APPROVE/REJECT reply from a notification channel",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ReplyRequest `json:"body"`
	}) (*struct {
		Body ReplyResponse `json:"body"`
	}, error) {
		verb, d, err := notify.ApplyReply(ctx, a.Store, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		h, _, _ := a.Store.Read(d)
		logger.Printf("api: reply %s %s by %s", verb, d.Name, actorFromContext(ctx))
		return &struct {
			Body ReplyResponse `json:"body"`
		}{Body: ReplyResponse{Verb: string(verb), Approval: approvalResponse(d, h)}}, nil
	})
}

func registerPlan(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "plan",
		Method:      http.MethodGet,
		Path:        "/plan",
		Summary:     "Active plan iteration state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.IterationState `json:"body"`
	}, error) {
		st, ok := a.Tracker.Get()
		if !ok {
			return nil, handleError(plan.ErrNoActivePlan)
		}
		return &struct {
			Body domain.IterationState `json:"body"`
		}{Body: st}, nil
	})
}

func registerJobs(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-job-runs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "Recent scheduler job runs",
	}, func(ctx context.Context, input *struct {
		Job   string `query:"job"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body jobRunList `json:"body"`
	}, error) {
		runs, err := a.Repo.LatestJobRuns(ctx, normalizeLimit(input.Limit), input.Job)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body jobRunList `json:"body"`
		}{Body: jobRunList{Items: nonNilSlice(runs)}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
