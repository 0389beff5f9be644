package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"optrack/internal/domain"
	"optrack/internal/engine"
	"optrack/internal/engine/fault"
	"optrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"operation name is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"name\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Optrack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Optrack API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOperations(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerJournal(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerRisk(group, cfg.Engine)
	registerREM(group, cfg.Engine)
	registerPortfolio(group, cfg.Engine)
	registerACOs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
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

// handleError maps engine faults onto the error envelope: declined input is
// the caller's fault, an impossible computation is the data's fault, and
// everything else is ours.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	switch fault.KindOf(err) {
	case fault.Validation:
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case fault.Computation:
		return newAPIError(http.StatusUnprocessableEntity, "computation_failed", err.Error(), nil)
	case fault.Derivation:
		return newAPIError(http.StatusInternalServerError, "derivation_failed", err.Error(), nil)
	case fault.Storage:
		return newAPIError(http.StatusInternalServerError, "storage_failed", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Optrack API Docs</title>
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

func registerOperations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Create operation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOperationRequest `json:"body"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OperationCreateOptions{
			Name:          input.Body.Name,
			Type:          input.Body.Type,
			ACO:           input.Body.ACO,
			City:          input.Body.City,
			UnitsLLS:      input.Body.UnitsLLS,
			UnitsLLTS:     input.Body.UnitsLLTS,
			UnitsPLS:      input.Body.UnitsPLS,
			Budget:        input.Body.Budget,
			Grants:        input.Body.Grants,
			StartDate:     input.Body.StartDate,
			DeliveryDate:  input.Body.DeliveryDate,
			StartPosition: input.Body.StartPosition,
			ActorID:       actorID,
		}
		op, err := e.CreateOperation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ACO    string `query:"aco"`
		Type   string `query:"type" enum:"OPP,VEFA,AMO,MANDAT"`
		Status string `query:"status"`
		Sort   string `query:"sort" enum:"recent,risk"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Operation `json:"body"`
	}, error) {
		items, err := e.ListOperations(ctx, repo.OperationFilters{
			ACO:      input.ACO,
			Type:     input.Type,
			Status:   input.Status,
			SortRisk: input.Sort == "risk",
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Operation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}",
		Summary:     "Get operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		op, err := e.GetOperation(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-units",
		Method:      http.MethodPatch,
		Path:        "/operations/{operation_id}/units",
		Summary:     "Update unit mix",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64              `path:"operation_id"`
		Body        UpdateUnitsRequest `json:"body"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := e.UpdateUnits(ctx, input.OperationID, input.Body.UnitsLLS, input.Body.UnitsLLTS, input.Body.UnitsPLS, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/recompute",
		Summary:     "Recompute derived fields",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := e.Recompute(ctx, input.OperationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/phases",
		Summary:     "List phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
	}) (*struct {
		Body []domain.Phase `json:"body"`
	}, error) {
		items, err := e.ListPhases(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Phase `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/phases/{phase_id}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
		PhaseID     int64 `path:"phase_id"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		ph, err := e.GetPhase(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if ph.OperationID != input.OperationID {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: ph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-phase",
		Method:      http.MethodPatch,
		Path:        "/operations/{operation_id}/phases/{phase_id}",
		Summary:     "Update phase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64              `path:"operation_id"`
		PhaseID     int64              `path:"phase_id"`
		Body        UpdatePhaseRequest `json:"body"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := e.GetPhase(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if ph.OperationID != input.OperationID {
			return nil, handleError(repo.ErrNotFound)
		}
		opts := engine.PhaseUpdateOptions{
			Validate:      input.Body.Validate,
			BlockReason:   input.Body.BlockReason,
			ClearBlockage: input.Body.ClearBlockage,
			PlannedStart:  input.Body.PlannedStart,
			PlannedEnd:    input.Body.PlannedEnd,
			ActualStart:   input.Body.ActualStart,
			ActualEnd:     input.Body.ActualEnd,
			MinDays:       input.Body.MinDays,
			MaxDays:       input.Body.MaxDays,
			ActorID:       actorID,
		}
		updated, err := e.UpdatePhase(ctx, input.PhaseID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "insert-phase",
		Method:        http.MethodPost,
		Path:          "/operations/{operation_id}/phases",
		Summary:       "Insert custom phase",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64              `path:"operation_id"`
		Body        InsertPhaseRequest `json:"body"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CustomPhaseOptions{
			OperationID: input.OperationID,
			Name:        input.Body.Name,
			Principal:   input.Body.Principal,
			Domain:      input.Body.Domain,
			Responsible: input.Body.Responsible,
			Position:    input.Body.Position,
			MinDays:     input.Body.MinDays,
			MaxDays:     input.Body.MaxDays,
			ActorID:     actorID,
		}
		ph, err := e.InsertCustomPhase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: ph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-phases",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/phases/reorder",
		Summary:     "Reorder phases",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64                `path:"operation_id"`
		Body        ReorderPhasesRequest `json:"body"`
	}) (*struct {
		Body []domain.Phase `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ReorderPhases(ctx, input.OperationID, input.Body.PhaseIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Phase `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerJournal(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-journal",
		Method:        http.MethodPost,
		Path:          "/operations/{operation_id}/journal",
		Summary:       "Append journal entry",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64                `path:"operation_id"`
		Body        AppendJournalRequest `json:"body"`
	}) (*struct {
		Body JournalAppendResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		author := input.Body.Author
		if author == "" {
			author = actorID
		}
		entry, alert, err := e.AppendJournal(ctx, engine.JournalAppendOptions{
			OperationID: input.OperationID,
			PhaseID:     input.Body.PhaseID,
			Author:      author,
			Action:      input.Body.Action,
			Text:        input.Body.Text,
			Urgency:     input.Body.Urgency,
			Blockage:    input.Body.Blockage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JournalAppendResponse `json:"body"`
		}{Body: JournalAppendResponse{Entry: entry, Alert: alert}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/journal",
		Summary:     "List journal entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
		Limit       int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.JournalEntry `json:"body"`
	}, error) {
		items, err := e.ListJournal(ctx, input.OperationID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.JournalEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-blockage",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/journal/{entry_id}/resolve",
		Summary:     "Resolve blockage entry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64                  `path:"operation_id"`
		EntryID     int64                  `path:"entry_id"`
		Body        ResolveBlockageRequest `json:"body"`
	}) (*struct {
		Body domain.JournalEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Repo.GetJournalEntry(ctx, input.EntryID)
		if err != nil {
			return nil, handleError(err)
		}
		if entry.OperationID != input.OperationID {
			return nil, handleError(repo.ErrNotFound)
		}
		resolved, err := e.ResolveBlockage(ctx, input.EntryID, actorID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JournalEntry `json:"body"`
		}{Body: resolved}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/alerts",
		Summary:     "List alerts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
		Untreated   bool  `query:"untreated"`
		Limit       int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Alert `json:"body"`
	}, error) {
		items, err := e.ListAlerts(ctx, input.OperationID, input.Untreated, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Alert `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "treat-alert",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/alerts/{alert_id}/treat",
		Summary:     "Treat alert",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
		AlertID     int64 `path:"alert_id"`
	}) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		alert, err := e.Repo.GetAlert(ctx, input.AlertID)
		if err != nil {
			return nil, handleError(err)
		}
		if alert.OperationID != input.OperationID {
			return nil, handleError(repo.ErrNotFound)
		}
		treated, err := e.TreatAlert(ctx, input.AlertID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: treated}, nil
	})
}

func registerRisk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "top-risk",
		Method:      http.MethodGet,
		Path:        "/risk/top",
		Summary:     "Most at-risk operations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"5"`
	}) (*struct {
		Body []domain.RiskEntry `json:"body"`
	}, error) {
		items, err := e.TopRisk(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RiskEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerREM(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "current-projection",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/rem",
		Summary:     "Current REM projection",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
	}) (*struct {
		Body domain.REMProjection `json:"body"`
	}, error) {
		proj, err := e.CurrentProjection(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.REMProjection `json:"body"`
		}{Body: proj}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "projection-history",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/rem/history",
		Summary:     "REM projection history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id"`
		Limit       int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.REMProjection `json:"body"`
	}, error) {
		items, err := e.ProjectionHistory(ctx, input.OperationID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.REMProjection `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerPortfolio(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "portfolio-summary",
		Method:      http.MethodGet,
		Path:        "/portfolio",
		Summary:     "Portfolio summary",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.PortfolioSummary `json:"body"`
	}, error) {
		summary, err := e.PortfolioSummary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PortfolioSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerACOs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-acos",
		Method:      http.MethodGet,
		Path:        "/acos",
		Summary:     "List ACOs",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ACO `json:"body"`
	}, error) {
		items, err := e.Repo.ListACOs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ACO `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-aco",
		Method:      http.MethodGet,
		Path:        "/acos/{aco_id}",
		Summary:     "Get ACO",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ACOID int64 `path:"aco_id"`
	}) (*struct {
		Body domain.ACO `json:"body"`
	}, error) {
		aco, err := e.Repo.GetACO(ctx, input.ACOID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ACO `json:"body"`
		}{Body: aco}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OperationID int64  `query:"operation_id"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.OperationID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		key := "ok_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		rec := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   strings.TrimSpace(input.Body.ActorID),
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(key),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, rec); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        rec.ID,
			ActorID:   rec.ActorID,
			Name:      rec.Name,
			Key:       key,
			CreatedAt: rec.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
