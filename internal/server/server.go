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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"devflow/internal/bus"
	"devflow/internal/config"
	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/pipeline"
	"devflow/internal/repo"
	"devflow/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *store.Store
	Bus      *bus.Bus
	Pipeline *pipeline.Orchestrator
	Webhooks []config.Webhook
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cycle_detected"`
	Message string         `json:"message" example:"relationship would create a dependency cycle"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Devflow API. The webhook
// dispatcher goroutine stops when ctx is cancelled.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
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
			// Schema validation errors are the caller's fault.
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
	hcfg := huma.DefaultConfig("Devflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerItems(group, cfg.Store)
	registerRelationships(group, cfg.Store)
	registerGraph(group, cfg.Store)
	registerActions(group, cfg.Bus)
	registerEvents(group, cfg.Bus)
	registerPipelines(group, cfg.Pipeline)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(ctx, cfg.Bus, cfg.Webhooks)

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

// handleError maps the typed core errors onto the HTTP taxonomy.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve store.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ce store.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"source_id":         ce.SourceID,
			"target_id":         ce.TargetID,
			"relationship_type": ce.Type,
		})
	}
	var cy store.CycleError
	if errors.As(err, &cy) {
		return newAPIError(http.StatusUnprocessableEntity, "cycle_detected", err.Error(), map[string]any{
			"source_id": cy.SourceID,
			"target_id": cy.TargetID,
		})
	}
	var te store.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": te.From,
			"to":   te.To,
		})
	}
	var un bus.ErrUnknownAction
	if errors.As(err, &un) {
		return newAPIError(http.StatusBadRequest, "unknown_action", err.Error(), map[string]any{"action_type": un.ActionType})
	}
	var af bus.ActionFailed
	if errors.As(err, &af) {
		return newAPIError(http.StatusUnprocessableEntity, "action_failed", af.Message, map[string]any{
			"action_type":     af.ActionType,
			"idempotency_key": af.IdempotencyKey,
		})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

// actorFromContext reads the X-Actor-Id header. Identity comes from the
// deployment's gateway; an absent header attributes the change to "api".
func actorFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok {
		if actor := strings.TrimSpace(r.Header.Get("X-Actor-Id")); actor != "" {
			return actor
		}
	}
	return "api"
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Devflow API Docs</title>
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

func registerItems(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		opts := store.CreateItemOptions{
			Title:          input.Body.Title,
			Type:           input.Body.Type,
			Status:         input.Body.Status,
			Priority:       input.Body.Priority,
			EstimatedHours: input.Body.EstimatedHours,
			Tags:           input.Body.Tags,
			Metadata:       input.Body.Metadata,
			ReporterID:     actorFromContext(ctx),
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		if input.Body.ReporterID != nil {
			opts.ReporterID = *input.Body.ReporterID
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		item, err := st.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		Status     string `query:"status"`
		Priority   string `query:"priority"`
		AssigneeID string `query:"assignee_id"`
		ReporterID string `query:"reporter_id"`
		ParentID   string `query:"parent_id"`
		Tag        string `query:"tag"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := st.ListItems(ctx, repo.ItemFilters{
			Type:       input.Type,
			Status:     input.Status,
			Priority:   input.Priority,
			AssigneeID: input.AssigneeID,
			ReporterID: input.ReporterID,
			ParentID:   input.ParentID,
			Tag:        input.Tag,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := st.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{item_id}",
		Summary:     "Update work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   UpdateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		item, err := st.UpdateItem(ctx, input.ItemID, store.ItemPatch{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Status:         input.Body.Status,
			Priority:       input.Body.Priority,
			AssigneeID:     input.Body.AssigneeID,
			ParentID:       input.Body.ParentID,
			EstimatedHours: input.Body.EstimatedHours,
			ActualHours:    input.Body.ActualHours,
			DueDate:        input.Body.DueDate,
			Tags:           input.Body.Tags,
			Metadata:       input.Body.Metadata,
			ActorID:        actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-item",
		Method:        http.MethodDelete,
		Path:          "/items/{item_id}",
		Summary:       "Delete work item",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		if err := st.DeleteItem(ctx, input.ItemID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRelationships(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-relationship",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/relationships",
		Summary:       "Link two work items",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string                    `path:"item_id"`
		Body   CreateRelationshipRequest `json:"body"`
	}) (*struct {
		Body domain.Relationship `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		rel, err := st.Link(ctx, input.ItemID, input.Body.TargetID, input.Body.Type, desc, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Relationship `json:"body"`
		}{Body: rel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-relationships",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/relationships",
		Summary:     "List an item's relationships",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []domain.Relationship `json:"body"`
	}, error) {
		if _, err := st.GetItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		rels, err := st.ListRelationships(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Relationship `json:"body"`
		}{Body: rels}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-relationship",
		Method:        http.MethodDelete,
		Path:          "/items/{item_id}/relationships/{target_id}/{relationship_type}",
		Summary:       "Unlink two work items",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID           string `path:"item_id"`
		TargetID         string `path:"target_id"`
		RelationshipType string `path:"relationship_type"`
	}) (*struct{}, error) {
		err := st.Unlink(ctx, input.ItemID, input.TargetID, input.RelationshipType, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerGraph(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "get-graph",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/graph",
		Summary:     "Relationship graph around an item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Depth  int    `query:"depth"`
	}) (*struct {
		Body store.Graph `json:"body"`
	}, error) {
		depth := input.Depth
		if depth <= 0 {
			depth = 2
		}
		g, err := st.GetGraph(ctx, input.ItemID, depth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body store.Graph `json:"body"`
		}{Body: g}, nil
	})
}

func registerActions(api huma.API, b *bus.Bus) {
	huma.Register(api, huma.Operation{
		OperationID:   "execute-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Execute an action through the bus",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ExecuteActionRequest `json:"body"`
	}) (*struct {
		Body domain.Action `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		a, err := b.Execute(ctx, bus.ExecuteRequest{
			ActionType:     input.Body.ActionType,
			IdempotencyKey: input.Body.IdempotencyKey,
			Input:          input.Body.Input,
			ActorID:        actorFromContext(ctx),
			RetryFailed:    input.Body.RetryFailed,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Action `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"action_type"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Action `json:"body"`
	}, error) {
		actions, err := b.ListActions(ctx, repo.ActionFilters{
			Type:   input.Type,
			Status: input.Status,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Action `json:"body"`
		}{Body: actions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get action by id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.Action `json:"body"`
	}, error) {
		a, err := b.Repo.GetActionByID(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Action `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, b *bus.Bus) {
	huma.Register(api, huma.Operation{
		OperationID:   "emit-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Record an externally observed event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EmitEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.EventType) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "event_type is required", map[string]any{"field": "event_type"})
		}
		evt, err := b.Emit(ctx, input.Body.EventType, input.Body.EntityKind, input.Body.EntityID,
			actorFromContext(ctx), "", events.EventPayload(input.Body.Payload))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"event_type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		After      int64  `query:"after"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		events, err := b.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			After:      input.After,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerPipelines(api huma.API, orch *pipeline.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Start an idea-to-deployment pipeline",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartPipelineRequest `json:"body"`
	}) (*struct {
		Body domain.JobStatus `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		js, err := orch.Start(ctx, pipeline.StartOptions{
			IdeaReference: input.Body.IdeaReference,
			Title:         input.Body.Title,
			ActorID:       actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobStatus `json:"body"`
		}{Body: js}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{job_id}",
		Summary:     "Pipeline status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.JobStatus `json:"body"`
	}, error) {
		js, err := orch.GetStatus(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobStatus `json:"body"`
		}{Body: js}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipelines/{job_id}/retry",
		Summary:     "Retry a failed pipeline",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.JobStatus `json:"body"`
	}, error) {
		js, err := orch.Retry(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobStatus `json:"body"`
		}{Body: js}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipelines/{job_id}/cancel",
		Summary:     "Cancel a pipeline",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.JobStatus `json:"body"`
	}, error) {
		js, err := orch.Cancel(ctx, input.JobID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobStatus `json:"body"`
		}{Body: js}, nil
	})
}
