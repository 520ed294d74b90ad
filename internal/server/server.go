// Package server exposes the HTTP API: artifact upload and browsing, task
// submission and retrieval, packaged output download and the audit tail.
package server

import (
	"context"
	"encoding/base64"
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

	"packline/internal/cache"
	"packline/internal/domain"
	"packline/internal/engine"
	"packline/internal/repo"
	"packline/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cache_not_ready"`
	Message string         `json:"message" example:"artifact cache is not ready"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns on failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Packline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	hcfg := huma.DefaultConfig("Packline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerArtifacts(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDownload(router, basePath, cfg.Engine)
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
	var verr *engine.RuleValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "invalid_rules", err.Error(), map[string]any{"errors": verr.Errors})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrCacheNotReady), errors.Is(err, cache.ErrNotReady):
		return newAPIError(http.StatusConflict, "cache_not_ready", err.Error(), nil)
	case errors.Is(err, engine.ErrTooLarge):
		return newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", err.Error(), nil)
	case errors.Is(err, storage.ErrInvalidArchive):
		return newAPIError(http.StatusBadRequest, "invalid_archive", err.Error(), nil)
	case errors.Is(err, cache.ErrNotFile):
		return newAPIError(http.StatusBadRequest, "not_a_file", err.Error(), nil)
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
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
    <title>Packline API Docs</title>
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

func registerArtifacts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-artifact",
		Method:        http.MethodPost,
		Path:          "/artifacts",
		Summary:       "Upload an archive",
		Description:   "Stores the archive and unpacks it into the shared cache. The call returns once the cache is ready.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusRequestEntityTooLarge,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Filename string `query:"filename" doc:"Original file name of the archive"`
		RawBody  []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
		}
		filename := input.Filename
		if filename == "" {
			filename = "upload.zip"
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UploadArtifact(ctx, filename, input.RawBody, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a, 0)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/artifacts",
		Summary:     "List artifacts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListArtifacts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByArtifact(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []ArtifactResponse{}
		for _, a := range items {
			resp = append(resp, artifactResponse(a, counts[a.ID]))
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}",
		Summary:     "Get artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetArtifact(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.TaskIDsByArtifact(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a, len(tasks))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-artifact",
		Method:      http.MethodDelete,
		Path:        "/artifacts/{artifact_id}",
		Summary:     "Delete artifact",
		Description: "Removes the artifact with its cache, task outputs and registry rows.",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ArtifactID string `path:"artifact_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteArtifact(ctx, input.ArtifactID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-files",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}/files",
		Summary:     "Browse the unpacked cache tree",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		Body []FileNodeResponse `json:"body"`
	}, error) {
		entry, err := e.OpenCache(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		nodes, err := entry.ListFiles()
		if err != nil {
			return nil, handleError(err)
		}
		resp := fileNodeResponses(nodes)
		if resp == nil {
			resp = []FileNodeResponse{}
		}
		return &struct {
			Body []FileNodeResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-artifact-file",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}/file",
		Summary:     "Read one file from the cache",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ArtifactID string `path:"artifact_id"`
		Path       string `query:"path" doc:"File path relative to the cache root"`
	}) (*struct {
		Body FileContentResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Path) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "path query parameter required", nil)
		}
		entry, err := e.OpenCache(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := entry.ReadFile(input.Path)
		if err != nil {
			if errors.Is(err, cache.ErrNotFile) {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("file %s not found", input.Path), nil)
		}
		return &struct {
			Body FileContentResponse `json:"body"`
		}{Body: FileContentResponse{
			Path:    input.Path,
			Size:    int64(len(data)),
			Content: base64.StdEncoding.EncodeToString(data),
		}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/artifacts/{artifact_id}/tasks",
		Summary:       "Create a modification task",
		Description:   "Records the task as pending and schedules it. Poll the task until it reaches completed or failed.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ArtifactID string            `path:"artifact_id"`
		Body       CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, input.ArtifactID, domainRules(input.Body.Rules), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-tasks",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}/tasks",
		Summary:     "List an artifact's tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		Body []TaskSummaryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetArtifact(ctx, input.ArtifactID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasksByArtifact(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []TaskSummaryResponse{}
		for _, s := range items {
			resp = append(resp, taskSummaryResponse(s))
		}
		return &struct {
			Body []TaskSummaryResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

// registerDownload serves the packaged output as a raw file stream, outside
// the JSON surface.
func registerDownload(r chi.Router, basePath string, e *engine.Engine) {
	r.Get(path.Join(basePath, "/tasks/{task_id}/download"), func(w http.ResponseWriter, req *http.Request) {
		taskID := chi.URLParam(req, "task_id")
		t, err := e.Repo.GetTask(req.Context(), taskID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if t.Status != domain.TaskCompleted || t.OutputPath == "" {
			respondStatusError(w, newAPIError(http.StatusConflict, "task_not_completed",
				fmt.Sprintf("task %s is %s", taskID, t.Status), nil))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", taskID+".zip"))
		http.ServeFile(w, req, t.OutputPath)
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"20"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []EventResponse{}
		for _, ev := range items {
			resp = append(resp, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}
