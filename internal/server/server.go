// Package server exposes a read-mostly HTTP API over the engine's store plus
// a trigger endpoint for running a cycle on demand.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rotaro/internal/domain"
	"rotaro/internal/engine"
	"rotaro/internal/repo"
)

// Cycler runs one full poll cycle. The driver satisfies this; tests fake it.
type Cycler interface {
	RunOnce(ctx context.Context) (engine.CycleReport, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Cycler   Cycler
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"instance not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Rotaro API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerDefinitions(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerCycles(group, cfg.Cycler)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Engine status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		defs, err := e.Repo.ListDefinitions(ctx, true)
		if err != nil {
			return nil, handleError(err)
		}
		instances, err := e.Repo.ListInstances(ctx, false)
		if err != nil {
			return nil, handleError(err)
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		now := e.Now()
		retired, overdueSoft, overdueHard, completed := 0, 0, 0, 0
		for _, d := range defs {
			if d.Retired {
				retired++
			}
		}
		for _, i := range instances {
			switch {
			case i.Completed():
				completed++
			case !now.Before(i.HardDeadline):
				overdueHard++
			case !now.Before(i.SoftDeadline):
				overdueSoft++
			}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"users":             len(users),
			"definitions":       len(defs),
			"retired":           retired,
			"active_instances":  len(instances),
			"completed_pending": completed,
			"overdue_soft":      overdueSoft,
			"overdue_hard":      overdueHard,
		}}, nil
	})
}

func registerDefinitions(api huma.API, e engine.Engine) {
	type listInput struct {
		IncludeRetired bool `query:"include_retired"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/definitions",
		Summary:     "List task definitions",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.TaskDefinition `json:"body"`
	}, error) {
		defs, err := e.Repo.ListDefinitions(ctx, input.IncludeRetired)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskDefinition `json:"body"`
		}{Body: defs}, nil
	})

	type namePath struct {
		Name string `path:"name"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-definition",
		Method:      http.MethodGet,
		Path:        "/definitions/{name}",
		Summary:     "Get one task definition",
	}, func(ctx context.Context, input *namePath) (*struct {
		Body domain.TaskDefinition `json:"body"`
	}, error) {
		def, err := e.Repo.GetDefinition(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskDefinition `json:"body"`
		}{Body: def}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	type listInput struct {
		IncludeTerminated bool `query:"include_terminated"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List task instances",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.TaskInstance `json:"body"`
	}, error) {
		instances, err := e.Repo.ListInstances(ctx, input.IncludeTerminated)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskInstance `json:"body"`
		}{Body: instances}, nil
	})

	type idPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{id}",
		Summary:     "Get one task instance",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.TaskInstance `json:"body"`
	}, error) {
		inst, err := e.Repo.GetInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-history",
		Method:      http.MethodGet,
		Path:        "/instances/{id}/history",
		Summary:     "Completion history for one instance",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.CompletionEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetInstance(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListCompletions(ctx, input.ID, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CompletionEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	type listInput struct {
		Limit int `query:"limit" minimum:"0" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Completion history, newest first",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.CompletionEntry `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		entries, err := e.Repo.ListCompletions(ctx, "", limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CompletionEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	type listInput struct {
		Limit int `query:"limit" minimum:"0" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Engine events, newest first",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		events, err := e.Repo.ListEvents(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

type cycleResult struct {
	Reconciled  int      `json:"reconciled"`
	Assigned    int      `json:"assigned"`
	Completed   int      `json:"completed"`
	Rotated     int      `json:"rotated"`
	Retired     int      `json:"retired"`
	DefsSynced  int      `json:"defs_synced"`
	UsersSynced int      `json:"users_synced"`
	Intents     int      `json:"intents"`
	Dropped     int      `json:"dropped"`
	Skipped     []string `json:"skipped,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

func registerCycles(api huma.API, cycler Cycler) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Run one poll cycle now",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body cycleResult `json:"body"`
	}, error) {
		if cycler == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "cycle driver not running", nil)
		}
		report, err := cycler.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := cycleResult{
			Reconciled:  report.Reconciled,
			Assigned:    report.Assigned,
			Completed:   report.Completed,
			Rotated:     report.Rotated,
			Retired:     len(report.Retired),
			DefsSynced:  report.DefsSynced,
			UsersSynced: report.UsersSynced,
			Intents:     len(report.Intents),
			Dropped:     report.Dropped,
			Skipped:     report.Skipped,
		}
		for _, e := range report.Errors {
			res.Errors = append(res.Errors, e.Error())
		}
		return &struct {
			Body cycleResult `json:"body"`
		}{Body: res}, nil
	})
}
