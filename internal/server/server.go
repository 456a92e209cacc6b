package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"waveline/internal/audit"
	"waveline/internal/domain"
	"waveline/internal/ledger"
	"waveline/internal/lock"
	"waveline/internal/manifest"
	"waveline/internal/registry"
)

// Config for the read-only operator API handler.
type Config struct {
	Registry  registry.Provider
	Manifests *manifest.Service
	LogsDir   string
	Lock      *lock.Manager
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"manifest not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing run state, ledgers, and the registry.
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
	hcfg := huma.DefaultConfig("Waveline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg)
	registerRuns(group, cfg)
	registerRegistry(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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
	switch {
	case errors.Is(err, manifest.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve *registry.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(),
			map[string]any{"violations": ve.Violations})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
		map[string]any{"error": err.Error()})
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type statusOutput struct {
	Body struct {
		Caller    string       `json:"caller,omitempty"`
		Lock      *lock.Record `json:"lock,omitempty"`
		LockStale bool         `json:"lock_stale,omitempty"`
		LatestRun string       `json:"latest_run,omitempty"`
		RunDates  []string     `json:"run_dates,omitempty"`
	}
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Orchestrator status",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		out := &statusOutput{}
		if p, ok := PrincipalFromContext(ctx); ok {
			out.Body.Caller = p.ActorID
		}
		record, stale, err := cfg.Lock.Status()
		if err != nil {
			return nil, handleError(err)
		}
		out.Body.Lock = record
		out.Body.LockStale = stale
		dates, err := cfg.Manifests.Dates()
		if err != nil {
			return nil, handleError(err)
		}
		out.Body.RunDates = dates
		if len(dates) > 0 {
			out.Body.LatestRun = dates[0]
		}
		return out, nil
	})
}

type runInput struct {
	Date string `path:"date" example:"2025-01-05"`
}

type runOutput struct {
	Body domain.RunManifest
}

type ledgerOutput struct {
	Body struct {
		Entries []domain.LedgerEntry `json:"entries"`
		Audit   []domain.AuditEntry  `json:"audit,omitempty"`
	}
}

func registerRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{date}",
		Summary:     "Run manifest for a date",
	}, func(ctx context.Context, in *runInput) (*runOutput, error) {
		m, err := cfg.Manifests.Load(in.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: *m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-ledger",
		Method:      http.MethodGet,
		Path:        "/runs/{date}/ledger",
		Summary:     "Attempt ledger and audit trail for a date",
	}, func(ctx context.Context, in *runInput) (*ledgerOutput, error) {
		entries, err := ledger.Read(cfg.LogsDir, in.Date)
		if err != nil {
			return nil, handleError(err)
		}
		auditEntries, err := audit.Read(cfg.LogsDir, in.Date)
		if err != nil {
			return nil, handleError(err)
		}
		out := &ledgerOutput{}
		out.Body.Entries = entries
		out.Body.Audit = auditEntries
		return out, nil
	})
}

type registryOutput struct {
	Body struct {
		Tasks       []domain.TaskDefinition `json:"tasks"`
		Fingerprint string                  `json:"fingerprint"`
	}
}

func registerRegistry(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-registry",
		Method:      http.MethodGet,
		Path:        "/registry",
		Summary:     "Loaded task registry",
	}, func(ctx context.Context, _ *struct{}) (*registryOutput, error) {
		tasks, err := cfg.Registry.Load(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &registryOutput{}
		out.Body.Tasks = tasks
		out.Body.Fingerprint = registry.Fingerprint(tasks)
		return out, nil
	})
}
