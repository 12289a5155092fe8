// Package httpapi mounts the /ws upgrade route, a /healthz probe, and a
// small read-only introspection surface (list/get journals, work and
// approval queues, the event log) behind the same JWT/API-key auth used
// by the Connection Handler. Grounded on the teacher's internal/server
// package: huma.NewGroup plus a custom error-envelope, chi middleware
// composition, and humachi wiring, carried over verbatim in shape.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/opencode-hub/hub/internal/app"
	"github.com/opencode-hub/hub/internal/apperr"
	"github.com/opencode-hub/hub/internal/wsconn"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.Context
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"journal not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// handleError translates the apperr taxonomy into the wire error envelope,
// grounded on the teacher's server.go handleError / auth.ForbiddenError
// dispatch, generalized to apperr.Kind instead of a fixed set of sentinel
// error types.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	ae, ok := apperr.As(err)
	if !ok {
		return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
	return newAPIError(apperr.HTTPStatus(ae.Kind), "", ae.Error(), ae.Details)
}

type requestKey struct{}
type bodyBytesKey struct{}

// New returns an HTTP handler exposing the collaboration hub's /ws route,
// health probe, and REST introspection surface.
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
		return newAPIError(status, "", msg, nil)
	}

	// chi requires every middleware to be registered before any route, so
	// the auth chain goes on first; newAuthMiddleware itself exempts
	// anything outside basePath (here: /healthz and /ws), matching the
	// teacher's newAuthMiddleware(basePath, ...) scoping.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Store.Repo))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		principal, err := ResolveParticipant(r, cfg.Auth, cfg.App.Store.Repo)
		if err != nil && !cfg.Auth.AllowLegacyActorHeader {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		wsconn.Handle(cfg.App, principal.ParticipantID, w, r)
	})

	hcfg := huma.DefaultConfig("Opencode Collaboration Hub", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerJournals(group, cfg.App)
	registerWork(group, cfg.App)
	registerParticipants(group, cfg.App)
	registerEvents(group, cfg.App)
	registerWhoAmI(group)

	return router, nil
}

// registerWhoAmI exposes the caller's resolved identity, grounded on the
// teacher's "Current principal" route.
func registerWhoAmI(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/whoami",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body whoamiResponse `json:"body"`
	}, error) {
		principal, err := principalFromContextOrError(ctx)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body whoamiResponse `json:"body"`
		}{Body: whoamiResponse{ParticipantID: principal.ParticipantID, Source: principal.Source}}, nil
	})
}

func registerJournals(api huma.API, a *app.Context) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journals",
		Method:      http.MethodGet,
		Path:        "/journals",
		Summary:     "List journals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body journalSummaryResponse `json:"body"`
	}, error) {
		items, err := a.Store.ListJournalSummaries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body journalSummaryResponse `json:"body"`
		}{Body: journalSummaryResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-journal",
		Method:      http.MethodGet,
		Path:        "/journals/{journal_id}",
		Summary:     "Get a journal and its blocks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JournalID string `path:"journal_id"`
	}) (*struct {
		Body journalResponse `json:"body"`
	}, error) {
		j, blocks, err := a.Store.GetJournal(ctx, input.JournalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body journalResponse `json:"body"`
		}{Body: journalResponse{Journal: j, Blocks: blocks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-journal",
		Method:      http.MethodPost,
		Path:        "/journals",
		Summary:     "Create a journal",
	}, func(ctx context.Context, input *struct {
		Body createJournalRequest `json:"body"`
	}) (*struct {
		Body journalResponse `json:"body"`
	}, error) {
		j, err := a.Store.CreateJournal(ctx, input.Body.Title)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body journalResponse `json:"body"`
		}{Body: journalResponse{Journal: j}}, nil
	})
}

func registerWork(api huma.API, a *app.Context) {
	huma.Register(api, huma.Operation{
		OperationID: "work-queue",
		Method:      http.MethodGet,
		Path:        "/participants/{participant_id}/work-queue",
		Summary:     "List work items assigned to a participant",
	}, func(ctx context.Context, input *struct {
		ParticipantID string `path:"participant_id"`
	}) (*struct {
		Body workQueueResponse `json:"body"`
	}, error) {
		items, err := a.Store.Repo.WorkQueueFor(ctx, input.ParticipantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workQueueResponse `json:"body"`
		}{Body: workQueueResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-queue",
		Method:      http.MethodGet,
		Path:        "/participants/{participant_id}/approval-queue",
		Summary:     "List approval requests awaiting a participant",
	}, func(ctx context.Context, input *struct {
		ParticipantID string `path:"participant_id"`
	}) (*struct {
		Body approvalQueueResponse `json:"body"`
	}, error) {
		items, err := a.Store.Repo.ApprovalQueueFor(ctx, input.ParticipantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body approvalQueueResponse `json:"body"`
		}{Body: approvalQueueResponse{Items: items}}, nil
	})
}

func registerParticipants(api huma.API, a *app.Context) {
	huma.Register(api, huma.Operation{
		OperationID: "available-participants",
		Method:      http.MethodGet,
		Path:        "/participants/available",
		Summary:     "List participants currently accepting work",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body participantsResponse `json:"body"`
	}, error) {
		items, err := a.Store.Repo.AvailableParticipants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body participantsResponse `json:"body"`
		}{Body: participantsResponse{Items: items}}, nil
	})
}

func registerEvents(api huma.API, a *app.Context) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events, oldest first, paged by cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		JournalID  string `query:"journal_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var afterID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			afterID = parsed
		}
		rows, err := a.Store.Repo.ListEventsFrom(ctx, limit+1, afterID, input.JournalID, input.Type, input.EntityKind)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []eventResponse{}}
		if len(rows) > limit {
			resp.NextCursor = strconv.FormatInt(rows[limit-1].ID, 10)
			rows = rows[:limit]
		}
		for _, e := range rows {
			var payload map[string]any
			if e.Payload != "" {
				_ = json.Unmarshal([]byte(e.Payload), &payload)
			}
			resp.Items = append(resp.Items, eventResponse{
				ID: e.ID, TS: e.TS, Type: e.Type, JournalID: e.JournalID,
				EntityKind: e.EntityKind, EntityID: e.EntityID, ActorID: e.ActorID,
				Payload: payload,
			})
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
