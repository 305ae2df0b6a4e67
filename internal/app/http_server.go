package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"timeledger/internal/domain"
	"timeledger/internal/usecase"
)

// HTTPServer returns a configured http.Server exposing the engine's
// operations. Authentication is out of scope: the surrounding layer is
// expected to resolve the caller and pass it via X-User-ID and
// X-User-Admin. Call ListenAndServe on the returned server in a
// goroutine and Shutdown it on exit.
func (a *App) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/time-entries/start", a.handleStart)
	mux.HandleFunc("POST /api/time-entries/stop", a.handleStop)
	mux.HandleFunc("POST /api/time-entries", a.handleCreateManual)
	mux.HandleFunc("PATCH /api/time-entries/{id}", a.handleUpdate)
	mux.HandleFunc("DELETE /api/time-entries/{id}", a.handleDelete)
	mux.HandleFunc("GET /api/time-entries/running", a.handleGetRunning)
	mux.HandleFunc("GET /api/time-entries/summary", a.handleSummary)
	mux.HandleFunc("GET /api/time-entries", a.handleList)

	srv := &http.Server{Addr: addr, Handler: loggingMiddleware(a.log, mux)}
	a.log.Info("http server configured", slog.String("addr", addr))
	return srv
}

// loggingMiddleware provides basic request logging.
func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("dur", time.Since(start)),
		)
	})
}

// caller is the already-authenticated identity resolved by the outer
// layer.
type caller struct {
	ID    uuid.UUID
	Admin bool
}

func callerFrom(r *http.Request) (caller, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return caller{}, errors.New("missing X-User-ID header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return caller{}, errors.New("invalid X-User-ID header")
	}
	admin, _ := strconv.ParseBool(r.Header.Get("X-User-Admin"))
	return caller{ID: id, Admin: admin}, nil
}

type entryJSON struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	TaskID          *uuid.UUID `json:"task_id,omitempty"`
	ProjectID       *uuid.UUID `json:"project_id,omitempty"`
	Description     string     `json:"description"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes *int64     `json:"duration_minutes,omitempty"`
	IsRunning       bool       `json:"is_running"`
	External        bool       `json:"external"`
	Billable        bool       `json:"billable"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toEntryJSON(e domain.TimeEntry) entryJSON {
	return entryJSON{
		ID:              e.ID,
		UserID:          e.UserID,
		TaskID:          e.TaskID,
		ProjectID:       e.ProjectID,
		Description:     e.Description,
		StartTime:       e.Start,
		EndTime:         e.End,
		DurationMinutes: e.DurationMinutes,
		IsRunning:       e.Running(),
		External:        e.External,
		Billable:        e.Billable,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	var body struct {
		TaskID      *uuid.UUID `json:"task_id"`
		ProjectID   *uuid.UUID `json:"project_id"`
		Description string     `json:"description"`
		External    bool       `json:"external"`
		Billable    *bool      `json:"billable"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := a.timer.Start(r.Context(), c.ID, usecase.StartInput{
		TaskID:      body.TaskID,
		ProjectID:   body.ProjectID,
		Description: body.Description,
		External:    body.External,
		Billable:    body.Billable == nil || *body.Billable,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryJSON(entry))
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	var body struct {
		EntryID *uuid.UUID `json:"entry_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := a.timer.Stop(r.Context(), c.ID, body.EntryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryJSON(entry))
}

func (a *App) handleCreateManual(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	var body struct {
		StartTime   time.Time  `json:"start_time"`
		EndTime     time.Time  `json:"end_time"`
		TaskID      *uuid.UUID `json:"task_id"`
		ProjectID   *uuid.UUID `json:"project_id"`
		Description string     `json:"description"`
		External    bool       `json:"external"`
		Billable    *bool      `json:"billable"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := a.timer.CreateManual(r.Context(), c.ID, usecase.ManualInput{
		Start:       body.StartTime,
		End:         body.EndTime,
		TaskID:      body.TaskID,
		ProjectID:   body.ProjectID,
		Description: body.Description,
		External:    body.External,
		Billable:    body.Billable == nil || *body.Billable,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryJSON(entry))
}

func (a *App) handleUpdate(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	entryID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid entry id"))
		return
	}
	var body struct {
		StartTime   *time.Time `json:"start_time"`
		EndTime     *time.Time `json:"end_time"`
		Description *string    `json:"description"`
		TaskID      *uuid.UUID `json:"task_id"`
		ProjectID   *uuid.UUID `json:"project_id"`
		External    *bool      `json:"external"`
		Billable    *bool      `json:"billable"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := a.timer.Update(r.Context(), c.ID, c.Admin, entryID, usecase.EntryPatch{
		Start: body.StartTime,
		End:   body.EndTime,
		Metadata: domain.MetadataPatch{
			Description: body.Description,
			TaskID:      body.TaskID,
			ProjectID:   body.ProjectID,
			External:    body.External,
			Billable:    body.Billable,
		},
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryJSON(entry))
}

func (a *App) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	entryID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid entry id"))
		return
	}
	if err := a.timer.Delete(r.Context(), c.ID, c.Admin, entryID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleGetRunning(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	entry, err := a.timer.GetRunning(r.Context(), c.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, toEntryJSON(*entry))
}

func (a *App) handleList(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	filter, err := filterFrom(r, c)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	page := domain.Page{}
	if v := q.Get("skip"); v != "" {
		page.Skip, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		page.Limit, _ = strconv.Atoi(v)
	}
	result, err := a.timer.List(r.Context(), filter, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	entries := make([]entryJSON, 0, len(result.Entries))
	for _, e := range result.Entries {
		entries = append(entries, toEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   result.Total,
		"skip":    result.Skip,
		"limit":   result.Limit,
	})
}

func (a *App) handleSummary(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	filter, err := filterFrom(r, c)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	summary, err := a.timer.Summary(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// filterFrom builds an EntryFilter from query parameters. Non-admin
// callers are always scoped to their own entries; admins may pass
// user_id to inspect another user.
func filterFrom(r *http.Request, c caller) (domain.EntryFilter, error) {
	q := r.URL.Query()
	filter := domain.EntryFilter{UserID: &c.ID}
	if v := q.Get("user_id"); v != "" && c.Admin {
		id, err := uuid.Parse(v)
		if err != nil {
			return domain.EntryFilter{}, errors.New("invalid user_id")
		}
		filter.UserID = &id
	}
	if v := q.Get("task_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return domain.EntryFilter{}, errors.New("invalid task_id")
		}
		filter.TaskID = &id
	}
	if v := q.Get("project_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return domain.EntryFilter{}, errors.New("invalid project_id")
		}
		filter.ProjectID = &id
	}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from"), false); err != nil {
		return domain.EntryFilter{}, err
	}
	if filter.To, err = parseTimeParam(q.Get("to"), true); err != nil {
		return domain.EntryFilter{}, err
	}
	return filter, nil
}

// parseTimeParam accepts RFC3339 or YYYY-MM-DD. Date-only end bounds are
// treated as inclusive by converting to next-day 00:00 UTC.
func parseTimeParam(val string, endOfDay bool) (*time.Time, error) {
	if val == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		u := t.UTC()
		return &u, nil
	}
	if d, err := time.Parse("2006-01-02", val); err == nil {
		if endOfDay {
			d = d.Add(24 * time.Hour)
		}
		u := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		return &u, nil
	}
	return nil, errors.New("invalid time, expected RFC3339 or YYYY-MM-DD")
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		overlapErr *domain.OverlapError
		runningErr *domain.AlreadyRunningError
		rangeErr   *domain.InvalidRangeError
	)
	switch {
	case errors.As(err, &overlapErr):
		conflicts := make([]map[string]any, 0, len(overlapErr.Conflicts))
		for _, c := range overlapErr.Conflicts {
			conflicts = append(conflicts, map[string]any{
				"entry_id":   c.EntryID,
				"start_time": c.Start,
				"end_time":   c.End,
			})
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     err.Error(),
			"conflicts": conflicts,
		})
	case errors.As(err, &runningErr):
		writeJSONError(w, http.StatusConflict, err)
	case errors.As(err, &rangeErr):
		writeJSONError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotRunning):
		writeJSONError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrPermission):
		writeJSONError(w, http.StatusForbidden, err)
	case errors.Is(err, domain.ErrRetryExhausted):
		writeJSONError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSONError(w, http.StatusInternalServerError, err)
	}
}
