package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/UniQw/searchsync"
	"github.com/go-chi/chi/v5"
)

// StateResponse is returned by GET /state.
type StateResponse struct {
	WorkerID string                 `json:"workerId"`
	State    searchsync.WorkerState `json:"state"`
	Failures int                    `json:"failures"`
	Stats    searchsync.Stats       `json:"stats"`
}

// TasksResponse is returned by GET /tasks.
type TasksResponse struct {
	Status searchsync.Status  `json:"status"`
	Count  int                `json:"count"`
	Items  []*searchsync.Task `json:"items"`
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, searchsync.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, searchsync.ErrBusy), errors.Is(err, searchsync.ErrClaimedTask), errors.Is(err, searchsync.ErrNotDead):
		status = http.StatusConflict
	case errors.Is(err, searchsync.ErrUnknownStatus), errors.Is(err, searchsync.ErrUnknownTaskType), errors.Is(err, searchsync.ErrInvalidTask):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	h, err := a.Worker.Health(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if h.Tier == searchsync.TierCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (a *App) stateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		WorkerID: a.Worker.ID(),
		State:    a.Worker.State(),
		Failures: a.Worker.Failures(),
		Stats:    a.Worker.Stats(),
	})
}

func (a *App) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := searchsync.StatusPending
	if s := q.Get("status"); s != "" {
		parsed, err := searchsync.ParseStatus(s)
		if err != nil {
			writeError(w, err)
			return
		}
		status = parsed
	}
	var filter searchsync.TaskFilter
	if tt := q.Get("type"); tt != "" {
		filter = func(t *searchsync.Task) bool { return string(t.Type) == tt }
	}
	items, err := a.Client.ListTasks(r.Context(), status, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if n > 0 && len(items) > n {
			items = items[:n]
		}
	}
	writeJSON(w, http.StatusOK, TasksResponse{Status: status, Count: len(items), Items: items})
}

func (a *App) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := a.Client.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *App) deleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if err := a.Client.DeleteTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": id})
}

func (a *App) retryTaskHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if err := a.Client.RetryDead(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": id})
}

func (a *App) resyncHandler(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	target := chi.URLParam(r, "target_id")
	var (
		t   *searchsync.Task
		err error
	)
	if kind == "items" {
		t, err = a.Client.ResyncEntity(r.Context(), target)
	} else {
		t, err = a.Client.ResyncTarget(r.Context(), searchsync.MasterKind(kind), target)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (a *App) processHandler(w http.ResponseWriter, r *http.Request) {
	res, err := a.Worker.ForceProcess(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	res, err := a.Worker.ForceCleanup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": res.Purged, "reset": res.Reset, "handled": res.Handled()})
}

func (a *App) resetHandler(w http.ResponseWriter, r *http.Request) {
	res, err := a.Worker.ForceReset(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
