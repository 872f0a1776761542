package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/UniQw/searchsync"
	"github.com/UniQw/searchsync/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*App, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	w := searchsync.NewWorker(s, searchsync.WorkerConfig{
		ID:              "admin-test",
		PollInterval:    -1,
		HealthInterval:  -1,
		CleanupInterval: -1,
		StatsInterval:   -1,
	})
	return &App{Worker: w, Client: searchsync.NewClient(s)}, s
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRouter_Healthz(t *testing.T) {
	app, _ := newTestApp(t)
	rec := do(t, NewRouter(app), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestRouter_ProcessAndHealth(t *testing.T) {
	app, s := newTestApp(t)
	r := NewRouter(app)
	ctx := context.Background()
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a", Name: "A", Status: "published"}))

	h := decode[searchsync.Health](t, do(t, r, http.MethodGet, "/health"))
	assert.EqualValues(t, 1, h.TotalTasks)
	assert.Equal(t, searchsync.TierNormal, h.Tier)

	rec := do(t, r, http.MethodPost, "/process")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[searchsync.BatchResult](t, rec)
	assert.Equal(t, "admin-test", res.WorkerID)
	assert.Equal(t, 1, res.TasksProcessed)
	assert.Equal(t, 1, res.EntitiesUpserted)

	_, ok := s.Row("a")
	assert.True(t, ok)

	st := decode[StateResponse](t, do(t, r, http.MethodGet, "/state"))
	assert.Equal(t, searchsync.WorkerIdle, st.State)
	assert.EqualValues(t, 1, st.Stats.Batches)
}

func TestRouter_TasksLifecycle(t *testing.T) {
	app, s := newTestApp(t)
	r := NewRouter(app)
	ctx := context.Background()
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a", Name: "A"}))
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "b", Name: "B"}))

	list := decode[TasksResponse](t, do(t, r, http.MethodGet, "/tasks?status=pending&limit=1"))
	assert.Equal(t, searchsync.StatusPending, list.Status)
	require.Len(t, list.Items, 1)
	id := list.Items[0].ID

	rec := do(t, r, http.MethodGet, "/tasks/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode[searchsync.Task](t, rec).ID)

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/tasks/"+id+"/retry").Code, "pending task is not dead")
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodDelete, "/tasks/"+id).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/tasks/"+id).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/tasks?status=bogus").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/tasks?limit=x").Code)

	typed := decode[TasksResponse](t, do(t, r, http.MethodGet, "/tasks?type=resync_tag"))
	assert.Zero(t, typed.Count)
}

func TestRouter_Resync(t *testing.T) {
	app, s := newTestApp(t)
	r := NewRouter(app)

	rec := do(t, r, http.MethodPost, "/resync/tags/t1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	task := decode[searchsync.Task](t, rec)
	assert.Equal(t, searchsync.TypeResyncTag, task.Type)
	assert.Equal(t, "manual", task.Metadata["cause"])

	rec = do(t, r, http.MethodPost, "/resync/items/a")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, searchsync.TypeEntityUpdate, decode[searchsync.Task](t, rec).Type)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/resync/planets/p1").Code)

	ts, err := s.ListTasks(context.Background(), searchsync.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, ts, 2)
}

func TestRouter_CleanupAndReset(t *testing.T) {
	app, _ := newTestApp(t)
	r := NewRouter(app)

	rec := do(t, r, http.MethodPost, "/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged":0,"reset":0,"handled":0}`, rec.Body.String())

	rec = do(t, r, http.MethodPost, "/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"resetCount":0}`, rec.Body.String())
}

type busyController struct{ Controller }

func (busyController) ForceProcess(context.Context) (*searchsync.BatchResult, error) {
	return nil, searchsync.ErrBusy
}

func TestRouter_ProcessBusy(t *testing.T) {
	app, _ := newTestApp(t)
	app.Worker = busyController{Controller: app.Worker}
	rec := do(t, NewRouter(app), http.MethodPost, "/process")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "in flight")
}

func TestRouter_Metrics(t *testing.T) {
	app, _ := newTestApp(t)
	app.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("searchsync_up 1\n"))
	})
	rec := do(t, NewRouter(app), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "searchsync_up"))
}
