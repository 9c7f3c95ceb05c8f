package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgpu/nexus/internal/auth"
	"github.com/nexusgpu/nexus/internal/gpuprobe"
	"github.com/nexusgpu/nexus/internal/jobengine"
	"github.com/nexusgpu/nexus/internal/models"
	"github.com/nexusgpu/nexus/internal/serverlog"
	"github.com/nexusgpu/nexus/internal/store"
)

func newTestDeps(t *testing.T) (*Deps, store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gate, err := auth.Open(filepath.Join(t.TempDir(), "api_token"), filepath.Join(t.TempDir(), "authorized_keys"))
	require.NoError(t, err)

	return &Deps{
		Store:  db,
		Engine: &jobengine.Engine{Runner: nil, Artifacts: db, HomeDir: t.TempDir()},
		GPUs:   gpuprobe.NewMock(2),
		Gate:   gate,
		Logs:   serverlog.NewRing(64),
	}, db
}

func authedRequest(t *testing.T, deps *Deps, method, target string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+deps.Gate.Token())
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateJob_JSONBody_DefaultsAndQueues(t *testing.T) {
	deps, _ := newTestDeps(t)

	body, err := json.Marshal(models.JobRequest{Command: "echo hello"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	deps.CreateJob(w, authedRequest(t, deps, http.MethodPost, "/v1/jobs", body))

	require.Equal(t, http.StatusCreated, w.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.NumGPUs)
	assert.NotEmpty(t, job.ID)
}

func TestCreateJob_RejectsEmptyCommand(t *testing.T) {
	deps, _ := newTestDeps(t)

	body, err := json.Marshal(models.JobRequest{Command: ""})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	deps.CreateJob(w, authedRequest(t, deps, http.MethodPost, "/v1/jobs", body))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob_NotFoundMapsTo404(t *testing.T) {
	deps, _ := newTestDeps(t)

	w := httptest.NewRecorder()
	req := authedRequest(t, deps, http.MethodGet, "/v1/jobs/nope", nil)
	req.SetPathValue("id", "nope")
	deps.GetJob(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPatchJob_RejectsNonQueuedJob(t *testing.T) {
	deps, db := newTestDeps(t)

	job := &models.Job{ID: "j1", Command: "echo hi", NumGPUs: 1, Status: models.StatusRunning}
	require.NoError(t, db.AddJob(job))

	update, err := json.Marshal(models.JobUpdate{Command: strPtr("echo bye")})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := authedRequest(t, deps, http.MethodPatch, "/v1/jobs/j1", update)
	req.SetPathValue("id", "j1")
	deps.PatchJob(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPatchJob_UpdatesQueuedJob(t *testing.T) {
	deps, db := newTestDeps(t)

	job := &models.Job{ID: "j1", Command: "echo hi", NumGPUs: 1, Status: models.StatusQueued}
	require.NoError(t, db.AddJob(job))

	update, err := json.Marshal(models.JobUpdate{Command: strPtr("echo bye")})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := authedRequest(t, deps, http.MethodPatch, "/v1/jobs/j1", update)
	req.SetPathValue("id", "j1")
	deps.PatchJob(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	got, err := db.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "echo bye", got.Command)
}

func TestKillJob_OnlyRunningJobsCanBeKilled(t *testing.T) {
	deps, db := newTestDeps(t)

	job := &models.Job{ID: "j1", Command: "echo hi", NumGPUs: 1, Status: models.StatusQueued}
	require.NoError(t, db.AddJob(job))

	w := httptest.NewRecorder()
	req := authedRequest(t, deps, http.MethodPost, "/v1/jobs/j1/kill", nil)
	req.SetPathValue("id", "j1")
	deps.KillJob(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestKillJob_MarksRunningJobForKill(t *testing.T) {
	deps, db := newTestDeps(t)

	job := &models.Job{ID: "j1", Command: "echo hi", NumGPUs: 1, Status: models.StatusRunning}
	require.NoError(t, db.AddJob(job))

	w := httptest.NewRecorder()
	req := authedRequest(t, deps, http.MethodPost, "/v1/jobs/j1/kill", nil)
	req.SetPathValue("id", "j1")
	deps.KillJob(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)

	got, err := db.GetJob("j1")
	require.NoError(t, err)
	assert.True(t, got.MarkedForKill)
}

func TestDeleteJob_OnlyQueuedAllowed(t *testing.T) {
	deps, db := newTestDeps(t)

	job := &models.Job{ID: "j1", Command: "echo hi", NumGPUs: 1, Status: models.StatusRunning}
	require.NoError(t, db.AddJob(job))

	w := httptest.NewRecorder()
	req := authedRequest(t, deps, http.MethodDelete, "/v1/jobs/j1", nil)
	req.SetPathValue("id", "j1")
	deps.DeleteJob(w, req)

	assert.NotEqual(t, http.StatusNoContent, w.Code)
}

func TestListJobs_FiltersByStatus(t *testing.T) {
	deps, db := newTestDeps(t)

	require.NoError(t, db.AddJob(&models.Job{ID: "q1", Command: "a", NumGPUs: 1, Status: models.StatusQueued}))
	require.NoError(t, db.AddJob(&models.Job{ID: "r1", Command: "b", NumGPUs: 1, Status: models.StatusRunning}))

	w := httptest.NewRecorder()
	req := authedRequest(t, deps, http.MethodGet, "/v1/jobs?status=queued", nil)
	deps.ListJobs(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var jobs []models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "q1", jobs[0].ID)
}

func strPtr(s string) *string { return &s }
