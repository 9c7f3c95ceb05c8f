package store

import (
	"path/filepath"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgpu/nexus/internal/models"
)

// newTestStore opens a SQLiteStore against a fresh file in t's
// temp dir, closed automatically at test cleanup.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeJob builds a job fixture in the given status with randomized, non-colliding
// field values — the counter/faker idiom the teacher's test/datautils.go
// uses to avoid hand-writing unique values per test case.
func fakeJob(status models.Status) *models.Job {
	return &models.Job{
		ID:        gofakeit.UUID()[:6],
		Command:   gofakeit.Sentence(4),
		User:      gofakeit.Username(),
		NodeName:  gofakeit.Word(),
		Priority:  gofakeit.Number(-5, 5),
		NumGPUs:   1,
		Status:    status,
		CreatedAt: float64(gofakeit.Number(1, 1_000_000)),
	}
}

func TestAddJob_DuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	job := fakeJob(models.StatusQueued)

	require.NoError(t, s.AddJob(job))
	err := s.AddJob(job)
	require.Error(t, err)
	assert.Equal(t, CodeDuplicate, CodeOf(err))
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob("missing")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestAddJob_RoundTripsAllFields(t *testing.T) {
	s := newTestStore(t)
	code := 0
	job := &models.Job{
		ID:                   "abc123",
		Command:              "echo hi",
		User:                 "alice",
		NodeName:             "node-1",
		Priority:             3,
		NumGPUs:              2,
		GPUIdxs:              []int{0, 1},
		GitRepoURL:           "https://example.com/repo.git",
		GitBranch:            "main",
		GitTag:               "v1",
		Env:                  map[string]string{"FOO": "bar", "BAZ": "qux=extra"},
		Notifications:        []models.NotificationChannel{models.NotificationDiscord, models.NotificationPhone},
		SearchWandb:          true,
		IgnoreBlacklist:      true,
		Status:               models.StatusCompleted,
		CreatedAt:            1.5,
		StartedAt:            2.5,
		CompletedAt:          3.5,
		PID:                  4242,
		Dir:                  "/tmp/nexus/abc123",
		ScreenSessionName:    "nexus_job_abc123",
		ExitCode:             &code,
		WandbURL:             "https://wandb.ai/x/runs/y",
		NotificationMessages: map[string]string{"discord": "msg-1"},
		OutputFile:           "result.json",
	}
	require.NoError(t, s.AddJob(job))

	got, err := s.GetJob("abc123")
	require.NoError(t, err)
	assert.Equal(t, job.GPUIdxs, got.GPUIdxs)
	assert.Equal(t, job.Env, got.Env)
	assert.Equal(t, job.Notifications, got.Notifications)
	assert.Equal(t, job.NotificationMessages, got.NotificationMessages)
	assert.True(t, got.SearchWandb)
	assert.True(t, got.IgnoreBlacklist)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "result.json", got.OutputFile)
}

func TestListJobs_QueuedOrderByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)

	low := fakeJob(models.StatusQueued)
	low.Priority = 0
	low.CreatedAt = 1

	high := fakeJob(models.StatusQueued)
	high.Priority = 5
	high.CreatedAt = 2

	older := fakeJob(models.StatusQueued)
	older.Priority = 5
	older.CreatedAt = 1

	require.NoError(t, s.AddJob(low))
	require.NoError(t, s.AddJob(high))
	require.NoError(t, s.AddJob(older))

	jobs, err := s.ListJobs(models.JobFilter{Status: models.StatusQueued})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, older.ID, jobs[0].ID) // priority 5, earlier
	assert.Equal(t, high.ID, jobs[1].ID)  // priority 5, later
	assert.Equal(t, low.ID, jobs[2].ID)   // priority 0
}

func TestListJobs_RunningOrderByStartedAtAsc(t *testing.T) {
	s := newTestStore(t)

	a := fakeJob(models.StatusRunning)
	a.StartedAt = 20
	b := fakeJob(models.StatusRunning)
	b.StartedAt = 10

	require.NoError(t, s.AddJob(a))
	require.NoError(t, s.AddJob(b))

	jobs, err := s.ListJobs(models.JobFilter{Status: models.StatusRunning})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, a.ID, jobs[1].ID)
}

func TestListJobs_CompletedOrderByCompletedAtDesc(t *testing.T) {
	s := newTestStore(t)

	a := fakeJob(models.StatusCompleted)
	a.CompletedAt = 10
	b := fakeJob(models.StatusCompleted)
	b.CompletedAt = 20

	require.NoError(t, s.AddJob(a))
	require.NoError(t, s.AddJob(b))

	jobs, err := s.ListJobs(models.JobFilter{Status: models.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, a.ID, jobs[1].ID)
}

func TestListJobs_FilterByGPUIndex(t *testing.T) {
	s := newTestStore(t)

	onGPU0 := fakeJob(models.StatusRunning)
	onGPU0.GPUIdxs = []int{0}
	onGPU1 := fakeJob(models.StatusRunning)
	onGPU1.GPUIdxs = []int{1}
	onBoth := fakeJob(models.StatusRunning)
	onBoth.GPUIdxs = []int{0, 1}

	require.NoError(t, s.AddJob(onGPU0))
	require.NoError(t, s.AddJob(onGPU1))
	require.NoError(t, s.AddJob(onBoth))

	idx := 0
	jobs, err := s.ListJobs(models.JobFilter{GPUIndex: &idx})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.ID] = true
	}
	assert.True(t, ids[onGPU0.ID])
	assert.True(t, ids[onBoth.ID])
	assert.False(t, ids[onGPU1.ID])
}

func TestListJobs_FilterByCommandRegex(t *testing.T) {
	s := newTestStore(t)

	train := fakeJob(models.StatusQueued)
	train.Command = "python train.py --epochs 10"
	eval := fakeJob(models.StatusQueued)
	eval.Command = "python eval.py"

	require.NoError(t, s.AddJob(train))
	require.NoError(t, s.AddJob(eval))

	jobs, err := s.ListJobs(models.JobFilter{Status: models.StatusQueued, CommandRegex: `^python train\.py`})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, train.ID, jobs[0].ID)
}

func TestListJobs_InvalidCommandRegexRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ListJobs(models.JobFilter{CommandRegex: "("})
	assert.Equal(t, CodeInvalidArg, CodeOf(err))
}

func TestListJobs_LimitOffset(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		j := fakeJob(models.StatusQueued)
		j.CreatedAt = float64(i)
		require.NoError(t, s.AddJob(j))
	}
	jobs, err := s.ListJobs(models.JobFilter{Status: models.StatusQueued, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestUpdateJob_Upserts(t *testing.T) {
	s := newTestStore(t)
	job := fakeJob(models.StatusQueued)
	job.Priority = 1
	require.NoError(t, s.UpdateJob(job)) // no prior AddJob: upsert by id

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Priority)

	job.Priority = 9
	require.NoError(t, s.UpdateJob(job))
	got, err = s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Priority)
}

func TestDeleteJob_OnlyQueuedAllowed(t *testing.T) {
	s := newTestStore(t)
	running := fakeJob(models.StatusRunning)
	require.NoError(t, s.AddJob(running))

	err := s.DeleteJob(running.ID)
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	queued := fakeJob(models.StatusQueued)
	require.NoError(t, s.AddJob(queued))
	require.NoError(t, s.DeleteJob(queued.ID))

	_, err = s.GetJob(queued.ID)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestCountJobs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddJob(fakeJob(models.StatusQueued)))
	require.NoError(t, s.AddJob(fakeJob(models.StatusQueued)))
	require.NoError(t, s.AddJob(fakeJob(models.StatusRunning)))

	n, err := s.CountJobs(models.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := s.CountJobs("")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestBlacklist_AddListRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBlacklist(0, true))
	require.NoError(t, s.SetBlacklist(0, true)) // idempotent
	require.NoError(t, s.SetBlacklist(2, true))

	bl, err := s.ListBlacklist()
	require.NoError(t, err)
	assert.True(t, bl[0])
	assert.True(t, bl[2])
	assert.False(t, bl[1])

	require.NoError(t, s.SetBlacklist(0, false))
	bl, err = s.ListBlacklist()
	require.NoError(t, err)
	assert.False(t, bl[0])
}

func TestArtifact_AddGetDelete(t *testing.T) {
	s := newTestStore(t)
	a := &models.Artifact{ID: "art-1", Data: []byte("tarbytes"), Size: 8, CreatedAt: 1}
	require.NoError(t, s.AddArtifact(a))

	got, err := s.GetArtifact("art-1")
	require.NoError(t, err)
	assert.Equal(t, a.Data, got.Data)

	require.NoError(t, s.DeleteArtifact("art-1"))
	_, err = s.GetArtifact("art-1")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestArtifact_InUseBlocksDelete(t *testing.T) {
	s := newTestStore(t)
	a := &models.Artifact{ID: "art-2", Data: []byte("x"), Size: 1, CreatedAt: 1}
	require.NoError(t, s.AddArtifact(a))

	job := fakeJob(models.StatusQueued)
	job.ArtifactID = "art-2"
	require.NoError(t, s.AddJob(job))

	inUse, err := s.ArtifactInUse("art-2")
	require.NoError(t, err)
	assert.True(t, inUse)

	err = s.DeleteArtifact("art-2")
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	require.NoError(t, s.DeleteJob(job.ID))
	inUse, err = s.ArtifactInUse("art-2")
	require.NoError(t, err)
	assert.False(t, inUse)
	require.NoError(t, s.DeleteArtifact("art-2"))
}

func TestStartJob_FailsWhenArtifactMissing(t *testing.T) {
	s := newTestStore(t)
	job := fakeJob(models.StatusQueued)
	job.ArtifactID = "does-not-exist"
	job.Status = models.StatusRunning

	err := s.StartJob(job)
	require.Error(t, err)
	assert.Equal(t, CodeLaunchFailed, CodeOf(err))

	_, getErr := s.GetJob(job.ID)
	assert.Equal(t, CodeNotFound, CodeOf(getErr))
}

func TestStartJob_SucceedsAndPersistsRunningState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddArtifact(&models.Artifact{ID: "art-3", Data: []byte("x"), Size: 1, CreatedAt: 1}))

	job := fakeJob(models.StatusQueued)
	require.NoError(t, s.AddJob(job))

	job.ArtifactID = "art-3"
	job.Status = models.StatusRunning
	job.GPUIdxs = []int{0}
	job.PID = 123
	job.StartedAt = 5

	require.NoError(t, s.StartJob(job))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, []int{0}, got.GPUIdxs)
	assert.Equal(t, 123, got.PID)
}
