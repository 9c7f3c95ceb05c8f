package jobengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgpu/nexus/internal/models"
)

func TestGenerateID_AvoidsCollisions(t *testing.T) {
	seen := map[string]bool{}
	calls := 0
	id, err := GenerateID(func(id string) (bool, error) {
		calls++
		if calls < 3 {
			return true, nil // force a couple of retries
		}
		return seen[id], nil
	})
	require.NoError(t, err)
	assert.Len(t, id, idLength)
	for _, c := range id {
		assert.Contains(t, idAlphabet, string(c))
	}
}

func TestGenerateID_GivesUpAfterPersistentCollisions(t *testing.T) {
	_, err := GenerateID(func(id string) (bool, error) { return true, nil })
	assert.Error(t, err)
}

func TestCreateJob_DefaultsNumGPUsToOne(t *testing.T) {
	job, err := CreateJob("abc123", models.JobRequest{Command: "echo hi"}, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, job.NumGPUs)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, float64(100), job.CreatedAt)
}

func TestCreateJob_RejectsEmptyCommand(t *testing.T) {
	_, err := CreateJob("abc123", models.JobRequest{Command: "   "}, 0)
	assert.Error(t, err)
}

func TestCreateJob_RejectsUnknownNotificationChannel(t *testing.T) {
	_, err := CreateJob("abc123", models.JobRequest{
		Command:       "echo hi",
		Notifications: []models.NotificationChannel{"pager"},
	}, 0)
	assert.Error(t, err)
}

func TestCreateJob_RejectsMismatchedGPUPinCount(t *testing.T) {
	_, err := CreateJob("abc123", models.JobRequest{
		Command: "echo hi",
		NumGPUs: 2,
		GPUIdxs: []int{0},
	}, 0)
	assert.Error(t, err)
}

func TestCreateJob_AcceptsExactMatchGPUPinning(t *testing.T) {
	job, err := CreateJob("abc123", models.JobRequest{
		Command: "echo hi",
		NumGPUs: 2,
		GPUIdxs: []int{0, 1},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, job.GPUIdxs)
}

func TestBuildEnv_InjectsSystemVarsLast(t *testing.T) {
	job := &models.Job{ID: "j1", Env: map[string]string{"CUDA_VISIBLE_DEVICES": "clobber-me"}, GitTag: "v1.2.3"}
	env := BuildEnv(job, []int{2, 3})

	found := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				found[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	assert.Equal(t, "2,3", found["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, "2,3", found["NEXUS_GPU_IDS"])
	assert.Equal(t, "j1", found["NEXUS_JOB_ID"])
	assert.Equal(t, "v1.2.3", found["NEXUS_GIT_TAG"])
}

func TestParseExitCode_LastMatchWins(t *testing.T) {
	output := "COMMAND_EXIT_CODE=0\nsome user output printing COMMAND_EXIT_CODE=0\nCOMMAND_EXIT_CODE=17\n"
	code, ok := ParseExitCode(output)
	require.True(t, ok)
	assert.Equal(t, 17, code)
}

func TestParseExitCode_MissingSentinel(t *testing.T) {
	_, ok := ParseExitCode("no sentinel here\n")
	assert.False(t, ok)
}

func TestEndJob_KilledTakesPrecedence(t *testing.T) {
	job := &models.Job{ID: "j1", Status: models.StatusRunning}
	next := EndJob(job, true, "COMMAND_EXIT_CODE=1\n", 50)
	assert.Equal(t, models.StatusKilled, next.Status)
	require.NotNil(t, next.ExitCode)
	assert.Equal(t, 1, *next.ExitCode)
	assert.Equal(t, float64(50), next.CompletedAt)
}

func TestEndJob_MissingSentinelIsFailed(t *testing.T) {
	job := &models.Job{ID: "j1", Status: models.StatusRunning}
	next := EndJob(job, false, "no sentinel\n", 50)
	assert.Equal(t, models.StatusFailed, next.Status)
	assert.Equal(t, "no exit code recorded", next.ErrorMessage)
}

func TestEndJob_ZeroExitIsCompleted(t *testing.T) {
	job := &models.Job{ID: "j1", Status: models.StatusRunning}
	next := EndJob(job, false, "COMMAND_EXIT_CODE=0\n", 50)
	assert.Equal(t, models.StatusCompleted, next.Status)
}

func TestEndJob_NonZeroExitIsFailed(t *testing.T) {
	job := &models.Job{ID: "j1", Status: models.StatusRunning}
	next := EndJob(job, false, "COMMAND_EXIT_CODE=3\n", 50)
	assert.Equal(t, models.StatusFailed, next.Status)
}

func TestFailToLaunch(t *testing.T) {
	job := &models.Job{ID: "j1", Status: models.StatusQueued}
	next := FailToLaunch(job, assertError("boom"), 10)
	assert.Equal(t, models.StatusFailed, next.Status)
	assert.Equal(t, "boom", next.ErrorMessage)
}

type assertError string

func (e assertError) Error() string { return string(e) }
