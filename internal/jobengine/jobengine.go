// Package jobengine implements the pure job-lifecycle transformations
// of spec §4.4: creation, env/script construction, starting, ending,
// and cleanup. Side effects (filesystem, session runner, store) are
// invoked by an Engine; the transformation logic itself never mutates
// a Job in place — every step returns a new record (models.Job.Clone).
package jobengine

import (
	"crypto/rand"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/nexusgpu/nexus/internal/models"
)

// idAlphabet intentionally excludes visually similar characters (0/O,
// 1/l/I) so a job id is never confused with a GPU index or another id
// at a glance (spec §3: "lowercase preferred to aid disambiguation
// from GPU indices").
const idAlphabet = "23456789abcdefghijkmnopqrstuvwxyz"

const idLength = 6

// runImmediatePriority outranks any operator-assigned priority so a
// run_immediately request jumps straight to the head of the queue.
const runImmediatePriority = math.MaxInt32

// GenerateID returns a 6-character identifier, retrying against
// exists until it finds one not already present in the Store.
func GenerateID(exists func(id string) (bool, error)) (string, error) {
	for attempt := 0; attempt < 20; attempt++ {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", fmt.Errorf("jobengine: check id collision: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("jobengine: could not find a free id after 20 attempts")
}

func randomID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("jobengine: read random bytes: %w", err)
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

var notificationAlphabet = map[models.NotificationChannel]bool{
	models.NotificationDiscord: true,
	models.NotificationPhone:   true,
}

// CreateJob validates req and returns a new queued Job record. The
// caller is responsible for assigning ID via GenerateID beforehand.
func CreateJob(id string, req models.JobRequest, now float64) (*models.Job, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command must not be empty")
	}
	numGPUs := req.NumGPUs
	if numGPUs == 0 {
		numGPUs = 1
	}
	if numGPUs < 1 {
		return nil, fmt.Errorf("num_gpus must be >= 1")
	}
	for _, n := range req.Notifications {
		if !notificationAlphabet[n] {
			return nil, fmt.Errorf("unknown notification channel %q", n)
		}
	}
	if len(req.GPUIdxs) > 0 && len(req.GPUIdxs) != numGPUs {
		return nil, fmt.Errorf("gpu_idxs pinning requires exactly num_gpus entries (exact-match pinning)")
	}

	env := req.Env
	if env == nil {
		env = map[string]string{}
	}

	priority := req.Priority
	if req.RunImmediately {
		// run_immediately jumps the queue by outranking every ordinary
		// priority (spec §6); the store's queued ordering contract
		// (priority desc, created_at asc, §4.1) still governs, so this
		// stays a priority boost rather than a second ordering path.
		priority = runImmediatePriority
	}

	return &models.Job{
		ID:              id,
		Command:         req.Command,
		User:            req.User,
		NodeName:        nodeName(),
		Priority:        priority,
		NumGPUs:         numGPUs,
		GPUIdxs:         req.GPUIdxs,
		GitRepoURL:      req.GitRepoURL,
		GitBranch:       req.GitBranch,
		GitTag:          req.GitTag,
		ArtifactID:      "",
		Env:             env,
		JobRC:           req.JobRC,
		Notifications:   req.Notifications,
		SearchWandb:     req.SearchWandb,
		IgnoreBlacklist: req.IgnoreBlacklist,
		Status:          models.StatusQueued,
		CreatedAt:       now,
		OutputFile:      req.OutputFile,
	}, nil
}

func nodeName() string {
	h, err := os.Hostname()
	if err != nil {
		return "nexus"
	}
	return h
}

// BuildEnv returns the full environment for a job's session process:
// the current process environment, the user-supplied extras, then
// the system injections last so they win on key collision.
func BuildEnv(job *models.Job, assignedGPUs []int) []string {
	env := os.Environ()
	for k, v := range job.Env {
		env = append(env, k+"="+v)
	}

	idxStrs := make([]string, len(assignedGPUs))
	for i, g := range assignedGPUs {
		idxStrs[i] = strconv.Itoa(g)
	}
	joined := strings.Join(idxStrs, ",")

	env = append(env,
		"CUDA_VISIBLE_DEVICES="+joined,
		"NEXUS_JOB_ID="+job.ID,
		"NEXUS_GPU_IDS="+joined,
	)
	if job.GitTag != "" {
		env = append(env, "NEXUS_GIT_TAG="+job.GitTag)
	}
	return env
}

// BuildScript generates the two-level wrapper script described in
// spec §4.4 and §9: an outer script that sources the optional jobrc
// and execs the inner script, and an inner script that runs the
// user's command verbatim under a login shell. The outer script's
// last line emits the sentinel the exit-code parser looks for.
func BuildScript(job *models.Job) (outer string, inner string) {
	var jobrc strings.Builder
	if job.JobRC != "" {
		jobrc.WriteString(job.JobRC)
		jobrc.WriteString("\n")
	}

	inner = fmt.Sprintf("#!/bin/bash -l\nexec %s\n", job.Command)

	outer = fmt.Sprintf(`#!/bin/bash
cd %s
%sbash -l ./inner.sh
echo "COMMAND_EXIT_CODE=$?"
`, shellQuote(filepath.Join(job.Dir, "repo")), jobrc.String())

	return outer, inner
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var sentinelPattern = regexp.MustCompile(`^COMMAND_EXIT_CODE=(-?\d+)$`)

// ParseExitCode scans output (typically output.log's contents) from
// the end for the last COMMAND_EXIT_CODE=N sentinel line, per spec
// §9 ("last-match-wins, scan from end" — mitigates a user command
// that happens to print the same string).
func ParseExitCode(output string) (int, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if m := sentinelPattern.FindStringSubmatch(line); m != nil {
			code, err := strconv.Atoi(m[1])
			if err == nil {
				return code, true
			}
		}
	}
	return 0, false
}

// EndJob classifies a terminated job and returns its successor
// record, per spec §4.4's end_job and the P5 testable property.
func EndJob(job *models.Job, killed bool, sentinelOutput string, now float64) *models.Job {
	next := job.Clone()
	next.CompletedAt = now

	if killed {
		next.Status = models.StatusKilled
		code, ok := ParseExitCode(sentinelOutput)
		if ok {
			next.ExitCode = &code
		}
		return next
	}

	code, ok := ParseExitCode(sentinelOutput)
	if !ok {
		next.Status = models.StatusFailed
		next.ErrorMessage = "no exit code recorded"
		return next
	}
	next.ExitCode = &code
	if code == 0 {
		next.Status = models.StatusCompleted
	} else {
		next.Status = models.StatusFailed
	}
	return next
}

// FailToLaunch returns the failed record produced when start_job
// cannot get a job running (spec §4.4 start_job failure path).
func FailToLaunch(job *models.Job, cause error, now float64) *models.Job {
	next := job.Clone()
	next.Status = models.StatusFailed
	next.CompletedAt = now
	next.ErrorMessage = cause.Error()
	return next
}
