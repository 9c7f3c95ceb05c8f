package jobengine

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nexusgpu/nexus/internal/models"
	"github.com/nexusgpu/nexus/internal/sessionrunner"
)

// ArtifactReader is the subset of store.Store the engine needs to
// pull an artifact's tar bytes when materializing a job's working
// directory. Kept narrow so engine tests can supply a fake.
type ArtifactReader interface {
	GetArtifact(id string) (*models.Artifact, error)
}

// Engine performs the side-effecting half of the job lifecycle:
// extracting artifacts, writing wrapper scripts, and driving the
// Session Runner. The pure transformations above (CreateJob, EndJob,
// ...) stay callable standalone for unit tests.
type Engine struct {
	Runner    sessionrunner.Runner
	Artifacts ArtifactReader
	HomeDir   string // $NEXUS_HOME; job working dirs live under HomeDir/jobs/<id>
}

// JobDir returns the per-job working directory path.
func (e *Engine) JobDir(jobID string) string {
	return filepath.Join(e.HomeDir, "jobs", jobID)
}

// StartJob extracts the job's artifact into dir/repo, writes the
// wrapper scripts, and asks the Session Runner to launch it. On any
// failure it returns FailToLaunch's record and removes the working
// directory; on success it returns a record satisfying invariant (2).
func (e *Engine) StartJob(ctx context.Context, job *models.Job, gpus []int, now float64) *models.Job {
	next := job.Clone()
	next.GPUIdxs = gpus
	next.Dir = e.JobDir(job.ID)
	next.ScreenSessionName = fmt.Sprintf("nexus_job_%s", job.ID)

	repoDir := filepath.Join(next.Dir, "repo")
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		os.RemoveAll(next.Dir)
		return FailToLaunch(job, fmt.Errorf("create working dir: %w", err), now)
	}

	if job.ArtifactID != "" {
		artifact, err := e.Artifacts.GetArtifact(job.ArtifactID)
		if err != nil {
			os.RemoveAll(next.Dir)
			return FailToLaunch(job, fmt.Errorf("load artifact %s: %w", job.ArtifactID, err), now)
		}
		if err := extractTar(artifact.Data, repoDir); err != nil {
			os.RemoveAll(next.Dir)
			return FailToLaunch(job, fmt.Errorf("extract artifact: %w", err), now)
		}
	}

	outer, inner := BuildScript(next)
	if err := os.WriteFile(filepath.Join(repoDir, "inner.sh"), []byte(inner), 0755); err != nil {
		os.RemoveAll(next.Dir)
		return FailToLaunch(job, fmt.Errorf("write inner script: %w", err), now)
	}
	outerPath := filepath.Join(next.Dir, "run.sh")
	if err := os.WriteFile(outerPath, []byte(outer), 0755); err != nil {
		os.RemoveAll(next.Dir)
		return FailToLaunch(job, fmt.Errorf("write wrapper script: %w", err), now)
	}

	env := BuildEnv(next, gpus)
	pid, err := e.Runner.Start(ctx, next.ScreenSessionName, next.Dir, "bash "+outerPath, env)
	if err != nil {
		os.RemoveAll(next.Dir)
		return FailToLaunch(job, fmt.Errorf("%w: %v", sessionrunner.ErrLaunchFailed, err), now)
	}

	next.PID = pid
	next.StartedAt = now
	next.Status = models.StatusRunning
	return next
}

// KillJob synchronously asks the Session Runner to terminate the
// job's session. It does not transition the record; the scheduler
// observes the death on its next tick and calls EndJob(.., true).
func (e *Engine) KillJob(ctx context.Context, job *models.Job) error {
	return e.Runner.Kill(ctx, job.ScreenSessionName)
}

// CleanupJob removes the job's extracted source tree, keeping logs
// under Dir itself (spec §4.4 cleanup_job).
func (e *Engine) CleanupJob(job *models.Job) error {
	if job.Dir == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(job.Dir, "repo"))
}

// ReadOutputLog returns the contents of a job's combined stdout/stderr
// log, for sentinel parsing and the logs endpoint.
func (e *Engine) ReadOutputLog(job *models.Job) (string, error) {
	if job.Dir == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(job.Dir, "output.log"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func extractTar(data []byte, dest string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target := filepath.Join(dest, hdr.Name)
		if !withinDir(dest, target) {
			return fmt.Errorf("tar entry %q escapes destination directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !bytes.HasPrefix([]byte(rel), []byte("../"))
}
