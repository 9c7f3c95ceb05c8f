// Package scheduler implements Nexus's periodic control loop: a tick
// every refresh_rate seconds running the four concurrent tasks of
// spec §4.5 (advance running jobs, start queued jobs, discover
// tracker URLs, system health probe), plus the startup orphan
// reconciliation pass of §4.5.1.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"

	"github.com/nexusgpu/nexus/internal/gpuprobe"
	"github.com/nexusgpu/nexus/internal/jobengine"
	"github.com/nexusgpu/nexus/internal/metrics"
	"github.com/nexusgpu/nexus/internal/models"
	"github.com/nexusgpu/nexus/internal/notifier"
	"github.com/nexusgpu/nexus/internal/sessionrunner"
	"github.com/nexusgpu/nexus/internal/store"
)

// Scheduler owns the tick loop. It is started at server boot and
// stopped at shutdown, with the Store and its collaborators passed in
// explicitly (spec §9 "process-wide scheduler state becomes a
// long-lived supervisor task").
type Scheduler struct {
	Store    store.Store
	Engine   *jobengine.Engine
	GPUs     *gpuprobe.Probe
	Runner   sessionrunner.Runner
	Notifier notifier.Notifier

	RefreshRate          time.Duration
	Concurrency          int
	ExternalCallTimeout  time.Duration
	WandbSearchMaxAge    time.Duration

	now func() time.Time // overridable for tests

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Scheduler with its tick-loop state initialized.
func New(s store.Store, engine *jobengine.Engine, gpus *gpuprobe.Probe, runner sessionrunner.Runner, n notifier.Notifier, refreshRate time.Duration, concurrency int, externalTimeout, wandbMaxAge time.Duration) *Scheduler {
	return &Scheduler{
		Store:               s,
		Engine:              engine,
		GPUs:                gpus,
		Runner:              runner,
		Notifier:            n,
		RefreshRate:         refreshRate,
		Concurrency:         concurrency,
		ExternalCallTimeout: externalTimeout,
		WandbSearchMaxAge:   wandbMaxAge,
		now:                 time.Now,
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}
}

func (s *Scheduler) nowSeconds() float64 {
	return float64(s.now().UnixNano()) / 1e9
}

// Start reconciles orphaned jobs from a previous instance, then runs
// the tick loop until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.reconcileOrphans(ctx)

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.RefreshRate)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop requests the loop to exit between ticks (spec §4.5
// "Cancellation: shutdown sets a stop flag observed between ticks")
// and blocks until it has.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// reconcileOrphans implements §4.5.1: at startup, before the first
// tick, probe every running job's session and finalize any whose
// session is gone as failed(error_message="orphaned by restart").
// Live sessions are adopted into the runner's registry (if it
// supports adoption) rather than re-evaluated; they are not resumed.
func (s *Scheduler) reconcileOrphans(ctx context.Context) {
	jobs, err := s.Store.ListJobs(models.JobFilter{Status: models.StatusRunning})
	if err != nil {
		logging.Log.WithError(err).Error("scheduler: failed to list running jobs for orphan reconciliation")
		return
	}

	adopter, canAdopt := s.Runner.(sessionrunner.Adopter)

	for _, job := range jobs {
		if canAdopt {
			adopter.Adopt(job.ScreenSessionName, job.PID)
		}
		if s.Runner.IsAlive(job.ScreenSessionName) {
			continue
		}

		logging.Log.WithField("job_id", job.ID).Warn("scheduler: orphaned running job found at startup, finalizing as failed")
		next := job.Clone()
		next.Status = models.StatusFailed
		next.CompletedAt = s.nowSeconds()
		next.ErrorMessage = "orphaned by restart"
		if err := s.Store.UpdateJob(next); err != nil {
			logging.Log.WithField("job_id", job.ID).WithError(err).Error("scheduler: failed to finalize orphaned job")
			continue
		}
		s.Engine.CleanupJob(next)
	}
}

// tick runs the four tasks of §4.5 concurrently; each task runs to
// completion before the next tick starts, but the tasks within this
// tick race each other.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, s.ExternalCallTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(4)

	go func() { defer wg.Done(); s.advanceRunningJobs(callCtx) }()
	go func() { defer wg.Done(); s.startQueuedJobs(callCtx) }()
	go func() { defer wg.Done(); s.discoverTrackerURLs(callCtx) }()
	go func() { defer wg.Done(); s.systemHealthProbe(callCtx) }()

	wg.Wait()
	metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
}

// advanceRunningJobs is task 1: observe session exit, classify, fire
// notifications, and clean up — fanned out over a bounded workerpool
// so many running jobs can be checked within one tick while still
// keeping per-job Store writes serialized by the Store itself.
func (s *Scheduler) advanceRunningJobs(ctx context.Context) {
	jobs, err := s.Store.ListJobs(models.JobFilter{Status: models.StatusRunning})
	if err != nil {
		logging.Log.WithError(err).Error("scheduler: list running jobs failed")
		return
	}

	pool := workerpool.New(s.Concurrency)
	for _, job := range jobs {
		job := job
		pool.Submit(func() {
			s.advanceOneRunningJob(ctx, job)
		})
	}
	pool.StopWait()
}

func (s *Scheduler) advanceOneRunningJob(ctx context.Context, job *models.Job) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log.WithField("job_id", job.ID).WithField("panic", r).Error("scheduler: advance task panicked")
		}
	}()

	alive := s.Runner.IsAlive(job.ScreenSessionName)
	if alive && !job.MarkedForKill {
		return
	}

	if job.MarkedForKill && alive {
		if err := s.Engine.KillJob(ctx, job); err != nil {
			logging.Log.WithField("job_id", job.ID).WithError(err).Warn("scheduler: kill_job failed")
		}
	}

	output, err := s.Engine.ReadOutputLog(job)
	if err != nil {
		logging.Log.WithField("job_id", job.ID).WithError(err).Warn("scheduler: failed to read output.log")
	}

	next := jobengine.EndJob(job, job.MarkedForKill, output, s.nowSeconds())

	if next.OutputFile != "" {
		s.copyOutputFile(next)
	}

	if err := s.Engine.CleanupJob(next); err != nil {
		logging.Log.WithField("job_id", job.ID).WithError(err).Warn("scheduler: cleanup_job failed")
	}

	if err := s.Store.UpdateJob(next); err != nil {
		logging.Log.WithField("job_id", job.ID).WithError(err).Error("scheduler: failed to persist finalized job")
		return
	}

	metrics.RecordJobTerminal(string(next.Status), next.CompletedAt-next.StartedAt)
	s.notifyTerminal(ctx, next)
}

func (s *Scheduler) copyOutputFile(job *models.Job) {
	src := filepath.Join(job.Dir, "repo", job.OutputFile)
	flattened := strings.ReplaceAll(job.OutputFile, "/", "_")
	dst := filepath.Join(os.TempDir(), fmt.Sprintf("nexus-%s-%s", job.ID, flattened))

	data, err := os.ReadFile(src)
	if err != nil {
		logging.Log.WithField("job_id", job.ID).WithError(err).Warn("scheduler: output_file copy failed to read source")
		return
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		logging.Log.WithField("job_id", job.ID).WithError(err).Warn("scheduler: output_file copy failed to write destination")
	}
}

// dispatchNotifications sends text to every channel job requests and
// records each channel's returned message id on job so a later event
// (a wandb URL, a terminal status) can edit the same message instead
// of posting a new one (spec §9 "notification-message editing").
func (s *Scheduler) dispatchNotifications(ctx context.Context, job *models.Job, text string) {
	if len(job.Notifications) == 0 {
		return
	}
	for _, channel := range job.Notifications {
		msgID, err := s.Notifier.Send(ctx, string(channel), text)
		if err != nil {
			logging.Log.WithField("job_id", job.ID).WithError(err).Warn("notifier: send failed")
			continue
		}
		if msgID != "" {
			if job.NotificationMessages == nil {
				job.NotificationMessages = map[string]string{}
			}
			job.NotificationMessages[string(channel)] = msgID
		}
	}
}

// notifyStarted dispatches the "started" notification (spec §5(c)'s
// ordering guarantee: started before completed/failed/killed).
func (s *Scheduler) notifyStarted(ctx context.Context, job *models.Job) {
	s.dispatchNotifications(ctx, job, fmt.Sprintf("job %s (%s) started", job.ID, job.Command))
}

func (s *Scheduler) notifyTerminal(ctx context.Context, job *models.Job) {
	s.dispatchNotifications(ctx, job, fmt.Sprintf("job %s (%s) is %s", job.ID, job.Command, job.Status))
}

// startQueuedJobs is task 2: probe GPUs, dequeue the highest-priority
// runnable job, assign GPUs, and start it. Only one job starts per
// tick (spec §4.5 task 2's deliberate simplicity choice).
func (s *Scheduler) startQueuedJobs(ctx context.Context) {
	gpus, err := s.GPUs.List(ctx, false)
	if err != nil {
		logging.Log.WithError(err).Error("scheduler: gpu probe failed")
		return
	}

	blacklist, err := s.Store.ListBlacklist()
	if err != nil {
		logging.Log.WithError(err).Error("scheduler: list blacklist failed")
		return
	}

	running, err := s.Store.ListJobs(models.JobFilter{Status: models.StatusRunning})
	if err != nil {
		logging.Log.WithError(err).Error("scheduler: list running jobs failed")
		return
	}
	busy := map[int]bool{}
	for _, j := range running {
		for _, idx := range j.GPUIdxs {
			busy[idx] = true
		}
	}

	queued, err := s.Store.ListJobs(models.JobFilter{Status: models.StatusQueued})
	if err != nil {
		logging.Log.WithError(err).Error("scheduler: list queued jobs failed")
		return
	}

	for _, job := range queued {
		assigned, ok := s.chooseGPUs(job, gpus, blacklist, busy)
		if !ok {
			continue
		}
		s.launch(ctx, job, assigned)
		return // one job starts per tick
	}
}

func (s *Scheduler) chooseGPUs(job *models.Job, gpus []models.GPUInfo, blacklist map[int]bool, busy map[int]bool) ([]int, bool) {
	var free []models.GPUInfo
	byIndex := map[int]models.GPUInfo{}
	for _, g := range gpus {
		byIndex[g.Index] = g
		if gpuprobe.Available(g, blacklist[g.Index], job.IgnoreBlacklist, busy) {
			free = append(free, g)
		}
	}

	if len(job.GPUIdxs) > 0 {
		// Exact-match pinning (spec §9 Open Question resolution).
		if len(job.GPUIdxs) != job.NumGPUs {
			return nil, false
		}
		for _, idx := range job.GPUIdxs {
			g, ok := byIndex[idx]
			if !ok || !gpuprobe.Available(g, blacklist[idx], job.IgnoreBlacklist, busy) {
				return nil, false
			}
		}
		return job.GPUIdxs, true
	}

	if len(free) < job.NumGPUs {
		return nil, false
	}
	sortByIndex(free)
	idxs := make([]int, job.NumGPUs)
	for i := 0; i < job.NumGPUs; i++ {
		idxs[i] = free[i].Index
	}
	return idxs, true
}

func sortByIndex(gpus []models.GPUInfo) {
	for i := 1; i < len(gpus); i++ {
		for j := i; j > 0 && gpus[j].Index < gpus[j-1].Index; j-- {
			gpus[j], gpus[j-1] = gpus[j-1], gpus[j]
		}
	}
}

func (s *Scheduler) launch(ctx context.Context, job *models.Job, gpus []int) {
	next := s.Engine.StartJob(ctx, job, gpus, s.nowSeconds())

	// A pre-start failure never holds GPUs, and when it was caused by a
	// missing artifact it cannot pass StartJob's artifact-existence
	// check, so it goes through the unguarded UpdateJob path — routing
	// it through StartJob would roll back the transaction and leave the
	// job stuck re-attempting as queued forever (spec §3 invariant 6, §8
	// scenario 6).
	if next.Status == models.StatusFailed {
		if err := s.Store.UpdateJob(next); err != nil {
			logging.Log.WithField("job_id", job.ID).WithError(err).Error("scheduler: failed to persist failed launch")
			return
		}
		metrics.RecordJobTerminal(string(next.Status), 0)
		s.notifyTerminal(ctx, next)
		return
	}

	s.notifyStarted(ctx, next)

	if err := s.Store.StartJob(next); err != nil {
		logging.Log.WithField("job_id", job.ID).WithError(err).Error("scheduler: failed to persist job start")
		return
	}
	logging.Log.WithField("job_id", job.ID).WithField("gpu_idxs", gpus).Info("scheduler: job started")
}

// discoverTrackerURLs is task 3: for each running job requesting
// wandb discovery with no URL yet, probe for one; on hit, persist it
// and edit the existing chat message if any.
func (s *Scheduler) discoverTrackerURLs(ctx context.Context) {
	jobs, err := s.Store.ListJobs(models.JobFilter{Status: models.StatusRunning})
	if err != nil {
		return
	}

	pool := workerpool.New(s.Concurrency)
	for _, job := range jobs {
		job := job
		if !job.SearchWandb || job.WandbURL != "" {
			continue
		}
		if s.nowSeconds()-job.StartedAt > s.WandbSearchMaxAge.Seconds() {
			continue // abort probing once the job's age exceeds the cap
		}

		pool.Submit(func() {
			url, ok := notifier.FindWandbURL(job.Dir)
			if !ok {
				return
			}

			next := job.Clone()
			next.WandbURL = url
			if msgID, exists := next.NotificationMessages["discord"]; exists {
				text := fmt.Sprintf("job %s (%s) tracker: %s", next.ID, next.Command, url)
				if err := s.Notifier.Edit(ctx, "discord", msgID, text); err != nil {
					logging.Log.WithField("job_id", next.ID).WithError(err).Warn("notifier: edit failed")
				}
			}
			if err := s.Store.UpdateJob(next); err != nil {
				logging.Log.WithField("job_id", next.ID).WithError(err).Error("scheduler: failed to persist wandb_url")
			}
		})
	}
	pool.StopWait()
}
