package models

// Status is the lifecycle state of a Job. Transitions are monotone:
// Queued -> Running -> {Completed, Failed, Killed}. A Queued job may
// also move directly to Failed on a pre-start error.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// NotificationChannel names a destination jobs can be notified through.
type NotificationChannel string

const (
	NotificationDiscord NotificationChannel = "discord"
	NotificationPhone   NotificationChannel = "phone"
)

// Job is an immutable record of a GPU job. Transitions produce new
// records rather than mutating one in place; callers always re-read
// from the Store after a transition instead of reusing a stale value.
type Job struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	User     string `json:"user"`
	NodeName string `json:"node_name"`
	Priority int    `json:"priority"`

	NumGPUs int   `json:"num_gpus"`
	GPUIdxs []int `json:"gpu_idxs"`

	GitRepoURL string `json:"git_repo_url"`
	GitBranch  string `json:"git_branch"`
	GitTag     string `json:"git_tag"`

	ArtifactID string            `json:"artifact_id"`
	Env        map[string]string `json:"env"`
	JobRC      string            `json:"jobrc,omitempty"`

	Notifications   []NotificationChannel `json:"notifications"`
	SearchWandb     bool                  `json:"search_wandb"`
	IgnoreBlacklist bool                  `json:"ignore_blacklist"`

	Status Status `json:"status"`

	CreatedAt   float64 `json:"created_at"`
	StartedAt   float64 `json:"started_at,omitempty"`
	CompletedAt float64 `json:"completed_at,omitempty"`

	PID                int    `json:"pid,omitempty"`
	Dir                string `json:"dir,omitempty"`
	ScreenSessionName  string `json:"screen_session_name,omitempty"`
	ExitCode           *int   `json:"exit_code,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
	WandbURL           string `json:"wandb_url,omitempty"`
	MarkedForKill      bool   `json:"marked_for_kill"`
	OutputFile         string `json:"output_file,omitempty"`

	// NotificationMessages maps a channel identifier (e.g. "discord") to
	// the message id posted there, so later events (a wandb URL showing
	// up, a completion) can edit that same message instead of posting
	// a new one.
	NotificationMessages map[string]string `json:"notification_messages,omitempty"`
}

// IsRunning reports whether the job is currently occupying GPUs.
func (j *Job) IsRunning() bool {
	return j.Status == StatusRunning
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// Clone returns a shallow-plus-slices copy of the job so callers can
// build a successor record without aliasing the receiver's slices or
// maps — the "replace" semantics the job engine relies on instead of
// mutating a record in place.
func (j *Job) Clone() *Job {
	clone := *j
	if j.GPUIdxs != nil {
		clone.GPUIdxs = append([]int(nil), j.GPUIdxs...)
	}
	if j.Env != nil {
		clone.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			clone.Env[k] = v
		}
	}
	if j.Notifications != nil {
		clone.Notifications = append([]NotificationChannel(nil), j.Notifications...)
	}
	if j.NotificationMessages != nil {
		clone.NotificationMessages = make(map[string]string, len(j.NotificationMessages))
		for k, v := range j.NotificationMessages {
			clone.NotificationMessages[k] = v
		}
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		clone.ExitCode = &code
	}
	return &clone
}

// JobRequest is the client-facing payload for POST /v1/jobs.
type JobRequest struct {
	Command    string `json:"command"`
	User       string `json:"user"`
	GitRepoURL string `json:"git_repo_url"`
	GitTag     string `json:"git_tag"`
	GitBranch  string `json:"git_branch"`

	NumGPUs         int                   `json:"num_gpus"`
	GPUIdxs         []int                 `json:"gpu_idxs"`
	Priority        int                   `json:"priority"`
	SearchWandb     bool                  `json:"search_wandb"`
	Notifications   []NotificationChannel `json:"notifications"`
	Env             map[string]string     `json:"env"`
	JobRC           string                `json:"jobrc"`
	RunImmediately  bool                  `json:"run_immediately"`
	IgnoreBlacklist bool                  `json:"ignore_blacklist"`
	OutputFile      string                `json:"output_file"`

	// ArtifactData carries the raw tar bytes of the source tree for this
	// submission; handlers lift it into the Store as an Artifact before
	// the Job record itself is created.
	ArtifactData []byte `json:"-"`
}

// JobUpdate is the PATCH /v1/jobs/{id} payload; only queued jobs accept it.
type JobUpdate struct {
	Command  *string `json:"command,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

// JobFilter narrows a ListJobs query.
type JobFilter struct {
	Status        Status
	GPUIndex      *int
	CommandRegex  string
	Limit         int
	Offset        int
}
