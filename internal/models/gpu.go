package models

// GPUInfo is a point-in-time snapshot of one physical or simulated GPU.
type GPUInfo struct {
	Index          int     `json:"index"`
	Name           string  `json:"name"`
	MemoryTotalMiB int64   `json:"memory_total_mib"`
	MemoryUsedMiB  int64   `json:"memory_used_mib"`
	ProcessCount   int     `json:"process_count"`
	ProcessPIDs    []int32 `json:"process_pids,omitempty"`
	Blacklisted    bool    `json:"blacklisted"`
	RunningJobID   string  `json:"running_job_id,omitempty"`
}

// GPUStatus is the result shape for the blacklist endpoints.
type GPUStatus struct {
	Index       int  `json:"index"`
	Blacklisted bool `json:"blacklisted"`
}
