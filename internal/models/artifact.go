package models

// Artifact is a tar archive of a submitter's source tree, stored by
// opaque id and reference-counted by live (queued or running) jobs.
type Artifact struct {
	ID        string  `json:"id"`
	Data      []byte  `json:"-"`
	Size      int64   `json:"size"`
	CreatedAt float64 `json:"created_at"`
}
