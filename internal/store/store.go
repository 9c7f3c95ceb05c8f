// Package store implements the durable, transactional persistence
// layer for jobs, the GPU blacklist, and code artifacts (spec §4.1).
package store

import (
	"github.com/nexusgpu/nexus/internal/models"
)

// Store is the single source of truth for job, artifact, and
// blacklist state. Implementations serialize writes internally;
// callers never need their own locking around Store calls.
type Store interface {
	AddJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	ListJobs(filter models.JobFilter) ([]*models.Job, error)
	UpdateJob(job *models.Job) error
	DeleteJob(id string) error
	CountJobs(status models.Status) (int, error)

	SetBlacklist(gpuIndex int, on bool) error
	ListBlacklist() (map[int]bool, error)

	AddArtifact(a *models.Artifact) error
	GetArtifact(id string) (*models.Artifact, error)
	DeleteArtifact(id string) error
	ArtifactInUse(id string) (bool, error)

	// StartJob atomically transitions job to running while asserting the
	// artifact it references is still live, inside one transaction (spec
	// §4.1 "Transaction discipline", §9 "Reference-counted artifacts").
	StartJob(job *models.Job) error

	Close() error
}
