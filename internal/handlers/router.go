package handlers

import (
	"net/http"

	"github.com/nexusgpu/nexus/internal/auth"
	"github.com/nexusgpu/nexus/internal/gpuprobe"
	"github.com/nexusgpu/nexus/internal/jobengine"
	"github.com/nexusgpu/nexus/internal/metrics"
	"github.com/nexusgpu/nexus/internal/middleware"
	"github.com/nexusgpu/nexus/internal/serverlog"
	"github.com/nexusgpu/nexus/internal/store"
)

// Deps collects every collaborator the HTTP Surface's handlers call
// into — Store, Job Engine, GPU Probe, Auth Gate — the way the
// teacher's handler constructors take their dependencies explicitly.
type Deps struct {
	Store  store.Store
	Engine *jobengine.Engine
	GPUs   *gpuprobe.Probe
	Gate   *auth.Gate
	Logs   *serverlog.Ring

	NodeName  string
	StartedAt float64
}

// NewRouter wires every /v1/ and /server/ route of spec §6 onto a
// net/http.ServeMux (teacher's own router style, no framework),
// behind the Auth Gate, request logging, and CORS middleware.
func NewRouter(d *Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /server/status", d.GetStatus)
	mux.HandleFunc("GET /server/logs", d.GetServerLogs)

	mux.HandleFunc("GET /v1/jobs", d.ListJobs)
	mux.HandleFunc("POST /v1/jobs", d.CreateJob)
	mux.HandleFunc("GET /v1/jobs/{id}", d.GetJob)
	mux.HandleFunc("PATCH /v1/jobs/{id}", d.PatchJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", d.DeleteJob)
	mux.HandleFunc("POST /v1/jobs/{id}/kill", d.KillJob)
	mux.HandleFunc("GET /v1/jobs/{id}/logs", d.GetJobLogs)
	mux.HandleFunc("GET /v1/jobs/{id}/logs/stream", d.StreamJobLogs)

	mux.HandleFunc("GET /v1/gpus", d.ListGPUs)
	mux.HandleFunc("PUT /v1/gpus/{idx}/blacklist", d.SetGPUBlacklist)
	mux.HandleFunc("DELETE /v1/gpus/{idx}/blacklist", d.ClearGPUBlacklist)

	mux.HandleFunc("PUT /v1/auth/ssh-keys", d.AuthorizeSSHKey)

	mux.HandleFunc("GET /health", d.GetHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return middleware.CORS(middleware.Logging(middleware.AuthGate(d.Gate)(mux)))
}
