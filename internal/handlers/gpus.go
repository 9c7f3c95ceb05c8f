package handlers

import (
	"net/http"
	"strconv"

	"github.com/nexusgpu/nexus/internal/models"
)

// ListGPUs handles GET /v1/gpus.
func (d *Deps) ListGPUs(w http.ResponseWriter, r *http.Request) {
	gpus, err := d.GPUs.List(r.Context(), false)
	if err != nil {
		respondError(w, err)
		return
	}

	blacklist, err := d.Store.ListBlacklist()
	if err != nil {
		respondError(w, err)
		return
	}

	running, err := d.Store.ListJobs(models.JobFilter{Status: models.StatusRunning})
	if err != nil {
		respondError(w, err)
		return
	}
	runningJobByGPU := map[int]string{}
	for _, j := range running {
		for _, idx := range j.GPUIdxs {
			runningJobByGPU[idx] = j.ID
		}
	}

	out := make([]models.GPUInfo, len(gpus))
	for i, g := range gpus {
		g.Blacklisted = blacklist[g.Index]
		g.RunningJobID = runningJobByGPU[g.Index]
		out[i] = g
	}
	respondJSON(w, http.StatusOK, out)
}

// SetGPUBlacklist handles PUT /v1/gpus/{idx}/blacklist.
func (d *Deps) SetGPUBlacklist(w http.ResponseWriter, r *http.Request) {
	d.setBlacklist(w, r, true)
}

// ClearGPUBlacklist handles DELETE /v1/gpus/{idx}/blacklist.
func (d *Deps) ClearGPUBlacklist(w http.ResponseWriter, r *http.Request) {
	d.setBlacklist(w, r, false)
}

func (d *Deps) setBlacklist(w http.ResponseWriter, r *http.Request, on bool) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": "idx must be an integer"})
		return
	}
	if err := d.Store.SetBlacklist(idx, on); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.GPUStatus{Index: idx, Blacklisted: on})
}
