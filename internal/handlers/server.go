package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nexusgpu/nexus/internal/models"
)

// statusResponse is the shape of GET /server/status.
type statusResponse struct {
	NodeName  string         `json:"node_name"`
	StartedAt float64        `json:"started_at"`
	Counts    map[string]int `json:"counts"`
}

// GetStatus handles GET /server/status.
func (d *Deps) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for _, status := range []models.Status{
		models.StatusQueued, models.StatusRunning,
		models.StatusCompleted, models.StatusFailed, models.StatusKilled,
	} {
		n, err := d.Store.CountJobs(status)
		if err != nil {
			respondError(w, err)
			return
		}
		counts[string(status)] = n
	}

	respondJSON(w, http.StatusOK, statusResponse{
		NodeName:  d.NodeName,
		StartedAt: d.StartedAt,
		Counts:    counts,
	})
}

// GetServerLogs handles GET /server/logs.
func (d *Deps) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if v := r.URL.Query().Get("last_n_lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"lines": d.Logs.Recent(n)})
}

// healthResponse is the shape of GET /health.
type healthResponse struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime_seconds"`
	GPUCount  int     `json:"gpu_count"`
	QueueSize int     `json:"queue_size"`
}

// GetHealth handles GET /health. `detailed` and `refresh` are
// accepted per §6; `refresh=true` forces a fresh GPU probe instead of
// serving the cached snapshot.
func (d *Deps) GetHealth(w http.ResponseWriter, r *http.Request) {
	forceRefresh := r.URL.Query().Get("refresh") == "true"
	gpus, err := d.GPUs.List(r.Context(), forceRefresh)
	if err != nil {
		respondJSON(w, http.StatusOK, healthResponse{Status: "degraded", Uptime: nowSeconds() - d.StartedAt})
		return
	}

	queueSize, _ := d.Store.CountJobs(models.StatusQueued)

	resp := healthResponse{
		Status:    "ok",
		Uptime:    nowSeconds() - d.StartedAt,
		GPUCount:  len(gpus),
		QueueSize: queueSize,
	}

	if r.URL.Query().Get("detailed") == "true" {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":     resp.Status,
			"uptime":     resp.Uptime,
			"gpu_count":  resp.GPUCount,
			"queue_size": resp.QueueSize,
			"gpus":       gpus,
			"checked_at": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
