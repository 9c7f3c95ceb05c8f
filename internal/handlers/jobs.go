package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nexusgpu/nexus/internal/jobengine"
	"github.com/nexusgpu/nexus/internal/metrics"
	"github.com/nexusgpu/nexus/internal/models"
	"github.com/nexusgpu/nexus/internal/store"
)

// ListJobs handles GET /v1/jobs.
func (d *Deps) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{
		Status:       models.Status(r.URL.Query().Get("status")),
		CommandRegex: r.URL.Query().Get("command_regex"),
	}
	if v := r.URL.Query().Get("gpu_index"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": "gpu_index must be an integer"})
			return
		}
		filter.GPUIndex = &idx
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	jobs, err := d.Store.ListJobs(filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

// CreateJob handles POST /v1/jobs. The submission carries the
// JobRequest as a multipart "request" field (JSON) alongside an
// optional "artifact" file field with the tar bytes of the source
// tree — the concrete shape for spec §1's "clients submit an
// artifact... and a job request referencing it", which §6 leaves as
// a contract without specifying wire format.
func (d *Deps) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest

	if ct := r.Header.Get("Content-Type"); len(ct) >= 19 && ct[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("request")), &req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": "invalid request field: " + err.Error()})
			return
		}
		if file, _, err := r.FormFile("artifact"); err == nil {
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": "failed to read artifact"})
				return
			}
			req.ArtifactData = data
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
			return
		}
	}

	now := nowSeconds()

	id, err := jobengine.GenerateID(func(id string) (bool, error) {
		_, err := d.Store.GetJob(id)
		if err == nil {
			return true, nil
		}
		if store.CodeOf(err) == store.CodeNotFound {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		respondError(w, err)
		return
	}

	job, err := jobengine.CreateJob(id, req, now)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
		return
	}

	if len(req.ArtifactData) > 0 {
		artifactID := uuid.NewString()
		if err := d.Store.AddArtifact(&models.Artifact{
			ID:        artifactID,
			Data:      req.ArtifactData,
			Size:      int64(len(req.ArtifactData)),
			CreatedAt: now,
		}); err != nil {
			respondError(w, err)
			return
		}
		job.ArtifactID = artifactID
	}

	if err := d.Store.AddJob(job); err != nil {
		respondError(w, err)
		return
	}

	metrics.RecordJobSubmission()
	respondJSON(w, http.StatusCreated, job)
}

// GetJob handles GET /v1/jobs/{id}.
func (d *Deps) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := d.Store.GetJob(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// PatchJob handles PATCH /v1/jobs/{id} — queued jobs only.
func (d *Deps) PatchJob(w http.ResponseWriter, r *http.Request) {
	job, err := d.Store.GetJob(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if job.Status != models.StatusQueued {
		respondJSON(w, http.StatusConflict, map[string]string{"error": "invalid_state", "message": "only queued jobs accept updates"})
		return
	}

	var update models.JobUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
		return
	}

	next := job.Clone()
	if update.Command != nil {
		next.Command = *update.Command
	}
	if update.Priority != nil {
		next.Priority = *update.Priority
	}
	if err := d.Store.UpdateJob(next); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, next)
}

// DeleteJob handles DELETE /v1/jobs/{id} — queued jobs only.
func (d *Deps) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.DeleteJob(r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KillJob handles POST /v1/jobs/{id}/kill. It is non-blocking for the
// client: it flips marked_for_kill and returns; finalization happens
// on the scheduler's next tick (spec §4.5/§5).
func (d *Deps) KillJob(w http.ResponseWriter, r *http.Request) {
	job, err := d.Store.GetJob(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if job.Status != models.StatusRunning {
		respondJSON(w, http.StatusConflict, map[string]string{"error": "invalid_state", "message": "only running jobs can be killed"})
		return
	}
	next := job.Clone()
	next.MarkedForKill = true
	if err := d.Store.UpdateJob(next); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJobLogs handles GET /v1/jobs/{id}/logs.
func (d *Deps) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	job, err := d.Store.GetJob(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}

	content, err := d.Engine.ReadOutputLog(job)
	if err != nil {
		respondError(w, err)
		return
	}

	if lastN := r.URL.Query().Get("last_n_lines"); lastN != "" {
		n, convErr := strconv.Atoi(lastN)
		if convErr == nil && n > 0 {
			content = tailLines(content, n)
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func tailLines(s string, n int) string {
	lines := splitLinesKeepEmpty(s)
	if len(lines) <= n {
		return s
	}
	start := len(lines) - n
	out := ""
	for i, l := range lines[start:] {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func splitLinesKeepEmpty(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
