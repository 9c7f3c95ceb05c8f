// Package handlers implements the HTTP Surface of spec §4.7/§6: thin
// handlers that validate a request, call the Store or Job Engine, and
// map errors via the taxonomy in §7.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nexusgpu/nexus/internal/sessionrunner"
	"github.com/nexusgpu/nexus/internal/store"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, err error) {
	code := store.CodeOf(err)
	status := http.StatusInternalServerError
	errType := "internal_error"

	switch code {
	case store.CodeNotFound:
		status, errType = http.StatusNotFound, "not_found"
	case store.CodeDuplicate:
		status, errType = http.StatusConflict, "duplicate"
	case store.CodeInvalidState:
		status, errType = http.StatusConflict, "invalid_state"
	case store.CodeInvalidArg:
		status, errType = http.StatusBadRequest, "invalid_argument"
	case store.CodeLaunchFailed:
		status, errType = http.StatusInternalServerError, "launch_failed"
	default:
		if errors.Is(err, sessionrunner.ErrNotSupported) {
			status, errType = http.StatusNotImplemented, "not_supported"
		}
	}

	respondJSON(w, status, map[string]string{"error": errType, "message": err.Error()})
}
