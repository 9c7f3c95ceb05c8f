package handlers

import (
	"encoding/json"
	"io"
	"net/http"
)

// sshKeyRequest is the body of PUT /v1/auth/ssh-keys.
type sshKeyRequest struct {
	PublicKey string `json:"public_key"`
}

// AuthorizeSSHKey handles PUT /v1/auth/ssh-keys: validates an OpenSSH
// public key and authorizes it for later session-attach (spec §4.6
// expanded).
func (d *Deps) AuthorizeSSHKey(w http.ResponseWriter, r *http.Request) {
	var req sshKeyRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
		return
	}
	if err := json.Unmarshal(body, &req); err != nil || req.PublicKey == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": "public_key is required"})
		return
	}

	if err := d.Gate.AuthorizeSSHKey(req.PublicKey); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
