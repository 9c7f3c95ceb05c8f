package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/catalystcommunity/app-utils-go/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamJobLogs handles GET /v1/jobs/{id}/logs/stream (spec §4.7.1
// supplement): upgrades to a websocket connection and tails
// output.log, pushing new lines as they're written — an HTTP
// expression of the "detachable session permits later attach"
// semantic (GLOSSARY).
func (d *Deps) StreamJobLogs(w http.ResponseWriter, r *http.Request) {
	job, err := d.Store.GetJob(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if job.Dir == "" {
		respondJSON(w, http.StatusConflict, map[string]string{"error": "invalid_state", "message": "job has no active log file"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("stream: websocket upgrade failed")
		return
	}
	defer conn.Close()

	path := job.Dir + "/output.log"
	var offset int64

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			f, err := os.Open(path)
			if err != nil {
				continue
			}
			info, err := f.Stat()
			if err != nil {
				f.Close()
				continue
			}
			if info.Size() <= offset {
				f.Close()
				continue
			}

			buf := make([]byte, info.Size()-offset)
			if _, err := f.ReadAt(buf, offset); err != nil {
				f.Close()
				continue
			}
			f.Close()
			offset = info.Size()

			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		}
	}
}
