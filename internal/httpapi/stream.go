package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

const streamKeepAlive = 15 * time.Second

// handleAuditStream serves audit entries as Server-Sent Events while the
// admin stays connected. ?principal_id narrows the feed to one principal.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if a.svc.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "stream_disabled", "audit streaming is disabled")
		return
	}
	rc := http.NewResponseController(w)
	// the server write timeout would cut the stream
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.svc.Stream.Subscribe(r.Context())
	filter := r.URL.Query().Get("principal_id")

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && entry.PrincipalID != filter {
				continue
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: audit\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
		case <-a.closing:
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
