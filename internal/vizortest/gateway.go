package vizortest

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// GatewayEvent records one event delivered to a gateway.
type GatewayEvent struct {
	Name    string
	Payload map[string]any
}

// GatewayEvents returns the events delivered to a gateway, oldest first.
func (s *Server) GatewayEvents(gatewayID string) []GatewayEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GatewayEvent, len(s.events[gatewayID]))
	copy(out, s.events[gatewayID])
	return out
}

// SeedGatewayStatus stores a status record for a gateway subsystem.
func (s *Server) SeedGatewayStatus(gatewayID, subsystem string, status map[string]any) {
	id := newID("gst")
	rec := map[string]any{
		"subsystem": subsystem,
		"timestamp": epoch(time.Now()),
		"status":    status,
	}
	b, _ := json.Marshal(rec)
	s.st.put("status:"+gatewayID, id, b)
}

func (s *Server) gatewayEvent(w http.ResponseWriter, r *http.Request) {
	gwID := chi.URLParam(r, "id")
	if _, ok := s.st.get("gateways", gwID); !ok {
		writeErr(w, http.StatusNotFound, "gateways record not found")
		return
	}
	name := chi.URLParam(r, "event")

	// reboot and factory reset arrive with an empty body
	var payload map[string]any
	raw, _ := io.ReadAll(r.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	s.mu.Lock()
	s.events[gwID] = append(s.events[gwID], GatewayEvent{Name: name, Payload: payload})
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	gwID := chi.URLParam(r, "id")
	if _, ok := s.st.get("gateways", gwID); !ok {
		writeErr(w, http.StatusNotFound, "gateways record not found")
		return
	}
	items := s.st.list("status:" + gwID)
	if sub := chi.URLParam(r, "subsystem"); sub != "" {
		var filtered [][]byte
		for _, it := range items {
			if jsonField(it, "subsystem") == sub {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	items = reversed(r.URL.Query(), items)
	writeRaw(w, http.StatusOK, pageBody(r, items))
}

// processMedia mimics the edge inference endpoint of a gateway. It
// accepts a multipart upload and answers with a canned detection for
// the requested subject.
func (s *Server) processMedia(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "subjectUID")
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeErr(w, http.StatusBadRequest, "multipart form expected")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "file part required")
		return
	}
	defer file.Close()
	if _, err := io.Copy(io.Discard, file); err != nil {
		writeErr(w, http.StatusBadRequest, "unreadable file part")
		return
	}

	det := map[string]any{
		"detection_id": newID("det"),
		"subject_uid":  uid,
		"uncal_prob":   0.97,
		"timestamp":    epoch(time.Now()),
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": []any{det}})
}
