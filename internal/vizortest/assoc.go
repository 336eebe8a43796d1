package vizortest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SeedAssociation stores a subject-media association directly and
// returns its capture id.
func (s *Server) SeedAssociation(subjectUID, mediaID string, fields map[string]any) string {
	capID := newID("cap")
	rec := map[string]any{
		"capture_id":  capID,
		"media_id":    mediaID,
		"subject_uid": subjectUID,
		"consensus":   "True",
		"probability": 1.0,
		"timestamp":   epoch(time.Now()),
	}
	for k, v := range fields {
		rec[k] = v
	}
	b, _ := json.Marshal(rec)
	s.st.put("assoc:"+subjectUID, capID, b)
	s.st.put("massoc:"+mediaID, capID, b)
	return capID
}

// SeedAppAssociation stores a media association under an application
// and returns its capture id.
func (s *Server) SeedAppAssociation(applicationID string, fields map[string]any) string {
	capID := newID("cap")
	rec := map[string]any{
		"capture_id":  capID,
		"consensus":   "True",
		"probability": 1.0,
		"timestamp":   epoch(time.Now()),
	}
	for k, v := range fields {
		rec[k] = v
	}
	b, _ := json.Marshal(rec)
	s.st.put("appassoc:"+applicationID, capID, b)
	return capID
}

func (s *Server) associateMedia(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "subjectUID")
	if _, ok := s.st.get("subjects", uid); !ok {
		writeErr(w, http.StatusNotFound, "subjects record not found")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	mediaID, _ := body["media_id"].(string)
	if mediaID == "" {
		writeErr(w, http.StatusBadRequest, "media_id required")
		return
	}
	if _, ok := s.st.get("media", mediaID); !ok {
		writeErr(w, http.StatusNotFound, "media record not found")
		return
	}

	now := epoch(time.Now())
	prob, hasProb := body["uncal_prob"].(float64)
	if !hasProb {
		prob = 1
	}
	capID := newID("cap")
	rec := map[string]any{
		"capture_id":    capID,
		"media_id":      mediaID,
		"subject_uid":   uid,
		"consensus":     body["consensus"],
		"probability":   prob,
		"timestamp":     now,
		"app_data_type": body["app_data_type"],
		"app_data":      body["app_data"],
	}
	if focus, ok := body["focus"]; ok {
		rec["focus"] = focus
	}
	b, _ := json.Marshal(rec)
	s.st.put("assoc:"+uid, capID, b)
	s.st.put("massoc:"+mediaID, capID, b)

	// every association leaves a user detection on the media
	detID := newID("det")
	det := map[string]any{
		"detection_id":  detID,
		"subject_uid":   uid,
		"user_id":       s.userID,
		"uncal_prob":    prob,
		"timestamp":     now,
		"app_data_type": body["app_data_type"],
		"app_data":      body["app_data"],
	}
	db, _ := json.Marshal(det)
	s.st.put("det:"+mediaID, detID, db)

	writeRaw(w, http.StatusOK, b)
}

func (s *Server) disassociateMedia(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "subjectUID")
	if _, ok := s.st.get("subjects", uid); !ok {
		writeErr(w, http.StatusNotFound, "subjects record not found")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	mediaID, _ := body["media_id"].(string)
	if mediaID == "" {
		writeErr(w, http.StatusBadRequest, "media_id required")
		return
	}

	removed := false
	for _, rec := range s.st.list("assoc:" + uid) {
		if jsonField(rec, "media_id") != mediaID {
			continue
		}
		capID := jsonField(rec, "capture_id")
		s.st.delete("assoc:"+uid, capID)
		s.st.delete("massoc:"+mediaID, capID)
		removed = true
	}
	if !removed {
		writeErr(w, http.StatusNotFound, "association not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) subjectAssociations(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "subjectUID")
	if _, ok := s.st.get("subjects", uid); !ok {
		writeErr(w, http.StatusNotFound, "subjects record not found")
		return
	}
	q := r.URL.Query()
	items := reversed(q, filterAssociations(q, s.st.list("assoc:"+uid)))
	writeRaw(w, http.StatusOK, pageBody(r, items))
}

func (s *Server) applicationAssociations(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	if _, ok := s.st.get("applications", appID); !ok {
		writeErr(w, http.StatusNotFound, "applications record not found")
		return
	}
	q := r.URL.Query()
	items := reversed(q, filterAssociations(q, s.st.list("appassoc:"+appID)))
	writeRaw(w, http.StatusOK, pageBody(r, items))
}

// filterAssociations applies the consensus, time and probability window
// parameters of an association listing.
func filterAssociations(q url.Values, items [][]byte) [][]byte {
	floatParam := func(key string) (float64, bool) {
		f, err := strconv.ParseFloat(q.Get(key), 64)
		return f, err == nil
	}
	start, hasStart := floatParam("start")
	end, hasEnd := floatParam("end")
	lower, hasLower := floatParam("probability_lower")
	upper, hasUpper := floatParam("probability_upper")
	consensus := q.Get("consensus")

	var out [][]byte
	for _, it := range items {
		if consensus != "" && jsonField(it, "consensus") != consensus {
			continue
		}
		ts := gjson.GetBytes(it, "timestamp").Float()
		if hasStart && ts <= start {
			continue
		}
		if hasEnd && ts >= end {
			continue
		}
		prob := gjson.GetBytes(it, "probability").Float()
		if hasLower && prob < lower {
			continue
		}
		if hasUpper && prob > upper {
			continue
		}
		out = append(out, it)
	}
	return out
}

// SeedFeedback queues feedback requests for an application.
func (s *Server) SeedFeedback(applicationID string, reqs ...map[string]any) {
	for _, req := range reqs {
		id := newID("fbr")
		rec := map[string]any{"feedback_id": id, "timestamp": epoch(time.Now())}
		for k, v := range req {
			rec[k] = v
		}
		b, _ := json.Marshal(rec)
		s.st.put("fbq:"+applicationID, id, b)
	}
}

// FeedbackPosts returns the feedback bodies posted for an application,
// oldest first.
func (s *Server) FeedbackPosts(applicationID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.feedback[applicationID]))
	copy(out, s.feedback[applicationID])
	return out
}

func (s *Server) pendingFeedback(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	if _, ok := s.st.get("applications", appID); !ok {
		writeErr(w, http.StatusNotFound, "applications record not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": len(s.st.list("fbq:" + appID))})
}

func (s *Server) getFeedback(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	if _, ok := s.st.get("applications", appID); !ok {
		writeErr(w, http.StatusNotFound, "applications record not found")
		return
	}
	limit := intParam(r.URL.Query(), "limit", 10)
	items := s.st.list("fbq:" + appID)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	body := []byte(`[]`)
	for _, it := range items {
		body, _ = sjson.SetRawBytes(body, "-1", it)
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) postFeedback(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	if _, ok := s.st.get("applications", appID); !ok {
		writeErr(w, http.StatusNotFound, "applications record not found")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.mu.Lock()
	s.feedback[appID] = append(s.feedback[appID], body)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}
