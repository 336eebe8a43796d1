package vizortest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func (s *Server) createReview(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	items, ok := body["review_items"]
	if !ok {
		writeErr(w, http.StatusBadRequest, "review_items required")
		return
	}

	id := newID("rev")
	rec := map[string]any{
		"review_id":    id,
		"status":       "pending",
		"review_items": items,
		"created_at":   epoch(time.Now()),
		"created_by":   s.userID,
	}
	if unit, ok := body["review_unit"]; ok {
		rec["review_unit"] = unit
	}
	b, _ := json.Marshal(rec)
	s.st.put("reviews", id, b)
	writeRaw(w, http.StatusOK, b)
}

func (s *Server) nextReview(w http.ResponseWriter, r *http.Request) {
	for _, rec := range s.st.list("reviews") {
		if jsonField(rec, "status") == "pending" {
			writeRaw(w, http.StatusOK, rec)
			return
		}
	}
	writeErr(w, http.StatusNotFound, "no pending reviews")
}

func (s *Server) pendingReviews(w http.ResponseWriter, r *http.Request) {
	pending := 0
	for _, rec := range s.st.list("reviews") {
		if jsonField(rec, "status") == "pending" {
			pending++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) postReviewResult(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	reviewID, _ := body["review_id"].(string)
	review, ok := s.st.get("reviews", reviewID)
	if !ok {
		writeErr(w, http.StatusNotFound, "reviews record not found")
		return
	}
	result, _ := body["result"].(string)
	if result == "" {
		writeErr(w, http.StatusBadRequest, "result required")
		return
	}

	review, _ = sjson.SetBytes(review, "status", "complete")
	s.st.put("reviews", reviewID, review)

	// the result record carries the review context so it can be
	// searched by media or review unit later
	id := newID("res")
	rec := map[string]any{
		"result_id":    id,
		"review_id":    reviewID,
		"result":       result,
		"review_items": gjson.GetBytes(review, "review_items").Value(),
		"created_at":   epoch(time.Now()),
		"created_by":   s.userID,
	}
	if comment, ok := body["comment"]; ok {
		rec["comment"] = comment
	}
	if unit := gjson.GetBytes(review, "review_unit"); unit.Exists() {
		rec["review_unit"] = unit.Value()
	}
	b, _ := json.Marshal(rec)
	s.st.put("ops_results", id, b)
	writeRaw(w, http.StatusOK, b)
}

func (s *Server) searchReviewResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, hasStart := floatQuery(q.Get("start"))
	end, hasEnd := floatQuery(q.Get("end"))

	var items [][]byte
	for _, rec := range s.st.list("ops_results") {
		if v := q.Get("review_unit"); v != "" && jsonField(rec, "review_unit") != v {
			continue
		}
		if v := q.Get("result"); v != "" && jsonField(rec, "result") != v {
			continue
		}
		if v := q.Get("media_id"); v != "" {
			if !gjson.GetBytes(rec, `review_items.#(media_id=="`+v+`")`).Exists() {
				continue
			}
		}
		if v := q.Get("external_media_id"); v != "" {
			if !gjson.GetBytes(rec, `review_items.#(external_media_id=="`+v+`")`).Exists() {
				continue
			}
		}
		at := gjson.GetBytes(rec, "created_at").Float()
		if hasStart && at <= start {
			continue
		}
		if hasEnd && at >= end {
			continue
		}
		items = append(items, rec)
	}
	items = reversed(q, items)
	writeRaw(w, http.StatusOK, pageBody(r, items))
}

func (s *Server) listExternalResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items := s.st.list("externalResults")

	switch {
	case q.Get("media_id") != "":
		items = filterField(items, "media_id", q.Get("media_id"))
	case q.Get("domain_unit") != "":
		items = filterField(items, "domain_unit", q.Get("domain_unit"))
	default:
		start, hasStart := floatQuery(q.Get("time_start"))
		end, hasEnd := floatQuery(q.Get("time_end"))
		var out [][]byte
		for _, rec := range items {
			at := gjson.GetBytes(rec, "created_at").Float()
			if hasStart && at <= start {
				continue
			}
			if hasEnd && at >= end {
				continue
			}
			out = append(out, rec)
		}
		items = reversed(q, out)
		if limit := intParam(q, "limit", 0); limit > 0 && len(items) > limit {
			items = items[:limit]
		}
	}
	writeRaw(w, http.StatusOK, listEnvelope(items))
}

func filterField(items [][]byte, field, want string) [][]byte {
	var out [][]byte
	for _, rec := range items {
		if jsonField(rec, field) == want {
			out = append(out, rec)
		}
	}
	return out
}

func floatQuery(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func (s *Server) userKeysBucket(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := chi.URLParam(r, "userID")
	if _, ok := s.st.get("users", uid); !ok {
		writeErr(w, http.StatusNotFound, "users record not found")
		return "", false
	}
	return "apikeys:" + uid, true
}

func (s *Server) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.userKeysBucket(w, r)
	if !ok {
		return
	}
	// listings never expose the secret
	body := []byte(`[]`)
	for _, rec := range s.st.list(bucket) {
		rec, _ = sjson.DeleteBytes(rec, "api_key")
		body, _ = sjson.SetRawBytes(body, "-1", rec)
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) createAPIKey(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.userKeysBucket(w, r)
	if !ok {
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}

	id := newID("key")
	rec := map[string]any{
		"key_id":      id,
		"api_key":     "vk_" + uuid.NewString(),
		"description": body["description"],
		"created_at":  epoch(time.Now()),
	}
	b, _ := json.Marshal(rec)
	s.st.put(bucket, id, b)
	writeRaw(w, http.StatusOK, b)
}

func (s *Server) getAPIKey(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.userKeysBucket(w, r)
	if !ok {
		return
	}
	rec, ok := s.st.get(bucket, chi.URLParam(r, "keyID"))
	if !ok {
		writeErr(w, http.StatusNotFound, "api key not found")
		return
	}
	writeRaw(w, http.StatusOK, rec)
}

func (s *Server) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.userKeysBucket(w, r)
	if !ok {
		return
	}
	if !s.st.delete(bucket, chi.URLParam(r, "keyID")) {
		writeErr(w, http.StatusNotFound, "api key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
