package vizortest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// store holds records as raw JSON per collection, in insertion order.
type store struct {
	mu    sync.Mutex
	recs  map[string]map[string][]byte
	order map[string][]string
}

func newStore() *store {
	return &store{
		recs:  map[string]map[string][]byte{},
		order: map[string][]string{},
	}
}

func (st *store) put(coll, id string, rec []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.recs[coll] == nil {
		st.recs[coll] = map[string][]byte{}
	}
	if _, exists := st.recs[coll][id]; !exists {
		st.order[coll] = append(st.order[coll], id)
	}
	st.recs[coll][id] = rec
}

func (st *store) get(coll, id string) ([]byte, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.recs[coll][id]
	return rec, ok
}

func (st *store) delete(coll, id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.recs[coll][id]; !ok {
		return false
	}
	delete(st.recs[coll], id)
	for i, v := range st.order[coll] {
		if v == id {
			st.order[coll] = append(st.order[coll][:i], st.order[coll][i+1:]...)
			break
		}
	}
	return true
}

func (st *store) list(coll string) [][]byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([][]byte, 0, len(st.order[coll]))
	for _, id := range st.order[coll] {
		out = append(out, st.recs[coll][id])
	}
	return out
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// kindDef describes one stored record type and how it is served.
type kindDef struct {
	segment    string
	idField    string
	prefix     string
	creatable  bool
	tenantList bool
	match      func(q url.Values, rec []byte) bool
}

var kinds = []kindDef{
	{segment: "subjects", idField: "subject_uid", prefix: "sub", creatable: true, tenantList: true, match: subjectMatches},
	{segment: "applications", idField: "application_id", prefix: "app", creatable: true, tenantList: true},
	{segment: "media", idField: "media_id", prefix: "med"},
	{segment: "networkCameras", idField: "network_camera_id", prefix: "cam", creatable: true, tenantList: true},
	{segment: "gateways", idField: "gateway_id", prefix: "gw", tenantList: true},
	{segment: "externalResults", idField: "external_result_id", prefix: "xr", creatable: true},
	{segment: "users", idField: "user_id", prefix: "usr"},
}

func kindBySegment(segment string) (kindDef, bool) {
	for _, k := range kinds {
		if k.segment == segment {
			return k, true
		}
	}
	return kindDef{}, false
}

// SeedEntity stores a record of the given collection directly, without a
// request, and returns its id. It panics on an unknown collection.
func (s *Server) SeedEntity(segment string, fields map[string]any) string {
	k, ok := kindBySegment(segment)
	if !ok {
		panic("vizortest: unknown collection " + segment)
	}
	return s.seedRecord(k.segment, k.idField, k.prefix, fields)
}

func (s *Server) seedRecord(coll, idField, prefix string, fields map[string]any) string {
	id := newID(prefix)
	now := epoch(time.Now())
	rec := make(map[string]any, len(fields)+6)
	for k, v := range fields {
		rec[k] = v
	}
	rec[idField] = id
	if idField != "tenant_id" {
		rec["tenant_id"] = s.tenantID
	}
	rec["created_at"] = now
	rec["created_by"] = s.Username
	rec["modified_at"] = now
	rec["modified_by"] = s.Username
	b, err := json.Marshal(rec)
	if err != nil {
		panic("vizortest: encoding seed record: " + err.Error())
	}
	s.st.put(coll, id, b)
	return id
}

func (s *Server) createRecord(k kindDef) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed request body")
			return
		}
		id := s.seedRecord(k.segment, k.idField, k.prefix, fields)
		rec, _ := s.st.get(k.segment, id)
		writeRaw(w, http.StatusOK, rec)
	}
}

func (s *Server) getRecord(k kindDef) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.st.get(k.segment, chi.URLParam(r, "id"))
		if !ok {
			writeErr(w, http.StatusNotFound, k.segment+" record not found")
			return
		}
		writeRaw(w, http.StatusOK, rec)
	}
}

// updateRecord merges the posted fields into the stored record, bumps
// modified_at, and answers with the full record.
func (s *Server) updateRecord(k kindDef) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, ok := s.st.get(k.segment, id)
		if !ok {
			writeErr(w, http.StatusNotFound, k.segment+" record not found")
			return
		}
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed request body")
			return
		}
		var err error
		for key, val := range fields {
			if rec, err = sjson.SetBytes(rec, key, val); err != nil {
				writeErr(w, http.StatusBadRequest, "unusable field "+key)
				return
			}
		}
		rec, _ = sjson.SetBytes(rec, "modified_at", epoch(time.Now()))
		rec, _ = sjson.SetBytes(rec, "modified_by", s.Username)
		s.st.put(k.segment, id, rec)
		writeRaw(w, http.StatusOK, rec)
	}
}

func (s *Server) deleteRecord(k kindDef) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.st.delete(k.segment, chi.URLParam(r, "id")) {
			writeErr(w, http.StatusNotFound, k.segment+" record not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

func (s *Server) listRecords(k kindDef) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var out [][]byte
		for _, rec := range s.st.list(k.segment) {
			if k.match == nil || k.match(q, rec) {
				out = append(out, rec)
			}
		}
		if limit := intParam(q, "limit", 0); limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		writeRaw(w, http.StatusOK, listEnvelope(out))
	}
}

// subjectMatches applies the subject search and visibility parameters.
func subjectMatches(q url.Values, rec []byte) bool {
	if q.Get("public_read") == "True" && !gjson.GetBytes(rec, "public_read").Bool() {
		return false
	}
	if q.Get("public_read_write") == "True" && !gjson.GetBytes(rec, "public_write").Bool() {
		return false
	}
	name := gjson.GetBytes(rec, "name").String()
	switch {
	case q.Get("ids") != "":
		uid := gjson.GetBytes(rec, "subject_uid").String()
		for _, want := range strings.Split(q.Get("ids"), ",") {
			if uid == want {
				return true
			}
		}
		return false
	case q.Get("prefix") != "":
		return strings.HasPrefix(name, q.Get("prefix"))
	case q.Get("similar") != "":
		return strings.Contains(name, q.Get("similar"))
	case q.Get("name") != "":
		return name == q.Get("name")
	}
	return true
}

func listEnvelope(items [][]byte) []byte {
	body := []byte(`{"data":[]}`)
	for _, it := range items {
		body, _ = sjson.SetRawBytes(body, "data.-1", it)
	}
	return body
}

const maxPageLimit = 100

// pageBody slices items into the page the request asks for and links the
// next page through an absolute paging URL, the shape the SDK's paged
// listings consume.
func pageBody(r *http.Request, items [][]byte) []byte {
	q := r.URL.Query()
	limit := intParam(q, "limit", 25)
	if limit <= 0 {
		limit = 25
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := intParam(q, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}

	body := []byte(`{"data":[],"paging":{}}`)
	for _, it := range items[offset:end] {
		body, _ = sjson.SetRawBytes(body, "data.-1", it)
	}
	if end < len(items) {
		next := q
		next.Set("offset", strconv.Itoa(end))
		next.Set("limit", strconv.Itoa(limit))
		nextURL := "http://" + r.Host + r.URL.Path + "?" + next.Encode()
		body, _ = sjson.SetBytes(body, "paging.next", nextURL)
	}
	return body
}

// reversed returns a reversed copy when the query asks for newest-first
// order.
func reversed(q url.Values, items [][]byte) [][]byte {
	if q.Get("reverse") != "True" {
		return items
	}
	out := make([][]byte, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out
}
