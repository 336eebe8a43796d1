package vizortest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// multipart parse ceiling, large enough for the biggest direct upload
const maxUploadMemory = 64 << 20

type uploadSession struct {
	id       string
	filename string
	fileSize int64
	md5      string
	next     int
	data     []byte
}

type modelBlob struct {
	name string
	data []byte
}

// MediaBlob returns the stored content of a media item, or nil.
func (s *Server) MediaBlob(mediaID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[mediaID]
}

// SetModel publishes a released model for an application. The ccp
// endpoint hands out its download URL afterwards.
func (s *Server) SetModel(applicationID, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[applicationID] = modelBlob{name: name, data: data}
}

// SeedDetection attaches a detection record to a media item and returns
// its id.
func (s *Server) SeedDetection(mediaID string, det map[string]any) string {
	id := newID("det")
	rec := map[string]any{
		"detection_id": id,
		"timestamp":    epoch(time.Now()),
	}
	for k, v := range det {
		rec[k] = v
	}
	b, _ := json.Marshal(rec)
	s.st.put("det:"+mediaID, id, b)
	return id
}

func (s *Server) createMedia(w http.ResponseWriter, r *http.Request) {
	var (
		data     []byte
		filename string
		hasFile  bool
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if file, header, err := r.FormFile("file"); err == nil {
			defer file.Close()
			data, err = io.ReadAll(file)
			if err != nil {
				writeErr(w, http.StatusBadRequest, "reading file part")
				return
			}
			filename = header.Filename
			hasFile = true
		}
	} else if err := r.ParseForm(); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed form body")
		return
	}

	args := formArgs(r.Form)
	if hasFile {
		writeRaw(w, http.StatusOK, s.storeMedia(r, filename, data, args))
		return
	}
	sourceURL := r.FormValue("source_url")
	if sourceURL == "" {
		writeErr(w, http.StatusBadRequest, "file or source_url required")
		return
	}
	writeRaw(w, http.StatusOK, s.storeSourceMedia(r, sourceURL, args))
}

// storeMedia creates a media record backed by uploaded bytes and keeps
// the content for the download endpoint.
func (s *Server) storeMedia(r *http.Request, filename string, data []byte, args map[string]any) []byte {
	id := newID("med")
	sum := md5.Sum(data)
	rec := s.baseMediaRecord(r, id, args)
	rec["status"] = "completed"
	rec["filename"] = filename
	rec["size"] = len(data)
	rec["md5"] = hex.EncodeToString(sum[:])
	rec["media_format"] = strings.TrimPrefix(filepath.Ext(filename), ".")

	s.mu.Lock()
	s.blobs[id] = data
	s.mu.Unlock()

	b, _ := json.Marshal(rec)
	s.st.put("media", id, b)
	return b
}

// storeSourceMedia creates a media record for a URL the platform would
// ingest asynchronously, so the record starts out pending.
func (s *Server) storeSourceMedia(r *http.Request, sourceURL string, args map[string]any) []byte {
	id := newID("med")
	rec := s.baseMediaRecord(r, id, args)
	rec["status"] = "pending"
	rec["original_url"] = sourceURL
	rec["filename"] = path.Base(sourceURL)

	b, _ := json.Marshal(rec)
	s.st.put("media", id, b)
	return b
}

func (s *Server) baseMediaRecord(r *http.Request, id string, args map[string]any) map[string]any {
	now := epoch(time.Now())
	rec := map[string]any{
		"media_id":         id,
		"tenant_id":        tenantFromContext(r.Context()),
		"uploaded_by_user": s.Username,
		"media_url":        "http://" + r.Host + "/1/media/" + id + "/download",
		"created_at":       now,
		"created_by":       s.Username,
		"modified_at":      now,
		"modified_by":      s.Username,
	}
	for k, v := range args {
		rec[k] = v
	}
	if _, ok := rec["media_timestamp"]; !ok {
		rec["media_timestamp"] = now
	}
	return rec
}

// formArgs lifts the metadata fields of an upload form into record
// values, parsing the numeric ones.
func formArgs(form url.Values) map[string]any {
	args := map[string]any{}
	for key, vals := range form {
		if len(vals) == 0 {
			continue
		}
		switch key {
		case "source_url", "upload_phase", "upload_session_id", "video_file_chunk_no":
		case "meta_tags":
			args[key] = vals
		case "media_timestamp":
			if f, err := strconv.ParseFloat(vals[0], 64); err == nil {
				args[key] = f
			}
		case "sequence_ix":
			if n, err := strconv.Atoi(vals[0]); err == nil {
				args[key] = n
			}
		default:
			args[key] = vals[0]
		}
	}
	return args
}

// resumableMedia dispatches the three phases of the resumable upload
// protocol: start and finish arrive as JSON, transfer as multipart.
func (s *Server) resumableMedia(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed request body")
			return
		}
		switch body["upload_phase"] {
		case "start":
			s.startUpload(w, body)
		case "finish":
			s.finishUpload(w, r, body)
		default:
			writeErr(w, http.StatusBadRequest, "unknown upload phase")
		}
		return
	}
	s.transferChunk(w, r)
}

func (s *Server) startUpload(w http.ResponseWriter, body map[string]any) {
	size, _ := body["file_size"].(float64)
	filename, _ := body["filename"].(string)
	sum, _ := body["md5"].(string)
	if size <= 0 || filename == "" || sum == "" {
		writeErr(w, http.StatusBadRequest, "malformed start request")
		return
	}
	up := &uploadSession{
		id:       newID("ups"),
		filename: filename,
		fileSize: int64(size),
		md5:      sum,
	}
	s.mu.Lock()
	s.uploads[up.id] = up
	s.phases = append(s.phases, "start")
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"upload_session_id": up.id,
		"chunk_size":        s.ChunkSize,
	})
}

// transferChunk accepts the next chunk of an open upload session. Chunks
// must arrive strictly in order, numbered from 1.
func (s *Server) transferChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	if r.FormValue("upload_phase") != "transfer" {
		writeErr(w, http.StatusBadRequest, "unknown upload phase")
		return
	}
	chunkNo, err := strconv.Atoi(r.FormValue("video_file_chunk_no"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "malformed chunk number")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "missing chunk part")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "reading chunk part")
		return
	}

	sessionID := r.FormValue("upload_session_id")
	s.mu.Lock()
	up := s.uploads[sessionID]
	if up == nil {
		s.mu.Unlock()
		writeErr(w, http.StatusNotFound, "unknown upload session")
		return
	}
	if chunkNo != up.next+1 {
		s.mu.Unlock()
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("chunk %d out of order, want %d", chunkNo, up.next+1))
		return
	}
	up.next = chunkNo
	up.data = append(up.data, data...)
	s.phases = append(s.phases, "transfer "+strconv.Itoa(chunkNo))
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{})
}

// finishUpload closes the session, verifies size and md5, and creates
// the media record from the assembled bytes plus the metadata carried by
// the finish request.
func (s *Server) finishUpload(w http.ResponseWriter, r *http.Request, body map[string]any) {
	sessionID, _ := body["upload_session_id"].(string)
	s.mu.Lock()
	up := s.uploads[sessionID]
	if up != nil {
		delete(s.uploads, sessionID)
		s.phases = append(s.phases, "finish")
	}
	s.mu.Unlock()
	if up == nil {
		writeErr(w, http.StatusNotFound, "unknown upload session")
		return
	}
	if int64(len(up.data)) != up.fileSize {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("incomplete upload: %d of %d bytes", len(up.data), up.fileSize))
		return
	}
	sum := md5.Sum(up.data)
	if hex.EncodeToString(sum[:]) != up.md5 {
		writeErr(w, http.StatusBadRequest, "md5 mismatch")
		return
	}

	args := map[string]any{}
	for k, v := range body {
		if k != "upload_phase" && k != "upload_session_id" {
			args[k] = v
		}
	}
	writeRaw(w, http.StatusOK, s.storeMedia(r, up.filename, up.data, args))
}

// searchMedia serves the cursor-paged media search: matches on a single
// criterion, pages through last_key.
func (s *Server) searchMedia(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var key, val string
	for _, k := range []string{"md5", "filename", "external_media_id", "domain_unit"} {
		if v := q.Get(k); v != "" {
			key, val = k, v
			break
		}
	}
	if key == "" {
		writeErr(w, http.StatusBadRequest, "missing search criterion")
		return
	}

	var matches [][]byte
	for _, rec := range s.st.list("media") {
		if gjson.GetBytes(rec, key).String() == val {
			matches = append(matches, rec)
		}
	}

	start := 0
	if lastKey := q.Get("last_key"); lastKey != "" {
		for i, rec := range matches {
			if jsonField(rec, "media_id") == lastKey {
				start = i + 1
				break
			}
		}
	}
	limit := intParam(q, "limit", maxPageLimit)
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	end := start + limit
	if end > len(matches) {
		end = len(matches)
	}

	body := listEnvelope(matches[start:end])
	if end < len(matches) && end > start {
		body, _ = sjson.SetBytes(body, "last_key", jsonField(matches[end-1], "media_id"))
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) getDetections(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.st.get("media", id); !ok {
		writeErr(w, http.StatusNotFound, "media record not found")
		return
	}
	body := []byte(`{"detections":[]}`)
	for _, rec := range s.st.list("det:" + id) {
		body, _ = sjson.SetRawBytes(body, "detections.-1", rec)
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) mediaSubjects(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.st.get("media", id); !ok {
		writeErr(w, http.StatusNotFound, "media record not found")
		return
	}
	writeRaw(w, http.StatusOK, listEnvelope(s.st.list("massoc:"+id)))
}

func (s *Server) downloadMedia(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.blobs[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeErr(w, http.StatusNotFound, "media content not found")
		return
	}
	writeBlob(w, "application/octet-stream", data)
}

func (s *Server) getCCP(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	if _, ok := s.st.get("applications", appID); !ok {
		writeErr(w, http.StatusNotFound, "applications record not found")
		return
	}
	s.mu.Lock()
	m, ok := s.models[appID]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"best_model_ccp_url": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"best_model_ccp_url": "http://" + r.Host + "/1/models/" + m.name,
	})
}

func (s *Server) downloadModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.models {
		if m.name == name {
			writeBlob(w, "application/octet-stream", m.data)
			return
		}
	}
	writeErr(w, http.StatusNotFound, "model not found")
}
