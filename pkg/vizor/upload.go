package vizor

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/tidwall/gjson"
)

const (
	// uploads above this size go through the resumable chunk protocol
	resumableThreshold = 12 * 1024 * 1024

	// block size for the streaming md5 of large files
	md5ReadBlock = 8 * 1024 * 1024

	// bytes needed by the content type sniffer
	sniffLen = 262
)

// MediaUpload describes a new media item. Filename may be a local path,
// opened by CreateMedia when Reader is nil, or an http(s) URL the
// platform ingests server-side. All other fields are optional metadata.
type MediaUpload struct {
	Filename string
	Reader   io.ReadSeeker

	MetaTags []string

	// ForceSet pins the media to the "training" or "validation" set.
	ForceSet      string
	SetAssignment string

	ExternalMediaID    string
	OriginalURL        string
	OriginalLandingURL string
	License            string
	AuthorProfileURL   string
	Author             string
	Title              string

	// MediaTimestamp is the media creation time in seconds since epoch.
	// Defaults to the file modification time, or the upload time when
	// reading from a Reader.
	MediaTimestamp float64

	// DomainUnit groups media of the same physical thing so they land in
	// the same training or validation set.
	DomainUnit string

	TriggerID  string
	SequenceIx *int
	CustomData string
}

func (up MediaUpload) args() map[string]any {
	args := map[string]any{}
	if len(up.MetaTags) > 0 {
		args["meta_tags"] = up.MetaTags
	}
	set := func(key, val string) {
		if val != "" {
			args[key] = val
		}
	}
	set("force_set", up.ForceSet)
	set("set_assignment", up.SetAssignment)
	set("external_media_id", up.ExternalMediaID)
	set("original_url", up.OriginalURL)
	set("original_landing_url", up.OriginalLandingURL)
	set("license", up.License)
	set("author_profile_url", up.AuthorProfileURL)
	set("author", up.Author)
	set("title", up.Title)
	set("domain_unit", up.DomainUnit)
	set("trigger_id", up.TriggerID)
	set("custom_data", up.CustomData)
	if up.MediaTimestamp != 0 {
		args["media_timestamp"] = up.MediaTimestamp
	}
	if up.SequenceIx != nil {
		args["sequence_ix"] = *up.SequenceIx
	}
	return args
}

func isSourceURL(filename string) bool {
	return strings.HasPrefix(filename, "http://") || strings.HasPrefix(filename, "https://")
}

// CreateMedia uploads a new media item and returns its record.
//
// URL sources are ingested by the platform directly. Local payloads at
// most 12 MiB go up in a single multipart request; anything larger goes
// through the resumable upload protocol, chunked at the size the
// platform chooses.
func (s *Session) CreateMedia(ctx context.Context, up MediaUpload) (*Media, error) {
	args := up.args()

	if isSourceURL(up.Filename) {
		args["source_url"] = up.Filename
		var body []byte
		err := s.withRetry(ctx, "create media", func() error {
			resp, err := s.request(ctx, reqOptions{
				method: http.MethodPost,
				path:   "/media",
				form:   uploadForm(args),
			})
			if err != nil {
				return err
			}
			body = resp.Body()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return mediaFromBody(s, body)
	}

	r := up.Reader
	if r == nil {
		f, err := os.Open(up.Filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if _, ok := args["media_timestamp"]; !ok {
			if fi, err := f.Stat(); err == nil {
				args["media_timestamp"] = epochSeconds(fi.ModTime())
			}
		}
		r = f
	} else if _, ok := args["media_timestamp"]; !ok {
		args["media_timestamp"] = epochSeconds(time.Now())
	}

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if size > resumableThreshold {
		return s.uploadResumable(ctx, up.Filename, r, size, args)
	}
	return s.uploadDirect(ctx, up.Filename, r, args)
}

func (s *Session) uploadDirect(ctx context.Context, filename string, r io.ReadSeeker, args map[string]any) (*Media, error) {
	contentType := sniffContentType(r)
	form := uploadForm(args)

	var body []byte
	err := s.withRetry(ctx, "create media", func() error {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return err
		}
		resp, err := s.request(ctx, reqOptions{
			method: http.MethodPost,
			path:   "/media",
			form:   form,
			files: []filePart{{
				param:       "file",
				fileName:    filepath.Base(filename),
				contentType: contentType,
				reader:      r,
			}},
		})
		if err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mediaFromBody(s, body)
}

// uploadResumable drives the three-phase protocol: start announces size
// and md5 and yields a session id and chunk size, transfer sends the
// chunks strictly in order numbered from 1, and finish carries the user
// metadata and returns the media record. Each phase retries
// independently; a failed chunk is resent from memory.
func (s *Session) uploadResumable(ctx context.Context, filename string, r io.ReadSeeker, size int64, args map[string]any) (*Media, error) {
	sum, err := md5Hex(r)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	body, err := s.postJSON(ctx, "start resumable upload", "/media/resumable", map[string]any{
		"upload_phase": "start",
		"file_size":    size,
		"filename":     filepath.Base(filename),
		"md5":          sum,
	})
	if err != nil {
		return nil, err
	}
	sessionID := gjson.GetBytes(body, "upload_session_id").String()
	chunkSize := gjson.GetBytes(body, "chunk_size").Int()
	if sessionID == "" || chunkSize <= 0 {
		return nil, fmt.Errorf("malformed resumable upload session: %s", body)
	}
	s.log.Debug().
		Str("upload_session_id", sessionID).
		Int64("chunk_size", chunkSize).
		Int64("file_size", size).
		Msg("resumable upload started")

	buf := make([]byte, chunkSize)
	for chunkNo := 1; ; chunkNo++ {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		if err := s.uploadChunk(ctx, sessionID, chunkNo, buf[:n]); err != nil {
			return nil, err
		}
	}

	finish := map[string]any{
		"upload_phase":      "finish",
		"upload_session_id": sessionID,
	}
	for k, v := range args {
		finish[k] = v
	}
	body, err = s.postJSON(ctx, "finish resumable upload", "/media/resumable", finish)
	if err != nil {
		return nil, err
	}
	return mediaFromBody(s, body)
}

func (s *Session) uploadChunk(ctx context.Context, sessionID string, chunkNo int, chunk []byte) error {
	form := url.Values{
		"upload_phase":        {"transfer"},
		"upload_session_id":   {sessionID},
		"video_file_chunk_no": {strconv.Itoa(chunkNo)},
	}
	return s.withRetry(ctx, "transfer upload chunk", func() error {
		_, err := s.request(ctx, reqOptions{
			method: http.MethodPost,
			path:   "/media/resumable",
			form:   form,
			files: []filePart{{
				param:       "file",
				fileName:    "file",
				contentType: "application/octet-stream",
				reader:      bytes.NewReader(chunk),
			}},
		})
		return err
	})
}

func mediaFromBody(s *Session, body []byte) (*Media, error) {
	ent, err := newEntity(s, KindMedia, body)
	if err != nil {
		return nil, err
	}
	return &Media{ent}, nil
}

// uploadForm renders the metadata args as form values. List values
// repeat the field.
func uploadForm(args map[string]any) url.Values {
	v := url.Values{}
	for key, val := range args {
		switch t := val.(type) {
		case []string:
			for _, item := range t {
				v.Add(key, item)
			}
		case string:
			v.Set(key, t)
		case float64:
			v.Set(key, formatFloat(t))
		case int:
			v.Set(key, strconv.Itoa(t))
		case bool:
			v.Set(key, pyBool(t))
		default:
			v.Set(key, fmt.Sprint(t))
		}
	}
	return v
}

func sniffContentType(r io.ReadSeeker) string {
	defer r.Seek(0, io.SeekStart)
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "application/octet-stream"
	}
	if t, err := filetype.Match(head[:n]); err == nil && t != filetype.Unknown {
		return t.MIME.Value
	}
	return "application/octet-stream"
}

// md5Hex computes the hex md5 of r in fixed-size blocks so very large
// files never load fully into memory.
func md5Hex(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.CopyBuffer(h, r, make([]byte, md5ReadBlock)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
