package vizor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// Media is a handle on a media record.
type Media struct {
	*Entity
}

// MediaRef identifies a media item by handle or by bare media_id.
type MediaRef interface {
	mediaID() string
}

type mediaIDRef string

func (r mediaIDRef) mediaID() string { return string(r) }

// MediaID references a media item by its identifier.
func MediaID(id string) MediaRef { return mediaIDRef(id) }

// Ref returns a MediaRef for this media item.
func (m *Media) Ref() MediaRef { return mediaIDRef(m.ID()) }

// GetMedia fetches a media record by media_id.
func (s *Session) GetMedia(ctx context.Context, mediaID string) (*Media, error) {
	ent, err := s.fetchEntity(ctx, KindMedia, "/media/"+mediaID, nil)
	if err != nil {
		return nil, err
	}
	return &Media{ent}, nil
}

// MediaSearch selects exactly one search criterion.
type MediaSearch struct {
	MD5             string
	Filename        string
	ExternalMediaID string
	DomainUnit      string

	// Limit caps the total result count.
	Limit int
}

func (q MediaSearch) criterion() (key, value string, err error) {
	set := 0
	for _, c := range []struct{ k, v string }{
		{"md5", q.MD5},
		{"filename", q.Filename},
		{"external_media_id", q.ExternalMediaID},
		{"domain_unit", q.DomainUnit},
	} {
		if c.v != "" {
			key, value = c.k, c.v
			set++
		}
	}
	if set != 1 {
		return "", "", fmt.Errorf("media search requires exactly one of MD5, Filename, ExternalMediaID, or DomainUnit")
	}
	return key, value, nil
}

// SearchMedia finds media in the session's tenant by md5, original
// filename, external id, or domain unit. Results are gathered across
// cursor pages up to Limit.
func (s *Session) SearchMedia(ctx context.Context, search MediaSearch) ([]*Media, error) {
	key, value, err := search.criterion()
	if err != nil {
		return nil, err
	}

	pageLimit := maxPageSize
	if search.Limit > 0 && search.Limit < maxPageSize {
		pageLimit = search.Limit
	}

	var matches []*Media
	lastKey := ""
	for {
		q := url.Values{}
		q.Set(key, value)
		q.Set("limit", strconv.Itoa(pageLimit))
		if lastKey != "" {
			q.Set("last_key", lastKey)
		}
		body, err := s.getJSON(ctx, "search media", "/media/all/search", q)
		if err != nil {
			return nil, err
		}
		lastKey = gjson.GetBytes(body, "last_key").String()
		for _, it := range gjson.GetBytes(body, "data").Array() {
			ent, err := newEntity(s, KindMedia, []byte(it.Raw))
			if err != nil {
				return nil, err
			}
			matches = append(matches, &Media{ent})
			if search.Limit > 0 && len(matches) == search.Limit {
				return matches, nil
			}
		}
		if lastKey == "" {
			return matches, nil
		}
	}
}

// Detection is one user or model judgement on a subject-media
// association.
type Detection struct {
	DetectionID string  `json:"detection_id"`
	SubjectUID  string  `json:"subject_uid"`
	UserID      string  `json:"user_id"`
	ModelID     string  `json:"model_id"`
	AppID       string  `json:"app_id"`
	UncalProb   float64 `json:"uncal_prob"`
	Timestamp   float64 `json:"timestamp"`
	PrevProb    float64 `json:"prev_prob"`
	Probability float64 `json:"probability"`
	AppDataType string  `json:"app_data_type"`
	AppData     any     `json:"app_data"`
}

// Detections returns the detections recorded for this media item. A
// non-empty waitCaptureID blocks until the detections resulting from
// that capture are available.
func (m *Media) Detections(ctx context.Context, waitCaptureID string) ([]Detection, error) {
	var q url.Values
	if waitCaptureID != "" {
		q = url.Values{"wait_capture_id": {waitCaptureID}}
	}
	body, err := m.sess.getJSON(ctx, "get detections", "/media/"+m.ID()+"/detections", q)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding detections: %w", err)
	}
	return envelope.Detections, nil
}

// SubjectAssociations returns the subject associations of this media
// item.
func (m *Media) SubjectAssociations(ctx context.Context) ([]Association, error) {
	body, err := m.sess.getJSON(ctx, "get media subjects", "/media/"+m.ID()+"/subjects", nil)
	if err != nil {
		return nil, err
	}
	var assocs []Association
	for _, it := range gjson.GetBytes(body, "data").Array() {
		var a Association
		if err := json.Unmarshal([]byte(it.Raw), &a); err != nil {
			return nil, fmt.Errorf("decoding association: %w", err)
		}
		assocs = append(assocs, a)
	}
	return assocs, nil
}

// Download returns the media content.
func (m *Media) Download(ctx context.Context) ([]byte, error) {
	var buf writeBuffer
	if err := m.DownloadTo(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// DownloadTo streams the media content into w. When w is an io.Seeker it
// is rewound before each retry attempt; otherwise a mid-stream failure
// surfaces without retrying.
func (m *Media) DownloadTo(ctx context.Context, w io.Writer) error {
	mediaURL, err := m.StringField("media_url")
	if err != nil {
		return err
	}
	wrote := false
	return m.sess.withRetry(ctx, "download media", func() error {
		if wrote {
			seeker, ok := w.(io.Seeker)
			if !ok {
				return fmt.Errorf("cannot retry download into unseekable writer")
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		resp, err := m.sess.request(ctx, reqOptions{method: http.MethodGet, path: mediaURL, stream: true})
		if err != nil {
			return err
		}
		defer resp.RawBody().Close()
		wrote = true
		if _, err := io.Copy(w, resp.RawBody()); err != nil {
			return connectionError(err)
		}
		return nil
	})
}

// writeBuffer collects Download output and satisfies io.Seeker so the
// retry path can restart it.
type writeBuffer struct {
	b []byte
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *writeBuffer) Seek(offset int64, whence int) (int64, error) {
	w.b = w.b[:0]
	return 0, nil
}
