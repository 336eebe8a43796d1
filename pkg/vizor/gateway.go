package vizor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// relay domain for cloud-routed gateways
	cloudflowDomain = "cloudflow.vizor.io"
	// port of the on-premise gateway API
	localGatewayPort = "8000"
)

// Gateway is a handle on a gateway record, with the cloud-side event and
// status operations and media processing through the gateway's ingest
// endpoint.
type Gateway struct {
	*Entity

	localURL string
}

// Name returns the gateway's display name, or "" when unset.
func (g *Gateway) Name() string {
	n, _ := g.StringField("name")
	return n
}

// GetGateway fetches a gateway by gateway_id.
func (s *Session) GetGateway(ctx context.Context, gatewayID string) (*Gateway, error) {
	ent, err := s.fetchEntity(ctx, KindGateway, "/gateways/"+gatewayID, nil)
	if err != nil {
		return nil, err
	}
	return &Gateway{Entity: ent}, nil
}

// Gateways returns all gateways of the session's tenant.
func (s *Session) Gateways(ctx context.Context) ([]*Gateway, error) {
	ents, err := s.listEntities(ctx, "list gateways", KindGateway, "/tenants/"+s.cfg.TenantID+"/gateways", nil)
	if err != nil {
		return nil, err
	}
	gws := make([]*Gateway, len(ents))
	for i, ent := range ents {
		gws[i] = &Gateway{Entity: ent}
	}
	return gws, nil
}

func (g *Gateway) event(ctx context.Context, name string, payload any) error {
	_, err := g.sess.postJSON(ctx, "gateway "+name, "/gateways/"+g.ID()+"/event/"+name, payload)
	return err
}

// Reboot reboots the gateway.
func (g *Gateway) Reboot(ctx context.Context) error {
	return g.event(ctx, "reboot", nil)
}

// FactoryReset wipes the gateway. The gateway record is deleted by the
// platform as a result.
func (g *Gateway) FactoryReset(ctx context.Context) error {
	return g.event(ctx, "factory_reset", nil)
}

// Upgrade upgrades the gateway to the given software version.
func (g *Gateway) Upgrade(ctx context.Context, softwareVersion string) error {
	return g.event(ctx, "upgrade", map[string]any{"software_version": softwareVersion})
}

// SetBootSoftwareVersion pins the software version the gateway boots.
func (g *Gateway) SetBootSoftwareVersion(ctx context.Context, softwareVersion string) error {
	return g.event(ctx, "set_boot_software_version", map[string]any{"software_version": softwareVersion})
}

// Ping asks the gateway to report a status record with subsystem "ping".
func (g *Gateway) Ping(ctx context.Context, pingID string) error {
	payload := map[string]any{"timestamp": epochSeconds(time.Now())}
	if pingID != "" {
		payload["ping_id"] = pingID
	}
	return g.event(ctx, "ping", payload)
}

// TriggerCameraCapture triggers a camera capture application through its
// trigger subject.
func (g *Gateway) TriggerCameraCapture(ctx context.Context, subjectUID, triggerDomainUnit string) error {
	payload := map[string]any{"subject_uid": subjectUID}
	if triggerDomainUnit != "" {
		payload["trigger_domain_unit"] = triggerDomainUnit
	}
	return g.event(ctx, "trigger_camera_capture", payload)
}

// FlushUploadQueue flushes the gateway's upload queue, optionally
// bounded to a time window in seconds since epoch.
func (g *Gateway) FlushUploadQueue(ctx context.Context, start, end *float64) error {
	payload := map[string]any{}
	if start != nil {
		payload["start_time"] = *start
	}
	if end != nil {
		payload["end_time"] = *end
	}
	return g.event(ctx, "flush_upload_queue", payload)
}

// TimeBoundMediaUpload requests upload of the media captured between
// start and end, in seconds since epoch.
func (g *Gateway) TimeBoundMediaUpload(ctx context.Context, start, end float64) error {
	payload := map[string]any{"start_time": start, "end_time": end}
	return g.event(ctx, "time_bound_media_upload", payload)
}

// GatewayStatus is one status record reported by a gateway subsystem.
type GatewayStatus struct {
	Subsystem string         `json:"subsystem"`
	Timestamp float64        `json:"timestamp"`
	Status    map[string]any `json:"status"`
}

// StatusFilter narrows a gateway status listing.
type StatusFilter struct {
	// Start filters by timestamp > Start, seconds since epoch.
	Start *float64
	// End filters by timestamp < End.
	End *float64
	// Oldest flips the sort order to oldest first.
	Oldest bool
	// Limit caps the total number of records yielded.
	Limit int
}

// GatewayStatusIter walks a paged gateway status listing.
type GatewayStatusIter struct {
	p *pageIter
}

func (it *GatewayStatusIter) Next(ctx context.Context) bool { return it.p.Next(ctx) }
func (it *GatewayStatusIter) Err() error                    { return it.p.Err() }

// Record decodes the current status record.
func (it *GatewayStatusIter) Record() (GatewayStatus, error) {
	var rec GatewayStatus
	if err := json.Unmarshal([]byte(it.p.Item().Raw), &rec); err != nil {
		return GatewayStatus{}, fmt.Errorf("decoding gateway status: %w", err)
	}
	return rec, nil
}

// Status iterates the gateway's status records, newest first, optionally
// for a single subsystem.
func (g *Gateway) Status(subsystem string, filter StatusFilter) *GatewayStatusIter {
	q := url.Values{}
	if filter.Start != nil {
		q.Set("start", formatFloat(*filter.Start))
	}
	if filter.End != nil {
		q.Set("end", formatFloat(*filter.End))
	}
	if !filter.Oldest {
		q.Set("reverse", "True")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(min(filter.Limit, maxPageSize)))
	}
	statusPath := "/gateways/" + g.ID() + "/status"
	if subsystem != "" {
		statusPath += "/" + subsystem
	}
	first := statusPath + "?" + q.Encode()
	return &GatewayStatusIter{p: newPageIter(g.sess, "gateway status", first, filter.Limit)}
}

// LocalURL resolves the gateway's ingest endpoint: cloud-routed models
// are reached through the cloudflow relay, everything else through the
// wan0 address the gateway last reported. The result is cached on the
// handle.
func (g *Gateway) LocalURL(ctx context.Context) (string, error) {
	if g.localURL != "" {
		return g.localURL, nil
	}
	model, _ := g.StringField("model")
	if strings.Contains(strings.ToLower(model), "cf") {
		g.localURL = "https://" + g.ID() + "." + cloudflowDomain
		return g.localURL, nil
	}

	it := g.Status("ifconfig", StatusFilter{Limit: 1})
	for it.Next(ctx) {
		rec, err := it.Record()
		if err != nil {
			return "", err
		}
		wan, _ := rec.Status["wan0"].(map[string]any)
		ip, _ := wan["ip"].(string)
		if net.ParseIP(ip) != nil {
			g.localURL = "http://" + ip + ":" + localGatewayPort
			return g.localURL, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("gateway %s has not reported a usable wan0 address", g.ID())
}

// GatewayUpload describes a media item to process on a gateway.
// Filename must be a local path; URL sources cannot be ingested by a
// gateway.
type GatewayUpload struct {
	Filename string
	Reader   io.ReadSeeker

	ExternalMediaID string

	// MediaTimestamp is the media creation time in seconds since epoch.
	// Defaults to the file modification time, or the upload time when
	// reading from a Reader.
	MediaTimestamp float64

	DomainUnit string

	// PostURL receives the detections as a callback.
	PostURL string
}

func (up GatewayUpload) open() (io.ReadSeeker, func(), url.Values, error) {
	if isSourceURL(up.Filename) {
		return nil, nil, nil, fmt.Errorf("gateway media must be uploaded from local storage")
	}
	form := url.Values{}
	if up.ExternalMediaID != "" {
		form.Set("external_media_id", up.ExternalMediaID)
	}
	if up.MediaTimestamp != 0 {
		form.Set("media_timestamp", formatFloat(up.MediaTimestamp))
	}
	if up.DomainUnit != "" {
		form.Set("domain_unit", up.DomainUnit)
	}
	if up.PostURL != "" {
		form.Set("post_url", up.PostURL)
	}

	r := up.Reader
	closeFn := func() {}
	if r == nil {
		f, err := os.Open(up.Filename)
		if err != nil {
			return nil, nil, nil, err
		}
		if !form.Has("media_timestamp") {
			if fi, err := f.Stat(); err == nil {
				form.Set("media_timestamp", formatFloat(epochSeconds(fi.ModTime())))
			}
		}
		r = f
		closeFn = func() { f.Close() }
	} else if !form.Has("media_timestamp") {
		form.Set("media_timestamp", formatFloat(epochSeconds(time.Now())))
	}
	return r, closeFn, form, nil
}

// ProcessMedia uploads media to the gateway's ingest endpoint through
// the session and returns the resulting detections.
func (g *Gateway) ProcessMedia(ctx context.Context, subjectUID string, up GatewayUpload) ([]Detection, error) {
	prefix, err := g.LocalURL(ctx)
	if err != nil {
		return nil, err
	}
	r, closeFn, form, err := up.open()
	if err != nil {
		return nil, err
	}
	defer closeFn()
	contentType := sniffContentType(r)

	var body []byte
	err = g.sess.withRetry(ctx, "process media", func() error {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return err
		}
		resp, err := g.sess.request(ctx, reqOptions{
			method: http.MethodPost,
			path:   prefix + "/1/process/" + subjectUID,
			form:   form,
			files: []filePart{{
				param:       "file",
				fileName:    filepath.Base(up.Filename),
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
	return parseDetections(body)
}

// LocalGateway is a direct, unauthenticated client for the API a gateway
// serves on the local network. Use it when no platform session is
// available; with a session, Gateway.ProcessMedia reaches the same
// endpoint.
type LocalGateway struct {
	base      string
	rest      *resty.Client
	log       zerolog.Logger
	retryBase time.Duration
}

// NewLocalGateway connects to the gateway at urlPrefix, or at
// VIZOR_GW_URL_PREFIX when the environment overrides it. Credential
// options are ignored; timeout, logger and retry options apply.
func NewLocalGateway(urlPrefix string, opts ...Option) (*LocalGateway, error) {
	cfg := &Config{
		Timeout:        defaultTimeout,
		RetryBaseDelay: defaultRetryBaseDelay,
		Logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if v := os.Getenv(EnvGatewayURLPrefix); v != "" {
		urlPrefix = v
	}
	if urlPrefix == "" {
		return nil, fmt.Errorf("no gateway url prefix specified")
	}

	lg := &LocalGateway{
		base:      strings.TrimSuffix(urlPrefix, "/"),
		log:       cfg.Logger.With().Str("component", "vizor-gateway").Logger(),
		retryBase: cfg.RetryBaseDelay,
	}
	lg.rest = resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(transportRetries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil
		}).
		SetHeader("User-Agent", userAgent).
		SetLogger(restyLogger{lg.log})
	return lg, nil
}

func (lg *LocalGateway) do(ctx context.Context, op, method, pth string, form url.Values, files []filePart) ([]byte, error) {
	var body []byte
	err := withBackoff(ctx, lg.log, lg.retryBase, op, func() error {
		req := lg.rest.R().SetContext(ctx)
		if form != nil {
			req.SetFormDataFromValues(form)
		}
		for _, f := range files {
			if seeker, ok := f.reader.(io.Seeker); ok {
				if _, err := seeker.Seek(0, io.SeekStart); err != nil {
					return err
				}
			}
			req.SetMultipartField(f.param, f.fileName, f.contentType, f.reader)
		}
		resp, err := req.Execute(method, lg.base+pth)
		if err != nil {
			return connectionError(err)
		}
		if err := classifyStatus(resp.StatusCode(), resp.Body()); err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	return body, err
}

// ProcessMedia uploads media to the gateway and returns the resulting
// detections.
func (lg *LocalGateway) ProcessMedia(ctx context.Context, subjectUID string, up GatewayUpload) ([]Detection, error) {
	r, closeFn, form, err := up.open()
	if err != nil {
		return nil, err
	}
	defer closeFn()
	contentType := sniffContentType(r)

	body, err := lg.do(ctx, "process media", http.MethodPost, "/1/process/"+subjectUID, form, []filePart{{
		param:       "file",
		fileName:    filepath.Base(up.Filename),
		contentType: contentType,
		reader:      r,
	}})
	if err != nil {
		return nil, err
	}
	return parseDetections(body)
}

// Version reports the gateway's software version information.
func (lg *LocalGateway) Version(ctx context.Context) (map[string]any, error) {
	body, err := lg.do(ctx, "gateway version", http.MethodGet, "/1/version", nil, nil)
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding gateway version: %w", err)
	}
	return info, nil
}

// parseDetections accepts either a bare list or a detections envelope.
func parseDetections(body []byte) ([]Detection, error) {
	raw := gjson.ParseBytes(body)
	items := raw.Get("detections")
	if !items.Exists() && raw.IsArray() {
		items = raw
	}
	var out []Detection
	for _, it := range items.Array() {
		var d Detection
		if err := json.Unmarshal([]byte(it.Raw), &d); err != nil {
			return nil, fmt.Errorf("decoding detection: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}
