package vizor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/tidwall/gjson"
)

// Application is a handle on an application record.
type Application struct {
	*Entity
}

// Name returns the application's display name, or "" when unset.
func (a *Application) Name() string {
	n, _ := a.StringField("name")
	return n
}

// ApplicationOptions carries the optional fields of CreateApplication.
type ApplicationOptions struct {
	Description string

	// Inactive creates the application in the stopped state.
	Inactive bool

	InputSubjects  []SubjectRef
	OutputSubjects []SubjectRef
}

// CreateApplication creates a new application of the given type in the
// session's tenant.
func (s *Session) CreateApplication(ctx context.Context, name, applicationType string, opts *ApplicationOptions) (*Application, error) {
	if opts == nil {
		opts = &ApplicationOptions{}
	}
	payload := map[string]any{
		"name":   name,
		"type":   applicationType,
		"active": !opts.Inactive,
	}
	if opts.Description != "" {
		payload["description"] = opts.Description
	}
	if len(opts.InputSubjects) > 0 {
		payload["input_subjects"] = subjectUIDs(opts.InputSubjects)
	}
	if len(opts.OutputSubjects) > 0 {
		payload["output_subjects"] = subjectUIDs(opts.OutputSubjects)
	}
	ent, err := s.createEntity(ctx, KindApplication, "/applications", payload)
	if err != nil {
		return nil, err
	}
	return &Application{ent}, nil
}

func subjectUIDs(refs []SubjectRef) []string {
	uids := make([]string, len(refs))
	for i, r := range refs {
		uids[i] = r.subjectUID()
	}
	return uids
}

// GetApplication fetches an application by application_id.
func (s *Session) GetApplication(ctx context.Context, applicationID string) (*Application, error) {
	ent, err := s.fetchEntity(ctx, KindApplication, "/applications/"+applicationID, nil)
	if err != nil {
		return nil, err
	}
	return &Application{ent}, nil
}

// Applications returns all applications of the session's tenant.
func (s *Session) Applications(ctx context.Context) ([]*Application, error) {
	ents, err := s.listEntities(ctx, "list applications", KindApplication, "/tenants/"+s.cfg.TenantID+"/applications", nil)
	if err != nil {
		return nil, err
	}
	apps := make([]*Application, len(ents))
	for i, ent := range ents {
		apps[i] = &Application{ent}
	}
	return apps, nil
}

// AddInputSubject appends a subject to the application's inputs and
// persists the change.
func (a *Application) AddInputSubject(ctx context.Context, subject SubjectRef) error {
	return a.appendSubject(ctx, "input_subjects", subject)
}

// AddOutputSubject appends a subject to the application's outputs and
// persists the change.
func (a *Application) AddOutputSubject(ctx context.Context, subject SubjectRef) error {
	return a.appendSubject(ctx, "output_subjects", subject)
}

func (a *Application) appendSubject(ctx context.Context, field string, subject SubjectRef) error {
	current, err := a.Field(field)
	if err != nil && !errors.Is(err, ErrFieldNotFound) {
		return err
	}
	var uids []string
	switch t := current.(type) {
	case nil:
	case []any:
		for _, v := range t {
			uid, ok := v.(string)
			if !ok {
				return fmt.Errorf("application %s holds %T, not subject uids", field, v)
			}
			uids = append(uids, uid)
		}
	case []string:
		uids = t
	default:
		return fmt.Errorf("application %s holds %T, not subject uids", field, current)
	}
	return a.Set(ctx, field, append(uids, subject.subjectUID()))
}

// PendingFeedback returns the number of feedback requests pending for
// the application. Useful for throttling input flow before a backlog
// builds up.
func (a *Application) PendingFeedback(ctx context.Context) (int, error) {
	body, err := a.sess.getJSON(ctx, "pending feedback", "/applications/"+a.ID()+"/feedback/pending", nil)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(body, "pending").Int()), nil
}

// Feedback returns up to limit feedback request messages for the
// application. limit defaults to 10.
func (a *Application) Feedback(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	body, err := a.sess.getJSON(ctx, "get feedback", "/applications/"+a.ID()+"/feedback", q)
	if err != nil {
		return nil, err
	}
	var requests []map[string]any
	if err := json.Unmarshal(body, &requests); err != nil {
		return nil, fmt.Errorf("decoding feedback requests: %w", err)
	}
	return requests, nil
}

// FeedbackOptions carries the optional app data of PostFeedback.
type FeedbackOptions struct {
	AppDataType string
	AppData     any
}

// PostFeedback answers a feedback request for a subject-media
// association. result must be one of the configured feedback labels.
func (a *Application) PostFeedback(ctx context.Context, subject SubjectRef, media MediaRef, result string, opts *FeedbackOptions) error {
	if opts == nil {
		opts = &FeedbackOptions{}
	}
	cfg := a.sess.cfg
	if !cfg.validFeedbackLabel(result) {
		return fmt.Errorf("feedback result %q is not in the vocabulary %v", result, cfg.FeedbackLabels)
	}
	payload := map[string]any{
		"media_id": media.mediaID(),
		"subjects": []map[string]any{{
			"subject_uid":   subject.subjectUID(),
			"media_id":      media.mediaID(),
			"result":        result,
			"app_data_type": nullableString(opts.AppDataType),
			"app_data":      opts.AppData,
		}},
	}
	_, err := a.sess.postJSON(ctx, "post feedback", "/applications/"+a.ID()+"/feedback", payload)
	return err
}

// ModelName returns the name of the application's current best model.
func (a *Application) ModelName(ctx context.Context) (string, error) {
	ccpURL, err := a.modelURL(ctx)
	if err != nil {
		return "", err
	}
	return path.Base(ccpURL), nil
}

// DownloadModel streams the application's current best model into w and
// returns the model name.
func (a *Application) DownloadModel(ctx context.Context, w io.Writer) (string, error) {
	ccpURL, err := a.modelURL(ctx)
	if err != nil {
		return "", err
	}
	name := path.Base(ccpURL)
	err = a.sess.withRetry(ctx, "download model", func() error {
		resp, err := a.sess.request(ctx, reqOptions{method: http.MethodGet, path: ccpURL, stream: true})
		if err != nil {
			return err
		}
		defer resp.RawBody().Close()
		if _, err := io.Copy(w, resp.RawBody()); err != nil {
			return connectionError(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (a *Application) modelURL(ctx context.Context) (string, error) {
	body, err := a.sess.getJSON(ctx, "get model url", "/applications/"+a.ID()+"/ccp", nil)
	if err != nil {
		return "", err
	}
	ccpURL := gjson.GetBytes(body, "best_model_ccp_url").String()
	if ccpURL == "" {
		return "", fmt.Errorf("application %s has no released model", a.ID())
	}
	return ccpURL, nil
}

// MediaAssociations iterates the application's media associations,
// sorted by last update time, newest first.
//
// Valid Consensus filters are the configured feedback labels. OnlyUser
// and OnlyModel restrict results to user or model detections;
// SortByProbability and FullMedia are not supported here.
func (a *Application) MediaAssociations(filter AssociationFilter) *AssociationIter {
	cfg := a.sess.cfg
	if filter.Consensus != "" && !cfg.validFeedbackLabel(filter.Consensus) {
		return &AssociationIter{p: failedIter(fmt.Errorf(
			"consensus filter %q is not in the vocabulary %v", filter.Consensus, cfg.FeedbackLabels))}
	}
	first := "/applications/" + a.ID() + "/media?" + filter.query().Encode()
	return &AssociationIter{p: newPageIter(a.sess, "application media associations", first, filter.Limit)}
}
