package vizor

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// uncal_prob sent when associating with no consensus and no explicit
// probability
const defaultUncalProb = 0.99

// Subject is a handle on a subject record.
type Subject struct {
	*Entity
}

// UID returns the subject's unique identifier.
func (s *Subject) UID() string { return s.ID() }

// Name returns the subject's display name, or "" when unset.
func (s *Subject) Name() string {
	n, _ := s.StringField("name")
	return n
}

// SubjectRef identifies a subject by handle or by bare subject_uid.
type SubjectRef interface {
	subjectUID() string
}

type subjectUIDRef string

func (r subjectUIDRef) subjectUID() string { return string(r) }

// SubjectUID references a subject by its identifier.
func SubjectUID(uid string) SubjectRef { return subjectUIDRef(uid) }

// Ref returns a SubjectRef for this subject.
func (s *Subject) Ref() SubjectRef { return subjectUIDRef(s.ID()) }

// SubjectOptions carries the optional fields of CreateSubject.
type SubjectOptions struct {
	Description string

	// PublicRead lets other tenants use media associated with the subject.
	PublicRead bool

	// PublicWrite lets other tenants associate new media with the
	// subject. It implies PublicRead.
	PublicWrite bool
}

// CreateSubject creates a new subject in the session's tenant.
func (s *Session) CreateSubject(ctx context.Context, name string, opts *SubjectOptions) (*Subject, error) {
	if opts == nil {
		opts = &SubjectOptions{}
	}
	publicRead := opts.PublicRead
	if opts.PublicWrite {
		publicRead = true
	}
	payload := map[string]any{
		"name":         name,
		"public_read":  publicRead,
		"public_write": opts.PublicWrite,
	}
	if opts.Description != "" {
		payload["description"] = opts.Description
	}
	ent, err := s.createEntity(ctx, KindSubject, "/subjects", payload)
	if err != nil {
		return nil, err
	}
	return &Subject{ent}, nil
}

// GetSubject fetches a subject by subject_uid.
func (s *Session) GetSubject(ctx context.Context, uid string) (*Subject, error) {
	ent, err := s.fetchEntity(ctx, KindSubject, "/subjects/"+uid, nil)
	if err != nil {
		return nil, err
	}
	return &Subject{ent}, nil
}

// SubjectListFilter narrows Subjects to publicly readable or writeable
// subjects.
type SubjectListFilter struct {
	PublicRead  bool
	PublicWrite bool
}

// Subjects returns the subjects of the session's tenant.
func (s *Session) Subjects(ctx context.Context, filter SubjectListFilter) ([]*Subject, error) {
	q := url.Values{}
	if filter.PublicRead {
		q.Set("public_read", "True")
	}
	if filter.PublicWrite {
		q.Set("public_read_write", "True")
	}
	ents, err := s.listEntities(ctx, "list subjects", KindSubject, "/tenants/"+s.cfg.TenantID+"/subjects", q)
	if err != nil {
		return nil, err
	}
	subs := make([]*Subject, len(ents))
	for i, ent := range ents {
		subs[i] = &Subject{ent}
	}
	return subs, nil
}

// SubjectSearch selects one search criterion: IDs, Prefix, Similar, or
// Name, checked in that order.
type SubjectSearch struct {
	// IDs returns the subjects with the given subject_uids.
	IDs []string
	// Prefix matches subjects whose name contains the given string, with
	// direct prefixes scoring higher.
	Prefix string
	// Similar matches subjects semantically related to the search term.
	Similar string
	// Name matches the exact subject name.
	Name string

	// TenantOwned restricts results to the session's tenant. Defaults to
	// true; set to Bool(false) to search across tenants.
	TenantOwned *bool

	PublicRead  bool
	PublicWrite bool

	// Limit caps the result count. Defaults to 10.
	Limit int
}

// SearchSubjects searches subjects by id batch, name prefix, semantic
// similarity, or exact name.
func (s *Session) SearchSubjects(ctx context.Context, search SubjectSearch) ([]*Subject, error) {
	limit := search.Limit
	if limit <= 0 {
		limit = 10
	}
	tenantOwned := true
	if search.TenantOwned != nil {
		tenantOwned = *search.TenantOwned
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("tenant_read_write", pyBool(tenantOwned))
	if search.PublicRead {
		q.Set("public_read", "True")
	}
	if search.PublicWrite {
		q.Set("public_read_write", "True")
	}
	switch {
	case len(search.IDs) > 0:
		q.Set("ids", strings.Join(search.IDs, ","))
	case search.Prefix != "":
		q.Set("prefix", search.Prefix)
	case search.Similar != "":
		q.Set("similar", search.Similar)
	case search.Name != "":
		q.Set("name", search.Name)
	default:
		return nil, fmt.Errorf("subject search requires one of IDs, Prefix, Similar, or Name")
	}

	ents, err := s.listEntities(ctx, "search subjects", KindSubject, "/tenants/"+s.cfg.TenantID+"/subjects", q)
	if err != nil {
		return nil, err
	}
	subs := make([]*Subject, len(ents))
	for i, ent := range ents {
		subs[i] = &Subject{ent}
	}
	return subs, nil
}

// Box is a bounding box in pixel offsets within a frame.
type Box struct {
	X0 float64 `json:"x0"`
	X1 float64 `json:"x1"`
	Y0 float64 `json:"y0"`
	Y1 float64 `json:"y1"`
}

// Focus narrows a subject-media association to a frame of a video and
// optionally a bounding box within the frame.
type Focus struct {
	Frame *int `json:"frame,omitempty"`
	Box   *Box `json:"box,omitempty"`
}

// AssociateOptions carries the optional fields of AssociateMedia.
type AssociateOptions struct {
	// Focus narrows the association within the media.
	Focus *Focus

	// Consensus is the association label. Defaults to the no-consensus
	// label of the configured vocabulary.
	Consensus string

	// Probability is the association probability. Only valid with the
	// no-consensus label, which otherwise defaults to 0.99.
	Probability *float64

	// ForceFeedback forces feedback on the media in downstream
	// applications.
	ForceFeedback bool

	// ForceRandomFeedback marks media randomly selected for the
	// performance assessment.
	ForceRandomFeedback bool

	AppDataType string
	AppData     any
}

// AssociateMedia associates media with the subject and returns the
// unique capture_id.
func (s *Subject) AssociateMedia(ctx context.Context, media MediaRef, opts *AssociateOptions) (string, error) {
	if opts == nil {
		opts = &AssociateOptions{}
	}
	cfg := s.sess.cfg
	label := opts.Consensus
	if label == "" {
		label = cfg.noConsensusLabel()
	}
	if !cfg.validConsensusLabel(label) {
		return "", fmt.Errorf("consensus label %q is not in the vocabulary %v", label, cfg.ConsensusLabels)
	}

	payload := map[string]any{
		"media_id":              media.mediaID(),
		"consensus":             label,
		"force_feedback":        opts.ForceFeedback,
		"force_random_feedback": opts.ForceRandomFeedback,
		"app_data_type":         nullableString(opts.AppDataType),
		"app_data":              opts.AppData,
	}
	if opts.Focus != nil {
		payload["focus"] = opts.Focus
	}
	switch {
	case opts.Probability != nil:
		if label != cfg.noConsensusLabel() {
			return "", fmt.Errorf("probability requires the %q consensus label", cfg.noConsensusLabel())
		}
		payload["uncal_prob"] = *opts.Probability
	case label == cfg.noConsensusLabel():
		payload["uncal_prob"] = defaultUncalProb
	}

	body, err := s.sess.postJSON(ctx, "associate media", "/subjects/"+s.ID()+"/media", payload)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "capture_id").String(), nil
}

// DisassociateMedia removes an association, optionally narrowed by
// focus.
func (s *Subject) DisassociateMedia(ctx context.Context, media MediaRef, focus *Focus) error {
	payload := map[string]any{"media_id": media.mediaID()}
	if focus != nil {
		payload["focus"] = focus
	}
	return s.sess.del(ctx, "disassociate media", "/subjects/"+s.ID()+"/media", payload)
}

// MediaAssociations iterates the subject's media associations, sorted by
// last update time, newest first.
//
// Valid Consensus filters are the vocabulary labels excluding the
// no-consensus label. OnlyUser and OnlyModel are not supported here;
// they apply to application associations.
func (s *Subject) MediaAssociations(filter AssociationFilter) *AssociationIter {
	cfg := s.sess.cfg
	if filter.Consensus != "" && !consensusFilterLabel(cfg, filter.Consensus) {
		return &AssociationIter{p: failedIter(fmt.Errorf(
			"consensus filter %q is not a decided label of %v", filter.Consensus, cfg.ConsensusLabels))}
	}
	q := filter.query()
	if !filter.FullMedia {
		q.Set("abridged_media", "True")
	}
	first := "/subjects/" + s.ID() + "/media?" + q.Encode()
	return &AssociationIter{p: newPageIter(s.sess, "subject media associations", first, filter.Limit)}
}

// consensusFilterLabel reports whether label may filter associations:
// any vocabulary label except the no-consensus one.
func consensusFilterLabel(cfg *Config, label string) bool {
	return cfg.validConsensusLabel(label) && label != cfg.noConsensusLabel()
}

// AssociationFilter narrows a media association listing. Start, End and
// the probability bounds are open intervals; zero-valued pointers are
// omitted.
type AssociationFilter struct {
	// Start filters by last update timestamp > Start, seconds since
	// epoch.
	Start *float64
	// End filters by last update timestamp < End.
	End *float64

	ProbabilityLower *float64
	ProbabilityUpper *float64

	// Consensus filters by consensus label.
	Consensus string

	// Oldest flips the sort order to oldest first.
	Oldest bool

	// SortByProbability sorts by probability instead of update time.
	// Subject associations only.
	SortByProbability bool

	// OnlyUser and OnlyModel restrict application associations to those
	// from users or from models.
	OnlyUser  bool
	OnlyModel bool

	// FullMedia returns complete media records instead of abridged ones.
	// Subject associations only.
	FullMedia bool

	// Limit caps the total number of associations yielded.
	Limit int
}

func (f AssociationFilter) query() url.Values {
	q := url.Values{}
	if f.Start != nil {
		q.Set("start", formatFloat(*f.Start))
	}
	if f.End != nil {
		q.Set("end", formatFloat(*f.End))
	}
	if f.ProbabilityLower != nil {
		q.Set("probability_lower", formatFloat(*f.ProbabilityLower))
	}
	if f.ProbabilityUpper != nil {
		q.Set("probability_upper", formatFloat(*f.ProbabilityUpper))
	}
	if f.Consensus != "" {
		q.Set("consensus", f.Consensus)
	}
	if !f.Oldest {
		q.Set("reverse", "True")
	}
	if f.SortByProbability {
		q.Set("sort", "probability")
	}
	if f.OnlyUser {
		q.Set("only_user", "True")
	}
	if f.OnlyModel {
		q.Set("only_model", "True")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(min(f.Limit, maxPageSize)))
	}
	return q
}

// Association is one subject-media association.
type Association struct {
	MediaID     string  `json:"media_id"`
	SubjectUID  string  `json:"subject_uid"`
	Focus       *Focus  `json:"focus,omitempty"`
	Probability float64 `json:"probability"`
	Timestamp   float64 `json:"timestamp"`
	Consensus   string  `json:"consensus"`
	AppDataType string  `json:"app_data_type"`
	AppData     any     `json:"app_data"`
}

// AssociationIter walks a paged association listing.
type AssociationIter struct {
	p *pageIter
}

// Next advances the iterator, fetching pages as needed.
func (it *AssociationIter) Next(ctx context.Context) bool { return it.p.Next(ctx) }

// Err returns the error that stopped iteration, if any.
func (it *AssociationIter) Err() error { return it.p.Err() }

// Association decodes the current item.
func (it *AssociationIter) Association() (Association, error) {
	var a Association
	if err := json.Unmarshal([]byte(it.p.Item().Raw), &a); err != nil {
		return Association{}, fmt.Errorf("decoding association: %w", err)
	}
	return a, nil
}

func failedIter(err error) *pageIter {
	return &pageIter{err: err, closed: true}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// pyBool renders a bool the way the platform query API expects.
func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
