package vizor

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// Review results accepted by PostOpsReviewResult.
const (
	ReviewResultOK = "OK"
	ReviewResultNG = "NG"
)

// OpsReview is a handle on an operations review record.
type OpsReview struct {
	*Entity
}

// ReviewDetection highlights one detection for the reviewer.
type ReviewDetection struct {
	SubjectUID  string  `json:"subject_uid"`
	Probability float64 `json:"probability,omitempty"`
	AppDataType string  `json:"app_data_type,omitempty"`
	AppData     any     `json:"app_data,omitempty"`
}

// ReviewItem queues one media item for review.
type ReviewItem struct {
	MediaID string `json:"media_id"`

	// DetectionIDs are the processing records that led to this review.
	DetectionIDs []string `json:"detection_ids,omitempty"`

	// Detections to highlight for the reviewer.
	Detections []ReviewDetection `json:"detections,omitempty"`
}

// CreateOpsReview queues media for operations review. reviewUnit is an
// optional caller-chosen identifier grouping the reviewed media, used
// only for subsequent searching; a domain_unit is a natural choice.
func (s *Session) CreateOpsReview(ctx context.Context, items []ReviewItem, reviewUnit string) (*OpsReview, error) {
	payload := map[string]any{"review_items": items}
	if reviewUnit != "" {
		payload["review_unit"] = reviewUnit
	}
	ent, err := s.createEntity(ctx, KindOpsReview, "/ops/review", payload)
	if err != nil {
		return nil, err
	}
	return &OpsReview{ent}, nil
}

// NextOpsReview returns the next review waiting in the tenant's queue.
func (s *Session) NextOpsReview(ctx context.Context) (*OpsReview, error) {
	ent, err := s.fetchEntity(ctx, KindOpsReview, "/ops/review", nil)
	if err != nil {
		return nil, err
	}
	return &OpsReview{ent}, nil
}

// PendingOpsReviews returns the number of reviews waiting in the
// tenant's queue.
func (s *Session) PendingOpsReviews(ctx context.Context) (int, error) {
	body, err := s.getJSON(ctx, "pending ops reviews", "/ops/review/pending", nil)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(body, "pending").Int()), nil
}

// PostOpsReviewResult reports the reviewer's judgement, ReviewResultOK
// or ReviewResultNG, with an optional comment. It returns the recorded
// result.
func (s *Session) PostOpsReviewResult(ctx context.Context, reviewID, result, comment string) (*OpsReview, error) {
	payload := map[string]any{"review_id": reviewID, "result": result}
	if comment != "" {
		payload["comment"] = comment
	}
	body, err := s.postJSON(ctx, "post review result", "/ops/results", payload)
	if err != nil {
		return nil, err
	}
	ent, err := newEntity(s, KindOpsReview, body)
	if err != nil {
		return nil, err
	}
	return &OpsReview{ent}, nil
}

// OpsResultSearch narrows a review result search.
type OpsResultSearch struct {
	ReviewUnit      string
	MediaID         string
	ExternalMediaID string

	// Result filters by reviewer judgement.
	Result string

	// Start and End bound the search period, seconds since epoch.
	Start *float64
	End   *float64

	// Oldest flips the sort order to oldest first.
	Oldest bool

	// Limit caps the total number of results yielded.
	Limit int
}

// OpsReviewIter walks a paged review result listing.
type OpsReviewIter struct {
	sess *Session
	p    *pageIter
}

func (it *OpsReviewIter) Next(ctx context.Context) bool { return it.p.Next(ctx) }
func (it *OpsReviewIter) Err() error                    { return it.p.Err() }

// Review returns the current result as an entity handle.
func (it *OpsReviewIter) Review() (*OpsReview, error) {
	ent, err := newEntity(it.sess, KindOpsReview, []byte(it.p.Item().Raw))
	if err != nil {
		return nil, err
	}
	return &OpsReview{ent}, nil
}

// SearchOpsResults iterates review results by time period, optionally
// filtered by media, review unit, or result.
func (s *Session) SearchOpsResults(filter OpsResultSearch) *OpsReviewIter {
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
	if filter.MediaID != "" {
		q.Set("media_id", filter.MediaID)
	}
	if filter.ExternalMediaID != "" {
		q.Set("external_media_id", filter.ExternalMediaID)
	}
	if filter.ReviewUnit != "" {
		q.Set("review_unit", filter.ReviewUnit)
	}
	if filter.Result != "" {
		q.Set("result", filter.Result)
	}
	first := "/ops/results?" + q.Encode()
	return &OpsReviewIter{sess: s, p: newPageIter(s, "search ops results", first, filter.Limit)}
}

// ReviewUnit returns the review's grouping identifier, or "" when
// unset.
func (r *OpsReview) ReviewUnit() string {
	u, _ := r.StringField("review_unit")
	return u
}

// Items decodes the review's queued items.
func (r *OpsReview) Items() ([]ReviewItem, error) {
	v, err := r.Field("review_items")
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding review items: %w", err)
	}
	var items []ReviewItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding review items: %w", err)
	}
	return items, nil
}
