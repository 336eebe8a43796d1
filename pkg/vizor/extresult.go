package vizor

import (
	"context"
	"net/url"
	"strconv"
)

// ExternalResult is a handle on an external inspection result record.
type ExternalResult struct {
	*Entity
}

// ExternalResultOptions ties a result to a media item or a domain unit.
type ExternalResultOptions struct {
	// Media links the result to a media item, for per-media inspections.
	Media MediaRef

	// DomainUnit links the result to a part, for per-part inspections.
	DomainUnit string
}

// CreateExternalResult records a result produced outside the platform,
// e.g. "operator_ok_ng". resultType names the result family and result
// carries the caller-defined value.
func (s *Session) CreateExternalResult(ctx context.Context, resultType, result string, opts *ExternalResultOptions) (*ExternalResult, error) {
	if opts == nil {
		opts = &ExternalResultOptions{}
	}
	payload := map[string]any{
		"result_type": resultType,
		"result":      result,
	}
	if opts.Media != nil {
		payload["media_id"] = opts.Media.mediaID()
	}
	if opts.DomainUnit != "" {
		payload["domain_unit"] = opts.DomainUnit
	}
	ent, err := s.createEntity(ctx, KindExternalResult, "/externalResults", payload)
	if err != nil {
		return nil, err
	}
	return &ExternalResult{ent}, nil
}

// GetExternalResult fetches an external result by external_result_id.
func (s *Session) GetExternalResult(ctx context.Context, externalResultID string) (*ExternalResult, error) {
	ent, err := s.fetchEntity(ctx, KindExternalResult, "/externalResults/"+externalResultID, nil)
	if err != nil {
		return nil, err
	}
	return &ExternalResult{ent}, nil
}

// ExternalResultSearch selects one search mode: by media, by domain
// unit, or by time period.
type ExternalResultSearch struct {
	Media      MediaRef
	DomainUnit string

	// TimeStart and TimeEnd bound a time period search, seconds since
	// epoch.
	TimeStart *float64
	TimeEnd   *float64

	// Oldest flips the time period sort order to oldest first.
	Oldest bool

	// Limit caps the result count of a time period search.
	Limit int
}

// SearchExternalResults finds external results by media, domain unit,
// or time period.
func (s *Session) SearchExternalResults(ctx context.Context, search ExternalResultSearch) ([]*ExternalResult, error) {
	q := url.Values{}
	switch {
	case search.Media != nil:
		q.Set("media_id", search.Media.mediaID())
	case search.DomainUnit != "":
		q.Set("domain_unit", search.DomainUnit)
	default:
		q.Set("reverse", pyBool(!search.Oldest))
		if search.TimeStart != nil {
			q.Set("time_start", formatFloat(*search.TimeStart))
		}
		if search.TimeEnd != nil {
			q.Set("time_end", formatFloat(*search.TimeEnd))
		}
		if search.Limit > 0 {
			q.Set("limit", strconv.Itoa(search.Limit))
		}
	}

	ents, err := s.listEntities(ctx, "search external results", KindExternalResult, "/externalResults", q)
	if err != nil {
		return nil, err
	}
	results := make([]*ExternalResult, len(ents))
	for i, ent := range ents {
		results[i] = &ExternalResult{ent}
	}
	return results, nil
}
