package vizor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vizorlabs/vizor-sdk-go/internal/vizortest"
)

func seedAssociations(fake *vizortest.Server, subjectUID string, n int) []string {
	mediaIDs := make([]string, n)
	for i := range mediaIDs {
		mediaIDs[i] = fmt.Sprintf("med_%06d", i)
		fake.SeedAssociation(subjectUID, mediaIDs[i], map[string]any{
			"probability": 0.5 + float64(i)/float64(2*n),
		})
	}
	return mediaIDs
}

func TestPagedListingWalksAllPages(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	uid := fake.SeedEntity("subjects", map[string]any{"name": "dent"})
	mediaIDs := seedAssociations(fake, uid, 60)

	sub, err := s.GetSubject(context.Background(), uid)
	require.NoError(t, err)

	it := sub.MediaAssociations(AssociationFilter{})
	var got []string
	for it.Next(context.Background()) {
		a, err := it.Association()
		require.NoError(t, err)
		got = append(got, a.MediaID)
	}
	require.NoError(t, it.Err())

	require.Len(t, got, 60)
	// newest first
	assert.Equal(t, mediaIDs[59], got[0])
	assert.Equal(t, mediaIDs[0], got[59])

	// 60 items at the default page size of 25 is three pages
	assert.Equal(t, 3, fake.Hits(http.MethodGet, "/1/subjects/"+uid+"/media"))
}

func TestPagedListingHonorsLimit(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	uid := fake.SeedEntity("subjects", map[string]any{"name": "dent"})
	mediaIDs := seedAssociations(fake, uid, 60)

	sub, err := s.GetSubject(context.Background(), uid)
	require.NoError(t, err)

	it := sub.MediaAssociations(AssociationFilter{Limit: 7})
	var got []string
	for it.Next(context.Background()) {
		a, err := it.Association()
		require.NoError(t, err)
		got = append(got, a.MediaID)
	}
	require.NoError(t, it.Err())

	require.Len(t, got, 7)
	assert.Equal(t, mediaIDs[59], got[0])
	assert.Equal(t, 1, fake.Hits(http.MethodGet, "/1/subjects/"+uid+"/media"))
}

func TestPagedListingEmpty(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	uid := fake.SeedEntity("subjects", map[string]any{"name": "dent"})

	sub, err := s.GetSubject(context.Background(), uid)
	require.NoError(t, err)

	it := sub.MediaAssociations(AssociationFilter{})
	assert.False(t, it.Next(context.Background()))
	require.NoError(t, it.Err())
}

func TestPagedListingSurfacesServerError(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	uid := fake.SeedEntity("subjects", map[string]any{"name": "dent"})
	seedAssociations(fake, uid, 3)

	sub, err := s.GetSubject(context.Background(), uid)
	require.NoError(t, err)
	fake.Fail(http.MethodGet, "/1/subjects/"+uid+"/media", http.StatusInternalServerError, -1)

	it := sub.MediaAssociations(AssociationFilter{})
	assert.False(t, it.Next(context.Background()))
	require.Error(t, it.Err())
	assert.True(t, errors.Is(it.Err(), ErrServer))
}

func TestAssociationFilterQuery(t *testing.T) {
	tests := []struct {
		name   string
		filter AssociationFilter
		want   map[string]string
		absent []string
	}{
		{
			name:   "defaults",
			filter: AssociationFilter{},
			want:   map[string]string{"reverse": "True"},
			absent: []string{"start", "end", "limit", "sort", "consensus"},
		},
		{
			name: "window and probability bounds",
			filter: AssociationFilter{
				Start:            Float64(100.5),
				End:              Float64(200),
				ProbabilityLower: Float64(0.25),
				ProbabilityUpper: Float64(0.75),
			},
			want: map[string]string{
				"start":             "100.5",
				"end":               "200",
				"probability_lower": "0.25",
				"probability_upper": "0.75",
			},
		},
		{
			name:   "oldest first drops reverse",
			filter: AssociationFilter{Oldest: true},
			absent: []string{"reverse"},
		},
		{
			name:   "sort and source flags",
			filter: AssociationFilter{SortByProbability: true, OnlyUser: true, OnlyModel: true},
			want: map[string]string{
				"sort":       "probability",
				"only_user":  "True",
				"only_model": "True",
			},
		},
		{
			name:   "limit capped at page size",
			filter: AssociationFilter{Limit: 500},
			want:   map[string]string{"limit": "100"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.filter.query()
			for key, want := range tt.want {
				assert.Equal(t, want, q.Get(key), "param %s", key)
			}
			for _, key := range tt.absent {
				assert.False(t, q.Has(key), "param %s should be absent", key)
			}
		})
	}
}
