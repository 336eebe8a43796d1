package vizor

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCreateSubject(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	sub, err := s.CreateSubject(ctx, "door-open", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.UID(), "sub_"), "uid %q", sub.UID())
	assert.Equal(t, "door-open", sub.Name())
	require.JSONEq(t, `{"name":"door-open","public_read":false,"public_write":false}`,
		string(fake.LastJSON(http.MethodPost, "/1/subjects")))

	_, err = s.CreateSubject(ctx, "door-closed", &SubjectOptions{
		Description: "door fully closed",
		PublicWrite: true,
	})
	require.NoError(t, err)
	body := fake.LastJSON(http.MethodPost, "/1/subjects")
	// public write implies public read
	assert.True(t, gjson.GetBytes(body, "public_read").Bool())
	assert.True(t, gjson.GetBytes(body, "public_write").Bool())
	assert.Equal(t, "door fully closed", gjson.GetBytes(body, "description").String())
}

func TestSubjectsListFilter(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	fake.SeedEntity("subjects", map[string]any{"name": "private-a"})
	fake.SeedEntity("subjects", map[string]any{"name": "shared-b", "public_read": true})

	all, err := s.Subjects(ctx, SubjectListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	public, err := s.Subjects(ctx, SubjectListFilter{PublicRead: true})
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "shared-b", public[0].Name())

	q := fake.LastQuery(http.MethodGet, "/1/tenants/"+fake.TenantID()+"/subjects")
	assert.Equal(t, "True", q.Get("public_read"))
}

func TestSearchSubjects(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	openUID := fake.SeedEntity("subjects", map[string]any{"name": "door-open"})
	closedUID := fake.SeedEntity("subjects", map[string]any{"name": "door-closed"})
	fake.SeedEntity("subjects", map[string]any{"name": "window"})

	t.Run("by prefix", func(t *testing.T) {
		subs, err := s.SearchSubjects(ctx, SubjectSearch{Prefix: "door"})
		require.NoError(t, err)
		assert.Len(t, subs, 2)

		q := fake.LastQuery(http.MethodGet, "/1/tenants/"+fake.TenantID()+"/subjects")
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "True", q.Get("tenant_read_write"))
	})

	t.Run("by exact name", func(t *testing.T) {
		subs, err := s.SearchSubjects(ctx, SubjectSearch{Name: "window"})
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "window", subs[0].Name())
	})

	t.Run("by id batch", func(t *testing.T) {
		subs, err := s.SearchSubjects(ctx, SubjectSearch{IDs: []string{openUID, closedUID}})
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})

	t.Run("by similarity", func(t *testing.T) {
		subs, err := s.SearchSubjects(ctx, SubjectSearch{Similar: "indo"})
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "window", subs[0].Name())
	})

	t.Run("cross tenant search", func(t *testing.T) {
		_, err := s.SearchSubjects(ctx, SubjectSearch{Name: "window", TenantOwned: Bool(false)})
		require.NoError(t, err)
		q := fake.LastQuery(http.MethodGet, "/1/tenants/"+fake.TenantID()+"/subjects")
		assert.Equal(t, "False", q.Get("tenant_read_write"))
	})

	t.Run("no criterion", func(t *testing.T) {
		_, err := s.SearchSubjects(ctx, SubjectSearch{})
		assert.ErrorContains(t, err, "requires one of")
	})
}

func TestAssociateMedia(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	uid := fake.SeedEntity("subjects", map[string]any{"name": "dent"})
	mediaID := fake.SeedEntity("media", map[string]any{"filename": "part.jpg"})
	sub, err := s.GetSubject(ctx, uid)
	require.NoError(t, err)
	assocPath := "/1/subjects/" + uid + "/media"

	t.Run("defaults to no consensus", func(t *testing.T) {
		captureID, err := sub.AssociateMedia(ctx, MediaID(mediaID), nil)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(captureID, "cap_"), "capture id %q", captureID)

		body := fake.LastJSON(http.MethodPost, assocPath)
		assert.Equal(t, mediaID, gjson.GetBytes(body, "media_id").String())
		assert.Equal(t, "None", gjson.GetBytes(body, "consensus").String())
		assert.Equal(t, 0.99, gjson.GetBytes(body, "uncal_prob").Float())
		assert.Equal(t, gjson.Null, gjson.GetBytes(body, "app_data_type").Type)
		assert.False(t, gjson.GetBytes(body, "focus").Exists())
	})

	t.Run("decided label omits probability", func(t *testing.T) {
		_, err := sub.AssociateMedia(ctx, MediaID(mediaID), &AssociateOptions{Consensus: "True"})
		require.NoError(t, err)

		body := fake.LastJSON(http.MethodPost, assocPath)
		assert.Equal(t, "True", gjson.GetBytes(body, "consensus").String())
		assert.False(t, gjson.GetBytes(body, "uncal_prob").Exists())
	})

	t.Run("explicit probability", func(t *testing.T) {
		_, err := sub.AssociateMedia(ctx, MediaID(mediaID), &AssociateOptions{
			Consensus:   "None",
			Probability: Float64(0.42),
		})
		require.NoError(t, err)
		body := fake.LastJSON(http.MethodPost, assocPath)
		assert.Equal(t, 0.42, gjson.GetBytes(body, "uncal_prob").Float())
	})

	t.Run("focus and app data forwarded", func(t *testing.T) {
		_, err := sub.AssociateMedia(ctx, MediaID(mediaID), &AssociateOptions{
			Focus:       &Focus{Frame: Int(3), Box: &Box{X0: 1, X1: 20, Y0: 2, Y1: 40}},
			AppDataType: "box_set",
			AppData:     []map[string]any{{"box": map[string]any{"x0": 1}}},
		})
		require.NoError(t, err)
		body := fake.LastJSON(http.MethodPost, assocPath)
		assert.Equal(t, int64(3), gjson.GetBytes(body, "focus.frame").Int())
		assert.Equal(t, 20.0, gjson.GetBytes(body, "focus.box.x1").Float())
		assert.Equal(t, "box_set", gjson.GetBytes(body, "app_data_type").String())
	})

	t.Run("probability requires no consensus label", func(t *testing.T) {
		before := fake.Hits(http.MethodPost, assocPath)
		_, err := sub.AssociateMedia(ctx, MediaID(mediaID), &AssociateOptions{
			Consensus:   "True",
			Probability: Float64(0.5),
		})
		assert.ErrorContains(t, err, "probability requires")
		assert.Equal(t, before, fake.Hits(http.MethodPost, assocPath))
	})

	t.Run("unknown label", func(t *testing.T) {
		_, err := sub.AssociateMedia(ctx, MediaID(mediaID), &AssociateOptions{Consensus: "Maybe"})
		assert.ErrorContains(t, err, "not in the vocabulary")
	})
}

func TestCustomConsensusVocabulary(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts, WithConsensusLabels("OK", "NG", "Undecided"))
	ctx := context.Background()

	uid := fake.SeedEntity("subjects", map[string]any{"name": "dent"})
	mediaID := fake.SeedEntity("media", map[string]any{"filename": "part.jpg"})
	sub, err := s.GetSubject(ctx, uid)
	require.NoError(t, err)

	_, err = sub.AssociateMedia(ctx, MediaID(mediaID), nil)
	require.NoError(t, err)
	body := fake.LastJSON(http.MethodPost, "/1/subjects/"+uid+"/media")
	assert.Equal(t, "Undecided", gjson.GetBytes(body, "consensus").String())

	_, err = sub.AssociateMedia(ctx, MediaID(mediaID), &AssociateOptions{Consensus: "True"})
	assert.ErrorContains(t, err, "not in the vocabulary")
}

func TestDisassociateMedia(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	uid := fake.SeedEntity("subjects", map[string]any{"name": "dent"})
	mediaID := fake.SeedEntity("media", map[string]any{"filename": "part.jpg"})
	sub, err := s.GetSubject(ctx, uid)
	require.NoError(t, err)

	_, err = sub.AssociateMedia(ctx, MediaID(mediaID), &AssociateOptions{Consensus: "True"})
	require.NoError(t, err)

	m, err := s.GetMedia(ctx, mediaID)
	require.NoError(t, err)
	assocs, err := m.SubjectAssociations(ctx)
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, uid, assocs[0].SubjectUID)
	assert.Equal(t, "True", assocs[0].Consensus)

	require.NoError(t, sub.DisassociateMedia(ctx, MediaID(mediaID), nil))

	assocs, err = m.SubjectAssociations(ctx)
	require.NoError(t, err)
	assert.Empty(t, assocs)

	err = sub.DisassociateMedia(ctx, MediaID(mediaID), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestSubjectMediaAssociationsQuery(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	uid := fake.SeedEntity("subjects", map[string]any{"name": "dent"})
	fake.SeedAssociation(uid, "med_1", map[string]any{"consensus": "True"})
	fake.SeedAssociation(uid, "med_2", map[string]any{"consensus": "False"})
	sub, err := s.GetSubject(ctx, uid)
	require.NoError(t, err)

	t.Run("abridged by default", func(t *testing.T) {
		it := sub.MediaAssociations(AssociationFilter{})
		for it.Next(ctx) {
		}
		require.NoError(t, it.Err())
		q := fake.LastQuery(http.MethodGet, "/1/subjects/"+uid+"/media")
		assert.Equal(t, "True", q.Get("abridged_media"))
	})

	t.Run("full media drops abridged flag", func(t *testing.T) {
		it := sub.MediaAssociations(AssociationFilter{FullMedia: true})
		for it.Next(ctx) {
		}
		require.NoError(t, it.Err())
		q := fake.LastQuery(http.MethodGet, "/1/subjects/"+uid+"/media")
		assert.False(t, q.Has("abridged_media"))
	})

	t.Run("consensus filter", func(t *testing.T) {
		it := sub.MediaAssociations(AssociationFilter{Consensus: "False"})
		var n int
		for it.Next(ctx) {
			a, err := it.Association()
			require.NoError(t, err)
			assert.Equal(t, "med_2", a.MediaID)
			n++
		}
		require.NoError(t, it.Err())
		assert.Equal(t, 1, n)
	})

	t.Run("no consensus label cannot filter", func(t *testing.T) {
		it := sub.MediaAssociations(AssociationFilter{Consensus: "None"})
		assert.False(t, it.Next(ctx))
		assert.ErrorContains(t, it.Err(), "not a decided label")
	})
}
