package vizor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMediaNotFound(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)

	_, err := s.GetMedia(context.Background(), "med_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClient))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestSearchMediaCursor(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	const sum = "0f343b0931126a20f133d67c2b018a3b"
	for i := 0; i < 105; i++ {
		fake.SeedEntity("media", map[string]any{"md5": sum, "filename": "burst.jpg"})
	}
	fake.SeedEntity("media", map[string]any{"md5": "ffffffffffffffffffffffffffffffff"})

	matches, err := s.SearchMedia(ctx, MediaSearch{MD5: sum})
	require.NoError(t, err)
	assert.Len(t, matches, 105)
	// 105 matches at the 100-item page ceiling is two cursor fetches
	assert.Equal(t, 2, fake.Hits(http.MethodGet, "/1/media/all/search"))
}

func TestSearchMediaLimit(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fake.SeedEntity("media", map[string]any{"domain_unit": "part-77"})
	}

	matches, err := s.SearchMedia(ctx, MediaSearch{DomainUnit: "part-77", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, matches, 3)
	assert.Equal(t, 1, fake.Hits(http.MethodGet, "/1/media/all/search"))
}

func TestSearchMediaCriterion(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	_, err := s.SearchMedia(ctx, MediaSearch{})
	assert.ErrorContains(t, err, "exactly one of")

	_, err = s.SearchMedia(ctx, MediaSearch{MD5: "abc", Filename: "a.jpg"})
	assert.ErrorContains(t, err, "exactly one of")

	assert.Equal(t, 0, fake.Hits(http.MethodGet, "/1/media/all/search"))
}

func TestMediaDetections(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	mediaID := fake.SeedEntity("media", map[string]any{"filename": "part.jpg"})
	fake.SeedDetection(mediaID, map[string]any{
		"subject_uid": "sub_dent",
		"model_id":    "mod_1",
		"uncal_prob":  0.91,
	})
	fake.SeedDetection(mediaID, map[string]any{
		"subject_uid": "sub_scratch",
		"user_id":     fake.UserID(),
		"uncal_prob":  0.99,
	})

	m, err := s.GetMedia(ctx, mediaID)
	require.NoError(t, err)

	dets, err := m.Detections(ctx, "")
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, "sub_dent", dets[0].SubjectUID)
	assert.Equal(t, "mod_1", dets[0].ModelID)
	assert.Equal(t, 0.91, dets[0].UncalProb)
	assert.Equal(t, fake.UserID(), dets[1].UserID)
	assert.NotEmpty(t, dets[0].DetectionID)

	_, err = m.Detections(ctx, "cap_000")
	require.NoError(t, err)
	q := fake.LastQuery(http.MethodGet, "/1/media/"+mediaID+"/detections")
	assert.Equal(t, "cap_000", q.Get("wait_capture_id"))
}

func TestMediaDownload(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("vizor-frame-"), 512)
	m, err := s.CreateMedia(ctx, MediaUpload{
		Filename: "frame.bin",
		Reader:   bytes.NewReader(payload),
	})
	require.NoError(t, err)

	got, err := m.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMediaDownloadRetries(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	payload := []byte("one small frame")
	m, err := s.CreateMedia(ctx, MediaUpload{
		Filename: "frame.bin",
		Reader:   bytes.NewReader(payload),
	})
	require.NoError(t, err)

	downloadPath := "/1/media/" + m.ID() + "/download"
	fake.Fail(http.MethodGet, downloadPath, http.StatusServiceUnavailable, 1)

	got, err := m.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 2, fake.Hits(http.MethodGet, downloadPath))
}
