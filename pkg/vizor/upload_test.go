package vizor

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// patternBytes builds a payload that does not repeat at chunk
// boundaries, so out-of-order chunk bugs corrupt the md5.
func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestCreateMediaDirect(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	payload := patternBytes(1024)
	m, err := s.CreateMedia(ctx, MediaUpload{
		Filename:   "line4/shot.jpg",
		Reader:     bytes.NewReader(payload),
		MetaTags:   []string{"cam-a", "shift-1"},
		DomainUnit: "unit-7",
		Title:      "weld seam",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fake.Hits(http.MethodPost, "/1/media"))
	assert.Equal(t, 0, fake.Hits(http.MethodPost, "/1/media/resumable"))

	status, err := m.StringField("status")
	require.NoError(t, err)
	assert.Equal(t, "completed", status)

	name, err := m.StringField("filename")
	require.NoError(t, err)
	assert.Equal(t, "shot.jpg", name)

	size, err := m.IntField("size")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), size)

	sum := md5.Sum(payload)
	recSum, err := m.StringField("md5")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), recSum)

	unit, err := m.StringField("domain_unit")
	require.NoError(t, err)
	assert.Equal(t, "unit-7", unit)
	title, err := m.StringField("title")
	require.NoError(t, err)
	assert.Equal(t, "weld seam", title)

	tags, err := m.Field("meta_tags")
	require.NoError(t, err)
	assert.Equal(t, []any{"cam-a", "shift-1"}, tags)

	mts, err := m.FloatField("media_timestamp")
	require.NoError(t, err)
	assert.NotZero(t, mts)

	assert.Equal(t, payload, fake.MediaBlob(m.ID()))
}

func TestCreateMediaFromFile(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "capture.png")
	payload := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, patternBytes(300)...)
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	m, err := s.CreateMedia(ctx, MediaUpload{Filename: path})
	require.NoError(t, err)

	name, err := m.StringField("filename")
	require.NoError(t, err)
	assert.Equal(t, "capture.png", name)

	// defaults to the file modification time
	mts, err := m.FloatField("media_timestamp")
	require.NoError(t, err)
	assert.NotZero(t, mts)

	assert.Equal(t, payload, fake.MediaBlob(m.ID()))
}

func TestCreateMediaFromURL(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	m, err := s.CreateMedia(ctx, MediaUpload{
		Filename:        "https://img.example.com/lot/204.jpg",
		ExternalMediaID: "lot-204",
	})
	require.NoError(t, err)

	status, err := m.StringField("status")
	require.NoError(t, err)
	assert.Equal(t, "pending", status)

	src, err := m.StringField("original_url")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/lot/204.jpg", src)

	ext, err := m.StringField("external_media_id")
	require.NoError(t, err)
	assert.Equal(t, "lot-204", ext)

	// nothing was uploaded
	assert.Nil(t, fake.MediaBlob(m.ID()))
}

func TestUploadStaysDirectAtThreshold(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	payload := patternBytes(12 * 1024 * 1024)
	m, err := s.CreateMedia(ctx, MediaUpload{
		Filename: "exact.bin",
		Reader:   bytes.NewReader(payload),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fake.Hits(http.MethodPost, "/1/media"))
	assert.Equal(t, 0, fake.Hits(http.MethodPost, "/1/media/resumable"))
	assert.Empty(t, fake.UploadPhases())
	assert.True(t, bytes.Equal(payload, fake.MediaBlob(m.ID())))
}

func TestUploadTurnsResumablePastThreshold(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	payload := patternBytes(12*1024*1024 + 1)
	m, err := s.CreateMedia(ctx, MediaUpload{
		Filename: "barely.bin",
		Reader:   bytes.NewReader(payload),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, fake.Hits(http.MethodPost, "/1/media"))
	assert.Equal(t,
		[]string{"start", "transfer 1", "transfer 2", "transfer 3", "transfer 4", "finish"},
		fake.UploadPhases())
	assert.True(t, bytes.Equal(payload, fake.MediaBlob(m.ID())))
}

func TestResumableUpload(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	payload := patternBytes(14 * 1024 * 1024)
	m, err := s.CreateMedia(ctx, MediaUpload{
		Filename:   "assembly/pass.mp4",
		Reader:     bytes.NewReader(payload),
		MetaTags:   []string{"line-4"},
		DomainUnit: "unit-9",
	})
	require.NoError(t, err)

	// 14 MiB at the fake's 4 MiB chunk size is four ordered chunks
	assert.Equal(t,
		[]string{"start", "transfer 1", "transfer 2", "transfer 3", "transfer 4", "finish"},
		fake.UploadPhases())

	name, err := m.StringField("filename")
	require.NoError(t, err)
	assert.Equal(t, "pass.mp4", name)

	size, err := m.IntField("size")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	// metadata rides on the finish phase
	unit, err := m.StringField("domain_unit")
	require.NoError(t, err)
	assert.Equal(t, "unit-9", unit)
	tags, err := m.Field("meta_tags")
	require.NoError(t, err)
	assert.Equal(t, []any{"line-4"}, tags)

	sum := md5.Sum(payload)
	recSum, err := m.StringField("md5")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), recSum)
	assert.True(t, bytes.Equal(payload, fake.MediaBlob(m.ID())))
}

func TestResumablePhaseRetries(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	fake.Fail(http.MethodPost, "/1/media/resumable", http.StatusServiceUnavailable, 1)

	payload := patternBytes(14 * 1024 * 1024)
	m, err := s.CreateMedia(ctx, MediaUpload{
		Filename: "retry.mp4",
		Reader:   bytes.NewReader(payload),
	})
	require.NoError(t, err)

	// the rejected request never reached a phase handler
	assert.Equal(t,
		[]string{"start", "transfer 1", "transfer 2", "transfer 3", "transfer 4", "finish"},
		fake.UploadPhases())
	assert.Equal(t, 7, fake.Hits(http.MethodPost, "/1/media/resumable"))
	assert.True(t, bytes.Equal(payload, fake.MediaBlob(m.ID())))
}

func TestIsSourceURL(t *testing.T) {
	assert.True(t, isSourceURL("http://img.example.com/a.jpg"))
	assert.True(t, isSourceURL("https://img.example.com/a.jpg"))
	assert.False(t, isSourceURL("/srv/captures/a.jpg"))
	assert.False(t, isSourceURL("httpd.conf"))
	assert.False(t, isSourceURL(""))
}

func TestUploadForm(t *testing.T) {
	form := uploadForm(map[string]any{
		"meta_tags":       []string{"cam-a", "cam-b"},
		"media_timestamp": 1700000000.25,
		"sequence_ix":     3,
		"force_feedback":  true,
		"domain_unit":     "unit-7",
	})
	assert.Equal(t, []string{"cam-a", "cam-b"}, form["meta_tags"])
	assert.Equal(t, "1700000000.25", form.Get("media_timestamp"))
	assert.Equal(t, "3", form.Get("sequence_ix"))
	assert.Equal(t, "True", form.Get("force_feedback"))
	assert.Equal(t, "unit-7", form.Get("domain_unit"))
}

func TestMD5Hex(t *testing.T) {
	sum, err := md5Hex(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", sum)
}

func TestSniffContentType(t *testing.T) {
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, patternBytes(400)...)
	assert.Equal(t, "image/jpeg", sniffContentType(bytes.NewReader(jpeg)))

	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, patternBytes(400)...)
	assert.Equal(t, "image/png", sniffContentType(bytes.NewReader(png)))

	assert.Equal(t, "application/octet-stream",
		sniffContentType(bytes.NewReader([]byte("just some text"))))

	// the reader is rewound for the upload that follows
	r := bytes.NewReader(jpeg)
	sniffContentType(r)
	pos, err := r.Seek(0, 1)
	require.NoError(t, err)
	assert.Zero(t, pos)
}
