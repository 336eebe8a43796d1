package vizor

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCreateNetworkCamera(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	cam, err := s.CreateNetworkCamera(ctx, "dock-cam-1", "rtsp://10.0.0.4/stream", &NetworkCameraOptions{
		Description:  "north dock entry",
		DiscoveredBy: "gw_7",
		DeviceInfo: map[string]string{
			"mac_address": "00:1B:44:11:3A:B7",
			"device_mode": "fixed",
		},
	})
	require.NoError(t, err)
	assert.Contains(t, cam.ID(), "cam_")

	sent := fake.LastJSON(http.MethodPost, "/1/networkCameras")
	assert.Equal(t, "dock-cam-1", gjson.GetBytes(sent, "camera_name").String())
	assert.Equal(t, "rtsp://10.0.0.4/stream", gjson.GetBytes(sent, "url").String())
	assert.Equal(t, int64(1), gjson.GetBytes(sent, "active").Int())
	assert.Equal(t, "gw_7", gjson.GetBytes(sent, "discovered_by").String())
	assert.Equal(t, "00:1B:44:11:3A:B7", gjson.GetBytes(sent, "mac_address").String())
	assert.Equal(t, "fixed", gjson.GetBytes(sent, "device_mode").String())

	_, err = s.CreateNetworkCamera(ctx, "spare", "rtsp://10.0.0.5/stream", &NetworkCameraOptions{
		Inactive: true,
	})
	require.NoError(t, err)
	sent = fake.LastJSON(http.MethodPost, "/1/networkCameras")
	assert.Equal(t, int64(0), gjson.GetBytes(sent, "active").Int())
}

func TestNetworkCameraUpdate(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	cam, err := s.CreateNetworkCamera(ctx, "dock-cam-1", "rtsp://10.0.0.4/stream", nil)
	require.NoError(t, err)
	updatePath := "/1/networkCameras/" + cam.ID()

	// one request carries the whole pose change
	err = cam.Update(ctx, map[string]any{
		"pitch":             1.5,
		"yaw":               -0.25,
		"focal_length_h_mm": 3.6,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Hits(http.MethodPost, updatePath))

	sent := fake.LastJSON(http.MethodPost, updatePath)
	assert.Equal(t, 1.5, gjson.GetBytes(sent, "pitch").Float())
	assert.Equal(t, -0.25, gjson.GetBytes(sent, "yaw").Float())

	pitch, err := cam.FloatField("pitch")
	require.NoError(t, err)
	assert.Equal(t, 1.5, pitch)

	err = cam.Update(ctx, map[string]any{"network_camera_id": "cam_forged"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrImmutableField)

	err = cam.Update(ctx, map[string]any{"exposure_mode": "auto"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be updated remotely")

	assert.Equal(t, 1, fake.Hits(http.MethodPost, updatePath))
}

func TestNetworkCamerasList(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	_, err := s.CreateNetworkCamera(ctx, "dock-cam-1", "rtsp://10.0.0.4/stream", nil)
	require.NoError(t, err)
	_, err = s.CreateNetworkCamera(ctx, "dock-cam-2", "rtsp://10.0.0.5/stream", nil)
	require.NoError(t, err)

	cams, err := s.NetworkCameras(ctx)
	require.NoError(t, err)
	require.Len(t, cams, 2)

	name, err := cams[0].StringField("camera_name")
	require.NoError(t, err)
	assert.Equal(t, "dock-cam-1", name)
	name, err = cams[1].StringField("camera_name")
	require.NoError(t, err)
	assert.Equal(t, "dock-cam-2", name)
}
