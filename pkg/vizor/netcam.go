package vizor

import (
	"context"
	"fmt"
	"net/http"
)

// NetworkCamera is a handle on a network camera record.
type NetworkCamera struct {
	*Entity
}

// NetworkCameraOptions carries the optional fields of
// CreateNetworkCamera.
type NetworkCameraOptions struct {
	Description string

	// Inactive registers the camera without processing its images.
	Inactive bool

	// DiscoveredBy is the gateway_id of the gateway that discovered the
	// camera.
	DiscoveredBy string

	// DeviceInfo carries discovery attributes (device_mode, mac_address,
	// serial_number, ...) merged into the record as-is.
	DeviceInfo map[string]string
}

// CreateNetworkCamera registers a network camera in the session's
// tenant.
func (s *Session) CreateNetworkCamera(ctx context.Context, name, cameraURL string, opts *NetworkCameraOptions) (*NetworkCamera, error) {
	if opts == nil {
		opts = &NetworkCameraOptions{}
	}
	active := 1
	if opts.Inactive {
		active = 0
	}
	payload := map[string]any{
		"camera_name": name,
		"url":         cameraURL,
		"active":      active,
	}
	if opts.Description != "" {
		payload["description"] = opts.Description
	}
	if opts.DiscoveredBy != "" {
		payload["discovered_by"] = opts.DiscoveredBy
	}
	for k, v := range opts.DeviceInfo {
		payload[k] = v
	}
	ent, err := s.createEntity(ctx, KindNetworkCamera, "/networkCameras", payload)
	if err != nil {
		return nil, err
	}
	return &NetworkCamera{ent}, nil
}

// GetNetworkCamera fetches a network camera by network_camera_id.
func (s *Session) GetNetworkCamera(ctx context.Context, cameraID string) (*NetworkCamera, error) {
	ent, err := s.fetchEntity(ctx, KindNetworkCamera, "/networkCameras/"+cameraID, nil)
	if err != nil {
		return nil, err
	}
	return &NetworkCamera{ent}, nil
}

// NetworkCameras returns all network cameras of the session's tenant.
func (s *Session) NetworkCameras(ctx context.Context) ([]*NetworkCamera, error) {
	ents, err := s.listEntities(ctx, "list network cameras", KindNetworkCamera, "/tenants/"+s.cfg.TenantID+"/networkCameras", nil)
	if err != nil {
		return nil, err
	}
	cams := make([]*NetworkCamera, len(ents))
	for i, ent := range ents {
		cams[i] = &NetworkCamera{ent}
	}
	return cams, nil
}

// Update writes several mutable fields in one request, typically pose
// and calibration updates. Every field must be mutable under the camera
// field policy.
func (c *NetworkCamera) Update(ctx context.Context, fields map[string]any) error {
	if c.dead {
		return c.deleted()
	}
	pol := c.policy()
	for name := range fields {
		if _, ok := pol.immutable[name]; ok {
			return ErrImmutableField.New(fmt.Sprintf("%s is immutable", name))
		}
		if _, ok := pol.mutable[name]; !ok {
			return fmt.Errorf("field %q of %s cannot be updated remotely", name, c.kind)
		}
	}
	return c.sess.withRetry(ctx, "update network camera", func() error {
		resp, err := c.sess.request(ctx, reqOptions{
			method:   http.MethodPost,
			path:     c.path(),
			jsonBody: fields,
		})
		if err != nil {
			return err
		}
		return c.replaceFields(resp.Body())
	})
}
