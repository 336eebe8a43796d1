package vizor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"
)

// EntityKind names a platform resource type and selects its field policy.
type EntityKind string

const (
	KindApplication    EntityKind = "application"
	KindSubject        EntityKind = "subject"
	KindMedia          EntityKind = "media"
	KindTenant         EntityKind = "tenant"
	KindUser           EntityKind = "user"
	KindNetworkCamera  EntityKind = "network_camera"
	KindGateway        EntityKind = "gateway"
	KindOpsReview      EntityKind = "ops_review"
	KindExternalResult EntityKind = "external_result"
)

// fieldPolicy fixes, per entity kind, the collection path, the identifier
// field, and which fields may be written. Fields in neither set are held
// as local state and never sent to the platform.
type fieldPolicy struct {
	collection string
	idField    string
	immutable  map[string]struct{}
	mutable    map[string]struct{}
}

func fieldSet(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// server-owned bookkeeping fields shared by every kind
var auditFields = []string{"created_at", "created_by", "modified_at", "modified_by"}

// withAudit builds an immutable set from the id field, the audit fields,
// and any kind-specific server-owned fields.
func withAudit(idField string, names ...string) map[string]struct{} {
	s := fieldSet(names...)
	s[idField] = struct{}{}
	for _, n := range auditFields {
		s[n] = struct{}{}
	}
	return s
}

// calibration and pose fields of a network camera model
var cameraModelFields = []string{
	"last_pose_change_timestamp",
	"resolution_h_px", "resolution_v_px",
	"pixel_h_um", "pixel_v_um",
	"focal_length_h_mm", "focal_length_v_mm",
	"skew", "ch_px", "cv_px",
	"radial_distortion_coefficients", "tangential_distortion_coefficients",
	"pitch", "yaw", "roll",
	"tx_m", "ty_m", "tz_m",
	"origin_x", "origin_y",
	"x_axis_x", "x_axis_y",
	"y_axis_x", "y_axis_y",
	"z_axis_x", "z_axis_y",
}

var fieldPolicies = map[EntityKind]fieldPolicy{
	KindApplication: {
		collection: "/applications",
		idField:    "application_id",
		immutable:  withAudit("application_id"),
		mutable:    fieldSet("name", "description", "active", "input_subjects", "output_subjects"),
	},
	KindSubject: {
		collection: "/subjects",
		idField:    "subject_uid",
		immutable:  withAudit("subject_uid"),
		mutable:    fieldSet("name", "description", "public_read", "public_write"),
	},
	KindMedia: {
		collection: "/media",
		idField:    "media_id",
		immutable: withAudit("media_id",
			"frame", "video", "size", "network_camera_id", "original_url",
			"image_width", "image_height", "filename", "original_landing_url",
			"uploaded_by_user", "media_timestamp", "media_url", "status",
			"hash", "external_media_id", "author_profile_url", "media_src",
			"parent_media_id", "media_resize_urls", "license", "tenant_id",
			"author", "public", "media_format", "title", "domain_unit"),
		mutable: fieldSet("set_assignment", "force_set", "meta_tags", "custom_data"),
	},
	KindTenant: {
		collection: "/tenants",
		idField:    "tenant_id",
		immutable:  withAudit("tenant_id", "name", "description", "aws_region", "tenant_type"),
		mutable:    fieldSet(),
	},
	KindUser: {
		collection: "/users",
		idField:    "user_id",
		immutable:  withAudit("user_id"),
		mutable:    fieldSet("given_name", "surname", "title"),
	},
	KindNetworkCamera: {
		collection: "/networkCameras",
		idField:    "network_camera_id",
		immutable:  withAudit("network_camera_id"),
		mutable: fieldSet(append([]string{
			"url", "current_IP", "camera_name", "description", "active",
			"lat", "lon", "hae",
		}, cameraModelFields...)...),
	},
	KindGateway: {
		collection: "/gateways",
		idField:    "gateway_id",
		immutable:  withAudit("gateway_id"),
		mutable:    fieldSet("name", "description", "active"),
	},
	KindOpsReview: {
		collection: "/ops/review",
		idField:    "review_id",
		immutable:  withAudit("review_id"),
		mutable:    fieldSet(),
	},
	KindExternalResult: {
		collection: "/externalResults",
		idField:    "external_result_id",
		immutable:  withAudit("external_result_id"),
		mutable:    fieldSet(),
	},
}

// Entity is a live handle on a platform record. Reads consult local state
// first, then the server record. Writing a mutable field persists it
// synchronously and replaces the entire server record with the response;
// writing an immutable field fails; any other field is held locally and
// shadows the record. After Delete every access fails with
// ErrEntityDeleted.
//
// An Entity is not safe for concurrent use.
type Entity struct {
	sess   *Session
	kind   EntityKind
	fields map[string]any
	local  map[string]any
	dead   bool
}

func newEntity(s *Session, kind EntityKind, body []byte) (*Entity, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", kind, err)
	}
	return &Entity{sess: s, kind: kind, fields: m, local: map[string]any{}}, nil
}

// Kind returns the entity's resource type.
func (e *Entity) Kind() EntityKind { return e.kind }

func (e *Entity) policy() fieldPolicy { return fieldPolicies[e.kind] }

// ID returns the entity's identifier, or "" after deletion.
func (e *Entity) ID() string {
	if e.dead {
		return ""
	}
	id, _ := e.fields[e.policy().idField].(string)
	return id
}

func (e *Entity) path() string {
	return e.policy().collection + "/" + e.ID()
}

func (e *Entity) deleted() error {
	return ErrEntityDeleted.New(fmt.Sprintf("%s no longer exists", e.kind))
}

// Field returns the named field, preferring local state over the server
// record.
func (e *Entity) Field(name string) (any, error) {
	if e.dead {
		return nil, e.deleted()
	}
	if v, ok := e.local[name]; ok {
		return v, nil
	}
	if v, ok := e.fields[name]; ok {
		return v, nil
	}
	return nil, ErrFieldNotFound.New(fmt.Sprintf("%s has no field %q", e.kind, name))
}

// Has reports whether the field exists in either local state or the
// server record.
func (e *Entity) Has(name string) bool {
	if e.dead {
		return false
	}
	if _, ok := e.local[name]; ok {
		return true
	}
	_, ok := e.fields[name]
	return ok
}

func (e *Entity) StringField(name string) (string, error) {
	v, err := e.Field(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s field %q is %T, not string", e.kind, name, v)
	}
	return s, nil
}

func (e *Entity) FloatField(name string) (float64, error) {
	v, err := e.Field(name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%s field %q is %T, not a number", e.kind, name, v)
}

func (e *Entity) IntField(name string) (int64, error) {
	v, err := e.Field(name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, fmt.Errorf("%s field %q is %T, not a number", e.kind, name, v)
}

func (e *Entity) BoolField(name string) (bool, error) {
	v, err := e.Field(name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s field %q is %T, not bool", e.kind, name, v)
	}
	return b, nil
}

// Fields returns a copy of the visible state: the server record overlaid
// with local fields.
func (e *Entity) Fields() map[string]any {
	if e.dead {
		return nil
	}
	out := make(map[string]any, len(e.fields)+len(e.local))
	for k, v := range e.fields {
		out[k] = v
	}
	for k, v := range e.local {
		out[k] = v
	}
	return out
}

// Set writes a field according to the entity's field policy. Mutable
// fields are persisted synchronously, immutable fields fail with
// ErrImmutableField, and everything else becomes local state.
func (e *Entity) Set(ctx context.Context, name string, value any) error {
	if e.dead {
		return e.deleted()
	}
	pol := e.policy()
	if _, ok := pol.immutable[name]; ok {
		return ErrImmutableField.New(fmt.Sprintf("%s is immutable", name))
	}
	if _, ok := pol.mutable[name]; !ok {
		e.local[name] = value
		return nil
	}
	return e.sess.withRetry(ctx, "update "+string(e.kind), func() error {
		resp, err := e.sess.request(ctx, reqOptions{
			method:   http.MethodPost,
			path:     e.path(),
			jsonBody: map[string]any{name: value},
		})
		if err != nil {
			return err
		}
		return e.replaceFields(resp.Body())
	})
}

// the response is the authoritative record and replaces the entire server
// field set
func (e *Entity) replaceFields(body []byte) error {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("decoding %s record: %w", e.kind, err)
	}
	e.fields = m
	// Server values win: any local shadow for a returned field is stale now.
	for k := range m {
		delete(e.local, k)
	}
	return nil
}

// Delete removes the record from the platform and poisons the handle.
func (e *Entity) Delete(ctx context.Context) error {
	if e.dead {
		return e.deleted()
	}
	if err := e.sess.del(ctx, "delete "+string(e.kind), e.path(), nil); err != nil {
		return err
	}
	e.fields = nil
	e.local = nil
	e.dead = true
	return nil
}

// Decode unmarshals the visible state into out using its json tags.
func (e *Entity) Decode(out any) error {
	if e.dead {
		return e.deleted()
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(e.Fields()); err != nil {
		return fmt.Errorf("decoding %s into %T: %w", e.kind, out, err)
	}
	return nil
}

// fetchEntity, createEntity and listEntities are the shared entity
// retrieval shapes used by the typed wrappers.

func (s *Session) fetchEntity(ctx context.Context, kind EntityKind, path string, query url.Values) (*Entity, error) {
	body, err := s.getJSON(ctx, "get "+string(kind), path, query)
	if err != nil {
		return nil, err
	}
	return newEntity(s, kind, body)
}

func (s *Session) createEntity(ctx context.Context, kind EntityKind, path string, payload any) (*Entity, error) {
	body, err := s.postJSON(ctx, "create "+string(kind), path, payload)
	if err != nil {
		return nil, err
	}
	return newEntity(s, kind, body)
}

func (s *Session) listEntities(ctx context.Context, op string, kind EntityKind, path string, query url.Values) ([]*Entity, error) {
	body, err := s.getJSON(ctx, op, path, query)
	if err != nil {
		return nil, err
	}
	items := gjson.GetBytes(body, "data").Array()
	out := make([]*Entity, 0, len(items))
	for _, it := range items {
		ent, err := newEntity(s, kind, []byte(it.Raw))
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}
