package vizor

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SDKVersion is the version of this client library.
const SDKVersion = "1.1.0"

const userAgent = "vizor-sdk-go/" + SDKVersion

// platform API versions this SDK is built against
const supportedAPIVersions = ">= 1.0, < 3.0"

// Version reports the platform's version information.
func (s *Session) Version(ctx context.Context) (map[string]any, error) {
	return s.versionInfo(ctx, "/version")
}

// AuthVersion reports the authentication service's version information.
func (s *Session) AuthVersion(ctx context.Context) (map[string]any, error) {
	return s.versionInfo(ctx, "/authversion")
}

func (s *Session) versionInfo(ctx context.Context, path string) (map[string]any, error) {
	body, err := s.getJSON(ctx, "get version", path, nil)
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding version info: %w", err)
	}
	return info, nil
}

// CheckCompatibility verifies the platform API version falls inside the
// range this SDK supports.
func (s *Session) CheckCompatibility(ctx context.Context) error {
	info, err := s.Version(ctx)
	if err != nil {
		return err
	}
	raw, _ := info["version"].(string)
	if raw == "" {
		return fmt.Errorf("platform version response carried no version")
	}
	ver, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("parsing platform version %q: %w", raw, err)
	}
	constraint, err := semver.NewConstraint(supportedAPIVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(ver) {
		return fmt.Errorf("platform version %s is outside the supported range %q", ver, supportedAPIVersions)
	}
	return nil
}
