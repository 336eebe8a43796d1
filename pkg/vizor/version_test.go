package vizor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	info, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", info["version"])

	info, err = s.AuthVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", info["version"])
}

func TestCheckCompatibility(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	ctx := context.Background()

	require.NoError(t, s.CheckCompatibility(ctx))

	fake.APIVersion = "3.5.0"
	err := s.CheckCompatibility(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the supported range")

	fake.APIVersion = "not-a-version"
	err = s.CheckCompatibility(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing platform version")

	fake.APIVersion = ""
	err = s.CheckCompatibility(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carried no version")
}
