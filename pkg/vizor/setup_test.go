package vizor

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vizorlabs/vizor-sdk-go/internal/vizortest"
)

// newTestPlatform starts a fake platform on a local listener and tears
// it down with the test.
func newTestPlatform(t *testing.T) (*vizortest.Server, *httptest.Server) {
	t.Helper()
	fake := vizortest.New()
	ts := httptest.NewServer(fake.Router)
	t.Cleanup(ts.Close)
	return fake, ts
}

// connect establishes a session against the fake platform with fast
// retries so backoff-heavy tests stay quick.
func connect(t *testing.T, fake *vizortest.Server, ts *httptest.Server, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithBaseURL(ts.URL),
		WithAPIKey(fake.APIKey),
		WithRetryBaseDelay(time.Millisecond),
	}
	s, err := Connect(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	return s
}
