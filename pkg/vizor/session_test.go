package vizor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)

	assert.Equal(t, fake.TenantID(), s.TenantID())
	require.NotNil(t, s.Tenant())
	assert.Equal(t, "vizor-dev", s.Tenant().Name())
	require.NotNil(t, s.User())
	assert.Equal(t, fake.Username, s.User().Email())

	assert.Equal(t, 1, fake.Hits(http.MethodGet, "/1/token"))
	assert.Equal(t, 1, fake.Hits(http.MethodGet, "/1/users/current/tenants"))
}

func TestConnectWithCredentials(t *testing.T) {
	fake, ts := newTestPlatform(t)

	s, err := Connect(context.Background(),
		WithBaseURL(ts.URL),
		WithCredentials(fake.Username, fake.Password),
		WithRetryBaseDelay(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, fake.TenantID(), s.TenantID())
}

func TestConnectBadAPIKey(t *testing.T) {
	fake, ts := newTestPlatform(t)

	_, err := Connect(context.Background(),
		WithBaseURL(ts.URL),
		WithAPIKey("vk_bogus"),
		WithRetryBaseDelay(time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredential))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	// credential failures are not retried
	assert.Equal(t, 1, fake.Hits(http.MethodGet, "/1/users/current/tenants"))
}

func TestConnectTenantChoice(t *testing.T) {
	fake, ts := newTestPlatform(t)
	qaID := fake.AddTenant("vizor-qa", "")

	_, err := Connect(context.Background(),
		WithBaseURL(ts.URL),
		WithAPIKey(fake.APIKey),
		WithRetryBaseDelay(time.Millisecond))
	require.Error(t, err)

	var choice *TenantChoiceError
	require.True(t, errors.As(err, &choice))
	require.Len(t, choice.Tenants, 2)
	assert.Contains(t, err.Error(), fake.TenantID())
	assert.Contains(t, err.Error(), qaID)

	s := connect(t, fake, ts, WithTenant(qaID))
	assert.Equal(t, qaID, s.TenantID())
	assert.Equal(t, "vizor-qa", s.Tenant().Name())
	assert.Equal(t, qaID, fake.LastQuery(http.MethodGet, "/1/token").Get("tenant_id"))
}

func TestConnectRegionSwitch(t *testing.T) {
	fake, ts := newTestPlatform(t)
	regional := fake.AddTenant("vizor-eu", "eu1.api.vizor.io")

	s := connect(t, fake, ts, WithTenant(regional))
	assert.Equal(t, "vizor-eu", s.Tenant().Name())
	// later requests leave through the tenant's regional endpoint
	assert.Equal(t, "https://eu1.api.vizor.io", s.baseURL)
}

func TestAuthorizedTenants(t *testing.T) {
	fake, ts := newTestPlatform(t)

	tenants, err := AuthorizedTenants(context.Background(),
		WithBaseURL(ts.URL),
		WithAPIKey(fake.APIKey),
		WithRetryBaseDelay(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, fake.TenantID(), tenants[0].TenantID)
	assert.Equal(t, "vizor-dev", tenants[0].Name)
	// no session was established
	assert.Equal(t, 0, fake.Hits(http.MethodGet, "/1/token"))
}

func TestTokenRevocationRecovery(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	uid := fake.SeedEntity("subjects", map[string]any{"name": "anomaly"})

	_, err := s.GetSubject(context.Background(), uid)
	require.NoError(t, err)

	fake.RevokeTokens()

	sub, err := s.GetSubject(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, "anomaly", sub.Name())

	// the rejected request plus its re-issue after re-authentication
	assert.Equal(t, 3, fake.Hits(http.MethodGet, "/1/subjects/"+uid))
	assert.Equal(t, 2, fake.Hits(http.MethodGet, "/1/token"))
}

func TestExpiredTokenRefreshedProactively(t *testing.T) {
	fake, ts := newTestPlatform(t)
	fake.TokenTTL = 250 * time.Millisecond
	s := connect(t, fake, ts)
	uid := fake.SeedEntity("subjects", map[string]any{"name": "anomaly"})

	time.Sleep(350 * time.Millisecond)
	require.True(t, s.tokenExpired())

	_, err := s.GetSubject(context.Background(), uid)
	require.NoError(t, err)

	// refreshed before the request went out, so the subject endpoint
	// never saw the stale token
	assert.Equal(t, 1, fake.Hits(http.MethodGet, "/1/subjects/"+uid))
	assert.Equal(t, 2, fake.Hits(http.MethodGet, "/1/token"))
}

func TestPersistentCredentialFailure(t *testing.T) {
	fake, ts := newTestPlatform(t)
	s := connect(t, fake, ts)
	uid := fake.SeedEntity("subjects", map[string]any{"name": "anomaly"})

	fake.RevokeTokens()
	fake.Fail(http.MethodGet, "/1/token", http.StatusUnauthorized, -1)

	_, err := s.GetSubject(context.Background(), uid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredential))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))

	// bounded by the credential attempt budget, not the operation loop
	assert.Equal(t, 3, fake.Hits(http.MethodGet, "/1/subjects/"+uid))
}
