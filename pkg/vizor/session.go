package vizor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// transport-level retries for connection failures only; HTTP status
// handling belongs to the operation retry loop
const transportRetries = 5

// Session is an authenticated connection to the platform, pinned to a
// single tenant. It is safe for concurrent use once Connect returns.
type Session struct {
	cfg     *Config
	log     zerolog.Logger
	rest    *resty.Client
	baseURL string

	mu       sync.RWMutex
	token    string
	tokenExp time.Time

	tenant *Tenant
	user   *User
}

// TenantInfo describes one tenant a set of credentials is authorized for.
type TenantInfo struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

// Connect authenticates against the platform and returns a ready Session.
//
// When no tenant is configured and the credentials are authorized for
// exactly one tenant, that tenant is used. With multiple authorized
// tenants Connect fails with a *TenantChoiceError listing them. After
// authentication the working tenant and user records are fetched and
// pinned on the session, and the session switches to the tenant's
// regional endpoint when the tenant record names one.
func Connect(ctx context.Context, opts ...Option) (*Session, error) {
	cfg, err := resolveConfig(opts...)
	if err != nil {
		return nil, err
	}
	s := newSession(cfg)

	if cfg.TenantID == "" {
		tenants, err := s.listAuthorizedTenants(ctx)
		if err != nil {
			return nil, err
		}
		switch len(tenants) {
		case 0:
			return nil, ErrClient.New("credentials are not authorized for any tenant")
		case 1:
			cfg.TenantID = tenants[0].TenantID
			s.log.Debug().Str("tenant_id", cfg.TenantID).Msg("using sole authorized tenant")
		default:
			return nil, &TenantChoiceError{Tenants: tenants}
		}
	}

	if err := s.withRetry(ctx, "authenticate", func() error {
		return s.authenticate(ctx)
	}); err != nil {
		return nil, err
	}

	tenant, err := s.currentTenant(ctx)
	if err != nil {
		return nil, err
	}
	s.tenant = tenant

	user, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	s.user = user

	if region, err := tenant.StringField("region"); err == nil && region != "" {
		s.baseURL = "https://" + region
		s.log.Debug().Str("region", region).Msg("switched to tenant regional endpoint")
	}

	s.log.Info().
		Str("tenant_id", cfg.TenantID).
		Str("endpoint", s.baseURL).
		Msg("session established")
	return s, nil
}

// AuthorizedTenants returns the tenants the configured credentials may
// connect to, without establishing a session.
func AuthorizedTenants(ctx context.Context, opts ...Option) ([]TenantInfo, error) {
	cfg, err := resolveConfig(opts...)
	if err != nil {
		return nil, err
	}
	return newSession(cfg).listAuthorizedTenants(ctx)
}

func newSession(cfg *Config) *Session {
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "vizor").Logger(),
		baseURL: cfg.BaseURL,
	}
	s.rest = resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(transportRetries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil
		}).
		SetHeader("User-Agent", userAgent).
		SetLogger(restyLogger{s.log})
	return s
}

// Tenant returns the pinned tenant record, from Connect or the latest
// RefreshTenant.
func (s *Session) Tenant() *Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenant
}

// User returns the pinned user record, from Connect or the latest
// RefreshUser.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// TenantID returns the tenant the session is connected to.
func (s *Session) TenantID() string { return s.cfg.TenantID }

// authenticate obtains a fresh access token using the configured
// credentials. It is called by Connect and again by the request path
// whenever the current token is rejected or known to be expired.
func (s *Session) authenticate(ctx context.Context) error {
	req := s.rest.R().SetContext(ctx)
	if s.cfg.TenantID != "" {
		req.SetQueryParam("tenant_id", s.cfg.TenantID)
	}
	if s.cfg.APIKey != "" {
		req.SetHeader("Authorization", "Key "+s.cfg.APIKey)
	} else {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := req.Get(s.baseURL + "/1/token")
	if err != nil {
		return connectionError(err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.Body()); err != nil {
		return err
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body(), &tok); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token response carried no access_token")
	}

	s.setToken(tok.AccessToken)
	s.log.Debug().Time("expires", s.expiry()).Msg("access token refreshed")
	return nil
}

// listAuthorizedTenants queries the tenant list with the raw credentials,
// before any access token exists.
func (s *Session) listAuthorizedTenants(ctx context.Context) ([]TenantInfo, error) {
	var body []byte
	err := s.withRetry(ctx, "list authorized tenants", func() error {
		req := s.rest.R().SetContext(ctx)
		if s.cfg.APIKey != "" {
			req.SetHeader("Authorization", "Key "+s.cfg.APIKey)
		} else {
			req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
		}
		resp, err := req.Get(s.baseURL + "/1/users/current/tenants")
		if err != nil {
			return connectionError(err)
		}
		if err := classifyStatus(resp.StatusCode(), resp.Body()); err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Tenants []TenantInfo `json:"tenants"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding tenant list: %w", err)
	}
	return envelope.Tenants, nil
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.tokenExp = tokenExpiry(token)
}

func (s *Session) currentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenExp
}

// tokenExpired reports whether the session holds a token that is already
// past its exp claim. Tokens without a readable exp never report expired;
// the 401 path catches those.
func (s *Session) tokenExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != "" && !s.tokenExp.IsZero() && time.Now().After(s.tokenExp)
}

// tokenExpiry extracts the exp claim without verifying the signature. The
// platform signs its tokens; the SDK only needs the deadline.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// restyLogger routes resty's transport diagnostics into the session
// logger.
type restyLogger struct {
	l zerolog.Logger
}

func (rl restyLogger) Errorf(format string, v ...any) { rl.l.Error().Msgf(format, v...) }
func (rl restyLogger) Warnf(format string, v ...any)  { rl.l.Warn().Msgf(format, v...) }
func (rl restyLogger) Debugf(format string, v ...any) { rl.l.Debug().Msgf(format, v...) }
