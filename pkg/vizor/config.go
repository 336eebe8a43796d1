package vizor

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Environment variables consulted by Connect. Explicit options always win
// over the environment.
const (
	EnvUsername  = "VIZOR_USER"
	EnvPassword  = "VIZOR_PASS"
	EnvAPIKey    = "VIZOR_API_KEY"
	EnvTenant    = "VIZOR_TENANT"
	EnvURLPrefix = "VIZOR_URL_PREFIX"

	// EnvGatewayURLPrefix points NewLocalGateway at an on-premise gateway.
	EnvGatewayURLPrefix = "VIZOR_GW_URL_PREFIX"
)

const (
	// DefaultBaseURL is the public API endpoint used when no URL prefix is
	// configured.
	DefaultBaseURL = "https://api.vizor.io"

	defaultTimeout        = 60 * time.Second
	defaultRetryBaseDelay = 500 * time.Millisecond
)

var (
	defaultConsensusLabels = []string{"True", "False", "None"}
	defaultFeedbackLabels  = []string{"True", "False", "Uncertain"}
)

// Config holds the resolved connection settings for a Session. It is
// assembled by Connect from defaults, the environment, and Options, in
// ascending precedence.
type Config struct {
	// BaseURL is the API endpoint, without a version segment. Trailing
	// version segments and slashes are stripped during resolution.
	BaseURL string `validate:"required,url"`

	// APIKey authenticates the session. Exactly one of APIKey or the
	// Username/Password pair is required; APIKey wins when both are set.
	APIKey   string `validate:"required_without=Username"`
	Username string `validate:"required_without=APIKey"`
	Password string `validate:"required_with=Username"`

	// TenantID selects the working tenant. It may be empty when the
	// credentials are authorized for exactly one tenant.
	TenantID string

	// Timeout bounds each HTTP request. It is not an overall operation
	// deadline; use the context for that.
	Timeout time.Duration `validate:"gt=0"`

	// RetryBaseDelay is the first backoff interval of the operation retry
	// loop. Each subsequent attempt doubles it.
	RetryBaseDelay time.Duration `validate:"gt=0"`

	// ConsensusLabels is the label vocabulary accepted when associating
	// media with a subject. The third label acts as the "no consensus"
	// value.
	ConsensusLabels []string `validate:"min=1"`

	// FeedbackLabels is the label vocabulary accepted by application
	// feedback operations and association filters.
	FeedbackLabels []string `validate:"min=1"`

	Logger zerolog.Logger `validate:"-"`
}

// Option overrides one Config setting.
type Option func(*Config)

// WithCredentials sets the username and password used to obtain access
// tokens.
func WithCredentials(username, password string) Option {
	return func(c *Config) {
		c.Username = username
		c.Password = password
	}
}

// WithAPIKey sets an API key credential. It takes precedence over a
// username/password pair.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithTenant selects the working tenant for the session.
func WithTenant(tenantID string) Option {
	return func(c *Config) {
		c.TenantID = tenantID
	}
}

// WithBaseURL points the session at a non-default API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithRetryBaseDelay sets the first backoff interval of the operation
// retry loop.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Config) {
		c.RetryBaseDelay = d
	}
}

// WithLogger attaches a zerolog logger to the session. The default
// discards all output.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithConsensusLabels replaces the label vocabulary for subject/media
// associations. The last label is treated as the "no consensus" value.
func WithConsensusLabels(labels ...string) Option {
	return func(c *Config) {
		c.ConsensusLabels = labels
	}
}

// WithFeedbackLabels replaces the label vocabulary for application
// feedback.
func WithFeedbackLabels(labels ...string) Option {
	return func(c *Config) {
		c.FeedbackLabels = labels
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// trailing version segment, with or without a final slash
var trailingVersion = regexp.MustCompile(`/\d+/?$`)

// resolveConfig layers defaults, environment variables, and options, then
// validates the result. A .env file in the working directory is honored
// when present.
func resolveConfig(opts ...Option) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BaseURL:         DefaultBaseURL,
		Timeout:         defaultTimeout,
		RetryBaseDelay:  defaultRetryBaseDelay,
		ConsensusLabels: defaultConsensusLabels,
		FeedbackLabels:  defaultFeedbackLabels,
		Logger:          zerolog.Nop(),
	}

	if v := os.Getenv(EnvUsername); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(EnvTenant); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv(EnvURLPrefix); v != "" {
		cfg.BaseURL = v
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// normalizeBaseURL strips a trailing API version segment and trailing
// slash so request paths can carry their own version.
func normalizeBaseURL(url string) string {
	url = trailingVersion.ReplaceAllString(url, "")
	return strings.TrimSuffix(url, "/")
}

// noConsensusLabel returns the label meaning "no consensus" for the
// configured vocabulary.
func (c *Config) noConsensusLabel() string {
	return c.ConsensusLabels[len(c.ConsensusLabels)-1]
}

func (c *Config) validConsensusLabel(label string) bool {
	for _, l := range c.ConsensusLabels {
		if l == label {
			return true
		}
	}
	return false
}

func (c *Config) validFeedbackLabel(label string) bool {
	for _, l := range c.FeedbackLabels {
		if l == label {
			return true
		}
	}
	return false
}
