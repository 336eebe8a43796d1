package vizor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	// attempts in the credential chokepoint before a 401 surfaces
	credentialAttempts = 3
	// total attempts per operation for server errors, backoff doubling
	// from Config.RetryBaseDelay
	operationAttempts = 8

	defaultAPIVersion = "/1"
)

// a path that already starts with its own version segment, e.g. "/21/..."
var versionedPath = regexp.MustCompile(`^/\d+(/|$)`)

type filePart struct {
	param       string
	fileName    string
	contentType string
	reader      io.Reader
}

// reqOptions describes a single HTTP call. Relative paths without a
// version segment get the default "/1" prefix; absolute URLs returned by
// the platform (paging links, media URLs) are used verbatim.
type reqOptions struct {
	method   string
	path     string
	query    url.Values
	jsonBody any
	form     url.Values
	files    []filePart
	stream   bool
}

// request issues one HTTP call through the credential chokepoint. A 401
// triggers re-authentication and a re-issue, bounded by
// credentialAttempts; a token already past its exp claim is refreshed
// before the first issue. Everything else returns to the caller
// unchanged, classified per the error taxonomy.
func (s *Session) request(ctx context.Context, opts reqOptions) (*resty.Response, error) {
	if s.tokenExpired() {
		s.log.Debug().Msg("access token expired, re-authenticating")
		if err := s.authenticate(ctx); err != nil {
			return nil, err
		}
	}

	var resp *resty.Response
	err := retry.Do(
		func() error {
			var err error
			resp, err = s.do(ctx, opts)
			if err != nil && errors.Is(err, ErrCredential) {
				if authErr := s.authenticate(ctx); authErr != nil {
					return authErr
				}
			}
			return err
		},
		retry.Attempts(credentialAttempts),
		retry.Delay(time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrCredential)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// do builds and issues the HTTP request and classifies the response.
func (s *Session) do(ctx context.Context, opts reqOptions) (*resty.Response, error) {
	req := s.rest.R().SetContext(ctx)
	if tok := s.currentToken(); tok != "" {
		req.SetHeader("Authorization", "Bearer "+tok)
	}
	if opts.query != nil {
		req.SetQueryParamsFromValues(opts.query)
	}
	if opts.jsonBody != nil {
		b, err := json.Marshal(opts.jsonBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		req.SetHeader("Content-Type", "application/json").SetBody(b)
	}
	if opts.form != nil {
		req.SetFormDataFromValues(opts.form)
	}
	for _, f := range opts.files {
		req.SetMultipartField(f.param, f.fileName, f.contentType, f.reader)
	}
	if opts.stream {
		req.SetDoNotParseResponse(true)
	}

	resp, err := req.Execute(opts.method, s.resolveURL(opts.path))
	if err != nil {
		return nil, connectionError(err)
	}

	if opts.stream {
		if code := resp.StatusCode(); code >= 400 {
			body, _ := io.ReadAll(resp.RawBody())
			resp.RawBody().Close()
			return nil, classifyStatus(code, body)
		}
		return resp, nil
	}
	if err := classifyStatus(resp.StatusCode(), resp.Body()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Session) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !versionedPath.MatchString(path) {
		path = defaultAPIVersion + path
	}
	return s.baseURL + path
}

// withRetry runs fn under the operation retry loop.
func (s *Session) withRetry(ctx context.Context, op string, fn func() error) error {
	return withBackoff(ctx, s.log, s.cfg.RetryBaseDelay, op, fn)
}

// withBackoff retries fn on server errors and connection failures with
// exponential backoff, up to operationAttempts total attempts. Client and
// credential failures surface immediately.
func withBackoff(ctx context.Context, log zerolog.Logger, base time.Duration, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(operationAttempts),
		retry.Delay(base),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Uint("attempt", n+1).
				Str("operation", op).
				Err(err).
				Msg("retrying after server error")
		}),
	)
}

// getJSON, postJSON and del wrap the common fetch shapes: one retried
// request returning the raw response body.

func (s *Session) getJSON(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	var body []byte
	err := s.withRetry(ctx, op, func() error {
		resp, err := s.request(ctx, reqOptions{method: http.MethodGet, path: path, query: query})
		if err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	return body, err
}

func (s *Session) postJSON(ctx context.Context, op, path string, payload any) ([]byte, error) {
	var body []byte
	err := s.withRetry(ctx, op, func() error {
		resp, err := s.request(ctx, reqOptions{method: http.MethodPost, path: path, jsonBody: payload})
		if err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	return body, err
}

func (s *Session) del(ctx context.Context, op, path string, payload any) error {
	return s.withRetry(ctx, op, func() error {
		_, err := s.request(ctx, reqOptions{method: http.MethodDelete, path: path, jsonBody: payload})
		return err
	})
}
