// Package vizortest implements an in-memory stand-in for the platform
// API, sufficient for exercising the SDK end to end over real HTTP.
// Mount Router on an httptest server and point a Session at its URL.
//
// Beyond the API surface, the server records per-route hit counts and
// request payloads, and can be scripted to fail routes or revoke issued
// tokens, so tests can assert on the SDK's retry and re-authentication
// behavior.
package vizortest

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Server is one fake platform instance. The exported configuration
// fields may be adjusted after New and before serving traffic.
type Server struct {
	Router *chi.Mux

	// Credentials accepted by the token endpoint.
	APIKey   string
	Username string
	Password string

	// TokenTTL bounds the lifetime of issued access tokens.
	TokenTTL time.Duration

	// ChunkSize is the chunk size granted to resumable uploads.
	ChunkSize int64

	// APIVersion and AuthAPIVersion are reported by the version
	// endpoints.
	APIVersion     string
	AuthAPIVersion string

	Logger zerolog.Logger

	secret []byte
	st     *store

	mu        sync.Mutex
	tokenGen  int
	hits      map[string]int
	faults    map[string]*fault
	lastJSON  map[string][]byte
	lastQuery map[string]url.Values
	uploads   map[string]*uploadSession
	phases    []string
	events    map[string][]GatewayEvent
	feedback  map[string][]map[string]any
	models    map[string]modelBlob
	blobs     map[string][]byte

	tenantID string
	userID   string
}

type fault struct {
	status int
	times  int
}

// New returns a server seeded with one tenant and one user holding the
// default credentials.
func New() *Server {
	s := &Server{
		Router:         chi.NewRouter(),
		APIKey:         "vk_test_0000000000000001",
		Username:       "jane@example.com",
		Password:       "round-trip-22",
		TokenTTL:       time.Hour,
		ChunkSize:      4 * 1024 * 1024,
		APIVersion:     "2.1.0",
		AuthAPIVersion: "2.0.0",
		Logger:         zerolog.Nop(),
		secret:         []byte("vizortest-hs256-signing-secret"),
		st:             newStore(),
		hits:           map[string]int{},
		faults:         map[string]*fault{},
		lastJSON:       map[string][]byte{},
		lastQuery:      map[string]url.Values{},
		uploads:        map[string]*uploadSession{},
		events:         map[string][]GatewayEvent{},
		feedback:       map[string][]map[string]any{},
		models:         map[string]modelBlob{},
		blobs:          map[string][]byte{},
	}
	s.tenantID = s.AddTenant("vizor-dev", "")
	s.userID = s.seedUser()
	s.mount()
	return s
}

// TenantID returns the tenant seeded by New.
func (s *Server) TenantID() string { return s.tenantID }

// UserID returns the user seeded by New.
func (s *Server) UserID() string { return s.userID }

// AddTenant registers another tenant the credentials are authorized for
// and returns its id. A non-empty region lands in the tenant record.
func (s *Server) AddTenant(name, region string) string {
	fields := map[string]any{"name": name, "tenant_type": "standard"}
	if region != "" {
		fields["region"] = region
	}
	return s.seedRecord("tenants", "tenant_id", "tn", fields)
}

func (s *Server) seedUser() string {
	return s.seedRecord("users", "user_id", "usr", map[string]any{
		"email":      s.Username,
		"given_name": "Jane",
		"surname":    "Doe",
	})
}

// Fail scripts the next times requests matching method and path to be
// answered with status. A negative times fails the route until the
// script is replaced. Scripted responses still count as hits.
func (s *Server) Fail(method, path string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method+" "+path] = &fault{status: status, times: times}
}

// RevokeTokens invalidates every access token issued so far. Tokens
// issued afterwards are valid again.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenGen++
}

// Hits returns how many requests matched method and path, scripted
// failures included.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// LastJSON returns the body of the most recent JSON request matching
// method and path, or nil.
func (s *Server) LastJSON(method, path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastJSON[method+" "+path]
}

// LastQuery returns the query values of the most recent request matching
// method and path, or nil.
func (s *Server) LastQuery(method, path string) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery[method+" "+path]
}

// UploadPhases returns the resumable upload phases handled so far, in
// order, e.g. ["start", "transfer 1", "transfer 2", "finish"].
func (s *Server) UploadPhases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.phases))
	copy(out, s.phases)
	return out
}

func (s *Server) mount() {
	s.Router.Use(s.logRequests)
	s.Router.Use(s.gate)

	s.Router.Route("/1", func(r chi.Router) {
		// credential endpoints and the surfaces a gateway serves without
		// platform auth
		r.Get("/token", s.issueToken)
		r.Get("/users/current/tenants", s.authorizedTenants)
		r.Get("/version", s.getVersion)
		r.Get("/authversion", s.getAuthVersion)
		r.Post("/process/{subjectUID}", s.processMedia)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/tenants/current", s.currentTenant)
			r.Get("/users/current", s.currentUser)

			for _, k := range kinds {
				if k.creatable {
					r.Post("/"+k.segment, s.createRecord(k))
				}
				r.Get("/"+k.segment+"/{id}", s.getRecord(k))
				r.Post("/"+k.segment+"/{id}", s.updateRecord(k))
				r.Delete("/"+k.segment+"/{id}", s.deleteRecord(k))
				if k.tenantList {
					r.Get("/tenants/{tenantID}/"+k.segment, s.listRecords(k))
				}
			}

			r.Post("/subjects/{subjectUID}/media", s.associateMedia)
			r.Delete("/subjects/{subjectUID}/media", s.disassociateMedia)
			r.Get("/subjects/{subjectUID}/media", s.subjectAssociations)

			r.Get("/applications/{id}/feedback/pending", s.pendingFeedback)
			r.Get("/applications/{id}/feedback", s.getFeedback)
			r.Post("/applications/{id}/feedback", s.postFeedback)
			r.Get("/applications/{id}/ccp", s.getCCP)
			r.Get("/applications/{id}/media", s.applicationAssociations)
			r.Get("/models/{name}", s.downloadModel)

			r.Post("/media", s.createMedia)
			r.Post("/media/resumable", s.resumableMedia)
			r.Get("/media/all/search", s.searchMedia)
			r.Get("/media/{id}/detections", s.getDetections)
			r.Get("/media/{id}/subjects", s.mediaSubjects)
			r.Get("/media/{id}/download", s.downloadMedia)

			r.Post("/gateways/{id}/event/{event}", s.gatewayEvent)
			r.Get("/gateways/{id}/status", s.gatewayStatus)
			r.Get("/gateways/{id}/status/{subsystem}", s.gatewayStatus)

			r.Post("/ops/review", s.createReview)
			r.Get("/ops/review", s.nextReview)
			r.Get("/ops/review/pending", s.pendingReviews)
			r.Post("/ops/results", s.postReviewResult)
			r.Get("/ops/results", s.searchReviewResults)

			r.Get("/externalResults", s.listExternalResults)

			r.Get("/users/{userID}/apiKeys", s.listAPIKeys)
			r.Post("/users/{userID}/apiKeys", s.createAPIKey)
			r.Get("/users/{userID}/apiKeys/{keyID}", s.getAPIKey)
			r.Delete("/users/{userID}/apiKeys/{keyID}", s.deleteAPIKey)
		})
	})
}

// checkCredentials validates the raw credentials of a request against
// the seeded user: either "Authorization: Key <apikey>" or basic auth.
func (s *Server) checkCredentials(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); len(auth) > 4 && auth[:4] == "Key " {
		return auth[4:] == s.APIKey
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == s.Username && pass == s.Password
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	if !s.checkCredentials(r) {
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		tenantID = s.tenantID
	}
	if _, ok := s.st.get("tenants", tenantID); !ok {
		writeErr(w, http.StatusNotFound, "tenant not found")
		return
	}

	s.mu.Lock()
	gen := s.tokenGen
	s.mu.Unlock()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       s.userID,
		"tenant_id": tenantID,
		"iat":       now.Unix(),
		"exp":       now.Add(s.TokenTTL).Unix(),
		"gen":       gen,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "signing token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"expires_in":   int(s.TokenTTL.Seconds()),
	})
}

func (s *Server) authorizedTenants(w http.ResponseWriter, r *http.Request) {
	if !s.checkCredentials(r) {
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	tenants := []map[string]any{}
	for _, rec := range s.st.list("tenants") {
		tenants = append(tenants, map[string]any{
			"tenant_id": jsonField(rec, "tenant_id"),
			"name":      jsonField(rec, "name"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) currentTenant(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.st.get("tenants", tenantFromContext(r.Context()))
	if !ok {
		writeErr(w, http.StatusNotFound, "tenant not found")
		return
	}
	writeRaw(w, http.StatusOK, rec)
}

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.st.get("users", s.userID)
	if !ok {
		writeErr(w, http.StatusNotFound, "user not found")
		return
	}
	writeRaw(w, http.StatusOK, rec)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": s.APIVersion})
}

func (s *Server) getAuthVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": s.AuthAPIVersion})
}
