package vizor

import (
	"context"
	"fmt"
)

// User is a handle on a user record.
type User struct {
	*Entity
}

// Email returns the user's email address, or "" when unset.
func (u *User) Email() string {
	e, _ := u.StringField("email")
	return e
}

// currentUser fetches the user of the session's access token.
func (s *Session) currentUser(ctx context.Context) (*User, error) {
	ent, err := s.fetchEntity(ctx, KindUser, "/users/current", nil)
	if err != nil {
		return nil, err
	}
	return &User{ent}, nil
}

// RefreshUser re-fetches the session's user record and repins it.
func (s *Session) RefreshUser(ctx context.Context) (*User, error) {
	u, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	return u, nil
}

// APIKey is an API key credential of a user. The Key secret is only
// present when creating a key or fetching one by id.
type APIKey struct {
	KeyID       string  `json:"key_id"`
	Key         string  `json:"api_key,omitempty"`
	Description string  `json:"description"`
	CreatedAt   float64 `json:"created_at"`
}

// APIKeys lists the user's API keys, without their secrets.
func (u *User) APIKeys(ctx context.Context) ([]APIKey, error) {
	body, err := u.sess.getJSON(ctx, "list api keys", u.keysPath(), nil)
	if err != nil {
		return nil, err
	}
	var keys []APIKey
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("decoding api keys: %w", err)
	}
	return keys, nil
}

// GetAPIKey fetches one API key, including its secret.
func (u *User) GetAPIKey(ctx context.Context, keyID string) (APIKey, error) {
	body, err := u.sess.getJSON(ctx, "get api key", u.keysPath()+"/"+keyID, nil)
	if err != nil {
		return APIKey{}, err
	}
	var key APIKey
	if err := json.Unmarshal(body, &key); err != nil {
		return APIKey{}, fmt.Errorf("decoding api key: %w", err)
	}
	return key, nil
}

// CreateAPIKey mints a new API key for the user.
func (u *User) CreateAPIKey(ctx context.Context, description string) (APIKey, error) {
	payload := map[string]any{"description": description}
	body, err := u.sess.postJSON(ctx, "create api key", u.keysPath(), payload)
	if err != nil {
		return APIKey{}, err
	}
	var key APIKey
	if err := json.Unmarshal(body, &key); err != nil {
		return APIKey{}, fmt.Errorf("decoding api key: %w", err)
	}
	return key, nil
}

// DeleteAPIKey revokes an API key.
func (u *User) DeleteAPIKey(ctx context.Context, keyID string) error {
	return u.sess.del(ctx, "delete api key", u.keysPath()+"/"+keyID, nil)
}

func (u *User) keysPath() string {
	return "/users/" + u.ID() + "/apiKeys"
}
