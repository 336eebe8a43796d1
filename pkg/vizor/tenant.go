package vizor

import "context"

// Tenant is a handle on a tenant record. Tenant fields are server-owned;
// writes are held as local state only.
type Tenant struct {
	*Entity
}

// Name returns the tenant's display name, or "" when unset.
func (t *Tenant) Name() string {
	n, _ := t.StringField("name")
	return n
}

// Region returns the tenant's regional API endpoint host, or "" when the
// tenant is served from the default endpoint.
func (t *Tenant) Region() string {
	r, _ := t.StringField("region")
	return r
}

// currentTenant fetches the tenant of the session's access token.
func (s *Session) currentTenant(ctx context.Context) (*Tenant, error) {
	ent, err := s.fetchEntity(ctx, KindTenant, "/tenants/current", nil)
	if err != nil {
		return nil, err
	}
	return &Tenant{ent}, nil
}

// RefreshTenant re-fetches the session's tenant record and repins it.
func (s *Session) RefreshTenant(ctx context.Context) (*Tenant, error) {
	t, err := s.currentTenant(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tenant = t
	s.mu.Unlock()
	return t, nil
}
