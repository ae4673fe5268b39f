package edge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// SiteValidator checks that an inbound request's tenant and origin pair
// is known. A cheap, non-financial identity gate; the full tenant and
// session matching lives outside this service.
type SiteValidator interface {
	Validate(ctx context.Context, tenantID, origin string) error
}

// AllowAllValidator accepts every tenant/origin pair. Useful behind a
// trusted gateway that already authenticated the tenant.
type AllowAllValidator struct{}

func (AllowAllValidator) Validate(ctx context.Context, tenantID, origin string) error {
	return nil
}

// StaticSiteValidator validates origins against a fixed per-tenant
// allow-list. A tenant with no entry is rejected; an entry of "*"
// accepts any origin for that tenant.
type StaticSiteValidator struct {
	mu    sync.RWMutex
	sites map[string][]string
}

// NewStaticSiteValidator builds a validator from tenant id to allowed
// origin hosts.
func NewStaticSiteValidator(sites map[string][]string) *StaticSiteValidator {
	normalized := make(map[string][]string, len(sites))
	for tenant, origins := range sites {
		hosts := make([]string, 0, len(origins))
		for _, o := range origins {
			hosts = append(hosts, normalizeOrigin(o))
		}
		normalized[tenant] = hosts
	}
	return &StaticSiteValidator{sites: normalized}
}

// Validate checks the origin host against the tenant's allow-list.
func (v *StaticSiteValidator) Validate(ctx context.Context, tenantID, origin string) error {
	v.mu.RLock()
	allowed, ok := v.sites[tenantID]
	v.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown tenant %q", tenantID)
	}

	host := normalizeOrigin(origin)
	for _, a := range allowed {
		if a == "*" || a == host {
			return nil
		}
	}
	return fmt.Errorf("origin %q not allowed for tenant %q", origin, tenantID)
}

// SetSites replaces the allow-list, for config reloads.
func (v *StaticSiteValidator) SetSites(sites map[string][]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sites = sites
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(strings.ToLower(origin))
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}
