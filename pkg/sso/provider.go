package sso

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/mux"
)

// Provider is the capability contract each external identity source
// implements. Providers own their outbound network calls and the provider
// registry entry; they never touch the database directly.
type Provider interface {
	// ProviderName is the stable identifier used for audit entries and
	// session tagging.
	ProviderName() string

	// SetConfig activates the provider with the given settings, or
	// deactivates it when given nil. Safe against concurrent reads from
	// in-flight requests.
	SetConfig(cfg *Config)

	// Config returns the active configuration, or nil when deactivated.
	Config() *Config

	// Initialize mounts the provider's login, callback, and logout routes.
	// Idempotent with respect to reconfiguration: routes are registered
	// once and consult the live config per request.
	Initialize(router *mux.Router)

	// RefreshToken exchanges a refresh token for new tokens at the
	// provider's token endpoint. Never returns a Go error; exchange
	// failure is carried in the result. The call applies a bounded
	// network timeout.
	RefreshToken(ctx context.Context, refreshToken string) RefreshResult

	// TestSetup validates a candidate configuration with an out-of-band
	// credential exchange. No side effects, nothing persisted.
	TestSetup(ctx context.Context, cfg *Config) TestResult
}

// Registry is the process-wide provider registry. Written rarely by
// Configure, read on every request dispatch.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry. Registering the same name
// twice replaces the previous provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ProviderName()] = p
}

// Configure activates or deactivates a registered provider
func (r *Registry) Configure(name string, cfg *Config) error {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	p.SetConfig(cfg)
	return nil
}

// Lookup returns the provider registered under name
func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitializeAll mounts every registered provider's routes
func (r *Registry) InitializeAll(router *mux.Router) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		p.Initialize(router)
	}
}
