package catalog

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/flowplane/pkg/schema"
)

// Catalog is a read-only lookup of provider, action, and trigger specs.
type Catalog interface {
	Provider(slug string) (*Provider, bool)
	Action(providerSlug, actionName string) (*ActionSpec, bool)
	Trigger(providerSlug, triggerSlug string) (*TriggerSpec, bool)
	Providers() []ProviderInfo
}

// Provider groups the actions and triggers exposed by one integration.
type Provider struct {
	Slug     string                 `json:"slug"`
	Name     string                 `json:"name,omitempty"`
	Actions  map[string]ActionSpec  `json:"actions,omitempty"`
	Triggers map[string]TriggerSpec `json:"triggers,omitempty"`
}

// ActionSpec describes the parameter and scope contract of one action.
type ActionSpec struct {
	Name           string   `json:"name"`
	RequiredParams []string `json:"required_params,omitempty"`
	OptionalParams []string `json:"optional_params,omitempty"`
	RequiredScopes []string `json:"required_scopes,omitempty"`
	Deprecated     bool     `json:"deprecated,omitempty"`
}

// TriggerSpec describes one trigger a provider can deliver.
type TriggerSpec struct {
	Slug             string   `json:"slug"`
	Kind             string   `json:"kind,omitempty"`
	RequiredScopes   []string `json:"required_scopes,omitempty"`
	SupportsWebhooks bool     `json:"supports_webhooks,omitempty"`
	SupportsPolling  bool     `json:"supports_polling,omitempty"`
}

// ProviderInfo is a summary of a registered provider for listing.
type ProviderInfo struct {
	Slug         string `json:"slug"`
	Name         string `json:"name,omitempty"`
	ActionCount  int    `json:"action_count"`
	TriggerCount int    `json:"trigger_count"`
}

// Registry is the concrete thread-safe Catalog implementation.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
	}
}

// LoadJSON replaces the registry contents with the providers encoded in raw.
// The document is a JSON array of Provider objects.
func (r *Registry) LoadJSON(raw []byte) error {
	var providers []*Provider
	if err := json.Unmarshal(raw, &providers); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "catalog document is not valid JSON").WithCause(err)
	}

	loaded := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		if p.Slug == "" {
			return schema.NewError(schema.ErrCodeValidation, "catalog provider has empty slug")
		}
		if _, exists := loaded[p.Slug]; exists {
			return schema.NewErrorf(schema.ErrCodeConflict, "catalog provider %q listed twice", p.Slug)
		}
		loaded[p.Slug] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = loaded
	return nil
}

// Register adds a single provider. Returns error on duplicate slug.
func (r *Registry) Register(p *Provider) error {
	if p == nil || p.Slug == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider slug is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Slug]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already registered", p.Slug)
	}
	r.providers[p.Slug] = p
	return nil
}

// Provider retrieves a provider by slug.
func (r *Registry) Provider(slug string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[slug]
	return p, ok
}

// Action retrieves one action spec by provider slug and action name.
func (r *Registry) Action(providerSlug, actionName string) (*ActionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerSlug]
	if !ok {
		return nil, false
	}
	spec, ok := p.Actions[actionName]
	if !ok {
		return nil, false
	}
	return &spec, true
}

// Trigger retrieves one trigger spec by provider slug and trigger slug.
func (r *Registry) Trigger(providerSlug, triggerSlug string) (*TriggerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerSlug]
	if !ok {
		return nil, false
	}
	spec, ok := p.Triggers[triggerSlug]
	if !ok {
		return nil, false
	}
	return &spec, true
}

// Providers returns a summary of every provider, sorted by slug.
func (r *Registry) Providers() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, ProviderInfo{
			Slug:         p.Slug,
			Name:         p.Name,
			ActionCount:  len(p.Actions),
			TriggerCount: len(p.Triggers),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Slug < infos[j].Slug
	})
	return infos
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
