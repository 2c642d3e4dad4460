package providers

import (
	"strings"
	"sync"
)

// ModelInfo describes one catalog entry for the models-listing endpoint.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
}

// Catalog is the static list of supported models.
func Catalog() []ModelInfo {
	return []ModelInfo{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Provider: "gemini", Description: "Fast general-purpose model"},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "gemini", Description: "Higher-quality reasoning model"},
		{ID: "sonar", Name: "Perplexity Sonar", Provider: "perplexity", Description: "Web-grounded answers with citations"},
		{ID: "sonar-pro", Name: "Perplexity Sonar Pro", Provider: "perplexity", Description: "Larger web-grounded model"},
	}
}

// Registry maps model families to provider adapters.
//
// Resolution is by model-name prefix ("gemini*" vs "sonar*") rather than an
// exact-ID table, so new point releases of a family route without a config
// change.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// ProviderNameForModel maps a model ID to its provider family name.
// Returns "" for unknown families.
func ProviderNameForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	case strings.HasPrefix(model, "sonar"):
		return "perplexity"
	default:
		return ""
	}
}

// Resolve returns the adapter for the requested model's family.
func (r *Registry) Resolve(model string) (Provider, bool) {
	name := ProviderNameForModel(model)
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
