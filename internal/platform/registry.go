// Package platform holds the per-platform URLs, selectors and rate tables the
// relay drives.
package platform

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rogersf/relay/internal/config"
	"github.com/rogersf/relay/internal/domain"
)

// DefaultDiscoveryScript collects post links from the current page as a JSON
// array of candidates.
const DefaultDiscoveryScript = `JSON.stringify(Array.from(document.querySelectorAll('article a[href*="/post/"]')).slice(0, 25).map(a => ({
  post_id: a.getAttribute('href').split('/post/')[1].split(/[?#\/]/)[0],
  url: a.href,
  author: (a.closest('article')?.querySelector('[data-author]')?.getAttribute('data-author')) || '',
  excerpt: (a.closest('article')?.innerText || '').slice(0, 280)
})))`

// Spec describes one platform.
type Spec struct {
	Name            string
	Enabled         bool
	BaseURL         string
	DMURLTemplate   string
	DiscoveryURL    string
	DiscoveryScript string
	CommentsPerHour int
	IntervalMinutes int
	Selectors       config.Selectors
}

// DMURL renders the conversation URL for recipient. The template's
// {recipient} placeholder is replaced with the path-escaped name.
func (s Spec) DMURL(recipient string) string {
	tmpl := s.DMURLTemplate
	if tmpl == "" {
		tmpl = strings.TrimRight(s.BaseURL, "/") + "/messages/{recipient}"
	}
	return strings.ReplaceAll(tmpl, "{recipient}", url.PathEscape(recipient))
}

// FeedURL is where discovery looks for candidate posts.
func (s Spec) FeedURL() string {
	if s.DiscoveryURL != "" {
		return s.DiscoveryURL
	}
	return s.BaseURL
}

// Script returns the discovery script, falling back to the default.
func (s Spec) Script() string {
	if s.DiscoveryScript != "" {
		return s.DiscoveryScript
	}
	return DefaultDiscoveryScript
}

// Registry is a thread-safe registry of platform specs.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]Spec)}
}

// FromConfig registers every configured platform.
func FromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, name := range cfg.PlatformNames() {
		pc := cfg.Platforms[name]
		if err := r.Register(Spec{
			Name:            name,
			Enabled:         pc.Enabled,
			BaseURL:         pc.BaseURL,
			DMURLTemplate:   pc.DMURLTemplate,
			DiscoveryURL:    pc.DiscoveryURL,
			DiscoveryScript: pc.DiscoveryScript,
			CommentsPerHour: pc.CommentsPerHour,
			IntervalMinutes: pc.IntervalMinutes,
			Selectors:       pc.Selectors,
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a platform spec. Names must be unique.
func (r *Registry) Register(spec Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Name == "" {
		return domain.NewEngineError(domain.ErrPlatformUnknown.Code, "platform name is required")
	}
	if _, exists := r.platforms[spec.Name]; exists {
		return domain.NewEngineError(domain.ErrPlatformUnknown.Code, "platform already registered: "+spec.Name)
	}
	r.platforms[spec.Name] = spec
	return nil
}

// Get returns the spec for the named platform, or ErrPlatformUnknown.
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.platforms[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", domain.ErrPlatformUnknown, name)
	}
	return spec, nil
}

// List returns all registered platform names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the sorted names of enabled platforms.
func (r *Registry) Enabled() []string {
	var out []string
	for _, name := range r.List() {
		if spec, _ := r.Get(name); spec.Enabled {
			out = append(out, name)
		}
	}
	return out
}
