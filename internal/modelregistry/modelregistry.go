// Package modelregistry tracks versioned extraction models: which versions
// exist, which is active per model name, and a one-step rollback stack.
package modelregistry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alayasiki/alayasiki/internal/domain"
)

// Metadata is the opaque-to-the-registry information registered alongside a
// model version.
type Metadata struct {
	Description string
	Kind        string // "extraction", for now the only kind this repo resolves
}

// Registry is {name -> {version -> metadata}}, {name -> active version}, and
// a one-entry-deep rollback stack per name.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]map[string]Metadata
	active   map[string]string
	previous map[string]string // one-step rollback: the version active before the current one
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		versions: make(map[string]map[string]Metadata),
		active:   make(map[string]string),
		previous: make(map[string]string),
	}
}

// NewDefault pre-registers the lightweight model set and activates the first
// registered version of each.
func NewDefault() *Registry {
	r := New()
	r.Register("triplex-lite", "1", Metadata{Description: "lightweight entity/relation extractor", Kind: "extraction"})
	r.Activate("triplex-lite", "1")
	r.Register("glm-4-flash-lite", "1", Metadata{Description: "lightweight chat-completion extractor", Kind: "extraction"})
	r.Activate("glm-4-flash-lite", "1")
	r.Register("mock", "1", Metadata{Description: "deterministic regex-based extractor for tests", Kind: "extraction"})
	r.Activate("mock", "1")
	return r
}

// Register adds or replaces version's metadata under name. The first version
// ever registered for a name does not become active automatically; callers
// must call Activate.
func (r *Registry) Register(name, version string, meta Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions[name] == nil {
		r.versions[name] = make(map[string]Metadata)
	}
	r.versions[name][version] = meta
}

// Activate sets version as the active version for name, remembering the
// previously active version (if any) for one-step Rollback.
func (r *Registry) Activate(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.versions[name]
	if !ok {
		return fmt.Errorf("%w: unknown model %q", domain.ErrNotFound, name)
	}
	if _, ok := versions[version]; !ok {
		return fmt.Errorf("%w: unknown version %q for model %q", domain.ErrInvalidArgument, version, name)
	}

	if cur, ok := r.active[name]; ok {
		r.previous[name] = cur
	}
	r.active[name] = version
	return nil
}

// Rollback reactivates the version that was active immediately before the
// current one. Only one step of history is kept.
func (r *Registry) Rollback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.previous[name]
	if !ok {
		return fmt.Errorf("%w: no prior version to roll back to for %q", domain.ErrNotFound, name)
	}
	cur := r.active[name]
	r.active[name] = prev
	r.previous[name] = cur
	return nil
}

// Resolve resolves ref, either "name" (-> active version) or "name@version"
// (-> exact version), returning the model name, resolved version, and its
// metadata.
func (r *Registry) Resolve(ref string) (name, version string, meta Metadata, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, version, pinned := strings.Cut(ref, "@")

	versions, ok := r.versions[name]
	if !ok {
		return "", "", Metadata{}, fmt.Errorf("%w: unknown model %q", domain.ErrNotFound, name)
	}

	if !pinned {
		active, ok := r.active[name]
		if !ok {
			return "", "", Metadata{}, fmt.Errorf("%w: no active version for %q", domain.ErrNotFound, name)
		}
		version = active
	}

	m, ok := versions[version]
	if !ok {
		return "", "", Metadata{}, fmt.Errorf("%w: unknown version %q for model %q", domain.ErrNotFound, version, name)
	}
	return name, version, m, nil
}

// ActiveRef returns "name@version" for name's currently active version.
func (r *Registry) ActiveRef(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.active[name]
	if !ok {
		return "", fmt.Errorf("%w: no active version for %q", domain.ErrNotFound, name)
	}
	return name + "@" + v, nil
}
