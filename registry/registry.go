// Package registry holds the named, lockable feature sets a session
// negotiates against: tools, resources, resource templates, prompts, and
// roots. Each set rejects duplicate names/URIs and fans out a
// "*_list_changed" notification through a supplied broadcaster whenever its
// contents change.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool describes one callable tool, including its JSON Schema input
// descriptor as reported by tools/list. tools/call does not validate
// arguments against InputSchema; they reach Handler as decoded.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     func(args map[string]interface{}) (interface{}, error)
}

// Resource describes a single, concretely-addressed resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Handler     func(uri string) ([]byte, string, error) // returns content, mimeType, error
}

// ResourceTemplate describes a parameterized resource family addressed by a
// URI template containing "{name}" segments, e.g. "file:///logs/{date}".
type ResourceTemplate struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
	Handler     func(uri string, params map[string]string) ([]byte, string, error)
}

// Prompt describes a single server-side prompt template.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Handler     func(args map[string]string) (interface{}, error)
}

// PromptArgument describes one named prompt argument.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Root describes one filesystem/workspace root the client has exposed.
type Root struct {
	URI  string
	Name string
}

// listChanged is the minimal broadcaster contract a registry needs; it is
// satisfied by events.Bus.Publish.
type listChanged interface {
	Publish(topic string)
}

// featureSet is a generic, mutex-guarded, ordered map of named features.
// Ordering is insertion order is not preserved; List returns entries sorted
// by key for deterministic pagination.
type featureSet[T any] struct {
	mu       sync.RWMutex
	items    map[string]T
	topic    string
	notifier listChanged
}

func newFeatureSet[T any](topic string, notifier listChanged) *featureSet[T] {
	return &featureSet[T]{items: map[string]T{}, topic: topic, notifier: notifier}
}

// Add inserts item under key, returning an error if key is already present.
func (f *featureSet[T]) Add(key string, item T) error {
	f.mu.Lock()
	if _, exists := f.items[key]; exists {
		f.mu.Unlock()
		return fmt.Errorf("registry: %q already registered", key)
	}
	f.items[key] = item
	f.mu.Unlock()
	f.notify()
	return nil
}

// Remove deletes key, reporting whether it was present.
func (f *featureSet[T]) Remove(key string) bool {
	f.mu.Lock()
	_, existed := f.items[key]
	delete(f.items, key)
	f.mu.Unlock()
	if existed {
		f.notify()
	}
	return existed
}

// Get looks up a single entry.
func (f *featureSet[T]) Get(key string) (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.items[key]
	return v, ok
}

// List returns all entries sorted by key.
func (f *featureSet[T]) List() []T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.items[k])
	}
	return out
}

func (f *featureSet[T]) notify() {
	if f.notifier != nil {
		f.notifier.Publish(f.topic)
	}
}

// Registry is the complete set of feature catalogues a session dispatches
// against.
type Registry struct {
	Tools             *featureSet[*Tool]
	Resources         *featureSet[*Resource]
	ResourceTemplates *featureSet[*ResourceTemplate]
	Prompts           *featureSet[*Prompt]
	Roots             *featureSet[*Root]
}

// New builds an empty Registry. notifier may be nil, in which case
// list_changed events are simply not published (useful in tests).
func New(notifier listChanged) *Registry {
	return &Registry{
		Tools:             newFeatureSet[*Tool]("notifications/tools/list_changed", notifier),
		Resources:         newFeatureSet[*Resource]("notifications/resources/list_changed", notifier),
		ResourceTemplates: newFeatureSet[*ResourceTemplate]("notifications/resources/list_changed", notifier),
		Prompts:           newFeatureSet[*Prompt]("notifications/prompts/list_changed", notifier),
		Roots:             newFeatureSet[*Root]("notifications/roots/list_changed", notifier),
	}
}

// MatchTemplate finds the resource template whose URI template matches uri,
// extracting the "{name}" segment values. Matching is literal-segment
// equality except for "{...}" placeholders, split on "/".
func (r *Registry) MatchTemplate(uri string) (*ResourceTemplate, map[string]string, bool) {
	for _, tmpl := range r.ResourceTemplates.List() {
		if params, ok := matchURITemplate(tmpl.URITemplate, uri); ok {
			return tmpl, params, true
		}
	}
	return nil, nil, false
}

func matchURITemplate(template, uri string) (map[string]string, bool) {
	tParts := strings.Split(template, "/")
	uParts := strings.Split(uri, "/")
	if len(tParts) != len(uParts) {
		return nil, false
	}
	params := map[string]string{}
	for i, tp := range tParts {
		if strings.HasPrefix(tp, "{") && strings.HasSuffix(tp, "}") {
			name := strings.TrimSuffix(strings.TrimPrefix(tp, "{"), "}")
			params[name] = uParts[i]
			continue
		}
		if tp != uParts[i] {
			return nil, false
		}
	}
	return params, true
}
