package manifests

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/yaml"

	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// Manifest is one rendered object
type Manifest struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
	Hash      string `json:"hash"`
	Content   string `json:"-"`
}

// Key identifies the manifest within a registry
func (m *Manifest) Key() string {
	if m.Namespace == "" {
		return m.Kind + "/" + m.Name
	}
	return m.Kind + "/" + m.Namespace + "/" + m.Name
}

// Registry keeps rendered manifests in registration order
type Registry struct {
	mu        sync.RWMutex
	order     []string
	manifests map[string]*Manifest
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{manifests: make(map[string]*Manifest)}
}

// Register renders obj and stores it, replacing an earlier object with the same key
func (r *Registry) Register(obj runtime.Object) (*Manifest, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return nil, fmt.Errorf("manifest metadata: %w", err)
	}
	content, err := yaml.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", accessor.GetName(), err)
	}
	m := &Manifest{
		Kind:      obj.GetObjectKind().GroupVersionKind().Kind,
		Namespace: accessor.GetNamespace(),
		Name:      accessor.GetName(),
		Hash:      computeHash(string(content)),
		Content:   string(content),
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("manifest %s has no kind", m.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.manifests[m.Key()]; !ok {
		r.order = append(r.order, m.Key())
	}
	r.manifests[m.Key()] = m
	return m, nil
}

// Get returns a manifest by key
func (r *Registry) Get(key string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[key]
	return m, ok
}

// List returns the manifests in registration order
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.manifests[k])
	}
	return out
}

// Hash combines the hashes of every manifest independent of order
func (r *Registry) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hashes := make([]string, 0, len(r.manifests))
	for _, m := range r.manifests {
		hashes = append(hashes, m.Hash)
	}
	sort.Strings(hashes)
	return computeHash(strings.Join(hashes, ""))
}

// Render joins every manifest into one multi-document YAML stream
func (r *Registry) Render() string {
	var b strings.Builder
	for i, m := range r.List() {
		if i > 0 {
			b.WriteString("---\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// Diff lists the keys added, removed and modified relative to other
func (r *Registry) Diff(other *Registry) *RegistryDiff {
	diff := &RegistryDiff{}
	theirs := make(map[string]*Manifest)
	for _, m := range other.List() {
		theirs[m.Key()] = m
	}
	for _, m := range r.List() {
		om, ok := theirs[m.Key()]
		switch {
		case !ok:
			diff.Added = append(diff.Added, m.Key())
		case om.Hash != m.Hash:
			diff.Modified = append(diff.Modified, m.Key())
		}
		delete(theirs, m.Key())
	}
	for k := range theirs {
		diff.Removed = append(diff.Removed, k)
	}
	sort.Strings(diff.Removed)
	return diff
}

// RegistryDiff is the result of Registry.Diff
type RegistryDiff struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// HasChanges reports whether the diff is non-empty
func (d *RegistryDiff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Modified) > 0
}

// Inputs are the values only known once earlier stages ran
type Inputs struct {
	Connection   Connection
	FileSystemID string
}

// Objects returns the application objects in creation order
func Objects(p *plan.Plan, in Inputs) []runtime.Object {
	return []runtime.Object{
		Namespace(p),
		DatabaseSecret(p, in.Connection),
		PersistentVolume(p, in.FileSystemID),
		PersistentVolumeClaim(p),
		Deployment(p),
		Service(p),
	}
}

// Bundle registers every object the deployment owns, the ingress and
// autoscaler included
func Bundle(p *plan.Plan, in Inputs) (*Registry, error) {
	r := NewRegistry()
	objs := append(Objects(p, in), Ingress(p), HorizontalPodAutoscaler(p))
	for _, obj := range objs {
		if _, err := r.Register(obj); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObjectHash hashes the JSON encoding of v
func ObjectHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return computeHash(string(data)), nil
}

func computeHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// RefOf returns the provider reference of a typed object
func RefOf(obj runtime.Object) (providers.ObjectRef, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return providers.ObjectRef{}, fmt.Errorf("manifest metadata: %w", err)
	}
	kind := obj.GetObjectKind().GroupVersionKind().Kind
	if kind == "" {
		return providers.ObjectRef{}, fmt.Errorf("manifest %s has no kind", accessor.GetName())
	}
	return providers.ObjectRef{Kind: kind, Namespace: accessor.GetNamespace(), Name: accessor.GetName()}, nil
}
