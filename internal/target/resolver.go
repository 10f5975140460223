package target

import (
	"fmt"
	"sort"
)

// Resolver maps repositories to their deployment targets. It is built once at
// startup and read-only afterwards, so lookups need no locking.
type Resolver struct {
	byRepo map[string][]*Descriptor
	count  int
}

// NewResolver indexes descriptors by repository, each list sorted by server key.
func NewResolver(descriptors []*Descriptor) *Resolver {
	byRepo := make(map[string][]*Descriptor)
	for _, d := range descriptors {
		byRepo[d.Repository] = append(byRepo[d.Repository], d)
	}
	for _, list := range byRepo {
		sort.Slice(list, func(i, j int) bool { return list[i].Server < list[j].Server })
	}
	return &Resolver{byRepo: byRepo, count: len(descriptors)}
}

// Resolve returns every target configured for repo, ordered by server key.
func (r *Resolver) Resolve(repo string) ([]*Descriptor, error) {
	list, ok := r.byRepo[repo]
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w for repository '%s'", ErrNotFound, repo)
	}
	out := make([]*Descriptor, len(list))
	copy(out, list)
	return out, nil
}

// Get returns the descriptor for a single key.
func (r *Resolver) Get(key Key) (*Descriptor, error) {
	for _, d := range r.byRepo[key.Repository] {
		if d.Server == key.Server {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNotFound, key)
}

// List returns the configured repository names, sorted.
func (r *Resolver) List() []string {
	names := make([]string, 0, len(r.byRepo))
	for name := range r.byRepo {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of targets across all repositories.
func (r *Resolver) Count() int {
	return r.count
}
