package permission

import (
	"context"
	"fmt"
)

// CatalogSource loads the permission catalog for index builds.
type CatalogSource interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Hierarchy is the startup-built index from permission name to the full
// set of ancestor names. It is immutable after construction; rebuilds
// produce a fresh value and swap the pointer.
type Hierarchy struct {
	ancestors map[string]map[string]struct{}
}

// BuildHierarchy loads the catalog and derives every permission's
// transitive ancestor set. An empty catalog or a row referencing an
// unknown parent fails the build; callers treat that as fatal.
func BuildHierarchy(ctx context.Context, source CatalogSource) (*Hierarchy, error) {
	perms, err := source.ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("permission: load catalog: %w", err)
	}
	return NewHierarchy(perms)
}

// NewHierarchy builds the index from an already-loaded catalog.
func NewHierarchy(perms []Permission) (*Hierarchy, error) {
	if len(perms) == 0 {
		return nil, ErrHierarchyEmpty
	}

	nameByID := make(map[int64]string, len(perms))
	parentByName := make(map[string]*int64, len(perms))
	for _, p := range perms {
		nameByID[p.ID] = p.Name
		parentByName[p.Name] = p.ParentID
	}

	h := &Hierarchy{ancestors: make(map[string]map[string]struct{}, len(perms))}
	for _, p := range perms {
		chain := make(map[string]struct{})
		parentID := p.ParentID
		// The parent walk is bounded by the catalog size so a corrupted
		// graph fails the build instead of hanging startup.
		for steps := 0; parentID != nil; steps++ {
			if steps > len(perms) {
				return nil, fmt.Errorf("permission: hierarchy: parent chain for %q exceeds catalog size", p.Name)
			}
			parentName, ok := nameByID[*parentID]
			if !ok {
				return nil, fmt.Errorf("permission: hierarchy: %q references unknown parent %d", p.Name, *parentID)
			}
			chain[parentName] = struct{}{}
			parentID = parentByName[parentName]
		}
		h.ancestors[p.Name] = chain
	}
	return h, nil
}

// Len reports the number of catalog entries indexed.
func (h *Hierarchy) Len() int {
	if h == nil {
		return 0
	}
	return len(h.ancestors)
}

// Known reports whether the name exists in the catalog.
func (h *Hierarchy) Known(name string) bool {
	_, ok := h.ancestors[name]
	return ok
}

// Ancestors returns a copy of the transitive ancestor set for name,
// excluding name itself.
func (h *Hierarchy) Ancestors(name string) (map[string]struct{}, bool) {
	chain, ok := h.ancestors[name]
	if !ok {
		return nil, false
	}
	out := make(map[string]struct{}, len(chain))
	for a := range chain {
		out[a] = struct{}{}
	}
	return out, true
}

// RequiredChain returns name plus all of its ancestors. Granting a
// permission only counts when the whole chain is present, so checks
// compare against this set.
func (h *Hierarchy) RequiredChain(name string) (map[string]struct{}, bool) {
	chain, ok := h.Ancestors(name)
	if !ok {
		return nil, false
	}
	chain[name] = struct{}{}
	return chain, true
}

// Expand widens base with the ancestors of every member. Unknown names
// pass through untouched; stored closures may momentarily lag a catalog
// reseed and expansion must not drop grants.
func (h *Hierarchy) Expand(base map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(base))
	for name := range base {
		out[name] = struct{}{}
		for a := range h.ancestors[name] {
			out[a] = struct{}{}
		}
	}
	return out
}
