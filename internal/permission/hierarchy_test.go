package permission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func perm(id int64, name string, parentID int64) Permission {
	p := Permission{ID: id, Name: name, Kind: KindAbility}
	if parentID != 0 {
		p.ParentID = &parentID
	}
	return p
}

func testCatalog() []Permission {
	return []Permission{
		perm(1, "workspace:read", 0),
		perm(2, "project:read", 1),
		perm(3, "project:update", 2),
		perm(4, "resource:read", 2),
		perm(5, "resource:execute", 4),
		perm(6, "team:read", 0),
	}
}

func TestHierarchyAncestors(t *testing.T) {
	h, err := NewHierarchy(testCatalog())
	require.NoError(t, err)
	require.Equal(t, 6, h.Len())

	anc, ok := h.Ancestors("resource:execute")
	require.True(t, ok)
	require.Equal(t, map[string]struct{}{
		"resource:read":  {},
		"project:read":   {},
		"workspace:read": {},
	}, anc)

	anc, ok = h.Ancestors("workspace:read")
	require.True(t, ok)
	require.Empty(t, anc)

	_, ok = h.Ancestors("nope")
	require.False(t, ok)
}

func TestHierarchyRequiredChainIncludesSelf(t *testing.T) {
	h, err := NewHierarchy(testCatalog())
	require.NoError(t, err)

	chain, ok := h.RequiredChain("project:update")
	require.True(t, ok)
	require.Equal(t, map[string]struct{}{
		"project:update": {},
		"project:read":   {},
		"workspace:read": {},
	}, chain)
}

func TestHierarchyExpand(t *testing.T) {
	h, err := NewHierarchy(testCatalog())
	require.NoError(t, err)

	out := h.Expand(map[string]struct{}{
		"resource:read": {},
		"ghost:perm":    {},
	})
	require.Equal(t, map[string]struct{}{
		"resource:read":  {},
		"project:read":   {},
		"workspace:read": {},
		"ghost:perm":     {},
	}, out)
}

func TestHierarchyAncestorsReturnsCopy(t *testing.T) {
	h, err := NewHierarchy(testCatalog())
	require.NoError(t, err)

	anc, _ := h.Ancestors("project:read")
	anc["injected"] = struct{}{}

	again, _ := h.Ancestors("project:read")
	require.NotContains(t, again, "injected")
}

func TestHierarchyBuildFailures(t *testing.T) {
	_, err := NewHierarchy(nil)
	require.ErrorIs(t, err, ErrHierarchyEmpty)

	orphanParent := int64(99)
	_, err = NewHierarchy([]Permission{
		{ID: 1, Name: "a", ParentID: &orphanParent},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown parent")

	one, two := int64(1), int64(2)
	_, err = NewHierarchy([]Permission{
		{ID: 1, Name: "a", ParentID: &two},
		{ID: 2, Name: "b", ParentID: &one},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds catalog size")
}
