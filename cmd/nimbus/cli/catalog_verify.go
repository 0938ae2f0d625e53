package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/nimbus-platform/nimbus/internal/permission"
)

// CatalogStore loads the permission catalog and stored role closures.
type CatalogStore interface {
	ListPermissions(ctx context.Context) ([]permission.Permission, error)
	ListAllRoles(ctx context.Context) ([]permission.Role, error)
	RolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
}

// CatalogOpsCLI offers operational helpers to inspect the permission catalog.
type CatalogOpsCLI struct {
	store CatalogStore
}

// NewCatalogOpsCLI constructs a new helper instance.
func NewCatalogOpsCLI(store CatalogStore) (*CatalogOpsCLI, error) {
	if store == nil {
		return nil, fmt.Errorf("catalog cli: store is required")
	}
	return &CatalogOpsCLI{store: store}, nil
}

// CatalogVerifyOptions defines available flags for the catalog verify command.
type CatalogVerifyOptions struct {
	TeamID     int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CatalogVerifySummary describes the JSON response for catalog verify.
type CatalogVerifySummary struct {
	OK          bool               `json:"ok"`
	Permissions int                `json:"permissions"`
	Roles       int                `json:"roles"`
	Violations  []CatalogViolation `json:"violations"`
}

// CatalogViolation captures one closure inconsistency on a role.
type CatalogViolation struct {
	Role   string `json:"role"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

const (
	violationUnknownPermission = "unknown_permission"
	violationUnknownParent     = "unknown_parent"
	violationClosureGap        = "closure_gap"
)

// VerifyCommand checks every stored role closure against the catalog and
// the role's parent closure, then prints the outcome. A team filter limits
// which roles are reported; parent closures are always resolved against the
// full role set so team roles are still compared with their platform parents.
func (c *CatalogOpsCLI) VerifyCommand(ctx context.Context, opts CatalogVerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.TeamID < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "catalog verify: --team must not be negative")
		return 1
	}

	summary, err := c.verify(ctx, opts.TeamID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "catalog verify: %v\n", err)
		return 1
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "catalog verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderVerifyHuman(opts.Stdout, opts.TeamID, summary)
	}

	if !summary.OK {
		return 10
	}
	return 0
}

func (c *CatalogOpsCLI) verify(ctx context.Context, teamID int64) (CatalogVerifySummary, error) {
	perms, err := c.store.ListPermissions(ctx)
	if err != nil {
		return CatalogVerifySummary{}, err
	}
	index, err := permission.NewHierarchy(perms)
	if err != nil {
		return CatalogVerifySummary{}, err
	}

	roles, err := c.store.ListAllRoles(ctx)
	if err != nil {
		return CatalogVerifySummary{}, err
	}
	closures := make(map[int64]map[string]struct{}, len(roles))
	for _, role := range roles {
		names, err := c.store.RolePermissionNames(ctx, role.ID)
		if err != nil {
			return CatalogVerifySummary{}, fmt.Errorf("load closure for role %s: %w", role.Name, err)
		}
		closure := make(map[string]struct{}, len(names))
		for _, name := range names {
			closure[name] = struct{}{}
		}
		closures[role.ID] = closure
	}

	reported := 0
	violations := make([]CatalogViolation, 0)
	for _, role := range roles {
		if teamID > 0 && (role.TeamID == nil || *role.TeamID != teamID) {
			continue
		}
		reported++
		closure := closures[role.ID]
		for name := range closure {
			if !index.Known(name) {
				violations = append(violations, CatalogViolation{
					Role:   role.Name,
					Kind:   violationUnknownPermission,
					Detail: name,
				})
			}
		}
		if role.ParentID == nil {
			continue
		}
		parent, ok := closures[*role.ParentID]
		if !ok {
			violations = append(violations, CatalogViolation{
				Role:   role.Name,
				Kind:   violationUnknownParent,
				Detail: fmt.Sprintf("parent role %d not found", *role.ParentID),
			})
			continue
		}
		for name := range parent {
			if _, held := closure[name]; !held {
				violations = append(violations, CatalogViolation{
					Role:   role.Name,
					Kind:   violationClosureGap,
					Detail: name,
				})
			}
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Role == violations[j].Role {
			if violations[i].Kind == violations[j].Kind {
				return violations[i].Detail < violations[j].Detail
			}
			return violations[i].Kind < violations[j].Kind
		}
		return violations[i].Role < violations[j].Role
	})

	return CatalogVerifySummary{
		OK:          len(violations) == 0,
		Permissions: len(perms),
		Roles:       reported,
		Violations:  violations,
	}, nil
}

func renderVerifyHuman(out io.Writer, teamID int64, summary CatalogVerifySummary) {
	if teamID > 0 {
		_, _ = fmt.Fprintf(out, "Catalog verification for team %d: %d permission(s), %d role(s)\n", teamID, summary.Permissions, summary.Roles)
	} else {
		_, _ = fmt.Fprintf(out, "Catalog verification: %d permission(s), %d role(s)\n", summary.Permissions, summary.Roles)
	}
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All role closures are consistent.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d violation(s) detected:\n", len(summary.Violations))
	for _, violation := range summary.Violations {
		_, _ = fmt.Fprintf(out, " - %s: %s %s\n", violation.Role, violation.Kind, violation.Detail)
	}
}
