package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbus-platform/nimbus/internal/permission"
)

type stubCatalogStore struct {
	perms    []permission.Permission
	roles    []permission.Role
	closures map[int64][]string
	err      error
}

func (s stubCatalogStore) ListPermissions(ctx context.Context) ([]permission.Permission, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.perms, nil
}

func (s stubCatalogStore) ListAllRoles(ctx context.Context) ([]permission.Role, error) {
	return s.roles, nil
}

func (s stubCatalogStore) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	return s.closures[roleID], nil
}

func verifyCatalog() []permission.Permission {
	rootID := int64(1)
	return []permission.Permission{
		{ID: 1, Name: "team"},
		{ID: 2, Name: "team:read", ParentID: &rootID},
		{ID: 3, Name: "team:update", ParentID: &rootID},
	}
}

func TestVerifyCommandJSONSuccess(t *testing.T) {
	parentID := int64(10)
	teamID := int64(42)
	store := stubCatalogStore{
		perms: verifyCatalog(),
		roles: []permission.Role{
			{ID: 10, Name: "team:member"},
			{ID: 20, Name: "project-lead", TeamID: &teamID, ParentID: &parentID},
		},
		closures: map[int64][]string{
			10: {"team", "team:read"},
			20: {"team", "team:read", "team:update"},
		},
	}
	cli, err := NewCatalogOpsCLI(store)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.VerifyCommand(context.Background(), CatalogVerifyOptions{
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, exitCode)
	require.Empty(t, stderr.String())

	var summary CatalogVerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Empty(t, summary.Violations)
	require.Equal(t, 3, summary.Permissions)
	require.Equal(t, 2, summary.Roles)
}

func TestVerifyCommandJSONViolations(t *testing.T) {
	parentID := int64(10)
	teamID := int64(42)
	store := stubCatalogStore{
		perms: verifyCatalog(),
		roles: []permission.Role{
			{ID: 10, Name: "team:member"},
			{ID: 20, Name: "project-lead", TeamID: &teamID, ParentID: &parentID},
		},
		closures: map[int64][]string{
			10: {"team", "team:read"},
			20: {"team", "team:update", "team:ghost"},
		},
	}
	cli, err := NewCatalogOpsCLI(store)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.VerifyCommand(context.Background(), CatalogVerifyOptions{
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, 10, exitCode)
	require.Empty(t, stderr.String())

	var summary CatalogVerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.False(t, summary.OK)
	require.Len(t, summary.Violations, 2)
	require.Equal(t, violationClosureGap, summary.Violations[0].Kind)
	require.Equal(t, "team:read", summary.Violations[0].Detail)
	require.Equal(t, violationUnknownPermission, summary.Violations[1].Kind)
	require.Equal(t, "team:ghost", summary.Violations[1].Detail)
}

func TestVerifyCommandTeamFilterSkipsPlatformRoles(t *testing.T) {
	parentID := int64(10)
	teamID := int64(42)
	store := stubCatalogStore{
		perms: verifyCatalog(),
		roles: []permission.Role{
			// Platform role with a broken closure that the team filter
			// must leave out of the report.
			{ID: 10, Name: "team:member"},
			{ID: 20, Name: "project-lead", TeamID: &teamID, ParentID: &parentID},
		},
		closures: map[int64][]string{
			10: {"team", "team:vanished"},
			20: {"team", "team:vanished"},
		},
	}
	cli, err := NewCatalogOpsCLI(store)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.VerifyCommand(context.Background(), CatalogVerifyOptions{
		TeamID:     42,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, 10, exitCode)

	var summary CatalogVerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, 1, summary.Roles)
	require.Len(t, summary.Violations, 1)
	require.Equal(t, "project-lead", summary.Violations[0].Role)
	require.Equal(t, violationUnknownPermission, summary.Violations[0].Kind)
}

func TestVerifyCommandNegativeTeam(t *testing.T) {
	cli, err := NewCatalogOpsCLI(stubCatalogStore{perms: verifyCatalog()})
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.VerifyCommand(context.Background(), CatalogVerifyOptions{
		TeamID: -1,
		Stdout: stdout,
		Stderr: stderr,
	})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "must not be negative")
}
