package accounts

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/pkg/directory"
)

// recordingTx captures every directory write the registrar performs
type recordingTx struct {
	orgs        []*directory.Organization
	workspaces  []*directory.Workspace
	users       []*directory.User
	memberships []*directory.WorkspaceMembership
	updated     []*directory.User
	ownerRole   *directory.Role
}

func newRecordingTx() *recordingTx {
	return &recordingTx{
		ownerRole: &directory.Role{ID: uuid.NewString(), Name: directory.RoleOwner, Permissions: []string{"*"}},
	}
}

func (t *recordingTx) CreateOrganization(_ context.Context, org *directory.Organization) error {
	org.ID = uuid.NewString()
	t.orgs = append(t.orgs, org)
	return nil
}

func (t *recordingTx) CreateWorkspace(_ context.Context, ws *directory.Workspace) error {
	ws.ID = uuid.NewString()
	t.workspaces = append(t.workspaces, ws)
	return nil
}

func (t *recordingTx) CreateUser(_ context.Context, user *directory.User) error {
	user.ID = uuid.NewString()
	t.users = append(t.users, user)
	return nil
}

func (t *recordingTx) UpdateUser(_ context.Context, user *directory.User) error {
	t.updated = append(t.updated, user)
	return nil
}

func (t *recordingTx) CreateMembership(_ context.Context, m *directory.WorkspaceMembership) error {
	m.ID = uuid.NewString()
	t.memberships = append(t.memberships, m)
	return nil
}

func (t *recordingTx) FindRoleByName(_ context.Context, name string) (*directory.Role, error) {
	if name == t.ownerRole.Name {
		return t.ownerRole, nil
	}
	return nil, directory.ErrNotFound
}

func TestRegisterBootstrapsTenant(t *testing.T) {
	tx := newRecordingTx()
	reg, err := NewRegistrar().Register(context.Background(), tx, Draft{
		Email: "founder@startup.test",
		Name:  "Founder",
	})
	require.NoError(t, err)

	require.Len(t, tx.orgs, 1)
	require.Len(t, tx.workspaces, 1)
	require.Len(t, tx.users, 1)
	require.Len(t, tx.memberships, 1)

	assert.Equal(t, "Default Organization", tx.orgs[0].Name)
	assert.Equal(t, "Default Workspace", tx.workspaces[0].Name)
	assert.Equal(t, tx.orgs[0].ID, tx.workspaces[0].OrganizationID)

	user := reg.User
	assert.Equal(t, "founder@startup.test", user.Email)
	assert.Equal(t, "Founder", user.Name)
	assert.Equal(t, directory.UserStatusActive, user.Status)
	assert.Equal(t, tx.orgs[0].ID, user.OrganizationID)

	m := reg.Membership
	assert.Equal(t, user.ID, m.UserID)
	assert.Equal(t, reg.Workspace.ID, m.WorkspaceID)
	assert.Equal(t, tx.ownerRole.ID, m.RoleID)
	assert.Equal(t, user.ID, m.CreatedBy)
}

func TestRegisterDefaultsNameToEmail(t *testing.T) {
	tx := newRecordingTx()
	reg, err := NewRegistrar().Register(context.Background(), tx, Draft{Email: "bare@startup.test"})
	require.NoError(t, err)
	assert.Equal(t, "bare@startup.test", reg.User.Name)
}

func TestRegisterRequiresEmail(t *testing.T) {
	_, err := NewRegistrar().Register(context.Background(), newRecordingTx(), Draft{})
	assert.Error(t, err)
}

func TestRegisterFailsWithoutOwnerRole(t *testing.T) {
	tx := newRecordingTx()
	tx.ownerRole.Name = "something-else"

	_, err := NewRegistrar().Register(context.Background(), tx, Draft{Email: "x@y.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner role")
	assert.Empty(t, tx.orgs, "nothing is created when the owner role is missing")
}

func TestFinalizeActivatesInvitedUser(t *testing.T) {
	tx := newRecordingTx()
	user := &directory.User{
		ID:     uuid.NewString(),
		Email:  "invited@acme.test",
		Name:   "invited@acme.test",
		Status: directory.UserStatusInvited,
	}

	updated, err := NewRegistrar().Finalize(context.Background(), tx, user, "Real Name")
	require.NoError(t, err)
	assert.Equal(t, directory.UserStatusActive, updated.Status)
	assert.Equal(t, "Real Name", updated.Name)
	require.Len(t, tx.updated, 1)
}

func TestFinalizeKeepsNameWhenProviderOmitsIt(t *testing.T) {
	tx := newRecordingTx()
	user := &directory.User{
		ID:     uuid.NewString(),
		Email:  "invited@acme.test",
		Name:   "Existing Name",
		Status: directory.UserStatusInvited,
	}

	updated, err := NewRegistrar().Finalize(context.Background(), tx, user, "")
	require.NoError(t, err)
	assert.Equal(t, "Existing Name", updated.Name)
	assert.Equal(t, directory.UserStatusActive, updated.Status)
}
