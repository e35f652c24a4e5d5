package sso

import (
	"context"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/pkg/accounts"
	"github.com/gatehouse-io/gatehouse/pkg/audit"
	"github.com/gatehouse-io/gatehouse/pkg/directory"
	"github.com/gatehouse-io/gatehouse/pkg/entitlements"
	"github.com/gatehouse-io/gatehouse/pkg/observability"
)

// fakeDirectory is an in-memory directory with transactional bookkeeping
// sufficient for reconciler tests: writes apply immediately, and the fake
// records whether the unit of work was committed or rolled back.
type fakeDirectory struct {
	users       map[string]*directory.User // keyed by email
	orgs        []*directory.Organization
	workspaces  map[string]*directory.Workspace // keyed by id
	memberships []*directory.WorkspaceMembership
	rolesByName map[string]*directory.Role
	rolesByID   map[string]*directory.Role

	committed  bool
	rolledBack bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:       make(map[string]*directory.User),
		workspaces:  make(map[string]*directory.Workspace),
		rolesByName: make(map[string]*directory.Role),
		rolesByID:   make(map[string]*directory.Role),
	}
}

func (d *fakeDirectory) Begin(context.Context) (Tx, error) {
	return &fakeTx{d: d}, nil
}

func (d *fakeDirectory) addRole(name string, permissions ...string) *directory.Role {
	role := &directory.Role{ID: uuid.NewString(), Name: name, Permissions: permissions}
	d.rolesByName[name] = role
	d.rolesByID[role.ID] = role
	return role
}

func (d *fakeDirectory) addOrg(name, subscriptionID string) *directory.Organization {
	org := &directory.Organization{ID: uuid.NewString(), Name: name, SubscriptionID: subscriptionID}
	d.orgs = append(d.orgs, org)
	return org
}

func (d *fakeDirectory) addWorkspace(org *directory.Organization, name string) *directory.Workspace {
	ws := &directory.Workspace{ID: uuid.NewString(), OrganizationID: org.ID, Name: name}
	d.workspaces[ws.ID] = ws
	return ws
}

func (d *fakeDirectory) addUser(email string, status directory.UserStatus, orgID string) *directory.User {
	user := &directory.User{ID: uuid.NewString(), Email: email, Name: email, Status: status, OrganizationID: orgID}
	d.users[email] = user
	return user
}

func (d *fakeDirectory) addMembership(user *directory.User, ws *directory.Workspace, role *directory.Role, lastLogin *time.Time) *directory.WorkspaceMembership {
	m := &directory.WorkspaceMembership{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		WorkspaceID: ws.ID,
		RoleID:      role.ID,
		CreatedBy:   user.ID,
		LastLoginAt: lastLogin,
		CreatedAt:   time.Now().Add(time.Duration(len(d.memberships)) * time.Millisecond),
	}
	d.memberships = append(d.memberships, m)
	return m
}

type fakeTx struct {
	d *fakeDirectory
}

func (t *fakeTx) Commit() error {
	t.d.committed = true
	return nil
}

func (t *fakeTx) Rollback() error {
	if !t.d.committed {
		t.d.rolledBack = true
	}
	return nil
}

func (t *fakeTx) FindUserByEmail(_ context.Context, email string) (*directory.User, error) {
	if user, ok := t.d.users[email]; ok {
		return user, nil
	}
	return nil, directory.ErrNotFound
}

func (t *fakeTx) CreateUser(_ context.Context, user *directory.User) error {
	if _, exists := t.d.users[user.Email]; exists {
		return directory.ErrDuplicate
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	t.d.users[user.Email] = user
	return nil
}

func (t *fakeTx) UpdateUser(_ context.Context, user *directory.User) error {
	t.d.users[user.Email] = user
	return nil
}

func (t *fakeTx) ListOrganizations(context.Context) ([]*directory.Organization, error) {
	return t.d.orgs, nil
}

func (t *fakeTx) GetOrganization(_ context.Context, id string) (*directory.Organization, error) {
	for _, org := range t.d.orgs {
		if org.ID == id {
			return org, nil
		}
	}
	return nil, directory.ErrNotFound
}

func (t *fakeTx) CreateOrganization(_ context.Context, org *directory.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	t.d.orgs = append(t.d.orgs, org)
	return nil
}

func (t *fakeTx) ListWorkspacesByOrganization(_ context.Context, orgID string) ([]*directory.Workspace, error) {
	var out []*directory.Workspace
	for _, ws := range t.d.workspaces {
		if ws.OrganizationID == orgID {
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *fakeTx) CreateWorkspace(_ context.Context, ws *directory.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	t.d.workspaces[ws.ID] = ws
	return nil
}

func (t *fakeTx) CreateMembership(_ context.Context, m *directory.WorkspaceMembership) error {
	for _, existing := range t.d.memberships {
		if existing.UserID == m.UserID && existing.WorkspaceID == m.WorkspaceID {
			return directory.ErrDuplicate
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().Add(time.Duration(len(t.d.memberships)) * time.Millisecond)
	t.d.memberships = append(t.d.memberships, m)
	return nil
}

func (t *fakeTx) ListMembershipsByUser(_ context.Context, userID string) ([]*directory.MembershipDetail, error) {
	var out []*directory.MembershipDetail
	for _, m := range t.d.memberships {
		if m.UserID != userID {
			continue
		}
		ws := t.d.workspaces[m.WorkspaceID]
		detail := &directory.MembershipDetail{WorkspaceMembership: *m}
		if ws != nil {
			detail.WorkspaceName = ws.Name
			detail.OrganizationID = ws.OrganizationID
		}
		if role, ok := t.d.rolesByID[m.RoleID]; ok {
			detail.RoleName = role.Name
		}
		out = append(out, detail)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastLoginAt, out[j].LastLoginAt
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return out[i].WorkspaceMembership.CreatedAt.Before(out[j].WorkspaceMembership.CreatedAt)
		}
	})
	return out, nil
}

func (t *fakeTx) TouchMembershipLogin(_ context.Context, membershipID string, at time.Time) error {
	for _, m := range t.d.memberships {
		if m.ID == membershipID {
			m.LastLoginAt = &at
			return nil
		}
	}
	return directory.ErrNotFound
}

func (t *fakeTx) FindRoleByName(_ context.Context, name string) (*directory.Role, error) {
	if role, ok := t.d.rolesByName[name]; ok {
		return role, nil
	}
	return nil, directory.ErrNotFound
}

func (t *fakeTx) GetRole(_ context.Context, id string) (*directory.Role, error) {
	if role, ok := t.d.rolesByID[id]; ok {
		return role, nil
	}
	return nil, directory.ErrNotFound
}

// recordingAudit captures login activity entries in memory
type recordingAudit struct {
	entries []audit.Entry
}

func (a *recordingAudit) RecordLoginActivity(_ context.Context, email string, code audit.Code, message, provider string) error {
	a.entries = append(a.entries, audit.Entry{Email: email, Code: code, Message: message, Provider: provider})
	return nil
}

func newTestReconciler(d *fakeDirectory, mode directory.PlatformMode) (*Reconciler, *recordingAudit) {
	auditLog := &recordingAudit{}
	r := NewReconciler(
		d,
		accounts.NewRegistrar(),
		&entitlements.StaticResolver{},
		auditLog,
		observability.NewLogger(observability.ErrorLevel, io.Discard),
		observability.NewMetrics(nil),
		mode,
	)
	return r, auditLog
}

func identityFor(email string) ExternalIdentity {
	return ExternalIdentity{
		Email:        email,
		Name:         "Test User",
		ProviderName: "Auth0",
		AccessToken:  "external-access",
		RefreshToken: "external-refresh",
	}
}

func TestReconcileOpenSourceProvisionsNewUser(t *testing.T) {
	d := newFakeDirectory()
	d.addRole(directory.RoleOwner, "*")
	org := d.addOrg("acme", "")
	d.addWorkspace(org, "main")

	r, _ := newTestReconciler(d, directory.ModeOpenSource)
	sess, err := r.Reconcile(context.Background(), identityFor("new@acme.test"))
	require.NoError(t, err)

	assert.Equal(t, "new@acme.test", sess.Email)
	assert.Equal(t, "main", sess.ActiveWorkspace)
	assert.True(t, sess.IsOrganizationAdmin)
	assert.Equal(t, org.ID, sess.ActiveOrganizationID)
	assert.Equal(t, "external-access", sess.AccessToken)

	assert.Len(t, d.users, 1)
	assert.Len(t, d.memberships, 1)
	assert.Len(t, d.orgs, 1, "open-source provisioning must reuse the sole organization")
	assert.Len(t, d.workspaces, 1)
	assert.Equal(t, directory.UserStatusActive, d.users["new@acme.test"].Status)
	assert.True(t, d.committed)
}

func TestReconcileOpenSourceRequiresSoleOrganization(t *testing.T) {
	for name, seed := range map[string]func(d *fakeDirectory){
		"zero organizations": func(d *fakeDirectory) {},
		"two organizations": func(d *fakeDirectory) {
			d.addOrg("one", "")
			d.addOrg("two", "")
		},
	} {
		t.Run(name, func(t *testing.T) {
			d := newFakeDirectory()
			d.addRole(directory.RoleOwner)
			seed(d)

			r, _ := newTestReconciler(d, directory.ModeOpenSource)
			_, err := r.Reconcile(context.Background(), identityFor("new@acme.test"))
			require.Error(t, err)

			le, ok := AsLoginError(err)
			require.True(t, ok)
			assert.Equal(t, SignalLoginFailed, le.Signal)
			assert.Empty(t, d.users)
			assert.Empty(t, d.memberships)
			assert.True(t, d.rolledBack)
		})
	}
}

func TestReconcileEnterpriseNeverProvisions(t *testing.T) {
	d := newFakeDirectory()
	d.addRole(directory.RoleOwner)
	org := d.addOrg("corp", "sub-1")
	d.addWorkspace(org, "main")

	r, auditLog := newTestReconciler(d, directory.ModeEnterprise)
	_, err := r.Reconcile(context.Background(), identityFor("stranger@corp.test"))
	require.Error(t, err)

	le, ok := AsLoginError(err)
	require.True(t, ok)
	assert.Equal(t, "Auth0 login failed. Please contact your administrator.", le.Message)

	assert.Empty(t, d.users, "enterprise mode must not create accounts")
	assert.Empty(t, d.memberships)
	assert.True(t, d.rolledBack)
	assert.False(t, d.committed)

	require.Len(t, auditLog.entries, 1)
	assert.Equal(t, audit.CodeLoginFailed, auditLog.entries[0].Code)
	assert.Equal(t, KindUserNotFound, auditLog.entries[0].Message)
}

func TestReconcileCloudBootstrapsTenant(t *testing.T) {
	d := newFakeDirectory()
	d.addRole(directory.RoleOwner, "*")

	r, _ := newTestReconciler(d, directory.ModeCloud)
	sess, err := r.Reconcile(context.Background(), identityFor("founder@startup.test"))
	require.NoError(t, err)

	assert.Len(t, d.orgs, 1)
	assert.Len(t, d.workspaces, 1)
	assert.Len(t, d.users, 1)
	assert.Len(t, d.memberships, 1)
	assert.True(t, sess.IsOrganizationAdmin)
	assert.Equal(t, d.orgs[0].ID, sess.ActiveOrganizationID)
	assert.Equal(t, directory.UserStatusActive, d.users["founder@startup.test"].Status)
}

func TestReconcileRepeatedLoginIsIdempotent(t *testing.T) {
	d := newFakeDirectory()
	d.addRole(directory.RoleOwner, "*")
	org := d.addOrg("acme", "")
	d.addWorkspace(org, "main")

	r, _ := newTestReconciler(d, directory.ModeOpenSource)
	_, err := r.Reconcile(context.Background(), identityFor("repeat@acme.test"))
	require.NoError(t, err)
	_, err = r.Reconcile(context.Background(), identityFor("repeat@acme.test"))
	require.NoError(t, err)

	assert.Len(t, d.users, 1)
	assert.Len(t, d.memberships, 1)
	assert.NotNil(t, d.memberships[0].LastLoginAt)
}

func TestReconcileFinalizesInvitedUser(t *testing.T) {
	d := newFakeDirectory()
	owner := d.addRole(directory.RoleOwner, "*")
	org := d.addOrg("acme", "")
	ws := d.addWorkspace(org, "main")
	user := d.addUser("invited@acme.test", directory.UserStatusInvited, org.ID)
	d.addMembership(user, ws, owner, nil)

	r, _ := newTestReconciler(d, directory.ModeEnterprise)
	sess, err := r.Reconcile(context.Background(), identityFor("invited@acme.test"))
	require.NoError(t, err)

	assert.Equal(t, directory.UserStatusActive, d.users["invited@acme.test"].Status)
	assert.Equal(t, "Test User", sess.Name, "invite acceptance takes the provider-asserted name")
	assert.Len(t, d.memberships, 1)
}

func TestReconcileSelfHealsMissingMembership(t *testing.T) {
	d := newFakeDirectory()
	owner := d.addRole(directory.RoleOwner, "*")
	org := d.addOrg("acme", "")
	d.addWorkspace(org, "main")
	d.addUser("legacy@acme.test", directory.UserStatusActive, org.ID)

	r, _ := newTestReconciler(d, directory.ModeEnterprise)
	sess, err := r.Reconcile(context.Background(), identityFor("legacy@acme.test"))
	require.NoError(t, err)

	require.Len(t, d.memberships, 1)
	assert.Equal(t, owner.ID, d.memberships[0].RoleID)
	assert.Equal(t, "main", sess.ActiveWorkspace)
}

func TestReconcileActiveWorkspaceIsMostRecent(t *testing.T) {
	d := newFakeDirectory()
	owner := d.addRole(directory.RoleOwner, "*")
	member := d.addRole("member", "workspace:read")
	org := d.addOrg("acme", "")
	first := d.addWorkspace(org, "first")
	second := d.addWorkspace(org, "second")
	user := d.addUser("multi@acme.test", directory.UserStatusActive, org.ID)

	recent := time.Now().Add(-time.Hour)
	d.addMembership(user, first, owner, nil)
	d.addMembership(user, second, member, &recent)

	r, _ := newTestReconciler(d, directory.ModeEnterprise)
	sess, err := r.Reconcile(context.Background(), identityFor("multi@acme.test"))
	require.NoError(t, err)

	assert.Equal(t, "second", sess.ActiveWorkspace)
	assert.False(t, sess.IsOrganizationAdmin, "member role must not grant admin")
	assert.Equal(t, []string{"workspace:read"}, sess.Permissions)

	require.Len(t, sess.AssignedWorkspaces, 2)
	var ids []string
	for _, ws := range sess.AssignedWorkspaces {
		ids = append(ids, ws.ID)
	}
	assert.Contains(t, ids, sess.ActiveWorkspaceID)
}

func TestReconcileMissingRoleFails(t *testing.T) {
	d := newFakeDirectory()
	owner := d.addRole(directory.RoleOwner, "*")
	org := d.addOrg("acme", "")
	ws := d.addWorkspace(org, "main")
	user := d.addUser("broken@acme.test", directory.UserStatusActive, org.ID)
	m := d.addMembership(user, ws, owner, nil)
	m.RoleID = uuid.NewString() // dangling role reference

	r, auditLog := newTestReconciler(d, directory.ModeEnterprise)
	_, err := r.Reconcile(context.Background(), identityFor("broken@acme.test"))
	require.Error(t, err)

	le, ok := AsLoginError(err)
	require.True(t, ok)
	assert.Equal(t, SignalLoginFailed, le.Signal)
	assert.NotContains(t, le.Message, m.RoleID, "internal ids must not leak to the client")

	require.Len(t, auditLog.entries, 1)
	assert.Equal(t, KindRoleNotFound, auditLog.entries[0].Message)
}

func TestReconcileEmptyEmailIsPreconditionFailure(t *testing.T) {
	d := newFakeDirectory()
	r, auditLog := newTestReconciler(d, directory.ModeOpenSource)

	_, err := r.Reconcile(context.Background(), ExternalIdentity{ProviderName: "Auth0"})
	require.Error(t, err)

	_, ok := AsLoginError(err)
	assert.True(t, ok)
	require.Len(t, auditLog.entries, 1)
	assert.Equal(t, KindUnknownIdentity, auditLog.entries[0].Message)
}

func TestReconcileSuccessRecordsAudit(t *testing.T) {
	d := newFakeDirectory()
	d.addRole(directory.RoleOwner, "*")
	org := d.addOrg("acme", "")
	d.addWorkspace(org, "main")

	r, auditLog := newTestReconciler(d, directory.ModeOpenSource)
	_, err := r.Reconcile(context.Background(), identityFor("new@acme.test"))
	require.NoError(t, err)

	require.Len(t, auditLog.entries, 1)
	assert.Equal(t, audit.CodeLoginSuccess, auditLog.entries[0].Code)
	assert.Equal(t, "Auth0", auditLog.entries[0].Provider)
}

func TestReconcileFeaturesComeFromSubscription(t *testing.T) {
	d := newFakeDirectory()
	owner := d.addRole(directory.RoleOwner, "*")
	org := d.addOrg("acme", "sub-pro")
	ws := d.addWorkspace(org, "main")
	user := d.addUser("paid@acme.test", directory.UserStatusActive, org.ID)
	d.addMembership(user, ws, owner, nil)

	auditLog := &recordingAudit{}
	resolver := &entitlements.StaticResolver{
		Plans: map[string]struct {
			ProductID string
			Features  map[string]bool
		}{
			"sub-pro": {ProductID: "prod-123", Features: map[string]bool{"feat:audit": true}},
		},
	}
	r := NewReconciler(d, accounts.NewRegistrar(), resolver, auditLog,
		observability.NewLogger(observability.ErrorLevel, io.Discard),
		observability.NewMetrics(nil), directory.ModeEnterprise)

	sess, err := r.Reconcile(context.Background(), identityFor("paid@acme.test"))
	require.NoError(t, err)
	assert.Equal(t, "prod-123", sess.ActiveOrganizationProductID)
	assert.True(t, sess.Features["feat:audit"])
	assert.Equal(t, "sub-pro", sess.ActiveOrganizationSubscriptionID)
}

func TestLoginErrorFormatting(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &LoginError{Signal: SignalLoginFailed, Message: "nope"})
	le, ok := AsLoginError(err)
	require.True(t, ok)
	assert.Equal(t, "SSO_LOGIN_FAILED: nope", le.Error())
}
