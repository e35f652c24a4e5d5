package sso

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gatehouse-io/gatehouse/pkg/accounts"
	"github.com/gatehouse-io/gatehouse/pkg/audit"
	"github.com/gatehouse-io/gatehouse/pkg/directory"
	"github.com/gatehouse-io/gatehouse/pkg/entitlements"
	"github.com/gatehouse-io/gatehouse/pkg/observability"
	"github.com/gatehouse-io/gatehouse/pkg/session"
)

// SignalLoginFailed is the single client-visible failure signal for
// reconciliation. Internal causes stay in logs and the audit trail.
const SignalLoginFailed = "SSO_LOGIN_FAILED"

// Failure kinds retained for logs and audit entries only
const (
	KindUserNotFound         = "USER_NOT_FOUND"
	KindRoleNotFound         = "ROLE_NOT_FOUND"
	KindOrganizationNotFound = "ORGANIZATION_NOT_FOUND"
	KindUnknownIdentity      = "UNKNOWN_IDENTITY"
	KindInternal             = "INTERNAL"
)

// LoginError is the normalized reconciliation failure handed to the HTTP
// layer. It never carries internal data-model detail.
type LoginError struct {
	Signal  string `json:"signal"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *LoginError) Error() string {
	return fmt.Sprintf("%s: %s", e.Signal, e.Message)
}

// AsLoginError unwraps a LoginError from err, if it is one
func AsLoginError(err error) (*LoginError, bool) {
	var le *LoginError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// reconcileError is the internal, detailed failure kept server-side
type reconcileError struct {
	kind string
	err  error
}

func internalErr(err error) *reconcileError {
	return &reconcileError{kind: KindInternal, err: err}
}

// Tx is the transactional slice of the directory the reconciler works in.
// It is a superset of accounts.Tx so the registrar can share the same
// unit of work.
type Tx interface {
	Commit() error
	Rollback() error

	FindUserByEmail(ctx context.Context, email string) (*directory.User, error)
	CreateUser(ctx context.Context, user *directory.User) error
	UpdateUser(ctx context.Context, user *directory.User) error

	ListOrganizations(ctx context.Context) ([]*directory.Organization, error)
	GetOrganization(ctx context.Context, id string) (*directory.Organization, error)
	CreateOrganization(ctx context.Context, org *directory.Organization) error

	ListWorkspacesByOrganization(ctx context.Context, orgID string) ([]*directory.Workspace, error)
	CreateWorkspace(ctx context.Context, ws *directory.Workspace) error

	CreateMembership(ctx context.Context, m *directory.WorkspaceMembership) error
	ListMembershipsByUser(ctx context.Context, userID string) ([]*directory.MembershipDetail, error)
	TouchMembershipLogin(ctx context.Context, membershipID string, at time.Time) error

	FindRoleByName(ctx context.Context, name string) (*directory.Role, error)
	GetRole(ctx context.Context, id string) (*directory.Role, error)
}

// Directory begins transactional units of work against the identity directory
type Directory interface {
	Begin(ctx context.Context) (Tx, error)
}

// StoreDirectory adapts a *directory.Store to the Directory interface
type StoreDirectory struct {
	store *directory.Store
}

// NewStoreDirectory wraps a directory store
func NewStoreDirectory(store *directory.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

// Begin starts a unit of work
func (d *StoreDirectory) Begin(ctx context.Context) (Tx, error) {
	return d.store.Begin(ctx)
}

// Registrar bootstraps new tenants and finalizes invited users
type Registrar interface {
	Register(ctx context.Context, tx accounts.Tx, draft accounts.Draft) (*accounts.Registration, error)
	Finalize(ctx context.Context, tx accounts.Tx, user *directory.User, name string) (*directory.User, error)
}

// Reconciler turns a verified external identity into a platform session.
// All directory reads and writes for one reconciliation run inside a
// single transaction, rolled back on every failure path.
type Reconciler struct {
	directory    Directory
	registrar    Registrar
	entitlements entitlements.Resolver
	audit        audit.Logger
	logger       *observability.Logger
	metrics      *observability.Metrics
	mode         directory.PlatformMode
}

// NewReconciler creates a new identity reconciler
func NewReconciler(
	dir Directory,
	registrar Registrar,
	resolver entitlements.Resolver,
	auditLog audit.Logger,
	logger *observability.Logger,
	metrics *observability.Metrics,
	mode directory.PlatformMode,
) *Reconciler {
	return &Reconciler{
		directory:    dir,
		registrar:    registrar,
		entitlements: resolver,
		audit:        auditLog,
		logger:       logger,
		metrics:      metrics,
		mode:         mode,
	}
}

// Mode returns the platform mode the reconciler provisions under
func (r *Reconciler) Mode() directory.PlatformMode {
	return r.mode
}

// Reconcile resolves the external identity against the directory and
// assembles a session. On any internal failure it records the cause in
// logs and the audit trail and returns a *LoginError carrying only the
// generic SSO_LOGIN_FAILED signal.
func (r *Reconciler) Reconcile(ctx context.Context, identity ExternalIdentity) (*session.LoggedInSession, error) {
	start := time.Now()
	sess, rerr := r.reconcile(ctx, identity)
	r.metrics.ReconcileDuration.WithLabelValues(identity.ProviderName).Observe(time.Since(start).Seconds())

	if rerr != nil {
		r.metrics.LoginAttemptsTotal.WithLabelValues(identity.ProviderName, "failure").Inc()
		r.logger.WithError(rerr.err).WithFields(map[string]interface{}{
			"email":    identity.Email,
			"provider": identity.ProviderName,
			"kind":     rerr.kind,
		}).Error("Identity reconciliation failed")
		if err := r.audit.RecordLoginActivity(ctx, identity.Email, audit.CodeLoginFailed, rerr.kind, identity.ProviderName); err != nil {
			r.logger.WithError(err).Warn("Failed to record login activity")
		}
		return nil, &LoginError{
			Signal:  SignalLoginFailed,
			Message: fmt.Sprintf("%s login failed. Please contact your administrator.", identity.ProviderName),
		}
	}

	r.metrics.LoginAttemptsTotal.WithLabelValues(identity.ProviderName, "success").Inc()
	if err := r.audit.RecordLoginActivity(ctx, identity.Email, audit.CodeLoginSuccess, "login succeeded", identity.ProviderName); err != nil {
		r.logger.WithError(err).Warn("Failed to record login activity")
	}
	return sess, nil
}

func (r *Reconciler) reconcile(ctx context.Context, identity ExternalIdentity) (*session.LoggedInSession, *reconcileError) {
	if identity.Email == "" {
		// Callers audit this as UNKNOWN_IDENTITY before invoking the
		// reconciler; reaching here is a precondition violation.
		return nil, &reconcileError{kind: KindUnknownIdentity, err: fmt.Errorf("external identity carries no email claim")}
	}

	tx, err := r.directory.Begin(ctx)
	if err != nil {
		return nil, internalErr(err)
	}
	defer tx.Rollback()

	user, err := tx.FindUserByEmail(ctx, identity.Email)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		var rerr *reconcileError
		if user, rerr = r.provision(ctx, tx, identity); rerr != nil {
			return nil, rerr
		}
	case err != nil:
		return nil, internalErr(err)
	default:
		if rerr := r.repair(ctx, tx, user, identity); rerr != nil {
			return nil, rerr
		}
	}

	// Most recent login first; first row is the active context.
	memberships, err := tx.ListMembershipsByUser(ctx, user.ID)
	if err != nil {
		return nil, internalErr(err)
	}
	if len(memberships) == 0 {
		return nil, internalErr(fmt.Errorf("user %s has no workspace membership after provisioning", user.ID))
	}
	active := memberships[0]

	role, err := tx.GetRole(ctx, active.RoleID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, &reconcileError{kind: KindRoleNotFound, err: fmt.Errorf("role %s bound to membership %s does not exist", active.RoleID, active.ID)}
	}
	if err != nil {
		return nil, internalErr(err)
	}

	ownerRole, err := tx.FindRoleByName(ctx, directory.RoleOwner)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, &reconcileError{kind: KindRoleNotFound, err: fmt.Errorf("reserved role %q is not provisioned", directory.RoleOwner)}
	}
	if err != nil {
		return nil, internalErr(err)
	}

	org, err := tx.GetOrganization(ctx, active.OrganizationID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, &reconcileError{kind: KindOrganizationNotFound, err: fmt.Errorf("organization %s owning workspace %s does not exist", active.OrganizationID, active.WorkspaceID)}
	}
	if err != nil {
		return nil, internalErr(err)
	}

	features, err := r.entitlements.FeaturesForSubscription(ctx, org.SubscriptionID)
	if err != nil {
		return nil, internalErr(err)
	}
	productID, err := r.entitlements.ProductIDForSubscription(ctx, org.SubscriptionID)
	if err != nil {
		return nil, internalErr(err)
	}

	if err := tx.TouchMembershipLogin(ctx, active.ID, time.Now()); err != nil {
		return nil, internalErr(err)
	}

	assigned := make([]session.AssignedWorkspace, 0, len(memberships))
	for _, m := range memberships {
		assigned = append(assigned, session.AssignedWorkspace{
			ID:             m.WorkspaceID,
			Name:           m.WorkspaceName,
			Role:           m.RoleName,
			OrganizationID: m.OrganizationID,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, internalErr(err)
	}

	return &session.LoggedInSession{
		ID:     user.ID,
		Email:  user.Email,
		Name:   user.Name,
		RoleID: active.RoleID,

		ActiveOrganizationID:             org.ID,
		ActiveOrganizationSubscriptionID: org.SubscriptionID,
		ActiveOrganizationCustomerID:     org.CustomerID,
		ActiveOrganizationProductID:      productID,
		IsOrganizationAdmin:              active.RoleID == ownerRole.ID,

		ActiveWorkspaceID:  active.WorkspaceID,
		ActiveWorkspace:    active.WorkspaceName,
		AssignedWorkspaces: assigned,

		Permissions: role.Permissions,
		Features:    features,

		Provider:     identity.ProviderName,
		AccessToken:  identity.AccessToken,
		RefreshToken: identity.RefreshToken,
	}, nil
}

// provision creates the account for an email the directory has never seen.
// Policy depends on platform mode; enterprise never provisions implicitly.
func (r *Reconciler) provision(ctx context.Context, tx Tx, identity ExternalIdentity) (*directory.User, *reconcileError) {
	switch r.mode {
	case directory.ModeEnterprise:
		return nil, &reconcileError{
			kind: KindUserNotFound,
			err:  fmt.Errorf("no account for %s and enterprise mode forbids just-in-time provisioning", identity.Email),
		}

	case directory.ModeCloud:
		reg, err := r.registrar.Register(ctx, tx, accounts.Draft{
			Email: identity.Email,
			Name:  identity.Name,
		})
		if err != nil {
			return nil, internalErr(fmt.Errorf("failed to bootstrap tenant: %w", err))
		}
		r.metrics.ProvisionedUsersTotal.WithLabelValues(string(directory.ModeCloud)).Inc()
		return reg.User, nil

	default: // open source
		org, ws, rerr := r.solePair(ctx, tx)
		if rerr != nil {
			return nil, rerr
		}
		ownerRole, err := tx.FindRoleByName(ctx, directory.RoleOwner)
		if err != nil {
			return nil, internalErr(fmt.Errorf("failed to resolve owner role: %w", err))
		}

		name := identity.Name
		if name == "" {
			name = identity.Email
		}
		user := &directory.User{
			Email:          identity.Email,
			Name:           name,
			Status:         directory.UserStatusActive,
			OrganizationID: org.ID,
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			return nil, internalErr(err)
		}
		if err := tx.CreateMembership(ctx, &directory.WorkspaceMembership{
			UserID:      user.ID,
			WorkspaceID: ws.ID,
			RoleID:      ownerRole.ID,
			CreatedBy:   user.ID,
		}); err != nil {
			return nil, internalErr(err)
		}
		r.metrics.ProvisionedUsersTotal.WithLabelValues(string(directory.ModeOpenSource)).Inc()
		return user, nil
	}
}

// repair brings an existing account into a session-ready state: creates a
// membership when none survives (legacy accounts) and finalizes invited
// users now that the identity provider has vouched for them.
func (r *Reconciler) repair(ctx context.Context, tx Tx, user *directory.User, identity ExternalIdentity) *reconcileError {
	memberships, err := tx.ListMembershipsByUser(ctx, user.ID)
	if err != nil {
		return internalErr(err)
	}
	if len(memberships) == 0 {
		_, ws, rerr := r.firstPair(ctx, tx)
		if rerr != nil {
			return rerr
		}
		ownerRole, err := tx.FindRoleByName(ctx, directory.RoleOwner)
		if err != nil {
			return internalErr(fmt.Errorf("failed to resolve owner role: %w", err))
		}
		if err := tx.CreateMembership(ctx, &directory.WorkspaceMembership{
			UserID:      user.ID,
			WorkspaceID: ws.ID,
			RoleID:      ownerRole.ID,
			CreatedBy:   user.ID,
		}); err != nil {
			return internalErr(err)
		}
		r.logger.WithFields(map[string]interface{}{
			"user_id":      user.ID,
			"workspace_id": ws.ID,
		}).Warn("Self-healed account without workspace membership")
	}

	if user.Status == directory.UserStatusInvited {
		if _, err := r.registrar.Finalize(ctx, tx, user, identity.Name); err != nil {
			return internalErr(err)
		}
	}
	return nil
}

// solePair returns the platform's single organization and its first
// workspace. Anything other than exactly one organization is a deployment
// misconfiguration in open-source mode.
func (r *Reconciler) solePair(ctx context.Context, tx Tx) (*directory.Organization, *directory.Workspace, *reconcileError) {
	orgs, err := tx.ListOrganizations(ctx)
	if err != nil {
		return nil, nil, internalErr(err)
	}
	if len(orgs) != 1 {
		return nil, nil, internalErr(fmt.Errorf("open-source deployments require exactly one organization, found %d", len(orgs)))
	}
	return r.firstWorkspace(ctx, tx, orgs[0])
}

// firstPair returns the oldest organization and its first workspace,
// used for self-healing memberships.
func (r *Reconciler) firstPair(ctx context.Context, tx Tx) (*directory.Organization, *directory.Workspace, *reconcileError) {
	orgs, err := tx.ListOrganizations(ctx)
	if err != nil {
		return nil, nil, internalErr(err)
	}
	if len(orgs) == 0 {
		return nil, nil, &reconcileError{kind: KindOrganizationNotFound, err: fmt.Errorf("no organization exists to attach the membership to")}
	}
	return r.firstWorkspace(ctx, tx, orgs[0])
}

func (r *Reconciler) firstWorkspace(ctx context.Context, tx Tx, org *directory.Organization) (*directory.Organization, *directory.Workspace, *reconcileError) {
	workspaces, err := tx.ListWorkspacesByOrganization(ctx, org.ID)
	if err != nil {
		return nil, nil, internalErr(err)
	}
	if len(workspaces) == 0 {
		return nil, nil, internalErr(fmt.Errorf("organization %s has no workspace", org.ID))
	}
	return org, workspaces[0], nil
}
