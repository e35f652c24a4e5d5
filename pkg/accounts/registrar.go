package accounts

import (
	"context"
	"fmt"

	"github.com/gatehouse-io/gatehouse/pkg/directory"
)

// Tx is the slice of the directory transaction the registrar writes through
type Tx interface {
	CreateOrganization(ctx context.Context, org *directory.Organization) error
	CreateWorkspace(ctx context.Context, ws *directory.Workspace) error
	CreateUser(ctx context.Context, user *directory.User) error
	UpdateUser(ctx context.Context, user *directory.User) error
	CreateMembership(ctx context.Context, m *directory.WorkspaceMembership) error
	FindRoleByName(ctx context.Context, name string) (*directory.Role, error)
}

// Draft describes the user to register
type Draft struct {
	Email string
	Name  string
}

// Registration is the result of bootstrapping a new tenant
type Registration struct {
	User       *directory.User
	Workspace  *directory.Workspace
	Membership *directory.WorkspaceMembership
}

const (
	defaultOrganizationName = "Default Organization"
	defaultWorkspaceName    = "Default Workspace"
)

// Registrar bootstraps new tenants and finalizes invited users
type Registrar struct{}

// NewRegistrar creates a new registrar
func NewRegistrar() *Registrar {
	return &Registrar{}
}

// Register creates a new organization, its first workspace, the user, and an
// owner membership, all inside tx. Used for cloud-mode JIT provisioning.
func (r *Registrar) Register(ctx context.Context, tx Tx, draft Draft) (*Registration, error) {
	if draft.Email == "" {
		return nil, fmt.Errorf("email is required")
	}
	name := draft.Name
	if name == "" {
		name = draft.Email
	}

	ownerRole, err := tx.FindRoleByName(ctx, directory.RoleOwner)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve owner role: %w", err)
	}

	org := &directory.Organization{Name: defaultOrganizationName}
	if err := tx.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}

	ws := &directory.Workspace{
		OrganizationID: org.ID,
		Name:           defaultWorkspaceName,
	}
	if err := tx.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	user := &directory.User{
		Email:          draft.Email,
		Name:           name,
		Status:         directory.UserStatusActive,
		OrganizationID: org.ID,
	}
	if err := tx.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	membership := &directory.WorkspaceMembership{
		UserID:      user.ID,
		WorkspaceID: ws.ID,
		RoleID:      ownerRole.ID,
		CreatedBy:   user.ID,
	}
	if err := tx.CreateMembership(ctx, membership); err != nil {
		return nil, err
	}

	return &Registration{User: user, Workspace: ws, Membership: membership}, nil
}

// Finalize transitions an invited user to active, taking the display name
// asserted by the identity provider.
func (r *Registrar) Finalize(ctx context.Context, tx Tx, user *directory.User, name string) (*directory.User, error) {
	if name != "" {
		user.Name = name
	}
	user.Status = directory.UserStatusActive
	if err := tx.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to finalize invited user: %w", err)
	}
	return user, nil
}
