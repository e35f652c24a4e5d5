package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a directory lookup matches no row
var ErrNotFound = errors.New("directory: not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint,
// most notably two concurrent just-in-time provisions for the same email.
var ErrDuplicate = errors.New("directory: duplicate row")

const uniqueViolation = "23505"

// Store provides access to the identity directory backed by PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates a new directory store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the directory tables if they don't exist. The unique
// index on users.email is what closes the concurrent-JIT provisioning race.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		subscription_id VARCHAR(255) NOT NULL DEFAULT '',
		customer_id VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id UUID PRIMARY KEY,
		organization_id UUID NOT NULL REFERENCES organizations(id),
		name VARCHAR(255) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS roles (
		id UUID PRIMARY KEY,
		name VARCHAR(100) NOT NULL UNIQUE,
		permissions TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL,
		organization_id UUID NOT NULL REFERENCES organizations(id),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

	CREATE TABLE IF NOT EXISTS workspace_memberships (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		workspace_id UUID NOT NULL REFERENCES workspaces(id),
		role_id UUID NOT NULL REFERENCES roles(id),
		created_by UUID NOT NULL,
		last_login_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, workspace_id)
	);
	CREATE INDEX IF NOT EXISTS idx_memberships_user ON workspace_memberships(user_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// EnsureRole upserts a role by name and returns its id. Used at startup to
// seed the reserved roles.
func (s *Store) EnsureRole(ctx context.Context, name string, permissions []string) (string, error) {
	permissionsJSON, err := json.Marshal(permissions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal role permissions: %w", err)
	}
	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO roles (id, name, permissions)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET permissions = EXCLUDED.permissions
		RETURNING id
	`, uuid.NewString(), name, string(permissionsJSON)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to ensure role %s: %w", name, err)
	}
	return id, nil
}

// Begin starts a transactional unit of work
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// CountOrganizations returns the number of organizations without a transaction.
// Used by the open-source-mode startup invariant check.
func (s *Store) CountOrganizations(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count organizations: %w", err)
	}
	return count, nil
}

// Tx is a transaction-scoped view of the directory. Every method runs on the
// same underlying connection; the caller must Commit or Rollback exactly once.
type Tx struct {
	tx *sql.Tx
}

// Commit commits the unit of work
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the unit of work. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// FindUserByEmail looks up a user by email
func (t *Tx) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	user := &User{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, email, name, status, organization_id, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.Name, &user.Status,
		&user.OrganizationID, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// CreateUser inserts a new user, assigning an id if absent
func (t *Tx) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO users (id, email, name, status, organization_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, user.ID, user.Email, user.Name, user.Status, user.OrganizationID).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", translateError(err))
	}
	return nil
}

// UpdateUser updates a user's name, email and status
func (t *Tx) UpdateUser(ctx context.Context, user *User) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE users
		SET email = $1, name = $2, status = $3, updated_at = NOW()
		WHERE id = $4
	`, user.Email, user.Name, user.Status, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", translateError(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrganizations lists all organizations ordered by creation time
func (t *Tx) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, name, subscription_id, customer_id, created_at, updated_at
		FROM organizations
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		org := &Organization{}
		if err := rows.Scan(&org.ID, &org.Name, &org.SubscriptionID,
			&org.CustomerID, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// GetOrganization retrieves an organization by id
func (t *Tx) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	org := &Organization{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, subscription_id, customer_id, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &org.SubscriptionID, &org.CustomerID,
		&org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// CreateOrganization inserts a new organization, assigning an id if absent
func (t *Tx) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO organizations (id, name, subscription_id, customer_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, org.ID, org.Name, org.SubscriptionID, org.CustomerID).
		Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", translateError(err))
	}
	return nil
}

// ListWorkspacesByOrganization lists an organization's workspaces ordered by creation time
func (t *Tx) ListWorkspacesByOrganization(ctx context.Context, orgID string) ([]*Workspace, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, organization_id, name, created_at, updated_at
		FROM workspaces
		WHERE organization_id = $1
		ORDER BY created_at ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		ws := &Workspace{}
		if err := rows.Scan(&ws.ID, &ws.OrganizationID, &ws.Name,
			&ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// CreateWorkspace inserts a new workspace, assigning an id if absent
func (t *Tx) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, organization_id, name)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, ws.ID, ws.OrganizationID, ws.Name).Scan(&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", translateError(err))
	}
	return nil
}

// CreateMembership inserts a new workspace membership, assigning an id if absent
func (t *Tx) CreateMembership(ctx context.Context, m *WorkspaceMembership) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO workspace_memberships (id, user_id, workspace_id, role_id, created_by, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, m.ID, m.UserID, m.WorkspaceID, m.RoleID, m.CreatedBy, m.LastLoginAt).
		Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", translateError(err))
	}
	return nil
}

// ListMembershipsByUser lists a user's memberships joined with workspace and
// role, ordered most-recent login first with insertion order as tie-break.
// The first row is therefore the user's active context.
func (t *Tx) ListMembershipsByUser(ctx context.Context, userID string) ([]*MembershipDetail, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.workspace_id, m.role_id, m.created_by,
		       m.last_login_at, m.created_at,
		       w.name, w.organization_id, r.name
		FROM workspace_memberships m
		JOIN workspaces w ON w.id = m.workspace_id
		JOIN roles r ON r.id = m.role_id
		WHERE m.user_id = $1
		ORDER BY m.last_login_at DESC NULLS LAST, m.created_at ASC, m.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var details []*MembershipDetail
	for rows.Next() {
		d := &MembershipDetail{}
		if err := rows.Scan(&d.ID, &d.UserID, &d.WorkspaceID, &d.RoleID,
			&d.CreatedBy, &d.LastLoginAt, &d.WorkspaceMembership.CreatedAt,
			&d.WorkspaceName, &d.OrganizationID, &d.RoleName); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// FindMembership retrieves the membership binding a user to a workspace
func (t *Tx) FindMembership(ctx context.Context, workspaceID, userID string) (*WorkspaceMembership, error) {
	m := &WorkspaceMembership{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, workspace_id, role_id, created_by, last_login_at, created_at
		FROM workspace_memberships
		WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID).Scan(&m.ID, &m.UserID, &m.WorkspaceID, &m.RoleID,
		&m.CreatedBy, &m.LastLoginAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find membership: %w", err)
	}
	return m, nil
}

// TouchMembershipLogin records a login on the membership
func (t *Tx) TouchMembershipLogin(ctx context.Context, membershipID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE workspace_memberships SET last_login_at = $1 WHERE id = $2
	`, at, membershipID)
	if err != nil {
		return fmt.Errorf("failed to touch membership login: %w", err)
	}
	return nil
}

// FindRoleByName retrieves a role by its reserved name
func (t *Tx) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	return t.scanRole(t.tx.QueryRowContext(ctx, `
		SELECT id, name, permissions FROM roles WHERE name = $1
	`, name))
}

// GetRole retrieves a role by id
func (t *Tx) GetRole(ctx context.Context, id string) (*Role, error) {
	return t.scanRole(t.tx.QueryRowContext(ctx, `
		SELECT id, name, permissions FROM roles WHERE id = $1
	`, id))
}

func (t *Tx) scanRole(row *sql.Row) (*Role, error) {
	role := &Role{}
	var permissionsJSON []byte
	err := row.Scan(&role.ID, &role.Name, &permissionsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}
	if len(permissionsJSON) > 0 {
		if err := json.Unmarshal(permissionsJSON, &role.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal role permissions: %w", err)
		}
	}
	return role, nil
}

// translateError maps driver-level uniqueness violations onto ErrDuplicate
func translateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}
