package directory

import "time"

// UserStatus represents the lifecycle state of a user account
type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusInvited UserStatus = "invited"
)

// PlatformMode governs provisioning policy at login time
type PlatformMode string

const (
	ModeEnterprise PlatformMode = "enterprise"
	ModeCloud      PlatformMode = "cloud"
	ModeOpenSource PlatformMode = "open_source"
)

// RoleOwner is the platform-reserved role name granting organization-admin status
const RoleOwner = "owner"

// User represents a platform user account
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Status         UserStatus `json:"status"`
	OrganizationID string     `json:"organization_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Organization represents a tenant
type Organization struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Workspace belongs to exactly one organization
type Workspace struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WorkspaceMembership links a user to a workspace with a role
type WorkspaceMembership struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	WorkspaceID string     `json:"workspace_id"`
	RoleID      string     `json:"role_id"`
	CreatedBy   string     `json:"created_by"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Role represents a named permission set
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// MembershipDetail is a membership joined with its workspace and role,
// as needed to assemble a session's assigned-workspace list.
type MembershipDetail struct {
	WorkspaceMembership
	WorkspaceName  string `json:"workspace_name"`
	OrganizationID string `json:"organization_id"`
	RoleName       string `json:"role_name"`
}
