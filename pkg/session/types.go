package session

// AssignedWorkspace is one entry in a session's workspace list
type AssignedWorkspace struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

// LoggedInSession is the platform-side identity produced by a successful
// reconciliation. It is constructed fresh per login and owned by the HTTP
// session for its lifetime; the external tokens ride along for downstream
// provider calls and are never persisted outside the session store.
type LoggedInSession struct {
	ID     string `json:"id"` // user id
	Email  string `json:"email"`
	Name   string `json:"name"`
	RoleID string `json:"role_id"`

	ActiveOrganizationID             string `json:"active_organization_id"`
	ActiveOrganizationSubscriptionID string `json:"active_organization_subscription_id,omitempty"`
	ActiveOrganizationCustomerID     string `json:"active_organization_customer_id,omitempty"`
	ActiveOrganizationProductID      string `json:"active_organization_product_id,omitempty"`
	IsOrganizationAdmin              bool   `json:"is_organization_admin"`

	ActiveWorkspaceID  string              `json:"active_workspace_id"`
	ActiveWorkspace    string              `json:"active_workspace"`
	AssignedWorkspaces []AssignedWorkspace `json:"assigned_workspaces"`

	Permissions []string        `json:"permissions"`
	Features    map[string]bool `json:"features"`

	// The session is serialized only into the session store, never to
	// clients, so the provider tokens keep their tags.
	Provider     string `json:"provider"`
	AccessToken  string `json:"sso_token,omitempty"`
	RefreshToken string `json:"sso_refresh_token,omitempty"`
}
