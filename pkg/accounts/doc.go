// Package accounts bootstraps tenants. The Registrar creates the
// organization/workspace/user/owner-membership quartet for a brand-new
// account, and finalizes invited users on their first login. All writes
// happen inside the caller's transaction so that account creation shares
// the login's unit of work.
package accounts
