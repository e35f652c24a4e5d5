// Package directory provides the platform's identity data model (users,
// organizations, workspaces, memberships, roles) and a PostgreSQL-backed
// store exposing those lookups inside a single transactional unit of work.
//
// All reconciliation-time reads and writes go through a Tx obtained from
// Store.Begin so that a login either fully commits or fully rolls back.
package directory
