// Package audit records login activity. Every authentication attempt — the
// ones that never reach the reconciler included — leaves exactly one row
// with the provider, the outcome code, and the server-side detail that is
// deliberately kept out of client responses.
package audit
