// Package session owns the server-side login session: the LoggedInSession
// record produced by identity reconciliation, the stores that hold it
// (in-memory or Redis), the JWT access/refresh artifacts handed to the
// client, and the Establisher that runs the post-authentication and logout
// HTTP sequences.
package session
