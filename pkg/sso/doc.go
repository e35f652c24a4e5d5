// Package sso federates authentication from external identity providers
// into the platform. It defines the provider contract and registry, the
// identity reconciler that turns a verified external identity into a
// platform session, and the HTTP surface each provider mounts.
package sso
