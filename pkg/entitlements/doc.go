// Package entitlements maps an organization's subscription to the feature
// flags and product id carried on the session.
package entitlements
