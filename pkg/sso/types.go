package sso

// ExternalIdentity is the verified identity handed over by a provider's
// callback. It is transient and never persisted as-is; the tokens ride
// into the session, everything else feeds reconciliation.
type ExternalIdentity struct {
	Email        string
	Name         string
	ProviderName string
	AccessToken  string
	RefreshToken string
}

// Config activates a provider. Domain is the provider tenant domain for
// Auth0-style providers, or the issuer URL for generic OIDC.
type Config struct {
	Domain       string `json:"domain"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Complete reports whether the config carries everything needed to
// activate a provider.
func (c *Config) Complete() bool {
	return c != nil && c.Domain != "" && c.ClientID != "" && c.ClientSecret != ""
}

// RefreshResult is the outcome of a refresh-token exchange. Exchange
// failure is a value, not an error: Error is set and the token fields
// are empty.
type RefreshResult struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TestResult is the outcome of a configuration test. Exactly one of
// Message and Error is set.
type TestResult struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
