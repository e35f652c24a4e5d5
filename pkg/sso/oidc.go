package sso

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/gatehouse-io/gatehouse/pkg/audit"
	"github.com/gatehouse-io/gatehouse/pkg/httputil"
	"github.com/gatehouse-io/gatehouse/pkg/observability"
	"github.com/gatehouse-io/gatehouse/pkg/session"
)

const oidcProviderName = "OIDC"

// OIDCProvider implements the provider contract against any OpenID Connect
// issuer, using discovery for endpoints and ID-token verification. Config.Domain
// carries the issuer URL.
type OIDCProvider struct {
	mu       sync.RWMutex
	cfg      *Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier

	baseURL string
	appURL  string

	reconciler  *Reconciler
	establisher *session.Establisher
	audit       audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics

	httpClient *http.Client
}

// NewOIDCProvider creates a generic OIDC provider
func NewOIDCProvider(
	baseURL, appURL string,
	reconciler *Reconciler,
	establisher *session.Establisher,
	auditLog audit.Logger,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *OIDCProvider {
	return &OIDCProvider{
		baseURL:     baseURL,
		appURL:      appURL,
		reconciler:  reconciler,
		establisher: establisher,
		audit:       auditLog,
		logger:      logger,
		metrics:     metrics,
		httpClient:  &http.Client{Timeout: exchangeTimeout},
	}
}

// ProviderName implements Provider
func (p *OIDCProvider) ProviderName() string { return oidcProviderName }

// SetConfig implements Provider. Discovery runs lazily on first use so a
// temporarily unreachable issuer doesn't wedge configuration.
func (p *OIDCProvider) SetConfig(cfg *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg != nil && !cfg.Complete() {
		p.logger.Warn("Ignoring incomplete OIDC configuration")
		return
	}
	p.cfg = cfg
	p.provider = nil
	p.verifier = nil
}

// Config implements Provider
func (p *OIDCProvider) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Initialize mounts the OIDC login, callback, and logout routes
func (p *OIDCProvider) Initialize(router *mux.Router) {
	router.HandleFunc("/api/v1/oidc/login", p.handleLogin).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/oidc/callback", p.handleCallback).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/oidc/logout", p.handleLogout).Methods(http.MethodGet)
}

// discover resolves (and caches) the issuer metadata for the active config
func (p *OIDCProvider) discover(ctx context.Context) (*oidc.Provider, *oidc.IDTokenVerifier, *Config, error) {
	p.mu.RLock()
	cfg, provider, verifier := p.cfg, p.provider, p.verifier
	p.mu.RUnlock()

	if cfg == nil {
		return nil, nil, nil, fmt.Errorf("%s SSO is not configured.", oidcProviderName)
	}
	if provider != nil {
		return provider, verifier, cfg, nil
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, p.httpClient)

	discovered, err := oidc.NewProvider(ctx, domainURL(cfg.Domain))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("issuer discovery failed: %w", err)
	}
	v := discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	p.mu.Lock()
	// Config may have been swapped while we discovered; only cache if current.
	if p.cfg == cfg {
		p.provider = discovered
		p.verifier = v
	}
	p.mu.Unlock()
	return discovered, v, cfg, nil
}

func (p *OIDCProvider) oauthConfig(provider *oidc.Provider, cfg *Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  p.baseURL + "/api/v1/oidc/callback",
		Scopes:       defaultScopes,
		Endpoint:     provider.Endpoint(),
	}
}

func (p *OIDCProvider) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider, _, cfg, err := p.discover(r.Context())
	if err != nil {
		p.logger.WithError(err).Warn("OIDC login unavailable")
		httputil.WriteBadRequest(w, fmt.Sprintf("%s SSO is not configured.", oidcProviderName))
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateCookieTTL.Seconds()),
	})
	http.Redirect(w, r, p.oauthConfig(provider, cfg).AuthCodeURL(state), http.StatusFound)
}

func (p *OIDCProvider) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider, verifier, cfg, err := p.discover(r.Context())
	if err != nil {
		httputil.WriteBadRequest(w, fmt.Sprintf("%s SSO is not configured.", oidcProviderName))
		return
	}
	failure := fmt.Sprintf("%s login failed. Please contact your administrator.", oidcProviderName)

	stateFromCookie, err := r.Cookie(stateCookie)
	if err != nil || stateFromCookie.Value == "" || stateFromCookie.Value != r.URL.Query().Get("state") {
		p.logger.Warn("OAuth state mismatch on callback")
		p.establisher.RedirectLoginFailure(w, r, failure)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauthConfig(provider, cfg).Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		p.logger.WithError(err).Error("Authorization code exchange failed")
		p.establisher.RedirectLoginFailure(w, r, failure)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		p.logger.Error("Token response carries no id_token")
		p.establisher.RedirectLoginFailure(w, r, failure)
		return
	}
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		p.logger.WithError(err).Error("ID token verification failed")
		p.establisher.RedirectLoginFailure(w, r, failure)
		return
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		p.logger.WithError(err).Error("Failed to parse ID token claims")
		p.establisher.RedirectLoginFailure(w, r, failure)
		return
	}

	if claims.Email == "" {
		if err := p.audit.RecordLoginActivity(r.Context(), "", audit.CodeUnknownIdentity, "ID token carries no email claim", oidcProviderName); err != nil {
			p.logger.WithError(err).Warn("Failed to record login activity")
		}
		p.establisher.RedirectLoginFailure(w, r, "Unable to determine your email from the identity provider.")
		return
	}

	sess, err := p.reconciler.Reconcile(r.Context(), ExternalIdentity{
		Email:        claims.Email,
		Name:         claims.Name,
		ProviderName: oidcProviderName,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	})
	if err != nil {
		if le, ok := AsLoginError(err); ok {
			p.establisher.RedirectLoginFailure(w, r, le.Message)
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	p.metrics.SessionsEstablishedTotal.WithLabelValues(oidcProviderName).Inc()
	p.establisher.Establish(w, r, sess)
}

func (p *OIDCProvider) handleLogout(w http.ResponseWriter, r *http.Request) {
	provider, _, cfg, err := p.discover(r.Context())
	if err != nil {
		httputil.WriteBadRequest(w, fmt.Sprintf("%s SSO is not configured.", oidcProviderName))
		return
	}

	if sess, serr := p.establisher.Current(r); serr == nil {
		if err := p.audit.RecordLoginActivity(r.Context(), sess.Email, audit.CodeLogout, "user logged out", oidcProviderName); err != nil {
			p.logger.WithError(err).Warn("Failed to record login activity")
		}
	}

	// RP-initiated logout when the issuer advertises it; local-only otherwise.
	var meta struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	logoutURL := ""
	if err := provider.Claims(&meta); err == nil && meta.EndSessionEndpoint != "" {
		logoutURL = meta.EndSessionEndpoint +
			"?post_logout_redirect_uri=" + url.QueryEscape(p.appURL) +
			"&client_id=" + url.QueryEscape(cfg.ClientID)
	}
	p.establisher.Logout(w, r, logoutURL)
}

// RefreshToken exchanges a refresh token via the issuer's token endpoint
func (p *OIDCProvider) RefreshToken(ctx context.Context, refreshToken string) RefreshResult {
	provider, _, cfg, err := p.discover(ctx)
	if err != nil {
		return RefreshResult{Error: fmt.Sprintf("%s SSO is not configured.", oidcProviderName)}
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	src := p.oauthConfig(provider, cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		p.metrics.TokenRefreshTotal.WithLabelValues(oidcProviderName, "failure").Inc()
		p.logger.WithError(err).Warn("Refresh token exchange failed")
		return RefreshResult{Error: "failed to get refreshToken"}
	}

	p.metrics.TokenRefreshTotal.WithLabelValues(oidcProviderName, "success").Inc()
	result := RefreshResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		result.IDToken = idToken
	}
	return result
}

// TestSetup validates a candidate configuration with issuer discovery
// followed by a client-credentials exchange.
func (p *OIDCProvider) TestSetup(ctx context.Context, cfg *Config) TestResult {
	if !cfg.Complete() {
		return TestResult{Error: "issuer URL, client id, and client secret are required"}
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, p.httpClient)

	discovered, err := oidc.NewProvider(ctx, domainURL(cfg.Domain))
	if err != nil {
		p.logger.WithError(err).Warn("OIDC configuration test failed")
		return TestResult{Error: fmt.Sprintf("%s Configuration test failed. Please check your credentials.", oidcProviderName)}
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     discovered.Endpoint().TokenURL,
	}
	if _, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)); err != nil {
		p.logger.WithError(err).Warn("OIDC configuration test failed")
		return TestResult{Error: fmt.Sprintf("%s Configuration test failed. Please check your credentials.", oidcProviderName)}
	}
	return TestResult{Message: fmt.Sprintf("%s Configuration test successful.", oidcProviderName)}
}
