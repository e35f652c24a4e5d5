package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/gatehouse-io/gatehouse/pkg/audit"
	"github.com/gatehouse-io/gatehouse/pkg/httputil"
	"github.com/gatehouse-io/gatehouse/pkg/observability"
	"github.com/gatehouse-io/gatehouse/pkg/session"
)

const (
	auth0ProviderName = "Auth0"

	// stateCookie carries the OAuth state between login and callback
	stateCookie    = "gatehouse_oauth_state"
	stateCookieTTL = 10 * time.Minute

	// exchangeTimeout bounds every outbound call to the provider
	exchangeTimeout = 10 * time.Second
)

var defaultScopes = []string{"openid", "profile", "email"}

// Auth0Provider implements the provider contract against an Auth0 tenant
type Auth0Provider struct {
	mu  sync.RWMutex
	cfg *Config

	baseURL string
	appURL  string

	reconciler  *Reconciler
	establisher *session.Establisher
	audit       audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics

	httpClient *http.Client
}

// NewAuth0Provider creates an Auth0 provider. baseURL is this server's
// externally visible origin (used for the callback URL), appURL the UI
// origin users return to after federated logout.
func NewAuth0Provider(
	baseURL, appURL string,
	reconciler *Reconciler,
	establisher *session.Establisher,
	auditLog audit.Logger,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Auth0Provider {
	return &Auth0Provider{
		baseURL:     strings.TrimRight(baseURL, "/"),
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
func (p *Auth0Provider) ProviderName() string { return auth0ProviderName }

// SetConfig implements Provider. A nil config deactivates the provider;
// its routes stay mounted and answer 400 until reconfigured.
func (p *Auth0Provider) SetConfig(cfg *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg != nil && !cfg.Complete() {
		p.logger.Warn("Ignoring incomplete Auth0 configuration")
		return
	}
	p.cfg = cfg
}

// Config implements Provider
func (p *Auth0Provider) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Initialize mounts the Auth0 login, callback, and logout routes
func (p *Auth0Provider) Initialize(router *mux.Router) {
	router.HandleFunc("/api/v1/auth0/login", p.handleLogin).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/auth0/callback", p.handleCallback).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/auth0/logout", p.handleLogout).Methods(http.MethodGet)
}

// oauthConfig builds the oauth2 exchange config for the active settings
func (p *Auth0Provider) oauthConfig(cfg *Config) *oauth2.Config {
	domain := domainURL(cfg.Domain)
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  p.baseURL + "/api/v1/auth0/callback",
		Scopes:       defaultScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  domain + "/authorize",
			TokenURL: domain + "/oauth/token",
		},
	}
}

func (p *Auth0Provider) handleLogin(w http.ResponseWriter, r *http.Request) {
	cfg := p.Config()
	if cfg == nil {
		httputil.WriteBadRequest(w, fmt.Sprintf("%s SSO is not configured.", auth0ProviderName))
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
	http.Redirect(w, r, p.oauthConfig(cfg).AuthCodeURL(state), http.StatusFound)
}

func (p *Auth0Provider) handleCallback(w http.ResponseWriter, r *http.Request) {
	cfg := p.Config()
	if cfg == nil {
		httputil.WriteBadRequest(w, fmt.Sprintf("%s SSO is not configured.", auth0ProviderName))
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		p.logger.WithField("provider_error", errParam).Warn("Authorization denied by provider")
		p.establisher.RedirectLoginFailure(w, r, fmt.Sprintf("%s login failed. Please contact your administrator.", auth0ProviderName))
		return
	}

	stateFromCookie, err := r.Cookie(stateCookie)
	if err != nil || stateFromCookie.Value == "" || stateFromCookie.Value != r.URL.Query().Get("state") {
		p.logger.Warn("OAuth state mismatch on callback")
		p.establisher.RedirectLoginFailure(w, r, fmt.Sprintf("%s login failed. Please contact your administrator.", auth0ProviderName))
		return
	}
	// One-shot state
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauthConfig(cfg).Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		p.logger.WithError(err).Error("Authorization code exchange failed")
		p.establisher.RedirectLoginFailure(w, r, fmt.Sprintf("%s login failed. Please contact your administrator.", auth0ProviderName))
		return
	}

	profile, err := p.fetchProfile(ctx, cfg, token.AccessToken)
	if err != nil {
		p.logger.WithError(err).Error("Failed to fetch user profile")
		p.establisher.RedirectLoginFailure(w, r, fmt.Sprintf("%s login failed. Please contact your administrator.", auth0ProviderName))
		return
	}

	if profile.Email == "" {
		if err := p.audit.RecordLoginActivity(r.Context(), "", audit.CodeUnknownIdentity, "profile carries no email claim", auth0ProviderName); err != nil {
			p.logger.WithError(err).Warn("Failed to record login activity")
		}
		p.establisher.RedirectLoginFailure(w, r, "Unable to determine your email from the identity provider.")
		return
	}

	sess, err := p.reconciler.Reconcile(r.Context(), ExternalIdentity{
		Email:        profile.Email,
		Name:         profile.Name,
		ProviderName: auth0ProviderName,
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

	p.metrics.SessionsEstablishedTotal.WithLabelValues(auth0ProviderName).Inc()
	p.establisher.Establish(w, r, sess)
}

func (p *Auth0Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	cfg := p.Config()
	if cfg == nil {
		httputil.WriteBadRequest(w, fmt.Sprintf("%s SSO is not configured.", auth0ProviderName))
		return
	}

	if sess, err := p.establisher.Current(r); err == nil {
		if err := p.audit.RecordLoginActivity(r.Context(), sess.Email, audit.CodeLogout, "user logged out", auth0ProviderName); err != nil {
			p.logger.WithError(err).Warn("Failed to record login activity")
		}
	}

	logoutURL := domainURL(cfg.Domain) + "/v2/logout?returnTo=" +
		url.QueryEscape(p.appURL) + "&client_id=" + url.QueryEscape(cfg.ClientID)
	p.establisher.Logout(w, r, logoutURL)
}

type auth0Profile struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (p *Auth0Provider) fetchProfile(ctx context.Context, cfg *Config, accessToken string) (*auth0Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, domainURL(cfg.Domain)+"/userinfo", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	profile := &auth0Profile{}
	if err := json.NewDecoder(resp.Body).Decode(profile); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return profile, nil
}

// RefreshToken exchanges a refresh token at the Auth0 token endpoint.
// Failures come back as a result value, never an error.
func (p *Auth0Provider) RefreshToken(ctx context.Context, refreshToken string) RefreshResult {
	cfg := p.Config()
	if cfg == nil {
		return RefreshResult{Error: fmt.Sprintf("%s SSO is not configured.", auth0ProviderName)}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}
	payload, err := p.tokenEndpointExchange(ctx, cfg, form)
	if err != nil {
		p.metrics.TokenRefreshTotal.WithLabelValues(auth0ProviderName, "failure").Inc()
		p.logger.WithError(err).Warn("Refresh token exchange failed")
		return RefreshResult{Error: "failed to get refreshToken"}
	}

	p.metrics.TokenRefreshTotal.WithLabelValues(auth0ProviderName, "success").Inc()
	return RefreshResult{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		TokenType:    payload.TokenType,
		ExpiresIn:    payload.ExpiresIn,
	}
}

// TestSetup runs a client-credentials exchange against the candidate
// configuration without touching the active one.
func (p *Auth0Provider) TestSetup(ctx context.Context, cfg *Config) TestResult {
	if !cfg.Complete() {
		return TestResult{Error: "domain, client id, and client secret are required"}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"audience":      {domainURL(cfg.Domain) + "/api/v2/"},
	}
	if _, err := p.tokenEndpointExchange(ctx, cfg, form); err != nil {
		p.logger.WithError(err).Warn("Auth0 configuration test failed")
		return TestResult{Error: fmt.Sprintf("%s Configuration test failed. Please check your credentials.", auth0ProviderName)}
	}
	return TestResult{Message: fmt.Sprintf("%s Configuration test successful.", auth0ProviderName)}
}

type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (p *Auth0Provider) tokenEndpointExchange(ctx context.Context, cfg *Config, form url.Values) (*tokenPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		domainURL(cfg.Domain)+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	payload := &tokenPayload{}
	if err := json.NewDecoder(resp.Body).Decode(payload); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return payload, nil
}

// domainURL normalizes a configured domain into a full origin. Explicit
// schemes pass through so tests can point at a local server.
func domainURL(domain string) string {
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return strings.TrimRight(domain, "/")
	}
	return "https://" + strings.TrimRight(domain, "/")
}
