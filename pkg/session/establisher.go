package session

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/pkg/httputil"
	"github.com/gatehouse-io/gatehouse/pkg/observability"
)

// Cookie names managed by the establisher. All three are cleared on logout.
const (
	CookieSession      = "gatehouse_session"
	CookieAccessToken  = "token"
	CookieRefreshToken = "refreshToken"
)

// EstablisherConfig tunes the post-authentication sequence
type EstablisherConfig struct {
	// SessionTTL bounds the server-side session record.
	SessionTTL time.Duration
	// SecureCookies sets the Secure flag on all issued cookies.
	SecureCookies bool
	// LandingPath is where successful logins land. Defaults to "/".
	LandingPath string
	// SigninPath is the error surface for failed logins. Defaults to "/signin".
	SigninPath string
}

// Establisher runs the post-authentication HTTP sequence: session
// regeneration, binding, token issuance, redirect — and the logout sequence.
type Establisher struct {
	store  Store
	issuer *TokenIssuer
	logger *observability.Logger
	cfg    EstablisherConfig
}

// NewEstablisher creates a new session establisher
func NewEstablisher(store Store, issuer *TokenIssuer, logger *observability.Logger, cfg EstablisherConfig) *Establisher {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.LandingPath == "" {
		cfg.LandingPath = "/"
	}
	if cfg.SigninPath == "" {
		cfg.SigninPath = "/signin"
	}
	return &Establisher{store: store, issuer: issuer, logger: logger, cfg: cfg}
}

// Establish binds a reconciled session into the HTTP session and responds.
// The session id is always regenerated first: a pre-login id must never
// survive authentication (session fixation). Regeneration failure is fatal
// to the request; no cookies are issued and no redirect happens.
func (e *Establisher) Establish(w http.ResponseWriter, r *http.Request, sess *LoggedInSession) {
	ctx := r.Context()

	if old, err := r.Cookie(CookieSession); err == nil && old.Value != "" {
		if err := e.store.Delete(ctx, old.Value); err != nil {
			e.logger.WithError(err).Error("Session regeneration failed")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, "session regeneration failed")
			return
		}
	}

	sessionID := uuid.NewString()
	if err := e.store.Put(ctx, sessionID, sess, e.cfg.SessionTTL); err != nil {
		e.logger.WithError(err).Error("Failed to bind session")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to bind session")
		return
	}

	accessToken, err := e.issuer.IssueAccessToken(sess)
	if err != nil {
		e.logger.WithError(err).Error("Failed to issue access token")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to issue access token")
		return
	}
	refreshToken, err := e.issuer.IssueRefreshToken(sess.ID)
	if err != nil {
		e.logger.WithError(err).Error("Failed to issue refresh token")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to issue refresh token")
		return
	}

	e.setCookie(w, CookieSession, sessionID, int(e.cfg.SessionTTL.Seconds()))
	e.setCookie(w, CookieAccessToken, accessToken, int(e.cfg.SessionTTL.Seconds()))
	e.setCookie(w, CookieRefreshToken, refreshToken, int(e.cfg.SessionTTL.Seconds()))

	http.Redirect(w, r, e.cfg.LandingPath, http.StatusFound)
}

// RedirectLoginFailure sends the client to the sign-in surface with a
// URL-encoded error payload. Used for expected login failures only;
// unexpected errors take the 500 path instead.
func (e *Establisher) RedirectLoginFailure(w http.ResponseWriter, r *http.Request, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	http.Redirect(w, r, e.cfg.SigninPath+"?error="+url.QueryEscape(string(payload)), http.StatusFound)
}

// Logout tears down the local session and, only if that fully succeeds,
// redirects to the provider's federated logout endpoint. A failed teardown
// answers 500 without redirecting so the client cannot mistake a surviving
// local session for a completed logout.
func (e *Establisher) Logout(w http.ResponseWriter, r *http.Request, federatedLogoutURL string) {
	ctx := r.Context()

	if cookie, err := r.Cookie(CookieSession); err == nil && cookie.Value != "" {
		if err := e.store.Delete(ctx, cookie.Value); err != nil {
			e.logger.WithError(err).Error("Failed to destroy session")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to destroy session")
			return
		}
	}

	e.clearCookie(w, CookieSession)
	e.clearCookie(w, CookieAccessToken)
	e.clearCookie(w, CookieRefreshToken)

	if federatedLogoutURL != "" {
		http.Redirect(w, r, federatedLogoutURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, e.cfg.SigninPath, http.StatusFound)
}

// Current resolves the logged-in session for a request, if any
func (e *Establisher) Current(r *http.Request) (*LoggedInSession, error) {
	cookie, err := r.Cookie(CookieSession)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	return e.store.Get(r.Context(), cookie.Value)
}

func (e *Establisher) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   e.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (e *Establisher) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   e.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
