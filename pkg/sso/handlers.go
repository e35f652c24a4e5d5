package sso

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gatehouse-io/gatehouse/pkg/httputil"
	"github.com/gatehouse-io/gatehouse/pkg/observability"
)

// AdminHandler exposes provider administration: listing, configuration,
// configuration testing, and refresh-token exchange.
type AdminHandler struct {
	registry *Registry
	logger   *observability.Logger
}

// NewAdminHandler creates a new admin handler over the provider registry
func NewAdminHandler(registry *Registry, logger *observability.Logger) *AdminHandler {
	return &AdminHandler{registry: registry, logger: logger}
}

// RegisterRoutes mounts the admin routes
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/sso/providers", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/sso/{provider}/config", h.handleConfigure).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/sso/{provider}/test", h.handleTest).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/sso/{provider}/refresh", h.handleRefresh).Methods(http.MethodPost)
}

func (h *AdminHandler) handleList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"providers": h.registry.Names(),
	})
}

type configureRequest struct {
	Config
	// Enabled false deactivates the provider regardless of the config body
	Enabled bool `json:"enabled"`
}

func (h *AdminHandler) handleConfigure(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]

	req := configureRequest{Enabled: true}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	var cfg *Config
	if req.Enabled {
		if !req.Config.Complete() {
			httputil.WriteBadRequest(w, "domain, client id, and client secret are required")
			return
		}
		cfg = &req.Config
	}

	if err := h.registry.Configure(name, cfg); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	h.logger.WithFields(map[string]interface{}{
		"provider": name,
		"enabled":  cfg != nil,
	}).Info("Provider configuration updated")
	httputil.WriteSuccess(w, map[string]bool{"configured": cfg != nil})
}

func (h *AdminHandler) handleTest(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	provider, ok := h.registry.Lookup(name)
	if !ok {
		httputil.WriteBadRequest(w, "unknown provider: "+name)
		return
	}

	cfg := &Config{}
	if err := httputil.DecodeJSON(r, cfg); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	result := provider.TestSetup(r.Context(), cfg)
	if result.Error != "" {
		httputil.WriteJSON(w, http.StatusBadRequest, result)
		return
	}
	httputil.WriteSuccess(w, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AdminHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	provider, ok := h.registry.Lookup(name)
	if !ok {
		httputil.WriteBadRequest(w, "unknown provider: "+name)
		return
	}

	req := refreshRequest{}
	if err := httputil.DecodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		httputil.WriteBadRequest(w, "refresh_token is required")
		return
	}

	result := provider.RefreshToken(r.Context(), req.RefreshToken)
	if result.Error != "" {
		httputil.WriteJSON(w, http.StatusBadGateway, result)
		return
	}
	httputil.WriteSuccess(w, result)
}
