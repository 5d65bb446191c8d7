package mitmca

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for operating the certificate authority
// at runtime: inspecting the root, regenerating or resetting it, exporting
// a trust bundle, and viewing or clearing the host certificate cache.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. Endpoints return JSON except where noted.
type AdminAPI struct {
	// CA is the authority to operate on.
	CA *Authority

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given authority.
func NewAdminAPI(ca *Authority) *AdminAPI {
	a := &AdminAPI{
		CA:         ca,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ca", a.handleRootPEM)
	r.Get("/ca/info", a.handleRootInfo)
	r.Post("/ca/regenerate", a.handleRegenerate)
	r.Post("/ca/reset", a.handleReset)
	r.Post("/ca/export", a.handleExport)
	r.Get("/certs", a.handleListCerts)
	r.Delete("/certs", a.handleClearCerts)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
// Mount this on a loopback or otherwise access-controlled listener.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi
// router after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Request/response types
// --------------------------------------------------------------------------

// RegenerateRequest is the body for POST /api/ca/regenerate.
type RegenerateRequest struct {
	// Hint is embedded in the new root's CN, typically the device hostname.
	Hint string `json:"hint"`
}

// ExportRequest is the body for POST /api/ca/export.
type ExportRequest struct {
	Password string `json:"password"`
}

// CertsResponse is returned by GET /api/certs.
type CertsResponse struct {
	Count int      `json:"count"`
	Hosts []string `json:"hosts"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleRootPEM(w http.ResponseWriter, _ *http.Request) {
	pemBytes, err := a.CA.RootCertificatePEM()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(pemBytes)
}

func (a *AdminAPI) handleRootInfo(w http.ResponseWriter, _ *http.Request) {
	info, err := a.CA.RootInfo()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, info)
}

func (a *AdminAPI) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if err := a.CA.Regenerate(req.Hint); err != nil {
		a.Logger.Error("regenerate root CA", "error", err)
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "root CA regenerated"})
}

func (a *AdminAPI) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := a.CA.ResetToDefault(); err != nil {
		if errors.Is(err, ErrNoOverride) {
			a.writeError(w, http.StatusNotFound, err)
			return
		}
		a.Logger.Error("reset root CA", "error", err)
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "root CA reset to bundled default"})
}

func (a *AdminAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Password == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("password is required"))
		return
	}

	bundle, err := a.CA.ExportTrustBundle(req.Password)
	if err != nil {
		a.Logger.Error("export trust bundle", "error", err)
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", `attachment; filename="mitmca.p12"`)
	w.Write(bundle)
}

func (a *AdminAPI) handleListCerts(w http.ResponseWriter, _ *http.Request) {
	hosts := a.CA.CachedHosts()
	a.writeJSON(w, http.StatusOK, CertsResponse{Count: len(hosts), Hosts: hosts})
}

func (a *AdminAPI) handleClearCerts(w http.ResponseWriter, _ *http.Request) {
	a.CA.InvalidateCache()
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "certificate cache cleared"})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("encode admin response", "error", err)
	}
}

func (a *AdminAPI) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
