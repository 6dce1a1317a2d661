// Package api exposes the registry over the HTTP surface Cargo speaks.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hirevo/alexandrie/internal/db"
	"github.com/hirevo/alexandrie/internal/registry"
)

// Handler wires the registry into chi routes.
type Handler struct {
	reg    *registry.Registry
	meta   *db.Store
	logger *zap.Logger
}

// NewHandler builds the API handler. The metadata store is needed to
// resolve auth tokens into accounts.
func NewHandler(reg *registry.Registry, meta *db.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reg: reg, meta: meta, logger: logger.Named("api")}
}

// Router assembles the route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestID)
	r.Use(h.logRequests)

	r.Route("/api/v1/crates", func(r chi.Router) {
		r.Get("/", h.search)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Put("/new", h.publish)
			r.Delete("/{name}/{version}/yank", h.yank)
			r.Put("/{name}/{version}/unyank", h.unyank)
			r.Get("/{name}/owners", h.listOwners)
			r.Put("/{name}/owners", h.addOwners)
			r.Delete("/{name}/owners", h.removeOwners)
		})

		r.Get("/{name}", h.crateInfo)
		r.Get("/{name}/{version}/download", h.download)
		r.Get("/{name}/{version}/readme", h.readme)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorDetail(w, http.StatusNotFound, "not found")
	})
	return r
}

type apiError struct {
	Detail string `json:"detail"`
}

type errorBody struct {
	Errors []apiError `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErrorDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Errors: []apiError{{Detail: detail}}})
}

// writeError maps a registry failure to its status and client-safe
// detail. Internal causes never reach the response body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	regErr := registry.AsError(err)
	if regErr.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeErrorDetail(w, regErr.HTTPStatus(), "internal server error")
		return
	}
	writeErrorDetail(w, regErr.HTTPStatus(), regErr.Detail)
}
