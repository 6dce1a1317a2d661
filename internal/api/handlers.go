package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hirevo/alexandrie/internal/db"
)

// publishResponse is the body Cargo expects from a successful publish.
// The warning lists are part of the contract even when empty.
type publishResponse struct {
	Warnings publishWarnings `json:"warnings"`
}

type publishWarnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	_, err := h.reg.Publish(r.Context(), callerFrom(r.Context()), r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publishResponse{Warnings: publishWarnings{
		InvalidCategories: []string{},
		InvalidBadges:     []string{},
		Other:             []string{},
	}})
}

// crateInfoResponse carries what a registry frontend needs to render a
// crate page. Dependencies are those of the latest published version.
type crateInfoResponse struct {
	Name          string                `json:"name"`
	Description   *string               `json:"description"`
	Repository    *string               `json:"repository"`
	Documentation *string               `json:"documentation"`
	Homepage      *string               `json:"homepage"`
	Downloads     int64                 `json:"downloads"`
	CreatedAt     string                `json:"created_at"`
	UpdatedAt     string                `json:"updated_at"`
	Keywords      []string              `json:"keywords"`
	Categories    []string              `json:"categories"`
	Versions      []crateInfoVersion    `json:"versions"`
	Dependencies  []crateInfoDependency `json:"dependencies"`
}

type crateInfoVersion struct {
	Vers      string `json:"vers"`
	Yanked    bool   `json:"yanked"`
	Downloads int64  `json:"downloads"`
	CreatedAt string `json:"created_at"`
}

type crateInfoDependency struct {
	Name     string `json:"name"`
	Req      string `json:"req"`
	Kind     string `json:"kind"`
	Optional bool   `json:"optional"`
}

func (h *Handler) crateInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.reg.Info(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := crateInfoResponse{
		Name:          info.Crate.Name,
		Description:   info.Crate.Description,
		Repository:    info.Crate.Repository,
		Documentation: info.Crate.Documentation,
		Homepage:      info.Crate.Homepage,
		Downloads:     info.Crate.Downloads,
		CreatedAt:     info.Crate.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     info.Crate.UpdatedAt.Format(time.RFC3339),
		Keywords:      info.Keywords,
		Categories:    info.Categories,
		Versions:      make([]crateInfoVersion, len(info.Versions)),
		Dependencies:  make([]crateInfoDependency, len(info.Dependencies)),
	}
	// Empty lists serialize as [], not null.
	if resp.Keywords == nil {
		resp.Keywords = []string{}
	}
	if resp.Categories == nil {
		resp.Categories = []string{}
	}
	for i, v := range info.Versions {
		resp.Versions[i] = crateInfoVersion{
			Vers:      v.Vers,
			Yanked:    v.Yanked,
			Downloads: v.Downloads,
			CreatedAt: v.CreatedAt.Format(time.RFC3339),
		}
	}
	for i, d := range info.Dependencies {
		resp.Dependencies[i] = crateInfoDependency{
			Name:     d.Name,
			Req:      d.Req,
			Kind:     d.Kind,
			Optional: d.Optional,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	vers := chi.URLParam(r, "version")

	body, _, err := h.reg.Download(r.Context(), name, vers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"%s-%s.crate\"", name, vers))
	if size, ok := blobSize(body); ok {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	io.Copy(w, body)
}

// blobSize reports the remaining length of a seekable blob without
// consuming it.
func blobSize(body io.Reader) (int64, bool) {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return 0, false
	}
	size, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return 0, false
	}
	return size, true
}

func (h *Handler) readme(w http.ResponseWriter, r *http.Request) {
	body, err := h.reg.Readme(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.Copy(w, body)
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) yank(w http.ResponseWriter, r *http.Request) {
	err := h.reg.Yank(r.Context(), callerFrom(r.Context()),
		chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) unyank(w http.ResponseWriter, r *http.Request) {
	err := h.reg.Unyank(r.Context(), callerFrom(r.Context()),
		chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type ownerUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

type ownersResponse struct {
	Users []ownerUser `json:"users"`
}

// ownersRequest is the body of owner mutations: {"users": ["login", ...]}.
type ownersRequest struct {
	Users []string `json:"users"`
}

type ownersChangedResponse struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

func (h *Handler) listOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := h.reg.ListOwners(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	users := make([]ownerUser, len(owners))
	for i, o := range owners {
		users[i] = ownerUser{ID: o.ID, Login: o.Login, Name: o.Name}
	}
	writeJSON(w, http.StatusOK, ownersResponse{Users: users})
}

func (h *Handler) addOwners(w http.ResponseWriter, r *http.Request) {
	h.mutateOwners(w, r, h.reg.AddOwner, "added")
}

func (h *Handler) removeOwners(w http.ResponseWriter, r *http.Request) {
	h.mutateOwners(w, r, h.reg.RemoveOwner, "removed")
}

func (h *Handler) mutateOwners(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, caller *db.Author, name, login string) error, verb string) {
	defer r.Body.Close()

	var req ownersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Users) == 0 {
		writeErrorDetail(w, http.StatusBadRequest, "invalid owners request body")
		return
	}

	name := chi.URLParam(r, "name")
	caller := callerFrom(r.Context())
	for _, login := range req.Users {
		if err := op(r.Context(), caller, name, login); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, ownersChangedResponse{
		OK:  true,
		Msg: fmt.Sprintf("owners %s", verb),
	})
}
