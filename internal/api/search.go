package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

type searchCrate struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Downloads   int64   `json:"downloads"`
	Score       float64 `json:"score"`
}

type searchMeta struct {
	Total int `json:"total"`
}

type searchResponse struct {
	Crates []searchCrate `json:"crates"`
	Meta   searchMeta    `json:"meta"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeErrorDetail(w, http.StatusBadRequest, "missing query parameter 'q'")
		return
	}

	perPage := queryInt(r, "per_page", defaultPerPage)
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}

	results, total, err := h.reg.Search(r.Context(), query, perPage, (page-1)*perPage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	crates := make([]searchCrate, len(results))
	for i, res := range results {
		crates[i] = searchCrate{
			Name:      res.Crate.Name,
			Downloads: res.Crate.Downloads,
			Score:     res.Score,
		}
		if res.Crate.Description != nil {
			crates[i].Description = *res.Crate.Description
		}
	}
	writeJSON(w, http.StatusOK, searchResponse{Crates: crates, Meta: searchMeta{Total: total}})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
