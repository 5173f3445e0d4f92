package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/whitelist"
)

// ListWhitelist handles GET /whitelist?active=true.
func (h *Handler) ListWhitelist(w http.ResponseWriter, r *http.Request) {
	domains, err := h.whitelist.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domains": domains,
		"count":   len(domains),
	})
}

// AddWhitelistDomain handles POST /whitelist.
func (h *Handler) AddWhitelistDomain(w http.ResponseWriter, r *http.Request) {
	var entry whitelist.Entry
	if !decodeJSON(w, r, &entry) {
		return
	}
	d := &domain.WhitelistDomain{
		Domain:   entry.Domain,
		IsActive: true,
		AddedBy:  entry.AddedBy,
		Notes:    entry.Notes,
	}
	if entry.IsActive != nil {
		d.IsActive = *entry.IsActive
	}
	if err := h.whitelist.Add(r.Context(), d); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ToggleWhitelistDomain handles POST /whitelist/{domain}/toggle.
func (h *Handler) ToggleWhitelistDomain(w http.ResponseWriter, r *http.Request) {
	d, err := h.whitelist.Toggle(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteWhitelistDomain handles DELETE /whitelist/{domain}.
func (h *Handler) DeleteWhitelistDomain(w http.ResponseWriter, r *http.Request) {
	if err := h.whitelist.Delete(r.Context(), chi.URLParam(r, "domain")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportWhitelist handles GET /whitelist/export.
func (h *Handler) ExportWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.whitelist.Export(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ImportWhitelist handles POST /whitelist/import.
func (h *Handler) ImportWhitelist(w http.ResponseWriter, r *http.Request) {
	var entries []whitelist.Entry
	if !decodeJSON(w, r, &entries) {
		return
	}
	result, err := h.whitelist.Import(r.Context(), entries)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
