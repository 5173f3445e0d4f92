package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// ListRules handles GET /rules?type=&active=.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	filter, ok := ruleFilter(w, r)
	if !ok {
		return
	}
	list, err := h.rules.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

func ruleFilter(w http.ResponseWriter, r *http.Request) (domain.RuleFilter, bool) {
	var filter domain.RuleFilter
	if t := r.URL.Query().Get("type"); t != "" {
		filter.Type = domain.RuleType(t)
		if !filter.Type.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown rule type: " + t})
			return filter, false
		}
	}
	if a := r.URL.Query().Get("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "active must be a boolean"})
			return filter, false
		}
		filter.ActiveOnly = active
	}
	return filter, true
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var def domain.RuleDefinition
	if !decodeJSON(w, r, &def) {
		return
	}
	rule := rules.FromDefinition(def)
	if err := h.rules.Create(r.Context(), rule); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateRuleRequest carries a partial rule update; nil fields are kept.
type UpdateRuleRequest struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	RuleType    *domain.RuleType  `json:"rule_type"`
	Conditions  *domain.Condition `json:"conditions"`
	Actions     *domain.Actions   `json:"actions"`
	Priority    *int              `json:"priority"`
	IsActive    *bool             `json:"is_active"`
}

// UpdateRule handles PUT /rules/{id}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.RuleType != nil {
		rule.RuleType = *req.RuleType
	}
	if req.Conditions != nil {
		rule.Conditions = *req.Conditions
	}
	if req.Actions != nil {
		rule.Actions = *req.Actions
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := h.rules.Update(r.Context(), rule); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleRule handles POST /rules/{id}/toggle.
func (h *Handler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Toggle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// TestRuleRequest previews a rule against a session or inline records.
type TestRuleRequest struct {
	Rule      domain.RuleDefinition `json:"rule"`
	SessionID string                `json:"session_id"`
	Records   []*domain.Record      `json:"records"`
	Filter    string                `json:"filter"`
}

// TestRule handles POST /rules/test.
func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" && len(req.Records) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "either session_id or records is required",
		})
		return
	}
	if req.SessionID != "" {
		if _, err := h.repo.GetSession(r.Context(), req.SessionID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	result, err := h.rules.Test(r.Context(), rules.FromDefinition(req.Rule), req.SessionID, req.Records, req.Filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ValidateRule handles POST /rules/validate. The response is always 200;
// the body says whether the definition is valid.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var def domain.RuleDefinition
	if !decodeJSON(w, r, &def) {
		return
	}
	reasons := rules.ValidateRule(rules.FromDefinition(def))
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  len(reasons) == 0,
		"errors": reasons,
	})
}

// ExportRules handles GET /rules/export?type=.
func (h *Handler) ExportRules(w http.ResponseWriter, r *http.Request) {
	filter, ok := ruleFilter(w, r)
	if !ok {
		return
	}
	defs, err := h.rules.Export(r.Context(), filter.Type)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

// ImportRules handles POST /rules/import with a JSON array of definitions.
func (h *Handler) ImportRules(w http.ResponseWriter, r *http.Request) {
	var defs []domain.RuleDefinition
	if !decodeJSON(w, r, &defs) {
		return
	}
	result, err := h.rules.Import(r.Context(), defs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
