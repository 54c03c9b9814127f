package handlers

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"riskdesk/core/orm"
	"riskdesk/core/store"
	"riskdesk/core/utils"
)

const actorHeader = "X-Actor-ID"

// ORMHandler serves the per-incident risk assessment API. Every mutating
// route requires the acting user in the X-Actor-ID header; the handler only
// parses it and passes it through.
type ORMHandler struct {
	svc           *orm.Service
	auditMaxLimit int
	logger        *utils.Logger
}

func NewORMHandler(svc *orm.Service, auditMaxLimit int, logger *utils.Logger) *ORMHandler {
	if auditMaxLimit <= 0 {
		auditMaxLimit = 500
	}
	return &ORMHandler{svc: svc, auditMaxLimit: auditMaxLimit, logger: logger}
}

func (h *ORMHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ORMHandler) GetForm(w http.ResponseWriter, r *http.Request) {
	actor, incident, op, ok := h.formScope(w, r)
	if !ok {
		return
	}
	form, err := h.svc.GetForm(r.Context(), actor, incident, op)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"form": form})
}

func (h *ORMHandler) UpdateForm(w http.ResponseWriter, r *http.Request) {
	actor, incident, op, ok := h.formScope(w, r)
	if !ok {
		return
	}
	var patch orm.HeaderPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "orm.bad_payload", "malformed JSON body")
		return
	}
	form, err := h.svc.UpdateFormHeader(r.Context(), actor, incident, op, patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"form": form})
}

func (h *ORMHandler) ListHazards(w http.ResponseWriter, r *http.Request) {
	actor, incident, op, ok := h.formScope(w, r)
	if !ok {
		return
	}
	hazards, err := h.svc.ListHazards(r.Context(), actor, incident, op)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": hazards})
}

func (h *ORMHandler) AddHazard(w http.ResponseWriter, r *http.Request) {
	actor, incident, op, ok := h.formScope(w, r)
	if !ok {
		return
	}
	var input orm.HazardInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "orm.bad_payload", "malformed JSON body")
		return
	}
	hazard, form, err := h.svc.AddHazard(r.Context(), actor, incident, op, input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"hazard": hazard, "form": form})
}

func (h *ORMHandler) EditHazard(w http.ResponseWriter, r *http.Request) {
	actor, incident, op, ok := h.formScope(w, r)
	if !ok {
		return
	}
	hazardID, ok := pathInt64(urlParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "orm.bad_request", "invalid hazard id")
		return
	}
	var input orm.HazardInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "orm.bad_payload", "malformed JSON body")
		return
	}
	hazard, form, err := h.svc.EditHazard(r.Context(), actor, incident, op, hazardID, input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hazard": hazard, "form": form})
}

func (h *ORMHandler) RemoveHazard(w http.ResponseWriter, r *http.Request) {
	actor, incident, op, ok := h.formScope(w, r)
	if !ok {
		return
	}
	hazardID, ok := pathInt64(urlParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "orm.bad_request", "invalid hazard id")
		return
	}
	form, err := h.svc.RemoveHazard(r.Context(), actor, incident, op, hazardID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"form": form})
}

func (h *ORMHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, incident, op, ok := h.formScope(w, r)
	if !ok {
		return
	}
	form, err := h.svc.AttemptApproval(r.Context(), actor, incident, op)
	if err != nil {
		var blocked *orm.ApprovalBlockedError
		if errors.As(err, &blocked) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"blocked":               true,
				"highest_residual_risk": blocked.Level,
			})
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"form": form})
}

func (h *ORMHandler) CloneHazards(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	incident, ok := pathInt64(urlParam(r, "incident"))
	if !ok {
		writeError(w, http.StatusBadRequest, "orm.bad_request", "invalid incident id")
		return
	}
	payload := struct {
		FromOp        int  `json:"from_op"`
		ToOp          int  `json:"to_op"`
		ClearResidual bool `json:"clear_residual"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "orm.bad_payload", "malformed JSON body")
		return
	}
	cloned, err := h.svc.CloneHazards(r.Context(), actor, incident, payload.FromOp, payload.ToOp, payload.ClearResidual)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cloned, "count": len(cloned)})
}

func (h *ORMHandler) Export(w http.ResponseWriter, r *http.Request) {
	actor, incident, op, ok := h.formScope(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Export(r.Context(), actor, incident, op)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

// AuditFeed lists the incident's audit trail, newest first. With
// format=csv the feed is returned as a file download.
func (h *ORMHandler) AuditFeed(w http.ResponseWriter, r *http.Request) {
	incident, ok := pathInt64(urlParam(r, "incident"))
	if !ok {
		writeError(w, http.StatusBadRequest, "orm.bad_request", "invalid incident id")
		return
	}
	filter := h.parseAuditFilter(r)
	entries, err := h.svc.Audit(r.Context(), incident, filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		h.writeAuditCSV(w, entries)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (h *ORMHandler) parseAuditFilter(r *http.Request) store.AuditFilter {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Entity: strings.TrimSpace(q.Get("entity")),
		Action: strings.TrimSpace(q.Get("action")),
		Limit:  h.auditMaxLimit,
	}
	if raw := strings.TrimSpace(q.Get("entity_id")); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			filter.EntityID = id
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit <= h.auditMaxLimit {
			filter.Limit = limit
		}
	}
	return filter
}

func (h *ORMHandler) writeAuditCSV(w http.ResponseWriter, entries []store.AuditEntry) {
	filename := "audit_trail_" + time.Now().UTC().Format("20060102_150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"time", "user_id", "entity", "entity_id", "action", "field", "old_value", "new_value"})
	for i := range entries {
		e := entries[i]
		_ = writer.Write([]string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(e.UserID, 10),
			e.Entity,
			strconv.FormatInt(e.EntityID, 10),
			e.Action,
			e.Field,
			strDeref(e.OldValue),
			strDeref(e.NewValue),
		})
	}
	writer.Flush()
}

// formScope resolves the actor header and the incident/op path segments
// shared by every per-period route.
func (h *ORMHandler) formScope(w http.ResponseWriter, r *http.Request) (actor, incident int64, op int, ok bool) {
	actor, ok = actorID(w, r)
	if !ok {
		return 0, 0, 0, false
	}
	incident, ok = pathInt64(urlParam(r, "incident"))
	if !ok {
		writeError(w, http.StatusBadRequest, "orm.bad_request", "invalid incident id")
		return 0, 0, 0, false
	}
	opID, ok := pathInt64(urlParam(r, "op"))
	if !ok || opID <= 0 {
		writeError(w, http.StatusBadRequest, "orm.bad_request", "invalid operational period")
		return 0, 0, 0, false
	}
	return actor, incident, int(opID), true
}

func actorID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(actorHeader))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "orm.missing_actor", "X-Actor-ID header is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "orm.invalid_actor", "X-Actor-ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *ORMHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orm.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "orm.validation", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "orm.not_found", "resource not found")
	case errors.Is(err, store.ErrDuplicateForm):
		writeError(w, http.StatusConflict, "orm.duplicate_form", "form already exists for this operational period")
	case errors.Is(err, store.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "orm.busy", "incident database is busy, retry shortly")
	default:
		if h.logger != nil {
			h.logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		}
		writeError(w, http.StatusInternalServerError, "orm.internal", "server error")
	}
}

func strDeref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
