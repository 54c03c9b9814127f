package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"riskdesk/config"
	"riskdesk/core/orm"
	"riskdesk/core/store"
)

func setupORMRouter(t *testing.T) http.Handler {
	t.Helper()
	mgr := store.NewManager(config.IncidentsConfig{StorageDir: t.TempDir()}, nil)
	t.Cleanup(mgr.CloseAll)
	h := NewORMHandler(orm.NewService(mgr, nil), 500, nil)

	r := chi.NewRouter()
	r.MethodFunc(http.MethodGet, "/api/incidents/{incident:[0-9]+}/orm/audit", h.AuditFeed)
	r.MethodFunc(http.MethodPost, "/api/incidents/{incident:[0-9]+}/orm/clone", h.CloneHazards)
	r.MethodFunc(http.MethodGet, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}", h.GetForm)
	r.MethodFunc(http.MethodPut, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}", h.UpdateForm)
	r.MethodFunc(http.MethodGet, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/hazards", h.ListHazards)
	r.MethodFunc(http.MethodPost, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/hazards", h.AddHazard)
	r.MethodFunc(http.MethodPut, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/hazards/{id:[0-9]+}", h.EditHazard)
	r.MethodFunc(http.MethodDelete, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/hazards/{id:[0-9]+}", h.RemoveHazard)
	r.MethodFunc(http.MethodPost, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/approve", h.Approve)
	r.MethodFunc(http.MethodGet, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/export", h.Export)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Actor-ID", "42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func hazardPayload(residual string) map[string]any {
	return map[string]any{
		"sub_activity":   "rope descent",
		"hazard_outcome": "fall",
		"control_text":   "belay and edge protection",
		"initial_risk":   "EH",
		"residual_risk":  residual,
	}
}

func TestGetFormRequiresActor(t *testing.T) {
	router := setupORMRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/incidents/1/orm/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without actor header", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/incidents/1/orm/1", nil)
	req.Header.Set("X-Actor-ID", "not-a-number")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad actor header", rec.Code)
	}
}

func TestGetFormCreatesAndReturnsDraft(t *testing.T) {
	router := setupORMRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/incidents/3/orm/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	form := body["form"].(map[string]any)
	if form["status"] != "draft" {
		t.Fatalf("status = %v, want draft", form["status"])
	}
	if form["highest_residual_risk"] != "L" {
		t.Fatalf("highest = %v, want L", form["highest_residual_risk"])
	}
}

func TestAddHazardValidationMaps422(t *testing.T) {
	router := setupORMRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/hazards", map[string]any{
		"sub_activity":  "",
		"initial_risk":  "EH",
		"residual_risk": "L",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestApproveBlockedMaps409(t *testing.T) {
	router := setupORMRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/hazards", hazardPayload("H"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("add hazard status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/approve", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("approve status = %d, want 409", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["blocked"] != true {
		t.Fatalf("payload = %v, want blocked=true", body)
	}
	if body["highest_residual_risk"] != "H" {
		t.Fatalf("highest = %v, want H", body["highest_residual_risk"])
	}
}

func TestHazardEditUnblocksAndApproves(t *testing.T) {
	router := setupORMRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/hazards", hazardPayload("H"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d", rec.Code)
	}
	hazard := decodeBody(t, rec)["hazard"].(map[string]any)
	hazardID := int64(hazard["id"].(float64))

	rec = doJSON(t, router, http.MethodPut,
		"/api/incidents/3/orm/1/hazards/"+itoa(hazardID), hazardPayload("L"))
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status = %d body=%s", rec.Code, rec.Body.String())
	}
	form := decodeBody(t, rec)["form"].(map[string]any)
	if form["approval_blocked"] != false {
		t.Fatalf("form should be unblocked after mitigation: %v", form)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d body=%s", rec.Code, rec.Body.String())
	}
	form = decodeBody(t, rec)["form"].(map[string]any)
	if form["status"] != "approved" {
		t.Fatalf("status = %v, want approved", form["status"])
	}
}

func TestRemoveHazardFromWrongPeriodMaps404(t *testing.T) {
	router := setupORMRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/hazards", hazardPayload("L"))
	hazard := decodeBody(t, rec)["hazard"].(map[string]any)
	hazardID := int64(hazard["id"].(float64))

	rec = doJSON(t, router, http.MethodDelete, "/api/incidents/3/orm/2/hazards/"+itoa(hazardID), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCloneEndpoint(t *testing.T) {
	router := setupORMRouter(t)
	doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/hazards", hazardPayload("L"))

	rec := doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/clone", map[string]any{
		"from_op":        1,
		"to_op":          2,
		"clear_residual": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("clone status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v, want 1", body["count"])
	}

	rec = doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/clone", map[string]any{
		"from_op": 1,
		"to_op":   1,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("same-period clone status = %d, want 422", rec.Code)
	}
}

func TestExportWatermarksBlockedForm(t *testing.T) {
	router := setupORMRouter(t)
	doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/hazards", hazardPayload("EH"))

	rec := doJSON(t, router, http.MethodGet, "/api/incidents/3/orm/1/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	snap := decodeBody(t, rec)["snapshot"].(map[string]any)
	if snap["watermark"] != "NOT APPROVED" {
		t.Fatalf("watermark = %v", snap["watermark"])
	}
	if snap["digest"] == "" {
		t.Fatal("snapshot digest missing")
	}
}

func TestAuditFeedJSONAndCSV(t *testing.T) {
	router := setupORMRouter(t)
	doJSON(t, router, http.MethodPost, "/api/incidents/3/orm/1/hazards", hazardPayload("L"))

	rec := doJSON(t, router, http.MethodGet, "/api/incidents/3/orm/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status = %d", rec.Code)
	}
	items := decodeBody(t, rec)["items"].([]any)
	if len(items) == 0 {
		t.Fatal("audit feed is empty after a mutation")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/incidents/3/orm/audit?format=csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q, want text/csv", ct)
	}
	if !strings.Contains(rec.Body.String(), "create") {
		t.Fatal("csv export missing create row")
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
