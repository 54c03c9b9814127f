package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"riskdesk/config"
	"riskdesk/core/riskmatrix"
)

func setupIncidentDB(t *testing.T) (ORMStore, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := openSQLite(filepath.Join(dir, "7.db"), 5000, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewORMStore(db, 7), db
}

func mustInsertForm(t *testing.T, s ORMStore, opPeriod int) *Form {
	t.Helper()
	f := &Form{OpPeriod: opPeriod}
	if _, err := s.InsertForm(context.Background(), 1, f); err != nil {
		t.Fatalf("insert form: %v", err)
	}
	return f
}

func TestMigrationsAreIdempotent(t *testing.T) {
	_, db := setupIncidentDB(t)
	if err := ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestLegacyAuditTableUpgradesInPlace(t *testing.T) {
	dir := t.TempDir()
	db, err := openSQLite(filepath.Join(dir, "3.db"), 5000, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	// A database from before field-level auditing.
	if _, err := db.ExecContext(ctx, `CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		entity TEXT NOT NULL,
		action TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`); err != nil {
		t.Fatalf("legacy table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO audit_logs(incident_id, entity, action, created_at) VALUES(3, 'form', 'create', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("legacy row: %v", err)
	}
	if err := ApplyMigrations(ctx, db, nil); err != nil {
		t.Fatalf("migrate legacy: %v", err)
	}
	for _, col := range []string{"user_id", "entity_id", "field", "old_value", "new_value"} {
		exists, err := columnExists(ctx, db, "audit_logs", col)
		if err != nil {
			t.Fatalf("columnExists(%s): %v", col, err)
		}
		if !exists {
			t.Fatalf("column %s missing after upgrade", col)
		}
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("legacy row lost: count=%d", n)
	}
}

func TestInsertFormDuplicatePeriod(t *testing.T) {
	s, _ := setupIncidentDB(t)
	mustInsertForm(t, s, 1)
	_, err := s.InsertForm(context.Background(), 1, &Form{OpPeriod: 1})
	if !errors.Is(err, ErrDuplicateForm) {
		t.Fatalf("expected ErrDuplicateForm, got %v", err)
	}
	// Other periods are unaffected.
	mustInsertForm(t, s, 2)
}

func TestFetchFormMissingIsNil(t *testing.T) {
	s, _ := setupIncidentDB(t)
	f, err := s.FetchForm(context.Background(), 9)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil form, got %+v", f)
	}
}

func TestUpdateFormFieldsDiffAudit(t *testing.T) {
	s, _ := setupIncidentDB(t)
	ctx := context.Background()
	f := mustInsertForm(t, s, 1)

	activity := "River crossing"
	preparedBy := int64(42)
	if err := s.UpdateFormFields(ctx, 5, f.ID, FormHeaderPatch{Activity: &activity, PreparedByID: &preparedBy}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.FetchFormByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Activity != "River crossing" || got.PreparedByID == nil || *got.PreparedByID != 42 {
		t.Fatalf("header not applied: %+v", got)
	}

	entries, err := s.ListAudit(ctx, AuditFilter{Entity: EntityForm, EntityID: f.ID, Action: AuditActionUpdate})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(entries))
	}
	for _, e := range entries {
		if e.UserID != 5 {
			t.Fatalf("wrong actor on audit row: %+v", e)
		}
	}

	// Re-applying the same values is a no-op with zero audit rows.
	if err := s.UpdateFormFields(ctx, 5, f.ID, FormHeaderPatch{Activity: &activity, PreparedByID: &preparedBy}); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	entries, _ = s.ListAudit(ctx, AuditFilter{Entity: EntityForm, EntityID: f.ID, Action: AuditActionUpdate})
	if len(entries) != 2 {
		t.Fatalf("no-op update wrote audit rows: got %d", len(entries))
	}
}

func TestUpdateFormStateAuditsOnlyChanges(t *testing.T) {
	s, _ := setupIncidentDB(t)
	ctx := context.Background()
	f := mustInsertForm(t, s, 1)

	state := FormState{HighestResidualRisk: riskmatrix.High, Status: FormStatusPendingMitigation, ApprovalBlocked: true}
	if err := s.UpdateFormState(ctx, 2, f.ID, state, AuditActionRiskRecompute); err != nil {
		t.Fatalf("state: %v", err)
	}
	entries, err := s.ListAudit(ctx, AuditFilter{Entity: EntityForm, EntityID: f.ID, Action: AuditActionRiskRecompute})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 recompute rows, got %d", len(entries))
	}
	fields := map[string]AuditEntry{}
	for _, e := range entries {
		fields[e.Field] = e
	}
	risk := fields["highest_residual_risk"]
	if risk.OldValue == nil || *risk.OldValue != "L" || risk.NewValue == nil || *risk.NewValue != "H" {
		t.Fatalf("risk transition row wrong: %+v", risk)
	}

	// Same state again: zero new rows.
	if err := s.UpdateFormState(ctx, 2, f.ID, state, AuditActionRiskRecompute); err != nil {
		t.Fatalf("noop state: %v", err)
	}
	entries, _ = s.ListAudit(ctx, AuditFilter{Entity: EntityForm, EntityID: f.ID, Action: AuditActionRiskRecompute})
	if len(entries) != 3 {
		t.Fatalf("no-op state wrote audit rows: got %d", len(entries))
	}
}

func TestHazardLifecycleAudit(t *testing.T) {
	s, _ := setupIncidentDB(t)
	ctx := context.Background()
	f := mustInsertForm(t, s, 1)

	h := &Hazard{
		FormID:        f.ID,
		SubActivity:   "Ascend",
		HazardOutcome: "Fall",
		ControlText:   "Rope team",
		InitialRisk:   riskmatrix.High,
		ResidualRisk:  riskmatrix.Medium,
	}
	id, err := s.InsertHazard(ctx, 9, h)
	if err != nil {
		t.Fatalf("insert hazard: %v", err)
	}

	h.ResidualRisk = riskmatrix.Low
	h.ControlText = "Rope team with belay"
	if err := s.UpdateHazard(ctx, 9, h); err != nil {
		t.Fatalf("update hazard: %v", err)
	}
	entries, _ := s.ListAudit(ctx, AuditFilter{Entity: EntityHazard, EntityID: id, Action: AuditActionUpdate})
	if len(entries) != 2 {
		t.Fatalf("expected 2 hazard update rows, got %d", len(entries))
	}

	// No-op update writes nothing.
	if err := s.UpdateHazard(ctx, 9, h); err != nil {
		t.Fatalf("noop hazard update: %v", err)
	}
	entries, _ = s.ListAudit(ctx, AuditFilter{Entity: EntityHazard, EntityID: id, Action: AuditActionUpdate})
	if len(entries) != 2 {
		t.Fatalf("no-op hazard update wrote rows: got %d", len(entries))
	}

	if err := s.DeleteHazard(ctx, 9, id); err != nil {
		t.Fatalf("delete hazard: %v", err)
	}
	entries, _ = s.ListAudit(ctx, AuditFilter{Entity: EntityHazard, EntityID: id, Action: AuditActionDelete})
	if len(entries) != 1 {
		t.Fatalf("expected 1 delete row, got %d", len(entries))
	}
	if err := s.DeleteHazard(ctx, 9, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteFormCascadesHazards(t *testing.T) {
	s, db := setupIncidentDB(t)
	ctx := context.Background()
	f := mustInsertForm(t, s, 1)
	if _, err := s.InsertHazard(ctx, 1, &Hazard{FormID: f.ID, SubActivity: "a", HazardOutcome: "b", ControlText: "c", InitialRisk: riskmatrix.Low, ResidualRisk: riskmatrix.Low}); err != nil {
		t.Fatalf("hazard: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM orm_form WHERE id=?`, f.ID); err != nil {
		t.Fatalf("delete form: %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orm_hazards WHERE form_id=?`, f.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("cascade failed, %d hazards remain", n)
	}
}

func TestManagerSeparatesIncidents(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(config.IncidentsConfig{StorageDir: dir, BusyTimeoutMS: 1000, MaxConnsPerDB: 2}, nil)
	defer mgr.CloseAll()
	ctx := context.Background()

	s1, err := mgr.ORM(ctx, 1)
	if err != nil {
		t.Fatalf("orm 1: %v", err)
	}
	s2, err := mgr.ORM(ctx, 2)
	if err != nil {
		t.Fatalf("orm 2: %v", err)
	}
	if _, err := s1.InsertForm(ctx, 1, &Form{OpPeriod: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	f, err := s2.FetchForm(ctx, 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if f != nil {
		t.Fatalf("incident 2 sees incident 1's form")
	}

	known, err := mgr.KnownIncidents()
	if err != nil {
		t.Fatalf("known: %v", err)
	}
	if len(known) != 2 {
		t.Fatalf("expected 2 known incidents, got %v", known)
	}
}

func TestManagerRejectsBadIncidentID(t *testing.T) {
	mgr := NewManager(config.IncidentsConfig{StorageDir: t.TempDir()}, nil)
	defer mgr.CloseAll()
	if _, err := mgr.DB(context.Background(), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteContentionSurfacesErrBusy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "9.db")
	first, err := openSQLite(path, 100, 1)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	defer first.Close()
	ctx := context.Background()
	if err := ApplyMigrations(ctx, first, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	second, err := openSQLite(path, 100, 1)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()

	// Hold an uncommitted write on the first handle so the second one hits
	// the busy timeout instead of waiting forever.
	tx, err := first.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orm_form(incident_id, op_period, activity, highest_residual_risk, status, approval_blocked, created_at, updated_at)
		VALUES(9, 1, '', 'L', 'draft', 0, ?, ?)`, now, now); err != nil {
		t.Fatalf("locking insert: %v", err)
	}

	st := NewORMStore(second, 9)
	if _, err := st.InsertForm(ctx, 1, &Form{OpPeriod: 2}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy under write contention, got %v", err)
	}
}

func TestInsertFormRejectsNonPositivePeriod(t *testing.T) {
	s, _ := setupIncidentDB(t)
	for _, op := range []int{0, -1} {
		if _, err := s.InsertForm(context.Background(), 1, &Form{OpPeriod: op}); !errors.Is(err, ErrInvalidOpPeriod) {
			t.Fatalf("op_period %d: expected ErrInvalidOpPeriod, got %v", op, err)
		}
	}
}
