package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"riskdesk/core/riskmatrix"
)

// ORMStore is the persistence surface for one incident's risk assessment
// forms, hazards and audit trail. Every mutating method runs in a single
// transaction and writes its field-level audit rows inside that transaction;
// rows are only written for values that actually changed.
type ORMStore interface {
	FetchForm(ctx context.Context, opPeriod int) (*Form, error)
	FetchFormByID(ctx context.Context, formID int64) (*Form, error)
	InsertForm(ctx context.Context, actorID int64, form *Form) (int64, error)
	UpdateFormFields(ctx context.Context, actorID, formID int64, patch FormHeaderPatch) error
	UpdateFormState(ctx context.Context, actorID, formID int64, state FormState, auditAction string) error
	RecordApprovalBlocked(ctx context.Context, actorID, formID int64, level riskmatrix.Level) error

	ListHazards(ctx context.Context, formID int64) ([]Hazard, error)
	FetchHazard(ctx context.Context, hazardID int64) (*Hazard, error)
	InsertHazard(ctx context.Context, actorID int64, hazard *Hazard) (int64, error)
	UpdateHazard(ctx context.Context, actorID int64, hazard *Hazard) error
	DeleteHazard(ctx context.Context, actorID, hazardID int64) error

	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// FormState is the derived slice of a form written by recompute and approval.
type FormState struct {
	HighestResidualRisk riskmatrix.Level
	Status              string
	ApprovalBlocked     bool
}

type ormStore struct {
	db         *sql.DB
	incidentID int64
}

func NewORMStore(db *sql.DB, incidentID int64) ORMStore {
	return &ormStore{db: db, incidentID: incidentID}
}

const formColumns = `id, incident_id, op_period, activity, prepared_by_id, date_iso, highest_residual_risk, status, approval_blocked, created_at, updated_at`

func (s *ormStore) FetchForm(ctx context.Context, opPeriod int) (*Form, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+formColumns+`
		FROM orm_form WHERE incident_id=? AND op_period=?`, s.incidentID, opPeriod)
	form, err := scanForm(row)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return form, nil
}

func (s *ormStore) FetchFormByID(ctx context.Context, formID int64) (*Form, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+formColumns+`
		FROM orm_form WHERE id=? AND incident_id=?`, formID, s.incidentID)
	form, err := scanForm(row)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return form, nil
}

func (s *ormStore) InsertForm(ctx context.Context, actorID int64, form *Form) (int64, error) {
	if form.OpPeriod <= 0 {
		return 0, fmt.Errorf("%w, got %d", ErrInvalidOpPeriod, form.OpPeriod)
	}
	if strings.TrimSpace(form.Status) == "" {
		form.Status = FormStatusDraft
	}
	if !form.HighestResidualRisk.Valid() {
		form.HighestResidualRisk = riskmatrix.Low
	}
	form.IncidentID = s.incidentID
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapDBErr(err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orm_form(incident_id, op_period, activity, prepared_by_id, date_iso, highest_residual_risk, status, approval_blocked, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		form.IncidentID, form.OpPeriod, strings.TrimSpace(form.Activity), nullableID(form.PreparedByID), nullableText(form.DateISO),
		string(form.HighestResidualRisk), form.Status, boolToInt(form.ApprovalBlocked), now, now)
	if err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: incident %d op_period %d", ErrDuplicateForm, s.incidentID, form.OpPeriod)
		}
		return 0, wrapDBErr(err)
	}
	id, _ := res.LastInsertId()
	form.ID = id
	form.CreatedAt = now
	form.UpdatedAt = now
	if err := s.insertAudit(ctx, tx, actorID, EntityForm, id, AuditActionCreate, "", nil, strPtr(fmt.Sprintf("op_period=%d", form.OpPeriod))); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapDBErr(err)
	}
	return id, nil
}

func (s *ormStore) UpdateFormFields(ctx context.Context, actorID, formID int64, patch FormHeaderPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr(err)
	}
	old, err := scanForm(tx.QueryRowContext(ctx, `
		SELECT `+formColumns+`
		FROM orm_form WHERE id=? AND incident_id=?`, formID, s.incidentID))
	if err != nil {
		tx.Rollback()
		return wrapDBErr(err)
	}
	if old == nil {
		tx.Rollback()
		return fmt.Errorf("%w: form %d", ErrNotFound, formID)
	}

	next := *old
	var changes []fieldChange
	if patch.Activity != nil {
		next.Activity = strings.TrimSpace(*patch.Activity)
		if next.Activity != old.Activity {
			changes = append(changes, fieldChange{"activity", strPtr(old.Activity), strPtr(next.Activity)})
		}
	}
	if patch.PreparedByID != nil {
		if *patch.PreparedByID <= 0 {
			next.PreparedByID = nil
		} else {
			v := *patch.PreparedByID
			next.PreparedByID = &v
		}
		if !equalID(old.PreparedByID, next.PreparedByID) {
			changes = append(changes, fieldChange{"prepared_by_id", idText(old.PreparedByID), idText(next.PreparedByID)})
		}
	}
	if patch.DateISO != nil {
		next.DateISO = strings.TrimSpace(*patch.DateISO)
		if next.DateISO != old.DateISO {
			changes = append(changes, fieldChange{"date_iso", strPtr(old.DateISO), strPtr(next.DateISO)})
		}
	}
	if len(changes) == 0 {
		tx.Rollback()
		return nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE orm_form SET activity=?, prepared_by_id=?, date_iso=?, updated_at=? WHERE id=?`,
		next.Activity, nullableID(next.PreparedByID), nullableText(next.DateISO), now, formID); err != nil {
		tx.Rollback()
		return wrapDBErr(err)
	}
	for _, ch := range changes {
		if err := s.insertAudit(ctx, tx, actorID, EntityForm, formID, AuditActionUpdate, ch.field, ch.oldValue, ch.newValue); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

func (s *ormStore) UpdateFormState(ctx context.Context, actorID, formID int64, state FormState, auditAction string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr(err)
	}
	old, err := scanForm(tx.QueryRowContext(ctx, `
		SELECT `+formColumns+`
		FROM orm_form WHERE id=? AND incident_id=?`, formID, s.incidentID))
	if err != nil {
		tx.Rollback()
		return wrapDBErr(err)
	}
	if old == nil {
		tx.Rollback()
		return fmt.Errorf("%w: form %d", ErrNotFound, formID)
	}

	var changes []fieldChange
	if old.HighestResidualRisk != state.HighestResidualRisk {
		changes = append(changes, fieldChange{"highest_residual_risk", strPtr(string(old.HighestResidualRisk)), strPtr(string(state.HighestResidualRisk))})
	}
	if old.Status != state.Status {
		changes = append(changes, fieldChange{"status", strPtr(old.Status), strPtr(state.Status)})
	}
	if old.ApprovalBlocked != state.ApprovalBlocked {
		changes = append(changes, fieldChange{"approval_blocked", strPtr(strconv.FormatBool(old.ApprovalBlocked)), strPtr(strconv.FormatBool(state.ApprovalBlocked))})
	}
	if len(changes) == 0 {
		tx.Rollback()
		return nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE orm_form SET highest_residual_risk=?, status=?, approval_blocked=?, updated_at=? WHERE id=?`,
		string(state.HighestResidualRisk), state.Status, boolToInt(state.ApprovalBlocked), now, formID); err != nil {
		tx.Rollback()
		return wrapDBErr(err)
	}
	if auditAction == "" {
		auditAction = AuditActionRiskRecompute
	}
	for _, ch := range changes {
		if err := s.insertAudit(ctx, tx, actorID, EntityForm, formID, auditAction, ch.field, ch.oldValue, ch.newValue); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// RecordApprovalBlocked appends the audit row for a rejected approval attempt.
// The form itself is deliberately untouched.
func (s *ormStore) RecordApprovalBlocked(ctx context.Context, actorID, formID int64, level riskmatrix.Level) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr(err)
	}
	if err := s.insertAudit(ctx, tx, actorID, EntityForm, formID, AuditActionApprovalAttemptBlocked, "", nil, strPtr(string(level))); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

const hazardColumns = `id, form_id, sub_activity, hazard_outcome, control_text, initial_risk, residual_risk, implement_how, implement_who, created_at, updated_at`

func (s *ormStore) ListHazards(ctx context.Context, formID int64) ([]Hazard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hazardColumns+`
		FROM orm_hazards WHERE form_id=? ORDER BY id ASC`, formID)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	var res []Hazard
	for rows.Next() {
		h, err := scanHazardRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (s *ormStore) FetchHazard(ctx context.Context, hazardID int64) (*Hazard, error) {
	h, err := fetchHazardTx(ctx, s.db, hazardID)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return h, nil
}

func (s *ormStore) InsertHazard(ctx context.Context, actorID int64, hazard *Hazard) (int64, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapDBErr(err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orm_hazards(form_id, sub_activity, hazard_outcome, control_text, initial_risk, residual_risk, implement_how, implement_who, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		hazard.FormID, strings.TrimSpace(hazard.SubActivity), strings.TrimSpace(hazard.HazardOutcome), strings.TrimSpace(hazard.ControlText),
		string(hazard.InitialRisk), string(hazard.ResidualRisk), strings.TrimSpace(hazard.ImplementHow), strings.TrimSpace(hazard.ImplementWho), now, now)
	if err != nil {
		tx.Rollback()
		return 0, wrapDBErr(err)
	}
	id, _ := res.LastInsertId()
	hazard.ID = id
	hazard.CreatedAt = now
	hazard.UpdatedAt = now
	if err := s.insertAudit(ctx, tx, actorID, EntityHazard, id, AuditActionCreate, "", nil, strPtr(strings.TrimSpace(hazard.SubActivity))); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapDBErr(err)
	}
	return id, nil
}

func (s *ormStore) UpdateHazard(ctx context.Context, actorID int64, hazard *Hazard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr(err)
	}
	old, err := fetchHazardTx(ctx, tx, hazard.ID)
	if err != nil {
		tx.Rollback()
		return wrapDBErr(err)
	}
	if old == nil {
		tx.Rollback()
		return fmt.Errorf("%w: hazard %d", ErrNotFound, hazard.ID)
	}

	hazard.FormID = old.FormID
	hazard.SubActivity = strings.TrimSpace(hazard.SubActivity)
	hazard.HazardOutcome = strings.TrimSpace(hazard.HazardOutcome)
	hazard.ControlText = strings.TrimSpace(hazard.ControlText)
	hazard.ImplementHow = strings.TrimSpace(hazard.ImplementHow)
	hazard.ImplementWho = strings.TrimSpace(hazard.ImplementWho)

	changes := diffHazard(old, hazard)
	if len(changes) == 0 {
		tx.Rollback()
		return nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE orm_hazards SET sub_activity=?, hazard_outcome=?, control_text=?, initial_risk=?, residual_risk=?, implement_how=?, implement_who=?, updated_at=?
		WHERE id=?`,
		hazard.SubActivity, hazard.HazardOutcome, hazard.ControlText, string(hazard.InitialRisk), string(hazard.ResidualRisk),
		hazard.ImplementHow, hazard.ImplementWho, now, hazard.ID); err != nil {
		tx.Rollback()
		return wrapDBErr(err)
	}
	for _, ch := range changes {
		if err := s.insertAudit(ctx, tx, actorID, EntityHazard, hazard.ID, AuditActionUpdate, ch.field, ch.oldValue, ch.newValue); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErr(err)
	}
	hazard.CreatedAt = old.CreatedAt
	hazard.UpdatedAt = now
	return nil
}

func (s *ormStore) DeleteHazard(ctx context.Context, actorID, hazardID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr(err)
	}
	old, err := fetchHazardTx(ctx, tx, hazardID)
	if err != nil {
		tx.Rollback()
		return wrapDBErr(err)
	}
	if old == nil {
		tx.Rollback()
		return fmt.Errorf("%w: hazard %d", ErrNotFound, hazardID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orm_hazards WHERE id=?`, hazardID); err != nil {
		tx.Rollback()
		return wrapDBErr(err)
	}
	if err := s.insertAudit(ctx, tx, actorID, EntityHazard, hazardID, AuditActionDelete, "", strPtr(old.SubActivity), nil); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

type fieldChange struct {
	field    string
	oldValue *string
	newValue *string
}

func diffHazard(old, next *Hazard) []fieldChange {
	var changes []fieldChange
	add := func(field, oldVal, newVal string) {
		if oldVal != newVal {
			changes = append(changes, fieldChange{field, strPtr(oldVal), strPtr(newVal)})
		}
	}
	add("sub_activity", old.SubActivity, next.SubActivity)
	add("hazard_outcome", old.HazardOutcome, next.HazardOutcome)
	add("control_text", old.ControlText, next.ControlText)
	add("initial_risk", string(old.InitialRisk), string(next.InitialRisk))
	add("residual_risk", string(old.ResidualRisk), string(next.ResidualRisk))
	add("implement_how", old.ImplementHow, next.ImplementHow)
	add("implement_who", old.ImplementWho, next.ImplementWho)
	return changes
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *ormStore) insertAudit(ctx context.Context, q execQuerier, actorID int64, entity string, entityID int64, action, field string, oldValue, newValue *string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_logs(incident_id, user_id, entity, entity_id, action, field, old_value, new_value, created_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		s.incidentID, actorID, entity, entityID, action, nullableText(field), oldValue, newValue, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("audit %s %s: %w", entity, action, wrapDBErr(err))
	}
	return nil
}

func (s *ormStore) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	query := `SELECT id, incident_id, user_id, entity, entity_id, action, field, old_value, new_value, created_at FROM audit_logs WHERE incident_id=?`
	args := []any{s.incidentID}
	if strings.TrimSpace(filter.Entity) != "" {
		query += " AND entity=?"
		args = append(args, filter.Entity)
	}
	if filter.EntityID > 0 {
		query += " AND entity_id=?"
		args = append(args, filter.EntityID)
	}
	if strings.TrimSpace(filter.Action) != "" {
		query += " AND action=?"
		args = append(args, filter.Action)
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	var res []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var field sql.NullString
		var oldVal sql.NullString
		var newVal sql.NullString
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.UserID, &e.Entity, &e.EntityID, &e.Action, &field, &oldVal, &newVal, &e.CreatedAt); err != nil {
			return nil, err
		}
		if field.Valid {
			e.Field = field.String
		}
		if oldVal.Valid {
			e.OldValue = &oldVal.String
		}
		if newVal.Valid {
			e.NewValue = &newVal.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForm(row *sql.Row) (*Form, error) {
	form, err := scanFormFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return form, nil
}

func scanFormFrom(sc rowScanner) (*Form, error) {
	var f Form
	var preparedBy sql.NullInt64
	var dateISO sql.NullString
	var risk string
	var blocked int
	if err := sc.Scan(&f.ID, &f.IncidentID, &f.OpPeriod, &f.Activity, &preparedBy, &dateISO, &risk, &f.Status, &blocked, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if preparedBy.Valid {
		f.PreparedByID = &preparedBy.Int64
	}
	if dateISO.Valid {
		f.DateISO = dateISO.String
	}
	f.HighestResidualRisk = riskmatrix.Level(risk)
	if !f.HighestResidualRisk.Valid() {
		f.HighestResidualRisk = riskmatrix.Low
	}
	if strings.TrimSpace(f.Status) == "" {
		f.Status = FormStatusDraft
	}
	f.ApprovalBlocked = blocked == 1
	return &f, nil
}

func fetchHazardTx(ctx context.Context, q execQuerier, hazardID int64) (*Hazard, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+hazardColumns+`
		FROM orm_hazards WHERE id=?`, hazardID)
	h, err := scanHazardFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

func scanHazardRow(rows *sql.Rows) (Hazard, error) {
	return scanHazardFrom(rows)
}

func scanHazardFrom(sc rowScanner) (Hazard, error) {
	var h Hazard
	var initial, residual string
	if err := sc.Scan(&h.ID, &h.FormID, &h.SubActivity, &h.HazardOutcome, &h.ControlText, &initial, &residual, &h.ImplementHow, &h.ImplementWho, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return h, err
	}
	h.InitialRisk = riskmatrix.Level(initial)
	h.ResidualRisk = riskmatrix.Level(residual)
	return h, nil
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableText(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func strPtr(s string) *string {
	return &s
}

func idText(v *int64) *string {
	if v == nil {
		return nil
	}
	return strPtr(strconv.FormatInt(*v, 10))
}

func equalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
