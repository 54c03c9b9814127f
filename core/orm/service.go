package orm

import (
	"context"
	"strings"
	"time"

	"riskdesk/core/riskmatrix"
	"riskdesk/core/store"
	"riskdesk/core/utils"
)

// Service is the policy engine over per-incident risk assessment forms. The
// status machine is draft <-> pending_mitigation (driven by the recompute
// step) and {draft, pending_mitigation} -> approved (gated). A hazard edit
// that raises residual risk demotes even an approved form back to
// pending_mitigation; that re-open-on-regression behavior is deliberate.
//
// The acting user is an explicit actorID on every call, never resolved from
// ambient state.
type Service struct {
	mgr    *store.Manager
	logger *utils.Logger
}

func NewService(mgr *store.Manager, logger *utils.Logger) *Service {
	return &Service{mgr: mgr, logger: logger}
}

// HazardInput carries the caller-supplied hazard fields. SubActivity,
// HazardOutcome and ControlText must be non-blank. Each risk may be given
// either as an explicit level or as a severity/likelihood pair resolved
// through the matrix; an explicit level wins when both are present.
type HazardInput struct {
	SubActivity        string           `json:"sub_activity"`
	HazardOutcome      string           `json:"hazard_outcome"`
	ControlText        string           `json:"control_text"`
	InitialRisk        riskmatrix.Level `json:"initial_risk"`
	InitialSeverity    string           `json:"initial_severity,omitempty"`
	InitialLikelihood  string           `json:"initial_likelihood,omitempty"`
	ResidualRisk       riskmatrix.Level `json:"residual_risk"`
	ResidualSeverity   string           `json:"residual_severity,omitempty"`
	ResidualLikelihood string           `json:"residual_likelihood,omitempty"`
	ImplementHow       string           `json:"implement_how"`
	ImplementWho       string           `json:"implement_who"`
}

// resolveRisks normalizes both risk levels, deriving them from
// severity/likelihood codes when no explicit level was supplied.
func (in *HazardInput) resolveRisks() error {
	initial, err := resolveLevel(in.InitialRisk, in.InitialSeverity, in.InitialLikelihood, "initial")
	if err != nil {
		return err
	}
	residual, err := resolveLevel(in.ResidualRisk, in.ResidualSeverity, in.ResidualLikelihood, "residual")
	if err != nil {
		return err
	}
	in.InitialRisk = initial
	in.ResidualRisk = residual
	return nil
}

func resolveLevel(level riskmatrix.Level, severity, likelihood, which string) (riskmatrix.Level, error) {
	if strings.TrimSpace(string(level)) != "" {
		parsed, err := riskmatrix.Parse(string(level))
		if err != nil {
			return "", validationErr("%s_risk: %v", which, err)
		}
		return parsed, nil
	}
	if strings.TrimSpace(severity) == "" && strings.TrimSpace(likelihood) == "" {
		return "", validationErr("%s_risk is required", which)
	}
	derived, err := riskmatrix.FromCodes(severity, likelihood)
	if err != nil {
		return "", validationErr("%s risk codes: %v", which, err)
	}
	return derived, nil
}

// HeaderPatch is the caller-editable slice of the form; derived fields are
// never patchable.
type HeaderPatch struct {
	Activity     *string `json:"activity"`
	PreparedByID *int64  `json:"prepared_by_id"`
	DateISO      *string `json:"date_iso"`
}

// EnsureForm returns the singleton form for an operational period, creating
// it lazily on first access.
func (s *Service) EnsureForm(ctx context.Context, actorID, incidentID int64, opPeriod int) (*store.Form, error) {
	if opPeriod <= 0 {
		return nil, validationErr("op_period must be positive, got %d", opPeriod)
	}
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return s.ensure(ctx, actorID, st, opPeriod)
}

func (s *Service) ensure(ctx context.Context, actorID int64, st store.ORMStore, opPeriod int) (*store.Form, error) {
	form, err := st.FetchForm(ctx, opPeriod)
	if err != nil {
		return nil, err
	}
	if form != nil {
		return form, nil
	}
	form = &store.Form{OpPeriod: opPeriod}
	if _, err := st.InsertForm(ctx, actorID, form); err != nil {
		// A concurrent caller may have created it between fetch and insert.
		if existing, ferr := st.FetchForm(ctx, opPeriod); ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return form, nil
}

// GetForm has ensure semantics: reading a period that does not exist yet
// creates its empty draft form.
func (s *Service) GetForm(ctx context.Context, actorID, incidentID int64, opPeriod int) (*store.Form, error) {
	return s.EnsureForm(ctx, actorID, incidentID, opPeriod)
}

// UpdateFormHeader patches activity, prepared_by_id and date_iso only.
func (s *Service) UpdateFormHeader(ctx context.Context, actorID, incidentID int64, opPeriod int, patch HeaderPatch) (*store.Form, error) {
	if patch.DateISO != nil && strings.TrimSpace(*patch.DateISO) != "" {
		if _, err := time.Parse(time.RFC3339, strings.TrimSpace(*patch.DateISO)); err != nil {
			return nil, validationErr("date_iso is not RFC 3339: %q", *patch.DateISO)
		}
	}
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	form, err := s.ensure(ctx, actorID, st, opPeriod)
	if err != nil {
		return nil, err
	}
	if err := st.UpdateFormFields(ctx, actorID, form.ID, store.FormHeaderPatch{
		Activity:     patch.Activity,
		PreparedByID: patch.PreparedByID,
		DateISO:      patch.DateISO,
	}); err != nil {
		return nil, err
	}
	return st.FetchFormByID(ctx, form.ID)
}

func (s *Service) ListHazards(ctx context.Context, actorID, incidentID int64, opPeriod int) ([]store.Hazard, error) {
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	form, err := s.ensure(ctx, actorID, st, opPeriod)
	if err != nil {
		return nil, err
	}
	return st.ListHazards(ctx, form.ID)
}

// AddHazard persists a new hazard and recomputes the owning form's derived
// risk state.
func (s *Service) AddHazard(ctx context.Context, actorID, incidentID int64, opPeriod int, input HazardInput) (*store.Hazard, *store.Form, error) {
	if err := validateHazardInput(&input); err != nil {
		return nil, nil, err
	}
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, nil, err
	}
	form, err := s.ensure(ctx, actorID, st, opPeriod)
	if err != nil {
		return nil, nil, err
	}
	hazard := hazardFromInput(form.ID, input)
	if _, err := st.InsertHazard(ctx, actorID, hazard); err != nil {
		return nil, nil, err
	}
	form, err = s.recompute(ctx, actorID, st, form.ID)
	if err != nil {
		return nil, nil, err
	}
	return hazard, form, nil
}

// EditHazard updates a hazard owned by the period's form, then recomputes.
func (s *Service) EditHazard(ctx context.Context, actorID, incidentID int64, opPeriod int, hazardID int64, input HazardInput) (*store.Hazard, *store.Form, error) {
	if err := validateHazardInput(&input); err != nil {
		return nil, nil, err
	}
	st, form, hazard, err := s.resolveHazard(ctx, actorID, incidentID, opPeriod, hazardID)
	if err != nil {
		return nil, nil, err
	}
	next := hazardFromInput(form.ID, input)
	next.ID = hazard.ID
	if err := st.UpdateHazard(ctx, actorID, next); err != nil {
		return nil, nil, err
	}
	updated, err := st.FetchHazard(ctx, hazard.ID)
	if err != nil {
		return nil, nil, err
	}
	form, err = s.recompute(ctx, actorID, st, form.ID)
	if err != nil {
		return nil, nil, err
	}
	return updated, form, nil
}

// RemoveHazard deletes a hazard owned by the period's form, then recomputes.
func (s *Service) RemoveHazard(ctx context.Context, actorID, incidentID int64, opPeriod int, hazardID int64) (*store.Form, error) {
	st, form, hazard, err := s.resolveHazard(ctx, actorID, incidentID, opPeriod, hazardID)
	if err != nil {
		return nil, err
	}
	if err := st.DeleteHazard(ctx, actorID, hazard.ID); err != nil {
		return nil, err
	}
	return s.recompute(ctx, actorID, st, form.ID)
}

// AttemptApproval recomputes first, then either records the blocked attempt
// and fails without touching status, or marks the form approved. Approving an
// already-approved, still-safe form is a no-op, not an error.
func (s *Service) AttemptApproval(ctx context.Context, actorID, incidentID int64, opPeriod int) (*store.Form, error) {
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	form, err := s.ensure(ctx, actorID, st, opPeriod)
	if err != nil {
		return nil, err
	}
	form, err = s.recompute(ctx, actorID, st, form.ID)
	if err != nil {
		return nil, err
	}
	if form.ApprovalBlocked {
		if err := st.RecordApprovalBlocked(ctx, actorID, form.ID, form.HighestResidualRisk); err != nil {
			return nil, err
		}
		if s.logger != nil {
			s.logger.Printf("approval blocked for incident %d op %d at %s", incidentID, opPeriod, form.HighestResidualRisk)
		}
		return nil, &ApprovalBlockedError{Level: form.HighestResidualRisk}
	}
	if form.DateISO == "" {
		now := time.Now().UTC().Format(time.RFC3339)
		if err := st.UpdateFormFields(ctx, actorID, form.ID, store.FormHeaderPatch{DateISO: &now}); err != nil {
			return nil, err
		}
	}
	if err := st.UpdateFormState(ctx, actorID, form.ID, store.FormState{
		HighestResidualRisk: form.HighestResidualRisk,
		Status:              store.FormStatusApproved,
		ApprovalBlocked:     false,
	}, store.AuditActionUpdate); err != nil {
		return nil, err
	}
	return st.FetchFormByID(ctx, form.ID)
}

// CloneHazards copies every hazard from one operational period into another,
// creating the destination form on demand. With clearResidual the copies'
// residual risk is reset to their initial risk, forcing a fresh mitigation
// review for the new period. A missing source form yields an empty result,
// not an error.
func (s *Service) CloneHazards(ctx context.Context, actorID, incidentID int64, fromOp, toOp int, clearResidual bool) ([]store.Hazard, error) {
	if fromOp <= 0 || toOp <= 0 {
		return nil, validationErr("operational periods must be positive (from=%d to=%d)", fromOp, toOp)
	}
	if fromOp == toOp {
		return nil, validationErr("cannot clone a period onto itself (op_period %d)", fromOp)
	}
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	source, err := st.FetchForm(ctx, fromOp)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return []store.Hazard{}, nil
	}
	hazards, err := st.ListHazards(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	dest, err := s.ensure(ctx, actorID, st, toOp)
	if err != nil {
		return nil, err
	}
	cloned := make([]store.Hazard, 0, len(hazards))
	for _, h := range hazards {
		copyHazard := store.Hazard{
			FormID:        dest.ID,
			SubActivity:   h.SubActivity,
			HazardOutcome: h.HazardOutcome,
			ControlText:   h.ControlText,
			InitialRisk:   h.InitialRisk,
			ResidualRisk:  h.ResidualRisk,
			ImplementHow:  h.ImplementHow,
			ImplementWho:  h.ImplementWho,
		}
		if clearResidual {
			copyHazard.ResidualRisk = h.InitialRisk
		}
		if _, err := st.InsertHazard(ctx, actorID, &copyHazard); err != nil {
			return nil, err
		}
		cloned = append(cloned, copyHazard)
	}
	if _, err := s.recompute(ctx, actorID, st, dest.ID); err != nil {
		return nil, err
	}
	return cloned, nil
}

// Audit returns the incident's audit feed, newest first.
func (s *Service) Audit(ctx context.Context, incidentID int64, filter store.AuditFilter) ([]store.AuditEntry, error) {
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return st.ListAudit(ctx, filter)
}

// recompute refreshes the form's derived fields from its hazards: the highest
// residual risk (Low for an empty set), the blocked flag, and the
// status transition it implies.
//
// It runs in its own transaction after the hazard mutation has committed. A
// crash between the two leaves the derived columns stale; that is tolerated
// because hazards are the source of truth and the next recompute, including
// the one at the start of every approval attempt, rebuilds the columns from
// them.
func (s *Service) recompute(ctx context.Context, actorID int64, st store.ORMStore, formID int64) (*store.Form, error) {
	form, err := st.FetchFormByID(ctx, formID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, store.ErrNotFound
	}
	hazards, err := st.ListHazards(ctx, formID)
	if err != nil {
		return nil, err
	}
	residuals := make([]riskmatrix.Level, 0, len(hazards))
	for _, h := range hazards {
		residuals = append(residuals, h.ResidualRisk)
	}
	highest := riskmatrix.HighestResidual(residuals)
	blocked := riskmatrix.Blocking(highest)

	status := form.Status
	switch {
	case blocked:
		status = store.FormStatusPendingMitigation
	case form.Status == store.FormStatusPendingMitigation:
		status = store.FormStatusDraft
	}

	if err := st.UpdateFormState(ctx, actorID, formID, store.FormState{
		HighestResidualRisk: highest,
		Status:              status,
		ApprovalBlocked:     blocked,
	}, store.AuditActionRiskRecompute); err != nil {
		return nil, err
	}
	return st.FetchFormByID(ctx, formID)
}

func (s *Service) resolveHazard(ctx context.Context, actorID, incidentID int64, opPeriod int, hazardID int64) (store.ORMStore, *store.Form, *store.Hazard, error) {
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, nil, nil, err
	}
	form, err := s.ensure(ctx, actorID, st, opPeriod)
	if err != nil {
		return nil, nil, nil, err
	}
	hazard, err := st.FetchHazard(ctx, hazardID)
	if err != nil {
		return nil, nil, nil, err
	}
	if hazard == nil || hazard.FormID != form.ID {
		return nil, nil, nil, store.ErrNotFound
	}
	return st, form, hazard, nil
}

func validateHazardInput(input *HazardInput) error {
	if strings.TrimSpace(input.SubActivity) == "" {
		return validationErr("sub_activity is required")
	}
	if strings.TrimSpace(input.HazardOutcome) == "" {
		return validationErr("hazard_outcome is required")
	}
	if strings.TrimSpace(input.ControlText) == "" {
		return validationErr("control_text is required")
	}
	return input.resolveRisks()
}

func hazardFromInput(formID int64, input HazardInput) *store.Hazard {
	return &store.Hazard{
		FormID:        formID,
		SubActivity:   strings.TrimSpace(input.SubActivity),
		HazardOutcome: strings.TrimSpace(input.HazardOutcome),
		ControlText:   strings.TrimSpace(input.ControlText),
		InitialRisk:   input.InitialRisk,
		ResidualRisk:  input.ResidualRisk,
		ImplementHow:  strings.TrimSpace(input.ImplementHow),
		ImplementWho:  strings.TrimSpace(input.ImplementWho),
	}
}
