package store

import (
	"errors"
	"time"

	"riskdesk/core/riskmatrix"
)

var (
	// ErrNotFound means the form or hazard id does not exist in this
	// incident's database.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateForm means a form already exists for the
	// (incident_id, op_period) pair.
	ErrDuplicateForm = errors.New("duplicate form for operational period")
	// ErrBusy surfaces SQLite lock contention; the operation is safe to
	// retry.
	ErrBusy = errors.New("database busy")
	// ErrInvalidOpPeriod rejects a non-positive operational period before
	// any SQL runs.
	ErrInvalidOpPeriod = errors.New("op_period must be positive")
)

const (
	FormStatusDraft             = "draft"
	FormStatusPendingMitigation = "pending_mitigation"
	FormStatusApproved          = "approved"
)

const (
	EntityForm   = "form"
	EntityHazard = "hazard"
)

const (
	AuditActionCreate                 = "create"
	AuditActionUpdate                 = "update"
	AuditActionDelete                 = "delete"
	AuditActionRiskRecompute          = "risk_recompute"
	AuditActionApprovalAttemptBlocked = "approval_attempt_blocked"
)

// Form is the per-operational-period risk assessment record. The
// HighestResidualRisk and ApprovalBlocked fields are denormalized derived
// state: hazards are the source of truth and these columns are only ever
// written by recompute, never hand-edited.
type Form struct {
	ID                  int64             `json:"id"`
	IncidentID          int64             `json:"incident_id"`
	OpPeriod            int               `json:"op_period"`
	Activity            string            `json:"activity,omitempty"`
	PreparedByID        *int64            `json:"prepared_by_id,omitempty"`
	DateISO             string            `json:"date_iso,omitempty"`
	HighestResidualRisk riskmatrix.Level  `json:"highest_residual_risk"`
	Status              string            `json:"status"`
	ApprovalBlocked     bool              `json:"approval_blocked"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

type Hazard struct {
	ID            int64            `json:"id"`
	FormID        int64            `json:"form_id"`
	SubActivity   string           `json:"sub_activity"`
	HazardOutcome string           `json:"hazard_outcome"`
	ControlText   string           `json:"control_text"`
	InitialRisk   riskmatrix.Level `json:"initial_risk"`
	ResidualRisk  riskmatrix.Level `json:"residual_risk"`
	ImplementHow  string           `json:"implement_how,omitempty"`
	ImplementWho  string           `json:"implement_who,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// AuditEntry is one append-only field-level change record. Field is empty for
// whole-record create/delete rows.
type AuditEntry struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	UserID     int64     `json:"user_id"`
	Entity     string    `json:"entity"`
	EntityID   int64     `json:"entity_id"`
	Action     string    `json:"action"`
	Field      string    `json:"field,omitempty"`
	OldValue   *string   `json:"old_value,omitempty"`
	NewValue   *string   `json:"new_value,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// FormHeaderPatch carries a partial header update; nil pointers leave the
// column untouched. A PreparedByID pointing at zero clears the reference.
type FormHeaderPatch struct {
	Activity     *string
	PreparedByID *int64
	DateISO      *string
}

type AuditFilter struct {
	Entity   string
	EntityID int64
	Action   string
	Limit    int
}
