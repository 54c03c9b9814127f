package orm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"riskdesk/core/store"
)

// WatermarkNotApproved is stamped onto snapshots of forms whose residual risk
// still blocks approval.
const WatermarkNotApproved = "NOT APPROVED"

// Snapshot is a self-contained, digestible export of one form and its
// hazards. Digest is a sha256 over the content fields only (watermark, form,
// hazards), so two exports of identical content are comparable even though
// their IDs and timestamps differ.
type Snapshot struct {
	ID          string         `json:"id"`
	IncidentID  int64          `json:"incident_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Watermark   string         `json:"watermark,omitempty"`
	Form        *store.Form    `json:"form"`
	Hazards     []store.Hazard `json:"hazards"`
	Digest      string         `json:"digest"`
}

// Export builds a snapshot of the period's form. Like every read path, it
// creates the form when the period has never been touched.
func (s *Service) Export(ctx context.Context, actorID, incidentID int64, opPeriod int) (*Snapshot, error) {
	st, err := s.mgr.ORM(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	form, err := s.ensure(ctx, actorID, st, opPeriod)
	if err != nil {
		return nil, err
	}
	hazards, err := st.ListHazards(ctx, form.ID)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate snapshot id: %w", err)
	}
	snap := &Snapshot{
		ID:          id.String(),
		IncidentID:  incidentID,
		GeneratedAt: time.Now().UTC(),
		Form:        form,
		Hazards:     hazards,
	}
	if form.ApprovalBlocked {
		snap.Watermark = WatermarkNotApproved
	}
	digest, err := snapshotDigest(form, hazards, snap.Watermark)
	if err != nil {
		return nil, err
	}
	snap.Digest = digest
	return snap, nil
}

func snapshotDigest(form *store.Form, hazards []store.Hazard, watermark string) (string, error) {
	payload := struct {
		Watermark string         `json:"watermark"`
		Form      *store.Form    `json:"form"`
		Hazards   []store.Hazard `json:"hazards"`
	}{Watermark: watermark, Form: form, Hazards: hazards}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
