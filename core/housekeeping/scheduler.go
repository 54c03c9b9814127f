package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"riskdesk/config"
	"riskdesk/core/store"
	"riskdesk/core/utils"
)

// Scheduler runs periodic maintenance over every known incident database:
// a WAL checkpoint to keep the sidecar files bounded, and, when a retention
// window is configured, pruning of old audit rows. Retention is opt-in; the
// default keeps the audit trail forever.
type Scheduler struct {
	cfg    config.HousekeepingConfig
	mgr    *store.Manager
	logger *utils.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewScheduler(cfg config.HousekeepingConfig, mgr *store.Manager, logger *utils.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, mgr: mgr, logger: logger}
}

func (s *Scheduler) StartWithContext(ctx context.Context) error {
	if s == nil || s.mgr == nil || !s.cfg.Enabled {
		return nil
	}
	schedule, err := cron.ParseStandard(s.cfg.EffectiveSchedule())
	if err != nil {
		return fmt.Errorf("parse housekeeping schedule %q: %w", s.cfg.EffectiveSchedule(), err)
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			next := schedule.Next(time.Now().UTC())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-timer.C:
				if err := s.RunOnce(runCtx); err != nil && s.logger != nil {
					s.logger.Errorf("housekeeping run failed: %v", err)
				}
			case <-runCtx.Done():
				timer.Stop()
				return
			}
		}
	}()
	return nil
}

func (s *Scheduler) StopWithContext(ctx context.Context) error {
	if s == nil || !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasRunning := s.running
	s.mu.Unlock()
	if !wasRunning || cancel == nil {
		return nil
	}
	cancel()
	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one maintenance sweep over every incident database on
// disk. Failures on one incident do not stop the sweep; the first error is
// reported after all incidents have been visited.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s == nil || s.mgr == nil {
		return nil
	}
	incidents, err := s.mgr.KnownIncidents()
	if err != nil {
		return err
	}
	var firstErr error
	for _, incidentID := range incidents {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.maintainIncident(ctx, incidentID); err != nil {
			if s.logger != nil {
				s.logger.Errorf("housekeeping incident %d: %v", incidentID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scheduler) maintainIncident(ctx context.Context, incidentID int64) error {
	db, err := s.mgr.DB(ctx, incidentID)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if s.cfg.AuditRetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.AuditRetentionDays)
	res, err := db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune audit rows: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 && s.logger != nil {
		s.logger.Printf("housekeeping pruned %d audit rows for incident %d", n, incidentID)
	}
	return nil
}
