package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"riskdesk/config"
	"riskdesk/core/utils"
)

// Manager resolves and caches one SQLite database per incident. Each *sql.DB
// is itself a bounded connection pool, so concurrent callers share a handle
// instead of reopening the file per call.
type Manager struct {
	cfg    config.IncidentsConfig
	logger *utils.Logger

	mu  sync.Mutex
	dbs map[int64]*sql.DB
}

func NewManager(cfg config.IncidentsConfig, logger *utils.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger, dbs: map[int64]*sql.DB{}}
}

func (m *Manager) Path(incidentID int64) string {
	return filepath.Join(m.cfg.StorageDir, fmt.Sprintf("%d.db", incidentID))
}

// DB returns the migrated database for an incident, opening it on first use.
func (m *Manager) DB(ctx context.Context, incidentID int64) (*sql.DB, error) {
	if incidentID <= 0 {
		return nil, fmt.Errorf("%w: incident %d", ErrNotFound, incidentID)
	}
	m.mu.Lock()
	if db, ok := m.dbs[incidentID]; ok {
		m.mu.Unlock()
		return db, nil
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create incidents dir: %w", err)
	}
	db, err := openSQLite(m.Path(incidentID), m.cfg.EffectiveBusyTimeoutMS(), m.cfg.EffectiveMaxConns())
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, db, m.logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.dbs[incidentID]; ok {
		// lost the race; keep the first one
		_ = db.Close()
		return existing, nil
	}
	m.dbs[incidentID] = db
	if m.logger != nil {
		m.logger.Printf("opened incident database %s", m.Path(incidentID))
	}
	return db, nil
}

// ORM returns the form/hazard store for an incident.
func (m *Manager) ORM(ctx context.Context, incidentID int64) (ORMStore, error) {
	db, err := m.DB(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return NewORMStore(db, incidentID), nil
}

// OpenIncidents lists the incident ids with a currently open database.
func (m *Manager) OpenIncidents() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.dbs))
	for id := range m.dbs {
		ids = append(ids, id)
	}
	return ids
}

// KnownIncidents scans the storage dir for incident databases, open or not.
func (m *Manager) KnownIncidents() ([]int64, error) {
	entries, err := os.ReadDir(m.cfg.StorageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".db"), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, db := range m.dbs {
		_ = db.Close()
		delete(m.dbs, id)
	}
}

func openSQLite(path string, busyTimeoutMS, maxConns int) (*sql.DB, error) {
	dsn := "file:" + filepath.ToSlash(path) + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
			"foreign_keys(1)",
			"journal_mode(WAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(maxConns)
	return db, nil
}

// wrapDBErr translates driver-level failures into the store's typed errors.
// Lock contention becomes ErrBusy so callers can treat it as retryable.
func wrapDBErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		if code&0xff == sqlite3.SQLITE_CONSTRAINT {
			return strings.Contains(err.Error(), "UNIQUE constraint failed")
		}
	}
	return false
}
