package config

type AppConfig struct {
	ListenAddr   string             `yaml:"listen_addr" env:"RISKDESK_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	AppEnv       string             `yaml:"app_env" env:"RISKDESK_APP_ENV"`
	Incidents    IncidentsConfig    `yaml:"incidents"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

type IncidentsConfig struct {
	// StorageDir holds one SQLite database per incident, named <incident_id>.db.
	StorageDir     string `yaml:"storage_dir" env:"RISKDESK_INCIDENTS_STORAGE_DIR" env-default:"data/incidents"`
	BusyTimeoutMS  int    `yaml:"busy_timeout_ms" env:"RISKDESK_INCIDENTS_BUSY_TIMEOUT_MS" env-default:"5000"`
	MaxConnsPerDB  int    `yaml:"max_conns_per_db" env:"RISKDESK_INCIDENTS_MAX_CONNS_PER_DB" env-default:"4"`
	AuditFeedLimit int    `yaml:"audit_feed_limit" env:"RISKDESK_INCIDENTS_AUDIT_FEED_LIMIT" env-default:"500"`
}

type HousekeepingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"RISKDESK_HOUSEKEEPING_ENABLED" env-default:"true"`
	Schedule string `yaml:"schedule" env:"RISKDESK_HOUSEKEEPING_SCHEDULE" env-default:"@hourly"`
	// AuditRetentionDays of 0 keeps audit rows forever; the trail is
	// append-only unless an operator opts in to pruning.
	AuditRetentionDays int `yaml:"audit_retention_days" env:"RISKDESK_HOUSEKEEPING_AUDIT_RETENTION_DAYS" env-default:"0"`
}

func (c *HousekeepingConfig) EffectiveSchedule() string {
	if c == nil || c.Schedule == "" {
		return "@hourly"
	}
	return c.Schedule
}

func (c *IncidentsConfig) EffectiveBusyTimeoutMS() int {
	if c == nil || c.BusyTimeoutMS <= 0 {
		return 5000
	}
	return c.BusyTimeoutMS
}

func (c *IncidentsConfig) EffectiveMaxConns() int {
	if c == nil || c.MaxConnsPerDB <= 0 {
		return 4
	}
	return c.MaxConnsPerDB
}
