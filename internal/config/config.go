// Package config loads process configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every knob the process recognizes. Zero-configuration
// startup works: every field has a default.
type Config struct {
	Env string

	// Data locations
	DataDir     string
	ProfileRoot string
	JournalPath string

	// Acceptance policy
	DefaultDailyCap      int
	WorkStartHour        int
	WorkEndHour          int
	UrgentHoursThreshold float64
	ShiftNightDeadline   bool
	UrgentDaysThreshold  int

	// Workers
	PoolSize         int
	QueueConcurrency int
	MetaConcurrency  int
	TaskTimeout      time.Duration
	AcquireTimeout   time.Duration

	// Verification and sync
	VerifyAfter      time.Duration
	SyncInterval     time.Duration
	DebounceInterval time.Duration

	// Failure handling
	FailureThreshold int

	// Quota window
	QuotaResetHour int
	DailyQuota     int

	// External endpoints
	SheetWebhookURL string
	NotifyURL       string
	SheetMirrorPath string
	URLRewriteMode  string

	// Email transport credentials (handed to the mail collaborator)
	IMAPHost     string
	IMAPUser     string
	IMAPPassword string

	// Dashboard
	ListenAddr string

	// Time zone for all date reasoning
	Location *time.Location
}

// Load reads the environment and fills in defaults.
func Load() Config {
	dataDir := envStr("DATA_DIR", "data")
	loc := time.Local
	if tz := os.Getenv("TEAM_TZ"); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	return Config{
		Env: os.Getenv("APP_ENV"),

		DataDir:     dataDir,
		ProfileRoot: envStr("PROFILE_ROOT", filepath.Join(dataDir, "profiles")),
		JournalPath: envStr("JOURNAL_PATH", filepath.Join(dataDir, "journal.db")),

		DefaultDailyCap:      envInt("DEFAULT_CAP", 12000),
		WorkStartHour:        envInt("WORK_START_HOUR", 10),
		WorkEndHour:          envInt("WORK_END_HOUR", 19),
		UrgentHoursThreshold: float64(envInt("URGENT_HOURS_THRESHOLD", 6)),
		ShiftNightDeadline:   envBool("SHIFT_NIGHT_DEADLINE", true),
		UrgentDaysThreshold:  envInt("URGENT_DAYS_THRESHOLD", 2),

		PoolSize:         envInt("POOL_SIZE", 3),
		QueueConcurrency: envInt("QUEUE_CONCURRENCY", 2),
		MetaConcurrency:  2,
		TaskTimeout:      envDurationMS("TASK_TIMEOUT_MS", 5*time.Minute),
		AcquireTimeout:   envDurationMS("ACQUIRE_TIMEOUT_MS", 60*time.Second),

		VerifyAfter:      envDurationMS("VERIFY_AFTER_MS", 2*time.Minute),
		SyncInterval:     envDurationMS("SYNC_INTERVAL_MS", 5*time.Minute),
		DebounceInterval: envDurationMS("DEBOUNCE_MS", 250*time.Millisecond),

		FailureThreshold: envInt("FAILURE_THRESHOLD", 3),

		QuotaResetHour: envInt("QUOTA_RESET_HOUR", 0),
		DailyQuota:     envInt("DAILY_QUOTA", 12000),

		SheetWebhookURL: os.Getenv("SHEET_WEBHOOK_URL"),
		NotifyURL:       os.Getenv("NOTIFY_URL"),
		SheetMirrorPath: envStr("SHEET_MIRROR_PATH", filepath.Join(dataDir, "statusLog.xlsx")),
		URLRewriteMode:  envStr("URL_REWRITE_MODE", ""),

		IMAPHost:     os.Getenv("IMAP_HOST"),
		IMAPUser:     os.Getenv("IMAP_USER"),
		IMAPPassword: os.Getenv("IMAP_PASSWORD"),

		ListenAddr: envStr("SERVER_ADDR", ":8080"),

		Location: loc,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationMS(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
