package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/assembly-panel/internal/times"
)

// Config captures environment driven configuration values for the panel
// service.
type Config struct {
	DataDir           string
	Timezone          string
	LockWait          time.Duration
	AuditDSN          string
	CodeAttemptLimit  int
	CodeAttemptWindow time.Duration
}

// Load parses configuration values from the current process environment.
//
// The loader applies sensible defaults for optional fields while validating
// the values that are present, accumulating every offending variable into a
// single error.
func Load() (Config, error) {
	cfg := Config{
		DataDir:           "data",
		Timezone:          times.DefaultZone,
		LockWait:          5 * time.Second,
		AuditDSN:          "file:audit.db",
		CodeAttemptLimit:  5,
		CodeAttemptWindow: 10 * time.Minute,
	}

	invalid := make([]string, 0, 2)

	if dir := strings.TrimSpace(os.Getenv("PANEL_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}

	if zone := strings.TrimSpace(os.Getenv("PANEL_TIMEZONE")); zone != "" {
		if _, err := times.LoadZone(zone); err != nil {
			invalid = append(invalid, "PANEL_TIMEZONE")
		} else {
			cfg.Timezone = zone
		}
	}

	if waitValue := strings.TrimSpace(os.Getenv("PANEL_LOCK_WAIT")); waitValue != "" {
		wait, err := time.ParseDuration(waitValue)
		if err != nil || wait < 0 {
			invalid = append(invalid, "PANEL_LOCK_WAIT")
		} else {
			cfg.LockWait = wait
		}
	}

	if dsn, ok := os.LookupEnv("PANEL_AUDIT_DSN"); ok {
		// An explicitly empty DSN disables the audit store.
		cfg.AuditDSN = strings.TrimSpace(dsn)
	}

	if limitValue := strings.TrimSpace(os.Getenv("PANEL_CODE_ATTEMPT_LIMIT")); limitValue != "" {
		limit, err := strconv.Atoi(limitValue)
		if err != nil || limit <= 0 {
			invalid = append(invalid, "PANEL_CODE_ATTEMPT_LIMIT")
		} else {
			cfg.CodeAttemptLimit = limit
		}
	}

	if windowValue := strings.TrimSpace(os.Getenv("PANEL_CODE_ATTEMPT_WINDOW")); windowValue != "" {
		window, err := time.ParseDuration(windowValue)
		if err != nil || window <= 0 {
			invalid = append(invalid, "PANEL_CODE_ATTEMPT_WINDOW")
		} else {
			cfg.CodeAttemptWindow = window
		}
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}
