package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/assembly-panel/internal/attendance"
	"github.com/example/assembly-panel/internal/audit"
	auditsqlite "github.com/example/assembly-panel/internal/audit/sqlite"
	"github.com/example/assembly-panel/internal/config"
	"github.com/example/assembly-panel/internal/directory"
	"github.com/example/assembly-panel/internal/logging"
	"github.com/example/assembly-panel/internal/ratelimit"
	"github.com/example/assembly-panel/internal/requests"
	"github.com/example/assembly-panel/internal/storage"
	"github.com/example/assembly-panel/internal/times"
	"github.com/example/assembly-panel/internal/voting"
)

func main() {
	logger := logging.New(os.Getenv("PANEL_LOG_LEVEL"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.ContextWithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	zone, err := times.LoadZone(cfg.Timezone)
	if err != nil {
		logger.Error("failed to load timezone", "zone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DataDir, storage.WithLockWait(cfg.LockWait), storage.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	var sink audit.Sink = audit.NopSink{}
	if cfg.AuditDSN != "" {
		auditStore, err := auditsqlite.Open(cfg.AuditDSN)
		if err != nil {
			logger.Error("failed to open audit store", "dsn", cfg.AuditDSN, "error", err)
			os.Exit(1)
		}
		defer func() {
			if cerr := auditStore.Close(); cerr != nil {
				logger.Error("failed to close audit store", "error", cerr)
			}
		}()
		sink = auditStore
	}

	idGenerator := func() string { return randomHex(16) }
	now := time.Now

	// Attendance and the approval queue reference each other: pending
	// check-ins flow one way, accepted ones flow back. The queue adapter
	// breaks the construction cycle.
	queue := &approvalQueue{}
	attendanceService := attendance.NewService(store, queue, sink, idGenerator, now, zone, logger)
	attendanceService.SetCodeRateLimit(ratelimit.NewLimiter(now), cfg.CodeAttemptLimit, cfg.CodeAttemptWindow)
	requestService := requests.NewService(store, attendanceService, sink, idGenerator, now, logger)
	queue.inner = requestService

	requestService.SetProfileDirectory(directory.New(store))

	votingService := voting.NewService(store, sink, idGenerator, now, zone, logger)

	refreshLedgers(ctx, attendanceService, logger)

	logger.Info("panel core ready",
		"data_dir", cfg.DataDir,
		"timezone", cfg.Timezone,
		"audit", cfg.AuditDSN != "",
	)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			reportStatus(ctx, logger, attendanceService, votingService, requestService)
		}
	}
}

// refreshLedgers rebuilds the cached participant ledgers on startup so stale
// snapshots never outlive a restart.
func refreshLedgers(ctx context.Context, service *attendance.Service, logger *slog.Logger) {
	activities, err := service.ListActivities(ctx)
	if err != nil {
		logger.Warn("failed to list activities for ledger refresh", "error", err)
		return
	}
	for _, activity := range activities {
		if _, err := service.RebuildLedger(ctx, activity.ID); err != nil {
			logger.Warn("failed to rebuild ledger", "activity_id", activity.ID, "error", err)
		}
	}
}

// reportStatus logs a periodic snapshot of the panel's workload.
func reportStatus(ctx context.Context, logger *slog.Logger, att *attendance.Service, vot *voting.Service, req *requests.Service) {
	activities, err := att.ListActivities(ctx)
	if err != nil {
		logger.Warn("status: failed to list activities", "error", err)
		return
	}
	ballots, err := vot.ListBallots(ctx)
	if err != nil {
		logger.Warn("status: failed to list ballots", "error", err)
		return
	}
	pending, err := req.List(ctx, requests.ListFilter{Status: requests.StatusPending})
	if err != nil {
		logger.Warn("status: failed to list pending requests", "error", err)
		return
	}
	logger.Info("panel status",
		"activities", len(activities),
		"ballots", len(ballots),
		"pending_requests", len(pending),
	)
}

type approvalQueue struct {
	inner *requests.Service
}

func (q *approvalQueue) CreateCheckInRequest(ctx context.Context, userID, activityID string) (string, error) {
	if q.inner == nil {
		return "", fmt.Errorf("approval queue not initialised")
	}
	return q.inner.CreateCheckInRequest(ctx, userID, activityID)
}

func randomHex(bytes int) string {
	if bytes <= 0 {
		bytes = 16
	}
	buf := make([]byte, bytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
