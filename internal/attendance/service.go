// Package attendance implements the activity lifecycle, time-windowed
// check-in/out, the derived participant ledger and manual corrections.
package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/example/assembly-panel/internal/audit"
	"github.com/example/assembly-panel/internal/domain"
	"github.com/example/assembly-panel/internal/logging"
	"github.com/example/assembly-panel/internal/ratelimit"
	"github.com/example/assembly-panel/internal/storage"
	"github.com/example/assembly-panel/internal/times"
)

// ApprovalQueue accepts pending check-in requests for activities that require
// an administrator decision. The requests engine implements it.
type ApprovalQueue interface {
	CreateCheckInRequest(ctx context.Context, userID, activityID string) (string, error)
}

// Service orchestrates validation, persistence and derivation for attendance.
type Service struct {
	store    *storage.Store
	approval ApprovalQueue
	sink     audit.Sink
	idGen    func() string
	codeGen  func() (string, error)
	now      func() time.Time
	zone     *time.Location
	logger   *slog.Logger

	codeLimiter *ratelimit.Limiter
	codeLimit   int
	codeWindow  time.Duration
}

// NewService wires dependencies for attendance operations. Nil optional
// dependencies fall back to safe defaults.
func NewService(store *storage.Store, approval ApprovalQueue, sink audit.Sink, idGen func() string, now func() time.Time, zone *time.Location, logger *slog.Logger) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	if zone == nil {
		zone = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		approval: approval,
		sink:     sink,
		idGen:    idGen,
		codeGen:  func() (string, error) { return GenerateAccessCode(6) },
		now:      now,
		zone:     zone,
		logger:   logger,
	}
}

// SetCodeRateLimit throttles access-code attempts per user. A nil limiter
// disables throttling.
func (s *Service) SetCodeRateLimit(limiter *ratelimit.Limiter, limit int, window time.Duration) {
	s.codeLimiter = limiter
	s.codeLimit = limit
	s.codeWindow = window
}

func (s *Service) activityPath(id string) string {
	return s.store.Path("attendance", id, "activity.json")
}

func (s *Service) checksPath(id string) string {
	return s.store.Path("attendance", id, "checks.jsonl")
}

func (s *Service) adjustmentsPath(id string) string {
	return s.store.Path("attendance", id, "adjustments.jsonl")
}

func (s *Service) ledgerPath(id string) string {
	return s.store.Path("attendance", id, "ledger.json")
}

// CreateActivity validates and persists a new activity. When the input asks
// for an access code the plaintext code is returned exactly once; only its
// hash is stored.
func (s *Service) CreateActivity(ctx context.Context, input CreateActivityInput, actorID string) (Activity, string, error) {
	vErr := &domain.ValidationError{}

	title := strings.TrimSpace(input.Title)
	if len(title) < 3 {
		vErr.Add("title", "title must be at least 3 characters")
	}
	if input.WindowBeforeMin < 0 {
		vErr.Add("window_before_min", "must not be negative")
	}
	if input.WindowAfterMin < 0 {
		vErr.Add("window_after_min", "must not be negative")
	}

	start, startErr := times.Normalize(input.StartISO, s.zone)
	if startErr != nil {
		vErr.Add("start", "invalid start timestamp")
	}
	end, endErr := times.Normalize(input.EndISO, s.zone)
	if endErr != nil {
		vErr.Add("end", "invalid end timestamp")
	}
	if startErr == nil && endErr == nil && end.Epoch <= start.Epoch {
		vErr.Add("time", "end must be after start")
	}
	if vErr.HasErrors() {
		return Activity{}, "", vErr
	}

	activity := Activity{
		ID:                 s.idGen(),
		Title:              title,
		StartISO:           start.ISO,
		StartTS:            start.Epoch,
		EndISO:             end.ISO,
		EndTS:              end.Epoch,
		Location:           trimLocation(input.Location),
		WindowBeforeMin:    input.WindowBeforeMin,
		WindowAfterMin:     input.WindowAfterMin,
		AllowOutsideWindow: input.AllowOutsideWindow,
		AutoRegister:       input.AutoRegister,
		Status:             StatusOpen,
		CreatedBy:          actorID,
		CreatedAt:          s.now().Unix(),
	}

	var code string
	if input.WithAccessCode {
		generated, err := s.codeGen()
		if err != nil {
			return Activity{}, "", fmt.Errorf("generate access code: %w", err)
		}
		hash, err := HashAccessCode(generated)
		if err != nil {
			return Activity{}, "", fmt.Errorf("hash access code: %w", err)
		}
		code = generated
		activity.AccessCodeHash = hash
	}

	if err := s.store.WriteDocument(s.activityPath(activity.ID), activity); err != nil {
		return Activity{}, "", err
	}

	s.record(ctx, "activity_created", actorID, map[string]any{
		"activity_id": activity.ID,
		"title":       activity.Title,
	})
	return activity, code, nil
}

// GetActivity loads one activity by id.
func (s *Service) GetActivity(ctx context.Context, id string) (Activity, error) {
	var activity Activity
	exists, err := s.store.ReadDocument(s.activityPath(id), &activity)
	if err != nil {
		return Activity{}, err
	}
	if !exists {
		return Activity{}, domain.ErrNotFound
	}
	return activity, nil
}

// ListActivities returns all non-deleted activities ordered by start time.
func (s *Service) ListActivities(ctx context.Context) ([]Activity, error) {
	entries, err := os.ReadDir(s.store.Path("attendance"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list activities: %w", err)
	}

	var activities []Activity
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var activity Activity
		exists, err := s.store.ReadDocument(s.activityPath(entry.Name()), &activity)
		if err != nil {
			return nil, err
		}
		if !exists || activity.Status == StatusDeleted {
			continue
		}
		activities = append(activities, activity)
	}
	sort.Slice(activities, func(i, j int) bool {
		if activities[i].StartTS == activities[j].StartTS {
			return activities[i].ID < activities[j].ID
		}
		return activities[i].StartTS < activities[j].StartTS
	})
	return activities, nil
}

// EditActivity applies only the fields present in patch, re-normalizing any
// supplied time field. The full read-modify-write runs under the activity's
// resource lock.
func (s *Service) EditActivity(ctx context.Context, id string, patch EditActivityPatch, actorID string) (Activity, error) {
	var activity Activity
	err := s.store.UpdateDocument(s.activityPath(id), &activity, func(exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		vErr := &domain.ValidationError{}

		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if len(title) < 3 {
				vErr.Add("title", "title must be at least 3 characters")
			} else {
				activity.Title = title
			}
		}
		if patch.StartISO != nil {
			start, err := times.Normalize(*patch.StartISO, s.zone)
			if err != nil {
				vErr.Add("start", "invalid start timestamp")
			} else {
				activity.StartISO = start.ISO
				activity.StartTS = start.Epoch
			}
		}
		if patch.EndISO != nil {
			end, err := times.Normalize(*patch.EndISO, s.zone)
			if err != nil {
				vErr.Add("end", "invalid end timestamp")
			} else {
				activity.EndISO = end.ISO
				activity.EndTS = end.Epoch
			}
		}
		if patch.Location != nil {
			activity.Location = trimLocation(patch.Location)
		}
		if patch.WindowBeforeMin != nil {
			if *patch.WindowBeforeMin < 0 {
				vErr.Add("window_before_min", "must not be negative")
			} else {
				activity.WindowBeforeMin = *patch.WindowBeforeMin
			}
		}
		if patch.WindowAfterMin != nil {
			if *patch.WindowAfterMin < 0 {
				vErr.Add("window_after_min", "must not be negative")
			} else {
				activity.WindowAfterMin = *patch.WindowAfterMin
			}
		}
		if patch.AllowOutsideWindow != nil {
			activity.AllowOutsideWindow = *patch.AllowOutsideWindow
		}
		if patch.AutoRegister != nil {
			activity.AutoRegister = *patch.AutoRegister
		}

		if vErr.HasErrors() {
			return vErr
		}
		if activity.EndTS <= activity.StartTS {
			return domain.Validationf("time", "end must be after start")
		}
		return nil
	})
	if err != nil {
		return Activity{}, err
	}

	s.record(ctx, "activity_edited", actorID, map[string]any{"activity_id": id})
	return activity, nil
}

// CloseActivity moves an open activity to closed, pulling its end forward to
// now. The end never lands at or before the start.
func (s *Service) CloseActivity(ctx context.Context, id, actorID string) (Activity, error) {
	var activity Activity
	err := s.store.UpdateDocument(s.activityPath(id), &activity, func(exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		if activity.Status != StatusOpen {
			return domain.ErrStateConflict
		}
		endTS := s.now().Unix()
		if endTS <= activity.StartTS {
			endTS = activity.StartTS + 60
		}
		activity.EndTS = endTS
		activity.EndISO = times.FromEpoch(endTS, s.zone).ISO
		activity.Status = StatusClosed
		return nil
	})
	if err != nil {
		return Activity{}, err
	}

	s.record(ctx, "activity_closed", actorID, map[string]any{"activity_id": id})
	return activity, nil
}

// DeleteActivity soft-deletes an activity. History is retained and the
// record can be restored.
func (s *Service) DeleteActivity(ctx context.Context, id, actorID string) (Activity, error) {
	return s.setStatus(ctx, id, actorID, StatusDeleted, "activity_deleted")
}

// RestoreActivity reverses a soft delete, reopening the activity.
func (s *Service) RestoreActivity(ctx context.Context, id, actorID string) (Activity, error) {
	return s.setStatus(ctx, id, actorID, StatusOpen, "activity_restored")
}

func (s *Service) setStatus(ctx context.Context, id, actorID string, status Status, event string) (Activity, error) {
	var activity Activity
	err := s.store.UpdateDocument(s.activityPath(id), &activity, func(exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		if status == StatusOpen && activity.Status != StatusDeleted {
			return domain.ErrStateConflict
		}
		activity.Status = status
		return nil
	})
	if err != nil {
		return Activity{}, err
	}
	s.record(ctx, event, actorID, map[string]any{"activity_id": id})
	return activity, nil
}

// RecordCheck validates and appends one presence signal, then refreshes the
// ledger snapshot. The snapshot is a cache: the check log remains the truth.
func (s *Service) RecordCheck(ctx context.Context, userID, activityID string, action CheckAction) (CheckEvent, error) {
	if action != CheckIn && action != CheckOut {
		return CheckEvent{}, domain.Validationf("action", "action must be %q or %q", CheckIn, CheckOut)
	}

	activity, err := s.GetActivity(ctx, activityID)
	if err != nil {
		return CheckEvent{}, err
	}
	if activity.Status != StatusOpen {
		return CheckEvent{}, domain.ErrStateConflict
	}

	now := s.now()
	if !activity.AllowOutsideWindow {
		windowStart := activity.StartTS - int64(activity.WindowBeforeMin)*60
		windowEnd := activity.EndTS + int64(activity.WindowAfterMin)*60
		ts := now.Unix()
		if ts < windowStart || ts > windowEnd {
			return CheckEvent{}, &domain.WindowError{
				Start: time.Unix(windowStart, 0).In(s.zone),
				End:   time.Unix(windowEnd, 0).In(s.zone),
				Now:   now.In(s.zone),
			}
		}
	}

	check := CheckEvent{
		ID:         s.idGen(),
		ActivityID: activityID,
		UserID:     userID,
		Action:     action,
		TS:         now.Unix(),
	}
	// The activity lock serializes the append with the snapshot refresh, so
	// a concurrent check on the same activity never leaves the ledger behind
	// the log.
	err = s.store.WithLock(s.activityPath(activityID), func() error {
		if err := s.store.AppendEvent(s.checksPath(activityID), check); err != nil {
			return err
		}
		if err := s.refreshLedger(ctx, activity); err != nil {
			// Snapshot refresh is best effort, the log already holds the event.
			s.logger.Warn("ledger refresh failed", "activity_id", activityID, "error", err)
		}
		return nil
	})
	if err != nil {
		return CheckEvent{}, err
	}

	s.record(ctx, "check_recorded", userID, map[string]any{
		"activity_id": activityID,
		"action":      string(action),
	})
	return check, nil
}

// CheckInWithCode validates the activity's access code. Auto-registering
// activities record the check directly; for the rest a pending approval
// request is created and its id returned.
func (s *Service) CheckInWithCode(ctx context.Context, userID, activityID, code string) (CheckResult, error) {
	activity, err := s.GetActivity(ctx, activityID)
	if err != nil {
		return CheckResult{}, err
	}
	if activity.Status != StatusOpen {
		return CheckResult{}, domain.ErrStateConflict
	}
	if !activity.HasAccessCode() {
		return CheckResult{}, domain.Validationf("code", "activity does not use access codes")
	}
	if strings.TrimSpace(code) == "" {
		return CheckResult{}, domain.Validationf("code", "access code is required")
	}
	if s.codeLimiter != nil {
		if err := s.codeLimiter.Hit("checkin_code", userID, s.codeLimit, s.codeWindow); err != nil {
			return CheckResult{}, err
		}
	}
	if err := VerifyAccessCode(activity.AccessCodeHash, strings.TrimSpace(code)); err != nil {
		return CheckResult{}, domain.Validationf("code", "access code does not match")
	}

	if activity.AutoRegister {
		check, err := s.RecordCheck(ctx, userID, activityID, CheckIn)
		if err != nil {
			return CheckResult{}, err
		}
		return CheckResult{Check: &check}, nil
	}

	if s.approval == nil {
		return CheckResult{}, fmt.Errorf("attendance: approval queue not configured")
	}
	requestID, err := s.approval.CreateCheckInRequest(ctx, userID, activityID)
	if err != nil {
		return CheckResult{}, err
	}
	s.record(ctx, "checkin_pending", userID, map[string]any{
		"activity_id": activityID,
		"request_id":  requestID,
	})
	return CheckResult{Pending: true, RequestID: requestID}, nil
}

// SetAdjustment appends one manual correction to the adjustment log.
func (s *Service) SetAdjustment(ctx context.Context, activityID, userID string, kind AdjustmentKind, seconds int64, removed bool, reason, actorID string) (AdjustmentEvent, error) {
	switch kind {
	case AdjustDelta, AdjustSetTotal, AdjustRemoved:
	default:
		return AdjustmentEvent{}, domain.Validationf("kind", "unknown adjustment kind %q", kind)
	}
	if kind == AdjustSetTotal && seconds < 0 {
		return AdjustmentEvent{}, domain.Validationf("seconds", "total must not be negative")
	}

	if _, err := s.GetActivity(ctx, activityID); err != nil {
		return AdjustmentEvent{}, err
	}

	adjustment := AdjustmentEvent{
		ID:         s.idGen(),
		ActivityID: activityID,
		UserID:     userID,
		Kind:       kind,
		Seconds:    seconds,
		Removed:    removed,
		Reason:     strings.TrimSpace(reason),
		ActorID:    actorID,
		TS:         s.now().Unix(),
	}
	if err := s.store.AppendEvent(s.adjustmentsPath(activityID), adjustment); err != nil {
		return AdjustmentEvent{}, err
	}

	s.record(ctx, "adjustment_recorded", actorID, map[string]any{
		"activity_id": activityID,
		"user_id":     userID,
		"kind":        string(kind),
	})
	return adjustment, nil
}

// MyChecks lists the caller's own check events, optionally narrowed to one
// activity, newest first.
func (s *Service) MyChecks(ctx context.Context, userID, activityID string) ([]CheckEvent, error) {
	var ids []string
	if activityID != "" {
		ids = []string{activityID}
	} else {
		entries, err := os.ReadDir(s.store.Path("attendance"))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("list activities: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				ids = append(ids, entry.Name())
			}
		}
	}

	var checks []CheckEvent
	for _, id := range ids {
		events, err := s.loadChecks(id)
		if err != nil {
			return nil, err
		}
		for _, event := range events {
			if event.UserID == userID {
				checks = append(checks, event)
			}
		}
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].TS > checks[j].TS })
	return checks, nil
}

func (s *Service) record(ctx context.Context, name, actorID string, details map[string]any) {
	event := audit.NewEvent(s.now(), name, actorID, details)
	if err := s.sink.Record(ctx, event); err != nil {
		logging.FromContextOr(ctx, s.logger).Warn("audit sink rejected event", "event", name, "error", err)
	}
}

func trimLocation(location *string) *string {
	if location == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*location)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
