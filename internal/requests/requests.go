// Package requests implements the approval queue: pending check-in and
// profile-change requests that an administrator accepts or denies.
package requests

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/assembly-panel/internal/attendance"
	"github.com/example/assembly-panel/internal/audit"
	"github.com/example/assembly-panel/internal/directory"
	"github.com/example/assembly-panel/internal/domain"
	"github.com/example/assembly-panel/internal/fold"
	"github.com/example/assembly-panel/internal/logging"
	"github.com/example/assembly-panel/internal/storage"
)

// Type discriminates what a request asks for.
type Type string

const (
	// TypeCheckIn asks to record an attendance check-in that needs approval.
	TypeCheckIn Type = "check_in"
	// TypeSignup asks to create a member account.
	TypeSignup Type = "signup"
	// TypeProfileChange asks to apply a diff to an existing profile.
	TypeProfileChange Type = "profile_change"
)

// Status tracks the request lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDenied   Status = "denied"
)

// Request is one entry in the approval queue. The collection lives in a single
// append-ordered log; resolution rewrites the log in place.
type Request struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Status     Status         `json:"status"`
	UserID     string         `json:"user_id,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Diff       map[string]any `json:"diff,omitempty"`
	CreatedTS  int64          `json:"created_ts"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedTS int64          `json:"resolved_ts,omitempty"`
	Comment    string         `json:"comment,omitempty"`
}

// CheckRecorder applies an approved check-in. The attendance engine
// implements it.
type CheckRecorder interface {
	RecordCheck(ctx context.Context, userID, activityID string, action attendance.CheckAction) (attendance.CheckEvent, error)
}

// ProfileDirectory answers whether a member profile exists. The directory
// package implements it.
type ProfileDirectory interface {
	Get(userID string) (directory.Profile, bool, error)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	Type   Type
	UserID string
}

// Service manages the approval queue.
type Service struct {
	store    *storage.Store
	recorder CheckRecorder
	profiles ProfileDirectory
	sink     audit.Sink
	idGen    func() string
	now      func() time.Time
	logger   *slog.Logger
}

// NewService wires dependencies for the approval queue. Nil optional
// dependencies fall back to safe defaults.
func NewService(store *storage.Store, recorder CheckRecorder, sink audit.Sink, idGen func() string, now func() time.Time, logger *slog.Logger) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if idGen == nil {
		idGen = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, recorder: recorder, sink: sink, idGen: idGen, now: now, logger: logger}
}

// SetProfileDirectory enables existence checks on profile-change requests.
// Without a directory any user id is accepted.
func (s *Service) SetProfileDirectory(profiles ProfileDirectory) {
	s.profiles = profiles
}

func (s *Service) logPath() string {
	return s.store.Path("requests", "requests.jsonl")
}

// CreateCheckInRequest queues a check-in that awaits an administrator
// decision. It implements the attendance engine's approval collaborator.
func (s *Service) CreateCheckInRequest(ctx context.Context, userID, activityID string) (string, error) {
	request := Request{
		ID:         s.idGen(),
		Type:       TypeCheckIn,
		Status:     StatusPending,
		UserID:     userID,
		ActivityID: activityID,
		CreatedTS:  s.now().Unix(),
	}
	if err := s.store.AppendEvent(s.logPath(), request); err != nil {
		return "", err
	}
	s.record(ctx, "request_created", userID, request)
	return request.ID, nil
}

// CreateSignupRequest queues an account-creation request carrying the
// applicant's submitted payload.
func (s *Service) CreateSignupRequest(ctx context.Context, email string, payload map[string]any) (string, error) {
	if email == "" {
		return "", domain.Validationf("email", "email is required")
	}
	request := Request{
		ID:        s.idGen(),
		Type:      TypeSignup,
		Status:    StatusPending,
		Email:     email,
		Payload:   payload,
		CreatedTS: s.now().Unix(),
	}
	if err := s.store.AppendEvent(s.logPath(), request); err != nil {
		return "", err
	}
	s.record(ctx, "request_created", "", request)
	return request.ID, nil
}

// CreateProfileChangeRequest queues a profile diff for review.
func (s *Service) CreateProfileChangeRequest(ctx context.Context, userID, email string, diff map[string]any) (string, error) {
	if userID == "" {
		return "", domain.Validationf("user_id", "user id is required")
	}
	if len(diff) == 0 {
		return "", domain.Validationf("diff", "diff must not be empty")
	}
	if s.profiles != nil {
		_, exists, err := s.profiles.Get(userID)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", domain.ErrNotFound
		}
	}
	request := Request{
		ID:        s.idGen(),
		Type:      TypeProfileChange,
		Status:    StatusPending,
		UserID:    userID,
		Email:     email,
		Diff:      diff,
		CreatedTS: s.now().Unix(),
	}
	if err := s.store.AppendEvent(s.logPath(), request); err != nil {
		return "", err
	}
	s.record(ctx, "request_created", userID, request)
	return request.ID, nil
}

// List returns requests in append order, filtered.
func (s *Service) List(_ context.Context, filter ListFilter) ([]Request, error) {
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	var matched []Request
	for _, request := range all {
		if filter.Status != "" && request.Status != filter.Status {
			continue
		}
		if filter.Type != "" && request.Type != filter.Type {
			continue
		}
		if filter.UserID != "" && request.UserID != filter.UserID {
			continue
		}
		matched = append(matched, request)
	}
	return matched, nil
}

// Get returns one request by id.
func (s *Service) Get(_ context.Context, id string) (Request, error) {
	all, err := s.load()
	if err != nil {
		return Request{}, err
	}
	for _, request := range all {
		if request.ID == id {
			return request, nil
		}
	}
	return Request{}, domain.ErrNotFound
}

// Resolve records an administrator decision. Accepted check-in requests are
// applied through the attendance engine before the queue is updated, so a
// failed application leaves the request pending.
func (s *Service) Resolve(ctx context.Context, id string, status Status, adminID, comment string) (Request, error) {
	if status != StatusAccepted && status != StatusDenied {
		return Request{}, domain.Validationf("status", "status must be %q or %q", StatusAccepted, StatusDenied)
	}

	var resolved Request
	err := s.store.UpdateEvents(s.logPath(), func(records []json.RawMessage) ([]any, error) {
		all, err := decodeAll(records)
		if err != nil {
			return nil, err
		}
		index := -1
		for i, request := range all {
			if request.ID == id {
				index = i
				break
			}
		}
		if index < 0 {
			return nil, domain.ErrNotFound
		}
		if all[index].Status != StatusPending {
			return nil, domain.ErrStateConflict
		}

		if status == StatusAccepted && all[index].Type == TypeCheckIn {
			if s.recorder == nil {
				return nil, domain.Validationf("type", "check-in requests cannot be accepted without a recorder")
			}
			if _, err := s.recorder.RecordCheck(ctx, all[index].UserID, all[index].ActivityID, attendance.CheckIn); err != nil {
				return nil, err
			}
		}

		all[index].Status = status
		all[index].ResolvedBy = adminID
		all[index].ResolvedTS = s.now().Unix()
		all[index].Comment = comment
		resolved = all[index]

		updated := make([]any, len(all))
		for i, request := range all {
			updated[i] = request
		}
		return updated, nil
	})
	if err != nil {
		return Request{}, err
	}
	s.record(ctx, "request_resolved", adminID, resolved)
	return resolved, nil
}

func (s *Service) load() ([]Request, error) {
	return fold.Decode[Request](func(fn func(json.RawMessage) error) error {
		return s.store.IterateEvents(s.logPath(), fn)
	})
}

func decodeAll(records []json.RawMessage) ([]Request, error) {
	all := make([]Request, 0, len(records))
	for _, record := range records {
		var request Request
		if err := json.Unmarshal(record, &request); err != nil {
			return nil, err
		}
		all = append(all, request)
	}
	return all, nil
}

func (s *Service) record(ctx context.Context, name, actorID string, request Request) {
	event := audit.NewEvent(s.now(), name, actorID, map[string]any{
		"request_id": request.ID,
		"type":       string(request.Type),
		"status":     string(request.Status),
	})
	if err := s.sink.Record(ctx, event); err != nil {
		logging.FromContextOr(ctx, s.logger).Warn("audit record failed", "event", name, "error", err)
	}
}
