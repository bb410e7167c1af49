// Package voting implements the ballot lifecycle, vote casting with change
// policy, and tallying with quorum and anonymity guarantees.
package voting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/example/assembly-panel/internal/audit"
	"github.com/example/assembly-panel/internal/domain"
	"github.com/example/assembly-panel/internal/fold"
	"github.com/example/assembly-panel/internal/logging"
	"github.com/example/assembly-panel/internal/storage"
	"github.com/example/assembly-panel/internal/times"
)

// Service orchestrates validation, persistence and tallying for ballots.
type Service struct {
	store  *storage.Store
	sink   audit.Sink
	idGen  func() string
	now    func() time.Time
	zone   *time.Location
	logger *slog.Logger
}

// NewService wires dependencies for voting operations. Nil optional
// dependencies fall back to safe defaults.
func NewService(store *storage.Store, sink audit.Sink, idGen func() string, now func() time.Time, zone *time.Location, logger *slog.Logger) *Service {
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
	return &Service{store: store, sink: sink, idGen: idGen, now: now, zone: zone, logger: logger}
}

func (s *Service) ballotPath(id string) string {
	return s.store.Path("voting", id, "ballot.json")
}

func (s *Service) votesPath(id string) string {
	return s.store.Path("voting", id, "votes.jsonl")
}

// CreateBallot validates and persists a new ballot.
func (s *Service) CreateBallot(ctx context.Context, input CreateBallotInput, actorID string) (Ballot, error) {
	vErr := &domain.ValidationError{}

	title := strings.TrimSpace(input.Title)
	if len(title) < 3 {
		vErr.Add("title", "title must be at least 3 characters")
	}

	options := normalizeOptions(input.Options)
	if len(options) < 2 && !input.Flags.AllowOpenText {
		vErr.Add("options", "at least 2 distinct options are required unless open text is allowed")
	}
	if input.QuorumMinimum != nil && *input.QuorumMinimum < 0 {
		vErr.Add("quorum_minimum", "must not be negative")
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
		return Ballot{}, vErr
	}

	ballot := Ballot{
		ID:               s.idGen(),
		Title:            title,
		Description:      trimOptional(input.Description),
		Options:          options,
		StartISO:         start.ISO,
		StartTS:          start.Epoch,
		EndISO:           end.ISO,
		EndTS:            end.Epoch,
		AllowChangeVote:  input.Flags.AllowChangeVote,
		AllowOutOfWindow: input.Flags.AllowOutOfWindow,
		Secret:           input.Flags.Secret,
		AllowOpenText:    input.Flags.AllowOpenText,
		QuorumMinimum:    input.QuorumMinimum,
		Status:           StatusOpen,
		CreatedBy:        actorID,
		CreatedAt:        s.now().Unix(),
	}
	if ballot.AllowOpenText {
		ballot.OpenTextLabel = strings.TrimSpace(input.OpenTextLabel)
		if ballot.OpenTextLabel == "" {
			ballot.OpenTextLabel = DefaultOpenTextLabel
		}
	}

	if err := s.store.WriteDocument(s.ballotPath(ballot.ID), ballot); err != nil {
		return Ballot{}, err
	}

	s.record(ctx, "ballot_created", actorID, map[string]any{"ballot_id": ballot.ID, "title": ballot.Title})
	return ballot, nil
}

// GetBallot loads one ballot by id.
func (s *Service) GetBallot(ctx context.Context, id string) (Ballot, error) {
	var ballot Ballot
	exists, err := s.store.ReadDocument(s.ballotPath(id), &ballot)
	if err != nil {
		return Ballot{}, err
	}
	if !exists {
		return Ballot{}, domain.ErrNotFound
	}
	return ballot, nil
}

// ListBallots returns all non-deleted ballots ordered by start time.
func (s *Service) ListBallots(ctx context.Context) ([]Ballot, error) {
	entries, err := os.ReadDir(s.store.Path("voting"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list ballots: %w", err)
	}

	var ballots []Ballot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var ballot Ballot
		exists, err := s.store.ReadDocument(s.ballotPath(entry.Name()), &ballot)
		if err != nil {
			return nil, err
		}
		if !exists || ballot.Status == StatusDeleted {
			continue
		}
		ballots = append(ballots, ballot)
	}
	sort.Slice(ballots, func(i, j int) bool {
		if ballots[i].StartTS == ballots[j].StartTS {
			return ballots[i].ID < ballots[j].ID
		}
		return ballots[i].StartTS < ballots[j].StartTS
	})
	return ballots, nil
}

// EditBallot applies only the fields present in patch under the ballot's
// resource lock. Changing options is rejected once any vote exists.
func (s *Service) EditBallot(ctx context.Context, id string, patch EditBallotPatch, actorID string) (Ballot, error) {
	var ballot Ballot
	err := s.store.UpdateDocument(s.ballotPath(id), &ballot, func(exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		vErr := &domain.ValidationError{}

		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if len(title) < 3 {
				vErr.Add("title", "title must be at least 3 characters")
			} else {
				ballot.Title = title
			}
		}
		if patch.Description != nil {
			ballot.Description = trimOptional(patch.Description)
		}
		if patch.Options != nil {
			voted, err := s.hasVotes(id)
			if err != nil {
				return err
			}
			if voted {
				return domain.ErrStateConflict
			}
			options := normalizeOptions(*patch.Options)
			allowOpenText := ballot.AllowOpenText
			if patch.AllowOpenText != nil {
				allowOpenText = *patch.AllowOpenText
			}
			if len(options) < 2 && !allowOpenText {
				vErr.Add("options", "at least 2 distinct options are required unless open text is allowed")
			} else {
				ballot.Options = options
			}
		}
		if patch.StartISO != nil {
			start, err := times.Normalize(*patch.StartISO, s.zone)
			if err != nil {
				vErr.Add("start", "invalid start timestamp")
			} else {
				ballot.StartISO = start.ISO
				ballot.StartTS = start.Epoch
			}
		}
		if patch.EndISO != nil {
			end, err := times.Normalize(*patch.EndISO, s.zone)
			if err != nil {
				vErr.Add("end", "invalid end timestamp")
			} else {
				ballot.EndISO = end.ISO
				ballot.EndTS = end.Epoch
			}
		}
		if patch.AllowChangeVote != nil {
			ballot.AllowChangeVote = *patch.AllowChangeVote
		}
		if patch.AllowOutOfWindow != nil {
			ballot.AllowOutOfWindow = *patch.AllowOutOfWindow
		}
		if patch.Secret != nil {
			ballot.Secret = *patch.Secret
		}
		if patch.AllowOpenText != nil {
			ballot.AllowOpenText = *patch.AllowOpenText
			if ballot.AllowOpenText && ballot.OpenTextLabel == "" {
				ballot.OpenTextLabel = DefaultOpenTextLabel
			}
		}
		if patch.OpenTextLabel != nil {
			label := strings.TrimSpace(*patch.OpenTextLabel)
			if label == "" {
				label = DefaultOpenTextLabel
			}
			ballot.OpenTextLabel = label
		}
		if patch.ClearQuorum {
			ballot.QuorumMinimum = nil
		} else if patch.QuorumMinimum != nil {
			if *patch.QuorumMinimum < 0 {
				vErr.Add("quorum_minimum", "must not be negative")
			} else {
				quorum := *patch.QuorumMinimum
				ballot.QuorumMinimum = &quorum
			}
		}
		if patch.CloseNow {
			endTS := s.now().Unix()
			if endTS <= ballot.StartTS {
				endTS = ballot.StartTS + 60
			}
			ballot.EndTS = endTS
			ballot.EndISO = times.FromEpoch(endTS, s.zone).ISO
			ballot.Status = StatusClosed
		}

		if vErr.HasErrors() {
			return vErr
		}
		if ballot.EndTS <= ballot.StartTS {
			return domain.Validationf("time", "end must be after start")
		}
		return nil
	})
	if err != nil {
		return Ballot{}, err
	}

	s.record(ctx, "ballot_edited", actorID, map[string]any{"ballot_id": id})
	return ballot, nil
}

// CloseBallot moves an open ballot to closed at now.
func (s *Service) CloseBallot(ctx context.Context, id, actorID string) (Ballot, error) {
	var ballot Ballot
	err := s.store.UpdateDocument(s.ballotPath(id), &ballot, func(exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		if ballot.Status != StatusOpen {
			return domain.ErrStateConflict
		}
		endTS := s.now().Unix()
		if endTS <= ballot.StartTS {
			endTS = ballot.StartTS + 60
		}
		ballot.EndTS = endTS
		ballot.EndISO = times.FromEpoch(endTS, s.zone).ISO
		ballot.Status = StatusClosed
		return nil
	})
	if err != nil {
		return Ballot{}, err
	}
	s.record(ctx, "ballot_closed", actorID, map[string]any{"ballot_id": id})
	return ballot, nil
}

// DeleteBallot soft-deletes a ballot; votes are retained.
func (s *Service) DeleteBallot(ctx context.Context, id, actorID string) (Ballot, error) {
	return s.setStatus(ctx, id, actorID, StatusDeleted, "ballot_deleted")
}

// RestoreBallot reverses a soft delete.
func (s *Service) RestoreBallot(ctx context.Context, id, actorID string) (Ballot, error) {
	return s.setStatus(ctx, id, actorID, StatusOpen, "ballot_restored")
}

func (s *Service) setStatus(ctx context.Context, id, actorID string, status Status, event string) (Ballot, error) {
	var ballot Ballot
	err := s.store.UpdateDocument(s.ballotPath(id), &ballot, func(exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		if status == StatusOpen && ballot.Status != StatusDeleted {
			return domain.ErrStateConflict
		}
		ballot.Status = status
		return nil
	})
	if err != nil {
		return Ballot{}, err
	}
	s.record(ctx, event, actorID, map[string]any{"ballot_id": id})
	return ballot, nil
}

// CastVote validates and appends one vote event. A later event always
// supersedes earlier ones from the same user; nothing is ever deleted.
func (s *Service) CastVote(ctx context.Context, userID, ballotID, option, openText string) (VoteEvent, error) {
	ballot, err := s.GetBallot(ctx, ballotID)
	if err != nil {
		return VoteEvent{}, err
	}
	if ballot.Status == StatusDeleted {
		return VoteEvent{}, domain.ErrNotFound
	}
	if ballot.Status != StatusOpen {
		return VoteEvent{}, domain.ErrStateConflict
	}

	now := s.now().Unix()
	if !ballot.AllowOutOfWindow && (now < ballot.StartTS || now > ballot.EndTS) {
		return VoteEvent{}, &domain.WindowError{
			Start: time.Unix(ballot.StartTS, 0).In(s.zone),
			End:   time.Unix(ballot.EndTS, 0).In(s.zone),
			Now:   time.Unix(now, 0).In(s.zone),
		}
	}

	option = strings.TrimSpace(option)
	openText = strings.TrimSpace(openText)
	switch {
	case option == "" && openText == "":
		return VoteEvent{}, domain.Validationf("vote", "either option or open text is required")
	case option != "" && openText != "":
		return VoteEvent{}, domain.Validationf("vote", "provide option or open text, not both")
	case openText != "" && !ballot.AllowOpenText:
		return VoteEvent{}, domain.Validationf("open_text", "ballot does not allow open text answers")
	case option != "" && !containsOption(ballot.Options, option):
		return VoteEvent{}, domain.Validationf("option", "option is not part of this ballot")
	}

	latest, err := s.latestVotes(ballotID)
	if err != nil {
		return VoteEvent{}, err
	}
	if _, voted := latest[userID]; voted && !ballot.AllowChangeVote {
		return VoteEvent{}, domain.ErrStateConflict
	}

	vote := VoteEvent{
		ID:       s.idGen(),
		BallotID: ballotID,
		UserID:   userID,
		Option:   option,
		OpenText: openText,
		TS:       now,
	}
	if err := s.store.AppendEvent(s.votesPath(ballotID), vote); err != nil {
		return VoteEvent{}, err
	}

	s.record(ctx, "vote_cast", userID, map[string]any{"ballot_id": ballotID})
	return vote, nil
}

// MyVotes returns the caller's authoritative (latest) vote per ballot,
// newest first.
func (s *Service) MyVotes(ctx context.Context, userID string) ([]VoteEvent, error) {
	entries, err := os.ReadDir(s.store.Path("voting"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list ballots: %w", err)
	}

	var votes []VoteEvent
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		latest, err := s.latestVotes(entry.Name())
		if err != nil {
			return nil, err
		}
		if vote, ok := latest[userID]; ok {
			votes = append(votes, vote)
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].TS > votes[j].TS })
	return votes, nil
}

// Participants lists the authoritative vote per user. Secret ballots never
// expose per-user detail, enforced here rather than at the boundary.
func (s *Service) Participants(ctx context.Context, ballotID string) ([]VoteDetail, error) {
	ballot, err := s.GetBallot(ctx, ballotID)
	if err != nil {
		return nil, err
	}
	if ballot.Secret {
		return nil, domain.ErrStateConflict
	}
	latest, err := s.latestVotes(ballotID)
	if err != nil {
		return nil, err
	}
	return sortedDetail(latest), nil
}

// latestVotes folds the vote log keeping only the latest record per user,
// by timestamp with ties broken by append order.
func (s *Service) latestVotes(ballotID string) (map[string]VoteEvent, error) {
	it := fold.Iterator(func(fn func(json.RawMessage) error) error {
		return s.store.IterateEvents(s.votesPath(ballotID), fn)
	})
	events, err := fold.Decode[VoteEvent](it)
	if err != nil {
		return nil, err
	}
	return fold.Fold(map[string]VoteEvent{}, events, func(acc map[string]VoteEvent, vote VoteEvent) map[string]VoteEvent {
		current, ok := acc[vote.UserID]
		if !ok || vote.TS >= current.TS {
			acc[vote.UserID] = vote
		}
		return acc
	}), nil
}

func (s *Service) hasVotes(ballotID string) (bool, error) {
	found := false
	err := s.store.IterateEvents(s.votesPath(ballotID), func(json.RawMessage) error {
		found = true
		return errStopIteration
	})
	if err != nil && err != errStopIteration {
		return false, err
	}
	return found, nil
}

var errStopIteration = fmt.Errorf("voting: stop iteration")

func (s *Service) record(ctx context.Context, name, actorID string, details map[string]any) {
	event := audit.NewEvent(s.now(), name, actorID, details)
	if err := s.sink.Record(ctx, event); err != nil {
		logging.FromContextOr(ctx, s.logger).Warn("audit sink rejected event", "event", name, "error", err)
	}
}

func normalizeOptions(options []string) []string {
	seen := make(map[string]struct{}, len(options))
	normalized := make([]string, 0, len(options))
	for _, option := range options {
		trimmed := strings.TrimSpace(option)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

func containsOption(options []string, option string) bool {
	for _, candidate := range options {
		if candidate == option {
			return true
		}
	}
	return false
}

func sortedDetail(latest map[string]VoteEvent) []VoteDetail {
	detail := make([]VoteDetail, 0, len(latest))
	for _, vote := range latest {
		detail = append(detail, VoteDetail{
			UserID:   vote.UserID,
			Option:   vote.Option,
			OpenText: vote.OpenText,
			TS:       vote.TS,
		})
	}
	sort.Slice(detail, func(i, j int) bool { return detail[i].UserID < detail[j].UserID })
	return detail
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
