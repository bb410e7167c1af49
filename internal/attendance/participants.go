package attendance

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/example/assembly-panel/internal/fold"
)

// intervalState tracks one participant while pairing in/out signals.
type intervalState struct {
	seconds  int64
	openedAt int64
	open     bool
}

// Participants derives the participant listing for an activity by replaying
// its check log and then its adjustment log. Removed participants are
// excluded from the listing; ParticipantLedger retains them.
func (s *Service) Participants(ctx context.Context, activityID string) ([]ParticipantTotal, error) {
	ledger, err := s.ParticipantLedger(ctx, activityID)
	if err != nil {
		return nil, err
	}
	listing := make([]ParticipantTotal, 0, len(ledger))
	for _, entry := range ledger {
		if !entry.Removed {
			listing = append(listing, entry)
		}
	}
	return listing, nil
}

// ParticipantLedger derives totals for every participant including removed
// ones, so corrections stay auditable and removals reversible.
func (s *Service) ParticipantLedger(ctx context.Context, activityID string) ([]ParticipantTotal, error) {
	activity, err := s.GetActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	return s.deriveLedger(activity)
}

// RebuildLedger recomputes the snapshot document from the event logs and
// persists it. The snapshot never becomes the source of truth: it can always
// be discarded and rebuilt with this call.
func (s *Service) RebuildLedger(ctx context.Context, activityID string) (Ledger, error) {
	activity, err := s.GetActivity(ctx, activityID)
	if err != nil {
		return Ledger{}, err
	}
	if err := s.refreshLedger(ctx, activity); err != nil {
		return Ledger{}, err
	}
	var ledger Ledger
	if _, err := s.store.ReadDocument(s.ledgerPath(activityID), &ledger); err != nil {
		return Ledger{}, err
	}
	return ledger, nil
}

func (s *Service) refreshLedger(ctx context.Context, activity Activity) error {
	entries, err := s.deriveLedger(activity)
	if err != nil {
		return err
	}
	snapshot := Ledger{
		ActivityID: activity.ID,
		UpdatedAt:  s.now().Unix(),
		Entries:    entries,
	}
	return s.store.WriteDocument(s.ledgerPath(activity.ID), snapshot)
}

// deriveLedger folds the check log into paired in/out intervals per user and
// then applies the adjustment log in append order.
func (s *Service) deriveLedger(activity Activity) ([]ParticipantTotal, error) {
	checks, err := fold.Decode[CheckEvent](s.eventsOf(s.checksPath(activity.ID)))
	if err != nil {
		return nil, err
	}

	// An unmatched trailing "in" is clipped at now while the activity is
	// open, or at the activity end once it is closed.
	clipAt := activity.EndTS
	if activity.Status == StatusOpen {
		clipAt = s.now().Unix()
	}

	states := fold.Fold(map[string]*intervalState{}, checks, func(acc map[string]*intervalState, check CheckEvent) map[string]*intervalState {
		state, ok := acc[check.UserID]
		if !ok {
			state = &intervalState{}
			acc[check.UserID] = state
		}
		switch check.Action {
		case CheckIn:
			if !state.open {
				state.open = true
				state.openedAt = check.TS
			}
		case CheckOut:
			if state.open {
				state.open = false
				if check.TS > state.openedAt {
					state.seconds += check.TS - state.openedAt
				}
			}
		}
		return acc
	})

	totals := make(map[string]*ParticipantTotal, len(states))
	for userID, state := range states {
		seconds := state.seconds
		if state.open && clipAt > state.openedAt {
			seconds += clipAt - state.openedAt
		}
		totals[userID] = &ParticipantTotal{UserID: userID, Seconds: seconds}
	}

	adjustments, err := fold.Decode[AdjustmentEvent](s.eventsOf(s.adjustmentsPath(activity.ID)))
	if err != nil {
		return nil, err
	}
	for _, adjustment := range adjustments {
		entry, ok := totals[adjustment.UserID]
		if !ok {
			entry = &ParticipantTotal{UserID: adjustment.UserID}
			totals[adjustment.UserID] = entry
		}
		switch adjustment.Kind {
		case AdjustDelta:
			entry.Seconds += adjustment.Seconds
			if entry.Seconds < 0 {
				entry.Seconds = 0
			}
		case AdjustSetTotal:
			entry.Seconds = adjustment.Seconds
			if entry.Seconds < 0 {
				entry.Seconds = 0
			}
		case AdjustRemoved:
			entry.Removed = adjustment.Removed
		}
	}

	entries := make([]ParticipantTotal, 0, len(totals))
	for _, entry := range totals {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

func (s *Service) loadChecks(activityID string) ([]CheckEvent, error) {
	return fold.Decode[CheckEvent](s.eventsOf(s.checksPath(activityID)))
}

// eventsOf binds a log path to the fold iterator shape.
func (s *Service) eventsOf(path string) fold.Iterator {
	return func(fn func(json.RawMessage) error) error {
		return s.store.IterateEvents(path, fn)
	}
}
