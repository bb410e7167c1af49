package voting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/assembly-panel/internal/domain"
	"github.com/example/assembly-panel/internal/storage"
	"github.com/example/assembly-panel/internal/testfixtures"
)

type testEnv struct {
	service *Service
	clock   *testfixtures.Clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open returned error: %v", err)
	}
	clock := testfixtures.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	ids := testfixtures.NewIDGenerator("vote")
	service := NewService(store, nil, ids.NextFunc(), clock.NowFunc(), time.UTC, nil)
	return &testEnv{service: service, clock: clock}
}

func baseInput() CreateBallotInput {
	return CreateBallotInput{
		Title:    "board election",
		Options:  []string{"A", "B"},
		StartISO: "2026-03-01T09:00",
		EndISO:   "2026-03-01T18:00",
	}
}

func (e *testEnv) createBallot(t *testing.T, input CreateBallotInput) Ballot {
	t.Helper()
	ballot, err := e.service.CreateBallot(context.Background(), input, "admin-1")
	if err != nil {
		t.Fatalf("CreateBallot returned error: %v", err)
	}
	return ballot
}

func TestCreateBallotValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateBallotInput
	}{
		{"one option without open text", CreateBallotInput{Title: "vote", Options: []string{"A"}, StartISO: "2026-03-01T09:00", EndISO: "2026-03-01T18:00"}},
		{"duplicate options collapse below minimum", CreateBallotInput{Title: "vote", Options: []string{"A", " A "}, StartISO: "2026-03-01T09:00", EndISO: "2026-03-01T18:00"}},
		{"end before start", CreateBallotInput{Title: "vote", Options: []string{"A", "B"}, StartISO: "2026-03-01T18:00", EndISO: "2026-03-01T09:00"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.service.CreateBallot(ctx, tc.input, "admin-1"); !domain.IsValidation(err) {
				t.Fatalf("expected ValidationError, got: %v", err)
			}
		})
	}
}

func TestCreateBallotOpenTextOnly(t *testing.T) {
	env := newTestEnv(t)
	input := baseInput()
	input.Options = nil
	input.Flags.AllowOpenText = true
	ballot := env.createBallot(t, input)

	if ballot.OpenTextLabel != DefaultOpenTextLabel {
		t.Fatalf("expected default open text label, got %q", ballot.OpenTextLabel)
	}
}

func TestCastVoteChangePolicy(t *testing.T) {
	env := newTestEnv(t)
	ballot := env.createBallot(t, baseInput())
	ctx := context.Background()

	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "B", ""); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for vote change, got: %v", err)
	}

	tally, err := env.service.TallyBallot(ctx, ballot.ID, false)
	if err != nil {
		t.Fatalf("TallyBallot returned error: %v", err)
	}
	if tally.Counts["A"] != 1 || tally.Counts["B"] != 0 {
		t.Fatalf("tally must still report the first vote, got %v", tally.Counts)
	}
}

func TestCastVoteChangeAllowedCountsOnce(t *testing.T) {
	env := newTestEnv(t)
	input := baseInput()
	input.Flags.AllowChangeVote = true
	ballot := env.createBallot(t, input)
	ctx := context.Background()

	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	env.clock.Advance(time.Minute)
	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "B", ""); err != nil {
		t.Fatalf("changed vote failed: %v", err)
	}

	tally, err := env.service.TallyBallot(ctx, ballot.ID, false)
	if err != nil {
		t.Fatalf("TallyBallot returned error: %v", err)
	}
	if tally.TotalVoters != 1 {
		t.Fatalf("user must count exactly once, got %d voters", tally.TotalVoters)
	}
	if tally.Counts["B"] != 1 || tally.Counts["A"] != 0 {
		t.Fatalf("later vote must win, got %v", tally.Counts)
	}
}

func TestCastVoteValidation(t *testing.T) {
	env := newTestEnv(t)
	ballot := env.createBallot(t, baseInput())
	ctx := context.Background()

	cases := []struct {
		name     string
		option   string
		openText string
	}{
		{"neither", "", ""},
		{"both", "A", "something"},
		{"unknown option", "C", ""},
		{"open text not allowed", "", "free answer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, tc.option, tc.openText); !domain.IsValidation(err) {
				t.Fatalf("expected ValidationError, got: %v", err)
			}
		})
	}
}

func TestCastVoteWindow(t *testing.T) {
	env := newTestEnv(t)
	ballot := env.createBallot(t, baseInput())
	ctx := context.Background()

	env.clock.Set(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); !domain.IsWindow(err) {
		t.Fatalf("expected WindowError, got: %v", err)
	}

	input := baseInput()
	input.Flags.AllowOutOfWindow = true
	exempt := env.createBallot(t, input)
	if _, err := env.service.CastVote(ctx, "user-1", exempt.ID, "A", ""); err != nil {
		t.Fatalf("out-of-window vote on exempt ballot failed: %v", err)
	}
}

func TestEditBallotOptionsFrozenAfterVote(t *testing.T) {
	env := newTestEnv(t)
	ballot := env.createBallot(t, baseInput())
	ctx := context.Background()

	// Before any vote the options may change.
	options := []string{"A", "B", "C"}
	edited, err := env.service.EditBallot(ctx, ballot.ID, EditBallotPatch{Options: &options}, "admin-1")
	if err != nil {
		t.Fatalf("EditBallot returned error: %v", err)
	}
	if len(edited.Options) != 3 {
		t.Fatalf("options not applied: %v", edited.Options)
	}

	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "C", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	shrunk := []string{"A", "B"}
	if _, err := env.service.EditBallot(ctx, ballot.ID, EditBallotPatch{Options: &shrunk}, "admin-1"); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict after votes exist, got: %v", err)
	}

	// Unrelated fields stay editable.
	title := "amended election"
	if _, err := env.service.EditBallot(ctx, ballot.ID, EditBallotPatch{Title: &title}, "admin-1"); err != nil {
		t.Fatalf("title edit after votes failed: %v", err)
	}
}

func TestTallyQuorum(t *testing.T) {
	env := newTestEnv(t)
	input := baseInput()
	quorum := 2
	input.QuorumMinimum = &quorum
	ballot := env.createBallot(t, input)
	ctx := context.Background()

	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	tally, err := env.service.TallyBallot(ctx, ballot.ID, false)
	if err != nil {
		t.Fatalf("TallyBallot returned error: %v", err)
	}
	if tally.QuorumMet == nil || *tally.QuorumMet {
		t.Fatalf("quorum must not be met with 1 of 2 voters, got %v", tally.QuorumMet)
	}

	if _, err := env.service.CastVote(ctx, "user-2", ballot.ID, "B", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	tally, err = env.service.TallyBallot(ctx, ballot.ID, false)
	if err != nil {
		t.Fatalf("TallyBallot returned error: %v", err)
	}
	if tally.QuorumMet == nil || !*tally.QuorumMet {
		t.Fatalf("quorum must be met with 2 voters, got %v", tally.QuorumMet)
	}

	// Without a configured quorum the flag stays unset.
	plain := env.createBallot(t, baseInput())
	tally, err = env.service.TallyBallot(ctx, plain.ID, false)
	if err != nil {
		t.Fatalf("TallyBallot returned error: %v", err)
	}
	if tally.QuorumMet != nil {
		t.Fatalf("quorum flag must be unset without a minimum, got %v", *tally.QuorumMet)
	}
}

func TestTallyGroupsOpenTextCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	input := baseInput()
	input.Options = nil
	input.Flags.AllowOpenText = true
	ballot := env.createBallot(t, input)
	ctx := context.Background()

	answers := map[string]string{
		"user-1": "Remote",
		"user-2": "remote",
		"user-3": "REMOTE",
		"user-4": "on site",
	}
	for user, answer := range answers {
		if _, err := env.service.CastVote(ctx, user, ballot.ID, "", answer); err != nil {
			t.Fatalf("vote for %s failed: %v", user, err)
		}
	}

	tally, err := env.service.TallyBallot(ctx, ballot.ID, false)
	if err != nil {
		t.Fatalf("TallyBallot returned error: %v", err)
	}
	if len(tally.OpenAnswers) != 2 {
		t.Fatalf("expected 2 grouped answers, got %+v", tally.OpenAnswers)
	}
	if tally.OpenAnswers[0].Count != 3 {
		t.Fatalf("expected most frequent answer first, got %+v", tally.OpenAnswers)
	}
	if tally.OpenAnswers[0].Text != "remote" {
		t.Fatalf("expected lowercased group text, got %q", tally.OpenAnswers[0].Text)
	}
	if tally.TotalVoters != 4 {
		t.Fatalf("expected 4 voters, got %d", tally.TotalVoters)
	}
}

func TestSecretBallotNeverExposesDetail(t *testing.T) {
	env := newTestEnv(t)
	input := baseInput()
	input.Flags.Secret = true
	ballot := env.createBallot(t, input)
	ctx := context.Background()

	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	tally, err := env.service.TallyBallot(ctx, ballot.ID, true)
	if err != nil {
		t.Fatalf("TallyBallot returned error: %v", err)
	}
	if tally.Detail != nil {
		t.Fatalf("secret ballot leaked detail: %+v", tally.Detail)
	}
	if _, err := env.service.Participants(ctx, ballot.ID); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected refusal on secret participants listing, got: %v", err)
	}
}

func TestTallyDetailForNonSecretBallot(t *testing.T) {
	env := newTestEnv(t)
	ballot := env.createBallot(t, baseInput())
	ctx := context.Background()

	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	tally, err := env.service.TallyBallot(ctx, ballot.ID, true)
	if err != nil {
		t.Fatalf("TallyBallot returned error: %v", err)
	}
	if len(tally.Detail) != 1 || tally.Detail[0].UserID != "user-1" || tally.Detail[0].Option != "A" {
		t.Fatalf("unexpected detail: %+v", tally.Detail)
	}
}

func TestMyVotesReturnsLatestPerBallot(t *testing.T) {
	env := newTestEnv(t)
	first := env.createBallot(t, baseInput())
	input := baseInput()
	input.Title = "budget approval"
	input.Flags.AllowChangeVote = true
	second := env.createBallot(t, input)
	ctx := context.Background()

	if _, err := env.service.CastVote(ctx, "user-1", first.ID, "A", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if _, err := env.service.CastVote(ctx, "user-1", second.ID, "A", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	env.clock.Advance(time.Minute)
	if _, err := env.service.CastVote(ctx, "user-1", second.ID, "B", ""); err != nil {
		t.Fatalf("changed vote failed: %v", err)
	}

	votes, err := env.service.MyVotes(ctx, "user-1")
	if err != nil {
		t.Fatalf("MyVotes returned error: %v", err)
	}
	if len(votes) != 2 {
		t.Fatalf("expected one vote per ballot, got %d", len(votes))
	}
	for _, vote := range votes {
		if vote.BallotID == second.ID && vote.Option != "B" {
			t.Fatalf("expected latest vote B, got %q", vote.Option)
		}
	}
}

func TestExportCSVAggregate(t *testing.T) {
	env := newTestEnv(t)
	input := baseInput()
	input.Flags.Secret = true
	ballot := env.createBallot(t, input)
	ctx := context.Background()

	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	// Detail requested, but secrecy forces the aggregate form.
	data, err := env.service.ExportCSV(ctx, ballot.ID, true)
	if err != nil {
		t.Fatalf("ExportCSV returned error: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "section,value,count") {
		t.Fatalf("expected aggregate header, got:\n%s", out)
	}
	if strings.Contains(out, "user-1") {
		t.Fatalf("secret export leaked voter id:\n%s", out)
	}
	if !strings.Contains(out, "option,A,1") {
		t.Fatalf("expected option count row, got:\n%s", out)
	}
}

func TestExportCSVDetailListsVoters(t *testing.T) {
	env := newTestEnv(t)
	input := baseInput()
	input.Flags.AllowOpenText = true
	ballot := env.createBallot(t, input)
	ctx := context.Background()

	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if _, err := env.service.CastVote(ctx, "user-2", ballot.ID, "", "remote"); err != nil {
		t.Fatalf("open text vote failed: %v", err)
	}

	data, err := env.service.ExportCSV(ctx, ballot.ID, true)
	if err != nil {
		t.Fatalf("ExportCSV returned error: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "user_id,option,open_text,ts_iso") {
		t.Fatalf("expected detail header, got:\n%s", out)
	}
	if !strings.Contains(out, "user-1,A,,2026-03-01T10:00+00:00") {
		t.Fatalf("expected option row for user-1, got:\n%s", out)
	}
	if !strings.Contains(out, "user-2,,remote,2026-03-01T10:00+00:00") {
		t.Fatalf("expected open text row for user-2, got:\n%s", out)
	}
}

func TestDeleteAndRestoreBallot(t *testing.T) {
	env := newTestEnv(t)
	ballot := env.createBallot(t, baseInput())
	ctx := context.Background()

	if _, err := env.service.DeleteBallot(ctx, ballot.ID, "admin-1"); err != nil {
		t.Fatalf("DeleteBallot returned error: %v", err)
	}
	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on deleted ballot, got: %v", err)
	}
	ballots, err := env.service.ListBallots(ctx)
	if err != nil {
		t.Fatalf("ListBallots returned error: %v", err)
	}
	if len(ballots) != 0 {
		t.Fatalf("deleted ballot must not be listed, got %d", len(ballots))
	}

	if _, err := env.service.RestoreBallot(ctx, ballot.ID, "admin-1"); err != nil {
		t.Fatalf("RestoreBallot returned error: %v", err)
	}
	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); err != nil {
		t.Fatalf("vote after restore failed: %v", err)
	}
}

func TestCloseBallot(t *testing.T) {
	env := newTestEnv(t)
	ballot := env.createBallot(t, baseInput())
	ctx := context.Background()

	env.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	closed, err := env.service.CloseBallot(ctx, ballot.ID, "admin-1")
	if err != nil {
		t.Fatalf("CloseBallot returned error: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Fatalf("expected closed status, got %q", closed.Status)
	}
	if closed.EndTS != env.clock.Now().Unix() {
		t.Fatalf("expected end pulled to now, got %d", closed.EndTS)
	}

	if _, err := env.service.CloseBallot(ctx, ballot.ID, "admin-1"); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict on second close, got: %v", err)
	}
	if _, err := env.service.CastVote(ctx, "user-1", ballot.ID, "A", ""); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict after close, got: %v", err)
	}
}

func TestCloseNowBeforeStartKeepsEndAfterStart(t *testing.T) {
	env := newTestEnv(t)
	ballot := env.createBallot(t, baseInput())
	ctx := context.Background()

	// Clock still before the ballot window opens.
	env.clock.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	closed, err := env.service.EditBallot(ctx, ballot.ID, EditBallotPatch{CloseNow: true}, "admin-1")
	if err != nil {
		t.Fatalf("EditBallot returned error: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Fatalf("expected closed status, got %q", closed.Status)
	}
	if closed.EndTS != closed.StartTS+60 {
		t.Fatalf("expected end bumped to start+60, got start=%d end=%d", closed.StartTS, closed.EndTS)
	}
}
