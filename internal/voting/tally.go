package voting

import (
	"context"
	"sort"
	"strings"
)

// TallyBallot recomputes a ballot's result from its vote log. Per-user
// detail is included only when requested and the ballot is not secret; the
// engine enforces anonymity regardless of caller.
func (s *Service) TallyBallot(ctx context.Context, ballotID string, includeDetail bool) (Tally, error) {
	ballot, err := s.GetBallot(ctx, ballotID)
	if err != nil {
		return Tally{}, err
	}
	latest, err := s.latestVotes(ballotID)
	if err != nil {
		return Tally{}, err
	}

	counts := make(map[string]int, len(ballot.Options))
	for _, option := range ballot.Options {
		counts[option] = 0
	}

	// Open answers group by case-insensitive exact match and are reported
	// under the lowercased text.
	openCounts := make(map[string]int)

	for _, vote := range latest {
		if vote.Option != "" {
			if _, ok := counts[vote.Option]; ok {
				counts[vote.Option]++
			}
			continue
		}
		text := strings.TrimSpace(vote.OpenText)
		if text == "" {
			continue
		}
		openCounts[strings.ToLower(text)]++
	}

	openAnswers := make([]OpenAnswer, 0, len(openCounts))
	for key, count := range openCounts {
		openAnswers = append(openAnswers, OpenAnswer{Text: key, Count: count})
	}
	sort.Slice(openAnswers, func(i, j int) bool {
		if openAnswers[i].Count == openAnswers[j].Count {
			return openAnswers[i].Text < openAnswers[j].Text
		}
		return openAnswers[i].Count > openAnswers[j].Count
	})

	totalVoters := 0
	for _, count := range counts {
		totalVoters += count
	}
	for _, answer := range openAnswers {
		totalVoters += answer.Count
	}

	tally := Tally{
		BallotID:      ballot.ID,
		Title:         ballot.Title,
		Secret:        ballot.Secret,
		OpenTextLabel: ballot.OpenTextLabel,
		Counts:        counts,
		OpenAnswers:   openAnswers,
		TotalVoters:   totalVoters,
		QuorumMinimum: ballot.QuorumMinimum,
	}
	if ballot.QuorumMinimum != nil {
		met := totalVoters >= *ballot.QuorumMinimum
		tally.QuorumMet = &met
	}
	if includeDetail && !ballot.Secret {
		tally.Detail = sortedDetail(latest)
	}
	return tally, nil
}
