package voting

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/example/assembly-panel/internal/times"
)

// ExportCSV renders a ballot's results as CSV. When detail is requested and
// the ballot is not secret the rows are per user; otherwise an aggregate
// section listing is produced. Secrecy wins over the caller's request.
func (s *Service) ExportCSV(ctx context.Context, ballotID string, includeDetail bool) ([]byte, error) {
	ballot, err := s.GetBallot(ctx, ballotID)
	if err != nil {
		return nil, err
	}

	withDetail := includeDetail && !ballot.Secret
	tally, err := s.TallyBallot(ctx, ballotID, withDetail)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	writer.UseCRLF = true

	if withDetail {
		if err := writer.Write([]string{"user_id", "option", "open_text", "ts_iso"}); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		for _, detail := range tally.Detail {
			row := []string{
				detail.UserID,
				detail.Option,
				detail.OpenText,
				times.FromEpoch(detail.TS, s.zone).ISO,
			}
			if err := writer.Write(row); err != nil {
				return nil, fmt.Errorf("write csv row: %w", err)
			}
		}
	} else {
		if err := writer.Write([]string{"section", "value", "count"}); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		for _, option := range ballot.Options {
			row := []string{"option", option, strconv.Itoa(tally.Counts[option])}
			if err := writer.Write(row); err != nil {
				return nil, fmt.Errorf("write csv row: %w", err)
			}
		}
		for _, answer := range tally.OpenAnswers {
			row := []string{"open", answer.Text, strconv.Itoa(answer.Count)}
			if err := writer.Write(row); err != nil {
				return nil, fmt.Errorf("write csv row: %w", err)
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
