package voting

// Status is the lifecycle state of a ballot, symmetric to activities: closed
// only moves forward, deletion is a reversible soft toggle.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusDeleted Status = "deleted"
)

// DefaultOpenTextLabel captions the free-text answer group when the ballot
// does not set its own label.
const DefaultOpenTextLabel = "Open answer"

// Ballot is a vote definition. Options are ordered, de-duplicated, non-empty
// strings and become immutable once any vote exists.
type Ballot struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      *string  `json:"description,omitempty"`
	Options          []string `json:"options"`
	StartISO         string   `json:"start_iso"`
	StartTS          int64    `json:"start_ts"`
	EndISO           string   `json:"end_iso"`
	EndTS            int64    `json:"end_ts"`
	AllowChangeVote  bool     `json:"allow_change_vote"`
	AllowOutOfWindow bool     `json:"allow_out_of_window"`
	Secret           bool     `json:"secret"`
	AllowOpenText    bool     `json:"allow_open_text"`
	OpenTextLabel    string   `json:"open_text_label,omitempty"`
	QuorumMinimum    *int     `json:"quorum_minimum,omitempty"`
	Status           Status   `json:"status"`
	CreatedBy        string   `json:"created_by"`
	CreatedAt        int64    `json:"created_at"`
}

// VoteEvent is one cast ballot appended to the vote log. Exactly one of
// Option and OpenText is set. The latest event per user is authoritative;
// earlier events are never deleted.
type VoteEvent struct {
	ID       string `json:"id"`
	BallotID string `json:"ballot_id"`
	UserID   string `json:"user_id"`
	Option   string `json:"option,omitempty"`
	OpenText string `json:"open_text,omitempty"`
	TS       int64  `json:"ts"`
}

// OpenAnswer is one group of free-text answers, matched case-insensitively.
type OpenAnswer struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// VoteDetail is one voter's authoritative vote, only ever exposed for
// non-secret ballots.
type VoteDetail struct {
	UserID   string `json:"user_id"`
	Option   string `json:"option,omitempty"`
	OpenText string `json:"open_text,omitempty"`
	TS       int64  `json:"ts"`
}

// Tally is the derived result of a ballot. It is recomputed from the vote
// log on every call and never persisted as authoritative.
type Tally struct {
	BallotID      string         `json:"ballot_id"`
	Title         string         `json:"title"`
	Secret        bool           `json:"secret"`
	OpenTextLabel string         `json:"open_text_label,omitempty"`
	Counts        map[string]int `json:"counts"`
	OpenAnswers   []OpenAnswer   `json:"open_answers"`
	TotalVoters   int            `json:"total_voters"`
	QuorumMinimum *int           `json:"quorum_minimum,omitempty"`
	QuorumMet     *bool          `json:"quorum_met,omitempty"`
	Detail        []VoteDetail   `json:"detail,omitempty"`
}

// BallotFlags groups the behavioral switches of a ballot.
type BallotFlags struct {
	AllowChangeVote  bool
	AllowOutOfWindow bool
	Secret           bool
	AllowOpenText    bool
}

// CreateBallotInput carries the fields accepted when creating a ballot.
type CreateBallotInput struct {
	Title         string
	Description   *string
	Options       []string
	StartISO      string
	EndISO        string
	Flags         BallotFlags
	QuorumMinimum *int
	OpenTextLabel string
}

// EditBallotPatch applies only the fields that are non-nil. CloseNow pulls
// the end forward to now, never landing at or before the start.
type EditBallotPatch struct {
	Title            *string
	Description      *string
	Options          *[]string
	StartISO         *string
	EndISO           *string
	AllowChangeVote  *bool
	AllowOutOfWindow *bool
	Secret           *bool
	AllowOpenText    *bool
	OpenTextLabel    *string
	QuorumMinimum    *int
	ClearQuorum      bool
	CloseNow         bool
}
