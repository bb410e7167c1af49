package attendance

// Status is the lifecycle state of an activity. Transitions are monotone
// (open to closed only moves forward) except the reversible soft delete.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusDeleted Status = "deleted"
)

// Activity is a trackable meeting or session. Times are stored as canonical
// (iso, epoch) pairs in the panel timezone.
type Activity struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	StartISO           string  `json:"start_iso"`
	StartTS            int64   `json:"start_ts"`
	EndISO             string  `json:"end_iso"`
	EndTS              int64   `json:"end_ts"`
	Location           *string `json:"location,omitempty"`
	WindowBeforeMin    int     `json:"window_before_min"`
	WindowAfterMin     int     `json:"window_after_min"`
	AllowOutsideWindow bool    `json:"allow_outside_window"`
	AccessCodeHash     string  `json:"access_code_hash,omitempty"`
	AutoRegister       bool    `json:"auto_register"`
	Status             Status  `json:"status"`
	CreatedBy          string  `json:"created_by"`
	CreatedAt          int64   `json:"created_at"`
}

// HasAccessCode reports whether this activity uses code-based check-in.
func (a Activity) HasAccessCode() bool {
	return a.AccessCodeHash != ""
}

// CheckAction distinguishes presence signals.
type CheckAction string

const (
	CheckIn  CheckAction = "in"
	CheckOut CheckAction = "out"
)

// CheckEvent is one presence signal appended to an activity's check log.
type CheckEvent struct {
	ID         string      `json:"id"`
	ActivityID string      `json:"activity_id"`
	UserID     string      `json:"user_id"`
	Action     CheckAction `json:"action"`
	TS         int64       `json:"ts"`
}

// AdjustmentKind classifies manual corrections to a participant's total.
type AdjustmentKind string

const (
	// AdjustDelta adds or subtracts seconds, floored at zero.
	AdjustDelta AdjustmentKind = "delta"
	// AdjustSetTotal overwrites the computed total.
	AdjustSetTotal AdjustmentKind = "set_total"
	// AdjustRemoved sets or clears the participant's exclusion flag.
	AdjustRemoved AdjustmentKind = "removed"
)

// AdjustmentEvent is a manual correction appended to an activity's adjustment
// log. Corrections never mutate history, they extend it.
type AdjustmentEvent struct {
	ID         string         `json:"id"`
	ActivityID string         `json:"activity_id"`
	UserID     string         `json:"user_id"`
	Kind       AdjustmentKind `json:"kind"`
	Seconds    int64          `json:"seconds,omitempty"`
	Removed    bool           `json:"removed,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         int64          `json:"ts"`
}

// ParticipantTotal is the derived presence record for one (activity, user)
// pair. It is always reproducible by folding the check log and then the
// adjustment log, and is never the source of truth.
type ParticipantTotal struct {
	UserID  string `json:"user_id"`
	Seconds int64  `json:"seconds"`
	Removed bool   `json:"removed"`
}

// Ledger is the cached fold result persisted next to the event logs. It may
// be discarded and rebuilt from history at any time.
type Ledger struct {
	ActivityID string             `json:"activity_id"`
	UpdatedAt  int64              `json:"updated_at"`
	Entries    []ParticipantTotal `json:"entries"`
}

// CreateActivityInput carries the fields accepted when creating an activity.
type CreateActivityInput struct {
	Title              string
	StartISO           string
	EndISO             string
	Location           *string
	WindowBeforeMin    int
	WindowAfterMin     int
	AllowOutsideWindow bool
	WithAccessCode     bool
	AutoRegister       bool
}

// EditActivityPatch applies only the fields that are non-nil.
type EditActivityPatch struct {
	Title              *string
	StartISO           *string
	EndISO             *string
	Location           *string
	WindowBeforeMin    *int
	WindowAfterMin     *int
	AllowOutsideWindow *bool
	AutoRegister       *bool
}

// CheckResult reports the outcome of a check-in attempt. Pending results
// carry the approval request id instead of a recorded event.
type CheckResult struct {
	Pending   bool        `json:"pending"`
	RequestID string      `json:"request_id,omitempty"`
	Check     *CheckEvent `json:"check,omitempty"`
}
