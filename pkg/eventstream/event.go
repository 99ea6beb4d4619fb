package eventstream

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeTurnPersisted is emitted after a transcript turn is persisted.
	EventTypeTurnPersisted = "counsel.turn.persisted"

	// EventTypeCaseCreated is emitted after a new case is created.
	EventTypeCaseCreated = "counsel.case.created"

	// EventTypeUserFlagsChanged is emitted after an admin changes account flags.
	EventTypeUserFlagsChanged = "counsel.user.flags_changed"
)

// Event is the transport-neutral envelope for every stream payload. Exactly
// one of Turn or Flags is set, according to EventType.
type Event struct {
	SchemaVersion int        `json:"schema_version"`
	EventType     string     `json:"event_type"`
	EventID       string     `json:"event_id"`
	EmittedAt     time.Time  `json:"emitted_at"`
	CaseUID       string     `json:"case_uid,omitempty"`
	UserID        int64      `json:"user_id"`
	Turn          *TurnMeta  `json:"turn,omitempty"`
	Flags         *UserFlags `json:"flags,omitempty"`
}

// TurnMeta describes one persisted transcript turn.
type TurnMeta struct {
	Role       string    `json:"role"`
	Chars      int       `json:"chars"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// UserFlags captures the account flags after an admin change.
type UserFlags struct {
	Active     bool `json:"active"`
	Subscribed bool `json:"subscribed"`
}

// NewTurnPersisted builds a turn-persisted event for a case transcript.
func NewTurnPersisted(caseUID string, userID int64, turn TurnMeta) *Event {
	event := newEvent(EventTypeTurnPersisted, userID)
	event.CaseUID = caseUID
	event.Turn = &turn

	return event
}

// NewCaseCreated builds a case-created event.
func NewCaseCreated(caseUID string, userID int64) *Event {
	event := newEvent(EventTypeCaseCreated, userID)
	event.CaseUID = caseUID

	return event
}

// NewUserFlagsChanged builds a flags-changed event for an account.
func NewUserFlagsChanged(userID int64, flags UserFlags) *Event {
	event := newEvent(EventTypeUserFlagsChanged, userID)
	event.Flags = &flags

	return event
}

// Key returns the partition key for the event. Events that belong to one
// case share a key so their relative order survives partitioning; account
// events key on the user instead.
func (e *Event) Key() string {
	if e.CaseUID != "" {
		return e.CaseUID
	}

	return strconv.FormatInt(e.UserID, 10)
}

func newEvent(eventType string, userID int64) *Event {
	return &Event{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.New().String(),
		EmittedAt:     time.Now().UTC(),
		UserID:        userID,
	}
}
