package models

import "time"

type SubjectType string

const (
	SubjectTicket  SubjectType = "ticket"
	SubjectPackage SubjectType = "package"
	SubjectTrip    SubjectType = "trip"
)

// ChangeField tells state changes apart from seat reassignments in the ledger.
type ChangeField string

const (
	ChangeFieldState ChangeField = "state"
	ChangeFieldSeat  ChangeField = "seat"
)

type HistoryEntry struct {
	ID          int64       `json:"id"`
	SubjectType SubjectType `json:"subject_type"`
	SubjectID   int64       `json:"subject_id"`
	Field       ChangeField `json:"field"`
	OldValue    *string     `json:"old_value,omitempty"`
	NewValue    string      `json:"new_value"`
	ChangedAt   time.Time   `json:"changed_at"`
	ActorID     *int64      `json:"actor_id,omitempty"`
}
