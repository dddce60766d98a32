package messages

import "time"

// StateChanged is published for every committed ledger entry.
type StateChanged struct {
	EventID     string    `json:"event_id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   int64     `json:"subject_id"`
	Field       string    `json:"field"`
	OldValue    *string   `json:"old_value,omitempty"`
	NewValue    string    `json:"new_value"`
	ChangedAt   time.Time `json:"changed_at"`
	ActorID     *int64    `json:"actor_id,omitempty"`

	// Set for package subjects so consumers can address the tracking-number view.
	TrackingNumber string `json:"tracking_number,omitempty"`
}
