package models

import "time"

type OutboxEvent struct {
	ID            int64
	EventID       string
	Topic         string
	Key           string
	Payload       []byte
	Attempts      int32
	NextAttemptAt time.Time
	PublishedAt   *time.Time
	LastError     *string
	CreatedAt     time.Time
}
