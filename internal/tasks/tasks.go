package tasks

import "time"

// Type discriminates the task variants carried on the queue.
type Type string

const (
	TypeStart Type = "session.start"
	TypeStop  Type = "session.stop"
)

// StartPayload asks the lifecycle controller to drive a PENDING session to
// RUNNING.
type StartPayload struct {
	SessionID string `json:"session_id"`
}

// StopPayload asks for an explicit stop. ContainerRef is a hint for the case
// where the reference was lost before being persisted; it may be empty.
type StopPayload struct {
	SessionID    string `json:"session_id"`
	ContainerRef string `json:"container_ref,omitempty"`
}

// Envelope is the wire form of a task. Exactly one payload field is set,
// selected by Type; consumers switch on Type so an unhandled variant is an
// explicit branch, not a silent drop.
type Envelope struct {
	Type      Type          `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Start     *StartPayload `json:"start,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
}
