package queue

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when no mutation has the requested id.
	ErrNotFound = errors.New("mutation not found")
	// ErrNotDeadLetter is returned when a dead-letter operation targets a pending mutation.
	ErrNotDeadLetter = errors.New("mutation is not a dead letter")
	// ErrInvalidKind is returned by Enqueue for an unknown kind.
	ErrInvalidKind = errors.New("invalid mutation kind")
	// ErrInvalidPayload is returned by Enqueue when the payload is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")
)

// DefaultMaxRetries is the number of delivery attempts before a mutation
// becomes a dead letter.
const DefaultMaxRetries = 3

// Kind identifies the remote operation a mutation performs.
type Kind string

const (
	KindCreateIssue      Kind = "create_issue"
	KindCreateInspection Kind = "create_inspection"
	KindCreateTraining   Kind = "create_training"
	KindConfirmTraining  Kind = "confirm_training"
)

// Kinds returns every supported kind.
func Kinds() []Kind {
	return []Kind{KindCreateIssue, KindCreateInspection, KindCreateTraining, KindConfirmTraining}
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

// FailureClass tells the queue whether a failed attempt may be retried.
type FailureClass string

const (
	ClassRetryable FailureClass = "retryable"
	ClassPermanent FailureClass = "permanent"
)

// FailureDetail describes why a delivery attempt failed. It is kept on the
// mutation so dead letters can show the reason to the user.
type FailureDetail struct {
	Class   FailureClass `json:"class"`
	Status  int          `json:"status,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
}

// Status is derived from RetryCount and never stored.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDeadLetter Status = "dead_letter"
)

// PendingMutation is one write that the server has not confirmed yet.
type PendingMutation struct {
	ID                  string            `json:"id"`
	Kind                Kind              `json:"kind"`
	Payload             json.RawMessage   `json:"payload"`
	Attachments         []string          `json:"attachments"`
	ResolvedAttachments map[string]string `json:"resolved_attachments"`
	DependsOn           []string          `json:"depends_on"`
	CreatedAt           time.Time         `json:"created_at"`
	RetryCount          int               `json:"retry_count"`
	LastAttemptAt       *time.Time        `json:"last_attempt_at"`
	LastError           *FailureDetail    `json:"last_error"`
}

// Status returns StatusDeadLetter once RetryCount reaches maxRetries.
func (m PendingMutation) Status(maxRetries int) Status {
	if m.RetryCount >= maxRetries {
		return StatusDeadLetter
	}
	return StatusPending
}

// UnresolvedAttachments returns the attachment references not uploaded yet,
// in their original order.
func (m PendingMutation) UnresolvedAttachments() []string {
	var out []string
	for _, ref := range m.Attachments {
		if _, ok := m.ResolvedAttachments[ref]; !ok {
			out = append(out, ref)
		}
	}
	return out
}

// clone returns a copy that shares no mutable state with m.
func (m PendingMutation) clone() PendingMutation {
	c := m
	c.Payload = slices.Clone(m.Payload)
	c.Attachments = slices.Clone(m.Attachments)
	c.DependsOn = slices.Clone(m.DependsOn)
	c.ResolvedAttachments = maps.Clone(m.ResolvedAttachments)
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if m.LastError != nil {
		d := *m.LastError
		c.LastError = &d
	}
	return c
}

// Stats holds the badge counts shown to the user.
type Stats struct {
	Pending    int `json:"pending"`
	DeadLetter int `json:"dead_letters"`
}
