package gateway

import (
	"encoding/json"

	"github.com/kalambet/fieldsync/internal/queue"
)

// Class is the result category of one gateway call.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassRetryable Class = "retryable"
	ClassPermanent Class = "permanent"
)

// Outcome describes how the backend answered. Failures are values, not
// errors: the dispatcher only needs to know how to update the queue.
type Outcome struct {
	Class    Class
	Status   int
	Code     string
	Message  string
	ServerID string
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool {
	return o.Class == ClassSuccess
}

// Failure converts a failed outcome into the detail stored on the mutation.
func (o Outcome) Failure() queue.FailureDetail {
	class := queue.ClassRetryable
	if o.Class == ClassPermanent {
		class = queue.ClassPermanent
	}
	return queue.FailureDetail{
		Class:   class,
		Status:  o.Status,
		Code:    o.Code,
		Message: o.Message,
	}
}

// Request is one mutation delivery.
type Request struct {
	IdempotencyKey string
	Kind           queue.Kind
	Payload        json.RawMessage
	AttachmentIDs  []string
}

// File is an attachment ready for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
	Pages       int
}

// errorBody is the backend's structured error shape.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type createdBody struct {
	ID string `json:"id"`
}
