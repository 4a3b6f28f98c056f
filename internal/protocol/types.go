package protocol

import "github.com/kvlar/examsync/internal/model"

// Message types. Requests pair with responses by name, not correlation id.
const (
	TypeProgressUpdate    = "progress:update"
	TypeProgressUpdateAck = "progress:update:result"
	TypeProgressGet       = "progress:get"
	TypeProgressData      = "progress:data"
	TypeProgressReset     = "progress:reset"
	TypeProgressResetAck  = "progress:reset:result"
	TypeCheckAccess       = "questionSet:checkAccess"
	TypeAccessUpdate      = "questionSet:accessUpdate"
	TypeCheckAccessBatch  = "questionSet:checkAccessBatch"
	TypeBatchAccessResult = "questionSet:batchAccessResult"
	TypeQuestionSetUpdate = "questionSet:update" // server-pushed, unsolicited
)

// responseFor maps a request type to the response type that answers it.
var responseFor = map[string]string{
	TypeProgressUpdate:   TypeProgressUpdateAck,
	TypeProgressGet:      TypeProgressData,
	TypeProgressReset:    TypeProgressResetAck,
	TypeCheckAccess:      TypeAccessUpdate,
	TypeCheckAccessBatch: TypeBatchAccessResult,
}

// ResponseFor returns the response type paired with a request type, if any.
func ResponseFor(requestType string) (string, bool) {
	r, ok := responseFor[requestType]
	return r, ok
}

// Known reports whether t is part of the closed message set.
func Known(t string) bool {
	switch t {
	case TypeProgressUpdate, TypeProgressUpdateAck, TypeProgressGet, TypeProgressData,
		TypeProgressReset, TypeProgressResetAck, TypeCheckAccess, TypeAccessUpdate,
		TypeCheckAccessBatch, TypeBatchAccessResult, TypeQuestionSetUpdate:
		return true
	}
	return false
}

// AckPayload answers progress:update.
type AckPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ProgressUpdatePayload carries a full snapshot push.
type ProgressUpdatePayload struct {
	UserID    string                  `json:"userId"`
	ContentID string                  `json:"contentId"`
	Snapshot  *model.ProgressSnapshot `json:"snapshot"`
}

// ProgressGetPayload requests the server-side snapshot.
type ProgressGetPayload struct {
	UserID    string `json:"userId"`
	ContentID string `json:"contentId"`
}

// ProgressDataPayload answers progress:get. Snapshot is nil when the server
// holds nothing for this (user, content).
type ProgressDataPayload struct {
	UserID    string                  `json:"userId"`
	ContentID string                  `json:"contentId"`
	Snapshot  *model.ProgressSnapshot `json:"snapshot"`
}

// ProgressResetPayload requests server-side deletion of a snapshot.
type ProgressResetPayload struct {
	UserID    string `json:"userId"`
	ContentID string `json:"contentId"`
}

// ResetResultPayload answers progress:reset.
type ResetResultPayload struct {
	Success bool `json:"success"`
}

// CheckAccessPayload requests a single entitlement re-check.
type CheckAccessPayload struct {
	UserID    string `json:"userId"`
	ContentID string `json:"contentId"`
}

// AccessUpdatePayload answers questionSet:checkAccess and also arrives
// unsolicited when entitlements change server-side.
type AccessUpdatePayload struct {
	ContentID string             `json:"contentId"`
	Signal    model.AccessSignal `json:"signal"`
}

// CheckAccessBatchPayload requests entitlement checks for a collection in one
// round trip.
type CheckAccessBatchPayload struct {
	UserID     string   `json:"userId"`
	ContentIDs []string `json:"contentIds"`
}

// BatchAccessResultPayload answers questionSet:checkAccessBatch.
type BatchAccessResultPayload struct {
	Results map[string]model.AccessSignal `json:"results"`
}

// QuestionSetUpdatePayload is a server-pushed content change notice.
type QuestionSetUpdatePayload struct {
	ContentID string              `json:"contentId"`
	Signal    *model.AccessSignal `json:"signal,omitempty"`
}
