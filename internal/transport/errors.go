package transport

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass groups bot API failures by how the caller should react.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassTransient failures are retried by a later cycle.
	ClassTransient
	// ClassPermission failures are recorded and never retried automatically.
	ClassPermission
	// ClassEditRejected means the message cannot be edited in place.
	ClassEditRejected
	// ClassNotFound means the target message or chat no longer exists.
	ClassNotFound
	// ClassNotModified means an edit carried identical content.
	ClassNotModified
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	case ClassEditRejected:
		return "edit_rejected"
	case ClassNotFound:
		return "not_found"
	case ClassNotModified:
		return "not_modified"
	default:
		return "unknown"
	}
}

var (
	ErrEditRejected = errors.New("edit rejected")
	ErrPermission   = errors.New("permission denied")
	ErrNotFound     = errors.New("message not found")
)

var classMarkers = []struct {
	class   ErrorClass
	markers []string
}{
	{ClassNotModified, []string{"message is not modified"}},
	{ClassEditRejected, []string{
		"message can't be edited",
		"there is no text in the message to edit",
		"there is no caption in the message to edit",
		"there is no media in the message to edit",
		"wrong type of the web page content",
	}},
	{ClassNotFound, []string{
		"message to edit not found",
		"message to delete not found",
		"message to copy not found",
		"message to pin not found",
		"message not found",
		"message_id_invalid",
	}},
	{ClassPermission, []string{
		"forbidden",
		"not enough rights",
		"chat not found",
		"chat_admin_required",
		"need administrator rights",
		"have no rights",
		"bot is not a member",
		"bot was kicked",
		"channel_private",
	}},
}

// Classify maps an adapter error to its class. Unknown errors, timeouts and
// rate limits are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrEditRejected):
		return ClassEditRejected
	case errors.Is(err, ErrPermission):
		return ClassPermission
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, cm := range classMarkers {
		for _, m := range cm.markers {
			if strings.Contains(msg, m) {
				return cm.class
			}
		}
	}
	return ClassTransient
}

// Retryable reports whether a later cycle may succeed where err failed.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
