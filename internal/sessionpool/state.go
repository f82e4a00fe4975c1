package sessionpool

import (
	"time"

	"postbot/internal/model"
)

// nextState maps a probe or operation outcome to the session's next state.
func nextState(err error, now time.Time, defaultWait time.Duration) model.SessionUpdate {
	u := model.SessionUpdate{CheckedAt: &now}
	if err == nil {
		u.Status = model.SessionActive
		return u
	}
	kind, code, wait := Classify(err)
	u.LastErrorCode = code
	u.LastErrorAt = &now
	switch kind {
	case FailFlood:
		if wait <= 0 {
			wait = defaultWait
		}
		until := now.Add(wait)
		u.Status = model.SessionTempBlocked
		u.FloodWaitUntil = &until
	case FailAuth:
		u.Status = model.SessionDisabled
	default:
		u.Status = model.SessionError
	}
	return u
}

// affectsState reports whether an error from a regular operation (not a
// probe) should move the session.
func affectsState(err error) bool {
	kind, _, _ := Classify(err)
	return kind == FailFlood || kind == FailAuth
}
