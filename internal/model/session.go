package model

import "time"

type Pool string

const (
	PoolInternal Pool = "internal"
	PoolExternal Pool = "external"
)

func (p Pool) Valid() bool { return p == PoolInternal || p == PoolExternal }

type SessionStatus string

const (
	SessionNew         SessionStatus = "NEW"
	SessionActive      SessionStatus = "ACTIVE"
	SessionTempBlocked SessionStatus = "TEMP_BLOCKED"
	SessionDisabled    SessionStatus = "DISABLED"
	SessionError       SessionStatus = "ERROR"
	SessionResetting   SessionStatus = "RESETTING"
)

// ClientSession is a privileged platform account used for view sampling and
// story publication.
type ClientSession struct {
	ID     int64
	Alias  string
	Pool   Pool
	Proxy  string
	Status SessionStatus

	LastErrorCode  string
	LastErrorAt    *time.Time
	FloodWaitUntil *time.Time
	LastCheckAt    *time.Time

	UsageCount int64
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Usable reports whether the session may be handed out at now.
func (s *ClientSession) Usable(now time.Time) bool {
	switch s.Status {
	case SessionActive:
		return s.FloodWaitUntil == nil || !s.FloodWaitUntil.After(now)
	default:
		return false
	}
}

// Probeable reports whether the health tick should probe the session at now.
func (s *ClientSession) Probeable(now time.Time) bool {
	switch s.Status {
	case SessionNew, SessionActive:
		return true
	case SessionTempBlocked:
		return s.FloodWaitUntil == nil || !s.FloodWaitUntil.After(now)
	default:
		return false
	}
}

// SessionUpdate is applied as a single-row update guarded by the expected status.
type SessionUpdate struct {
	From           []SessionStatus
	Status         SessionStatus
	LastErrorCode  string
	LastErrorAt    *time.Time
	FloodWaitUntil *time.Time
	CheckedAt      *time.Time
}

// ChannelMembership is the (session, channel) relation.
type ChannelMembership struct {
	SessionID         int64
	ChannelID         int64
	AccessHash        int64
	IsMember          bool
	IsAdmin           bool
	CanPostMessages   bool
	CanPostStories    bool
	PreferredForStats bool
	LastJoinedAt      *time.Time
	LastErrorCode     string
	LastErrorAt       *time.Time
}
