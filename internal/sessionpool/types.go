// Package sessionpool hands out privileged client sessions for view
// sampling, story publication and channel statistics, and keeps each
// session's health state current.
package sessionpool

import (
	"context"
	"time"

	"postbot/internal/model"
)

// Access addresses a channel on the client protocol.
type Access struct {
	ChannelID  int64 // Bot API chat id (-100…)
	PeerID     int64
	AccessHash int64
}

// AccessOf rebuilds the client address from a stored membership.
func AccessOf(m model.ChannelMembership) Access {
	return Access{ChannelID: m.ChannelID, PeerID: model.BotChannelToPeer(m.ChannelID), AccessHash: m.AccessHash}
}

// Permissions are read from the session's own participant record.
type Permissions struct {
	IsAdmin         bool
	CanPostMessages bool
	CanPostStories  bool
}

type Story struct {
	MediaPath string
	Caption   string
	Period    time.Duration
	Pinned    bool
	Protect   bool
}

// HistoryPost is one channel post with its current view counter.
type HistoryPost struct {
	MessageID int
	Date      time.Time
	Views     int64
}

// Conn is a live client connection for one session.
type Conn interface {
	// Probe performs a cheap authorized call.
	Probe(ctx context.Context) error
	JoinHandle(ctx context.Context, handle string) (Access, error)
	JoinInvite(ctx context.Context, link string) (Access, error)
	Permissions(ctx context.Context, a Access) (Permissions, error)
	// Views returns counters aligned with msgIDs; 0 means unavailable.
	Views(ctx context.Context, a Access, msgIDs []int) ([]int64, error)
	Leave(ctx context.Context, a Access) error
	SendStory(ctx context.Context, a Access, st Story) (int, error)
	History(ctx context.Context, a Access, since time.Time, limit int) ([]HistoryPost, error)
}

// Dialer returns the connection of a session, connecting on first use.
type Dialer interface {
	Conn(ctx context.Context, sess model.ClientSession) (Conn, error)
	// Drop disconnects a session (after reset or disable).
	Drop(sessionID int64)
}

// Lease is a session picked for a channel.
type Lease struct {
	Session model.ClientSession
	Access  Access
	Conn    Conn
}
