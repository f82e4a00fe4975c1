package storage

import (
	"context"
	"time"

	"postbot/internal/model"
	kit "postbot/internal/transport"
)

type ItemStore interface {
	CreateItem(ctx context.Context, it *model.ContentItem) (int64, error)
	GetItem(ctx context.Context, id int64) (*model.ContentItem, error)
	UpdateItemPayload(ctx context.Context, id int64, p kit.Payload) error
	// SetBackupRef stores the mirror reference only if none is set yet.
	SetBackupRef(ctx context.Context, id int64, ref kit.MessageRef) (bool, error)
	BumpItemAttempts(ctx context.Context, id int64) (int, error)
	DeleteItem(ctx context.Context, id int64) error
	ListDueItems(ctx context.Context, now time.Time, limit int) ([]model.ContentItem, error)
	// PurgeAbandonedItems removes items without destinations created before the cutoff.
	PurgeAbandonedItems(ctx context.Context, before time.Time) (int64, error)
}

type LiveStore interface {
	// CreateLive inserts the instance unless one exists for (item, channel).
	CreateLive(ctx context.Context, l *model.LiveInstance) (id int64, created bool, err error)
	GetLive(ctx context.Context, id int64) (*model.LiveInstance, error)
	FindLive(ctx context.Context, itemID, channelID int64) (*model.LiveInstance, error)
	ListLiveByItem(ctx context.Context, itemID int64) ([]model.LiveInstance, error)
	ListDueUnpins(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error)
	ListDueDeletes(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error)
	// ListReportCandidates returns active CPM instances with a horizon that
	// is reached but not yet reported.
	ListReportCandidates(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error)

	MarkUnpinned(ctx context.Context, id int64) (bool, error)
	SetLiveMessage(ctx context.Context, id int64, messageID int) error
	// RecordHorizon persists views and marks h as reported, unless already reported.
	RecordHorizon(ctx context.Context, id int64, h model.Horizon, views int64) (bool, error)
	// MarkDeleted retires an active instance.
	MarkDeleted(ctx context.Context, id int64, at time.Time, finalViews *int64) (bool, error)

	AddReceipts(ctx context.Context, rs []model.BroadcastReceipt) error
	ListReceipts(ctx context.Context, liveID int64) ([]model.BroadcastReceipt, error)
	// DeleteReceipts forgets the receipts of liveID for the given chats.
	DeleteReceipts(ctx context.Context, liveID int64, chatIDs []int64) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *model.ClientSession) (int64, error)
	GetSession(ctx context.Context, id int64) (*model.ClientSession, error)
	ListSessions(ctx context.Context) ([]model.ClientSession, error)
	// UpdateSession applies u if the current status is one of u.From (any when empty).
	UpdateSession(ctx context.Context, id int64, u model.SessionUpdate) (bool, error)
	TouchSession(ctx context.Context, id int64, at time.Time) error
	LoadSessionData(ctx context.Context, id int64) ([]byte, error)
	StoreSessionData(ctx context.Context, id int64, data []byte) error

	GetMembership(ctx context.Context, sessionID, channelID int64) (*model.ChannelMembership, error)
	ListMemberships(ctx context.Context, channelID int64) ([]model.ChannelMembership, error)
	ListSessionMemberships(ctx context.Context, sessionID int64) ([]model.ChannelMembership, error)
	// UpsertMembership writes everything except the preferred flag.
	UpsertMembership(ctx context.Context, m model.ChannelMembership) error
	// ClaimPreferred marks the membership preferred if no membership of the
	// channel carries the flag yet.
	ClaimPreferred(ctx context.Context, sessionID, channelID int64) (bool, error)
	DeleteSessionMemberships(ctx context.Context, sessionID int64) (int64, error)
}

type ChannelStore interface {
	UpsertChannel(ctx context.Context, c model.Channel) error
	GetChannel(ctx context.Context, chatID int64) (*model.Channel, error)
	GetChannels(ctx context.Context, chatIDs []int64) (map[int64]model.Channel, error)
	ListSubscribedChannels(ctx context.Context) ([]model.Channel, error)
	UpdateChannelStats(ctx context.Context, chatID int64, stats [3]int64, at time.Time) error

	GetOwner(ctx context.Context, id int64) (*model.Owner, error)
	UpsertOwner(ctx context.Context, o model.Owner) error

	AddAudience(ctx context.Context, audienceID int64, chatIDs []int64) error
	ListAudience(ctx context.Context, audienceID int64) ([]int64, error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API.
type Store interface {
	ItemStore
	LiveStore
	SessionStore
	ChannelStore
	DedupStore
	Close() error
}
