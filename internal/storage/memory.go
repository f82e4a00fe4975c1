package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"postbot/internal/model"
	kit "postbot/internal/transport"
)

type memKey struct{ a, b int64 }

// memStore keeps everything in maps guarded by one mutex. It mirrors the
// conditional semantics of the SQL drivers.
type memStore struct {
	mu sync.Mutex

	nextID int64

	items       map[int64]model.ContentItem
	live        map[int64]model.LiveInstance
	liveByPair  map[memKey]int64
	receipts    map[int64][]model.BroadcastReceipt
	sessions    map[int64]model.ClientSession
	sessionData map[int64][]byte
	members     map[memKey]model.ChannelMembership
	channels    map[int64]model.Channel
	owners      map[int64]model.Owner
	audiences   map[int64]map[int64]struct{}
	dedup       map[string]time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{
		items:       map[int64]model.ContentItem{},
		live:        map[int64]model.LiveInstance{},
		liveByPair:  map[memKey]int64{},
		receipts:    map[int64][]model.BroadcastReceipt{},
		sessions:    map[int64]model.ClientSession{},
		sessionData: map[int64][]byte{},
		members:     map[memKey]model.ChannelMembership{},
		channels:    map[int64]model.Channel{},
		owners:      map[int64]model.Owner{},
		audiences:   map[int64]map[int64]struct{}{},
		dedup:       map[string]time.Time{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) Close() error { return nil }

func copyItem(it model.ContentItem) model.ContentItem {
	it.Destinations = append([]int64(nil), it.Destinations...)
	if it.Backup != nil {
		b := *it.Backup
		it.Backup = &b
	}
	return it
}

func (m *memStore) CreateItem(_ context.Context, it *model.ContentItem) (int64, error) {
	if err := it.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	it.ID = m.id()
	m.items[it.ID] = copyItem(*it)
	return it.ID, nil
}

func (m *memStore) GetItem(_ context.Context, id int64) (*model.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyItem(it)
	return &c, nil
}

func (m *memStore) UpdateItemPayload(_ context.Context, id int64, p kit.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Payload = p
	it.UpdatedAt = time.Now()
	m.items[id] = it
	return nil
}

func (m *memStore) SetBackupRef(_ context.Context, id int64, ref kit.MessageRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Backup != nil {
		return false, nil
	}
	it.Backup = &ref
	m.items[id] = it
	return true, nil
}

func (m *memStore) BumpItemAttempts(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return 0, ErrNotFound
	}
	it.Attempts++
	m.items[id] = it
	return it.Attempts, nil
}

func (m *memStore) DeleteItem(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memStore) ListDueItems(_ context.Context, now time.Time, limit int) ([]model.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ContentItem
	for _, it := range m.items {
		if it.Due(now) {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return capLen(out, limit), nil
}

func (m *memStore) PurgeAbandonedItems(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.items {
		if len(it.Destinations) == 0 && it.CreatedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateLive(_ context.Context, l *model.LiveInstance) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{l.ItemID, l.ChannelID}
	if id, ok := m.liveByPair[k]; ok {
		return id, false, nil
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	if l.Status == "" {
		l.Status = model.LiveActive
	}
	l.ID = m.id()
	m.live[l.ID] = *l
	m.liveByPair[k] = l.ID
	return l.ID, true, nil
}

func (m *memStore) GetLive(_ context.Context, id int64) (*model.LiveInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (m *memStore) FindLive(_ context.Context, itemID, channelID int64) (*model.LiveInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.liveByPair[memKey{itemID, channelID}]
	if !ok {
		return nil, ErrNotFound
	}
	l := m.live[id]
	return &l, nil
}

func (m *memStore) filterLive(limit int, keep func(l *model.LiveInstance) bool) []model.LiveInstance {
	var out []model.LiveInstance
	for _, l := range m.live {
		l := l
		if keep(&l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return capLen(out, limit)
}

func (m *memStore) ListLiveByItem(_ context.Context, itemID int64) ([]model.LiveInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLive(0, func(l *model.LiveInstance) bool { return l.ItemID == itemID }), nil
}

func (m *memStore) ListDueUnpins(_ context.Context, now time.Time, limit int) ([]model.LiveInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLive(limit, func(l *model.LiveInstance) bool {
		return l.Pinned && l.Status == model.LiveActive && l.UnpinAt != nil && !l.UnpinAt.After(now)
	}), nil
}

func (m *memStore) ListDueDeletes(_ context.Context, now time.Time, limit int) ([]model.LiveInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLive(limit, func(l *model.LiveInstance) bool {
		return l.Status == model.LiveActive && l.DeleteAt != nil && !l.DeleteAt.After(now)
	}), nil
}

func (m *memStore) ListReportCandidates(_ context.Context, now time.Time, limit int) ([]model.LiveInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLive(limit, func(l *model.LiveInstance) bool {
		if l.Status != model.LiveActive || !l.HasCPM() {
			return false
		}
		_, due := l.NextHorizon(now)
		return due
	}), nil
}

func (m *memStore) updateLive(id int64, fn func(l *model.LiveInstance) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live[id]
	if !ok || !fn(&l) {
		return false
	}
	m.live[id] = l
	return true
}

func (m *memStore) MarkUnpinned(_ context.Context, id int64) (bool, error) {
	return m.updateLive(id, func(l *model.LiveInstance) bool {
		if !l.Pinned {
			return false
		}
		l.Pinned = false
		return true
	}), nil
}

func (m *memStore) SetLiveMessage(_ context.Context, id int64, messageID int) error {
	if !m.updateLive(id, func(l *model.LiveInstance) bool { l.MessageID = messageID; return true }) {
		return ErrNotFound
	}
	return nil
}

func (m *memStore) RecordHorizon(_ context.Context, id int64, h model.Horizon, views int64) (bool, error) {
	return m.updateLive(id, func(l *model.LiveInstance) bool {
		if !h.Valid() || l.Sent(h) {
			return false
		}
		l.SetViews(h, views)
		l.MarkSent(h)
		return true
	}), nil
}

func (m *memStore) MarkDeleted(_ context.Context, id int64, at time.Time, finalViews *int64) (bool, error) {
	return m.updateLive(id, func(l *model.LiveInstance) bool {
		if l.Status != model.LiveActive {
			return false
		}
		l.Status = model.LiveDeleted
		l.DeletedAt = &at
		l.Pinned = false
		if finalViews != nil {
			v := *finalViews
			l.FinalViews = &v
		}
		return true
	}), nil
}

func (m *memStore) AddReceipts(_ context.Context, rs []model.BroadcastReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		dup := false
		for _, e := range m.receipts[r.LiveID] {
			if e.ChatID == r.ChatID {
				dup = true
				break
			}
		}
		if !dup {
			m.receipts[r.LiveID] = append(m.receipts[r.LiveID], r)
		}
	}
	return nil
}

func (m *memStore) ListReceipts(_ context.Context, liveID int64) ([]model.BroadcastReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.BroadcastReceipt(nil), m.receipts[liveID]...), nil
}

func (m *memStore) DeleteReceipts(_ context.Context, liveID int64, chatIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int64]bool, len(chatIDs))
	for _, c := range chatIDs {
		drop[c] = true
	}
	kept := m.receipts[liveID][:0]
	for _, r := range m.receipts[liveID] {
		if !drop[r.ChatID] {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(m.receipts, liveID)
		return nil
	}
	m.receipts[liveID] = kept
	return nil
}

func (m *memStore) CreateSession(_ context.Context, s *model.ClientSession) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Status == "" {
		s.Status = model.SessionNew
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.ID = m.id()
	m.sessions[s.ID] = *s
	return s.ID, nil
}

func (m *memStore) GetSession(_ context.Context, id int64) (*model.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *memStore) ListSessions(_ context.Context) ([]model.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ClientSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateSession(_ context.Context, id int64, u model.SessionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	if len(u.From) > 0 {
		match := false
		for _, st := range u.From {
			if s.Status == st {
				match = true
				break
			}
		}
		if !match {
			return false, nil
		}
	}
	s.Status = u.Status
	s.LastErrorCode = u.LastErrorCode
	s.LastErrorAt = u.LastErrorAt
	s.FloodWaitUntil = u.FloodWaitUntil
	if u.CheckedAt != nil {
		s.LastCheckAt = u.CheckedAt
	}
	m.sessions[id] = s
	return true, nil
}

func (m *memStore) TouchSession(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.UsageCount++
		s.LastUsedAt = &at
		m.sessions[id] = s
	}
	return nil
}

func (m *memStore) LoadSessionData(_ context.Context, id int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.sessionData[id]
	if !ok || len(b) == 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *memStore) StoreSessionData(_ context.Context, id int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	m.sessionData[id] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) GetMembership(_ context.Context, sessionID, channelID int64) (*model.ChannelMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.members[memKey{sessionID, channelID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &mb, nil
}

func (m *memStore) listMembers(keep func(mb *model.ChannelMembership) bool) []model.ChannelMembership {
	var out []model.ChannelMembership
	for _, mb := range m.members {
		mb := mb
		if keep(&mb) {
			out = append(out, mb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (m *memStore) ListMemberships(_ context.Context, channelID int64) ([]model.ChannelMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listMembers(func(mb *model.ChannelMembership) bool { return mb.ChannelID == channelID }), nil
}

func (m *memStore) ListSessionMemberships(_ context.Context, sessionID int64) ([]model.ChannelMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listMembers(func(mb *model.ChannelMembership) bool { return mb.SessionID == sessionID }), nil
}

func (m *memStore) UpsertMembership(_ context.Context, mb model.ChannelMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{mb.SessionID, mb.ChannelID}
	prev, ok := m.members[k]
	mb.PreferredForStats = ok && prev.PreferredForStats
	if ok {
		if mb.AccessHash == 0 {
			mb.AccessHash = prev.AccessHash
		}
		if mb.LastJoinedAt == nil {
			mb.LastJoinedAt = prev.LastJoinedAt
		}
	}
	m.members[k] = mb
	return nil
}

func (m *memStore) ClaimPreferred(_ context.Context, sessionID, channelID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{sessionID, channelID}
	mb, ok := m.members[k]
	if !ok {
		return false, nil
	}
	for _, other := range m.members {
		if other.ChannelID == channelID && other.PreferredForStats {
			return false, nil
		}
	}
	mb.PreferredForStats = true
	m.members[k] = mb
	return true, nil
}

func (m *memStore) DeleteSessionMemberships(_ context.Context, sessionID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, mb := range m.members {
		if mb.SessionID == sessionID {
			delete(m.members, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpsertChannel(_ context.Context, c model.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.channels[c.ChatID]; ok {
		c.Stats = prev.Stats
		c.StatsUpdatedAt = prev.StatsUpdatedAt
	}
	m.channels[c.ChatID] = c
	return nil
}

func (m *memStore) GetChannel(_ context.Context, chatID int64) (*model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memStore) GetChannels(_ context.Context, chatIDs []int64) (map[int64]model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]model.Channel, len(chatIDs))
	for _, id := range chatIDs {
		if c, ok := m.channels[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *memStore) ListSubscribedChannels(_ context.Context) ([]model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Channel
	for _, c := range m.channels {
		if c.Subscribed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *memStore) UpdateChannelStats(_ context.Context, chatID int64, stats [3]int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[chatID]; ok {
		c.Stats = stats
		c.StatsUpdatedAt = &at
		m.channels[chatID] = c
	}
	return nil
}

func (m *memStore) GetOwner(_ context.Context, id int64) (*model.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *memStore) UpsertOwner(_ context.Context, o model.Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[o.ID] = o
	return nil
}

func (m *memStore) AddAudience(_ context.Context, audienceID int64, chatIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.audiences[audienceID]
	if set == nil {
		set = map[int64]struct{}{}
		m.audiences[audienceID] = set
	}
	for _, id := range chatIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (m *memStore) ListAudience(_ context.Context, audienceID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.audiences[audienceID]))
	for id := range m.audiences[audienceID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.dedup[key]
	return u, ok, nil
}

func capLen[T any](xs []T, limit int) []T {
	if limit > 0 && len(xs) > limit {
		return xs[:limit]
	}
	return xs
}
