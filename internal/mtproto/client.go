package mtproto

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"postbot/internal/model"
	"postbot/internal/sessionpool"
)

// client is one running MTProto connection.
type client struct {
	id     int64
	tc     *telegram.Client
	api    *tg.Client
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}

	mu  sync.Mutex
	err error
}

var _ sessionpool.Conn = (*client)(nil)

func (c *client) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *client) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *client) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return c.err
		}
		return errors.New("mtproto: client stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func inputChannel(a sessionpool.Access) *tg.InputChannel {
	return &tg.InputChannel{ChannelID: a.PeerID, AccessHash: a.AccessHash}
}

func inputPeer(a sessionpool.Access) *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: a.PeerID, AccessHash: a.AccessHash}
}

func accessOf(ch *tg.Channel) sessionpool.Access {
	return sessionpool.Access{
		ChannelID:  model.PeerToBotChannel(ch.ID),
		PeerID:     ch.ID,
		AccessHash: ch.AccessHash,
	}
}

func (c *client) Probe(ctx context.Context) error {
	me, err := c.tc.Self(ctx)
	if err != nil {
		return wrap(err)
	}
	return checkSelf(me)
}

// checkSelf rejects accounts the platform has flagged.
func checkSelf(me *tg.User) error {
	switch {
	case me.Restricted:
		reasons := make([]string, 0, len(me.RestrictionReason))
		for _, r := range me.RestrictionReason {
			reasons = append(reasons, r.Platform+": "+r.Text)
		}
		return &sessionpool.Error{Kind: sessionpool.FailOther, Code: "RESTRICTED", Err: errors.New(strings.Join(reasons, " | "))}
	case me.Scam:
		return &sessionpool.Error{Kind: sessionpool.FailOther, Code: "ACCOUNT_MARKED_AS_SCAM"}
	case me.Fake:
		return &sessionpool.Error{Kind: sessionpool.FailOther, Code: "ACCOUNT_MARKED_AS_FAKE"}
	}
	return nil
}

func (c *client) JoinHandle(ctx context.Context, handle string) (sessionpool.Access, error) {
	name, err := parseHandle(handle)
	if err != nil {
		return sessionpool.Access{}, &sessionpool.Error{Kind: sessionpool.FailNotFound, Code: "USERNAME_INVALID", Err: err}
	}
	res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if err != nil {
		return sessionpool.Access{}, wrap(err)
	}
	ch := firstChannel(res.Chats)
	if ch == nil {
		return sessionpool.Access{}, &sessionpool.Error{Kind: sessionpool.FailNotFound, Code: "CHANNEL_INVALID", Err: fmt.Errorf("@%s is not a channel", name)}
	}
	if _, err := c.api.ChannelsJoinChannel(ctx, &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}); err != nil {
		if !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return sessionpool.Access{}, wrap(err)
		}
	}
	return accessOf(ch), nil
}

func (c *client) JoinInvite(ctx context.Context, link string) (sessionpool.Access, error) {
	hash, err := parseInvite(link)
	if err != nil {
		return sessionpool.Access{}, &sessionpool.Error{Kind: sessionpool.FailNotFound, Code: "INVITE_HASH_INVALID", Err: err}
	}
	upd, err := c.api.MessagesImportChatInvite(ctx, hash)
	if err == nil {
		if ch := firstChannel(updateChats(upd)); ch != nil {
			return accessOf(ch), nil
		}
	} else if !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return sessionpool.Access{}, wrap(err)
	}
	// Already a member or the update carried no chat: look the invite up.
	inv, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return sessionpool.Access{}, wrap(err)
	}
	if already, ok := inv.(*tg.ChatInviteAlready); ok {
		if ch, ok := already.Chat.(*tg.Channel); ok {
			return accessOf(ch), nil
		}
	}
	return sessionpool.Access{}, &sessionpool.Error{Kind: sessionpool.FailOther, Code: "INVITE_UNRESOLVED", Err: errors.New("invite did not resolve to a joined channel")}
}

func updateChats(u tg.UpdatesClass) []tg.ChatClass {
	switch v := u.(type) {
	case *tg.Updates:
		return v.Chats
	case *tg.UpdatesCombined:
		return v.Chats
	default:
		return nil
	}
}

func firstChannel(chats []tg.ChatClass) *tg.Channel {
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok && !ch.Megagroup {
			return ch
		}
	}
	return nil
}

func (c *client) Permissions(ctx context.Context, a sessionpool.Access) (sessionpool.Permissions, error) {
	res, err := c.api.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
		Channel:     inputChannel(a),
		Participant: &tg.InputPeerSelf{},
	})
	if err != nil {
		return sessionpool.Permissions{}, wrap(err)
	}
	var p sessionpool.Permissions
	switch v := res.Participant.(type) {
	case *tg.ChannelParticipantCreator:
		p.IsAdmin = true
		p.CanPostMessages = v.AdminRights.PostMessages
		p.CanPostStories = v.AdminRights.PostStories
	case *tg.ChannelParticipantAdmin:
		p.IsAdmin = true
		p.CanPostMessages = v.AdminRights.PostMessages
		p.CanPostStories = v.AdminRights.PostStories
	}
	return p, nil
}

func (c *client) Views(ctx context.Context, a sessionpool.Access, msgIDs []int) ([]int64, error) {
	out := make([]int64, len(msgIDs))
	if len(msgIDs) == 0 {
		return out, nil
	}
	res, err := c.api.MessagesGetMessagesViews(ctx, &tg.MessagesGetMessagesViewsRequest{
		Peer:      inputPeer(a),
		ID:        msgIDs,
		Increment: false,
	})
	if err != nil {
		return nil, wrap(err)
	}
	for i, v := range res.Views {
		if i >= len(out) {
			break
		}
		if n, ok := v.GetViews(); ok {
			out[i] = int64(n)
		}
	}
	return out, nil
}

func (c *client) Leave(ctx context.Context, a sessionpool.Access) error {
	_, err := c.api.ChannelsLeaveChannel(ctx, inputChannel(a))
	if tgerr.Is(err, "USER_NOT_PARTICIPANT", "CHANNEL_PRIVATE") {
		return nil
	}
	return wrap(err)
}

var videoExt = map[string]bool{".mp4": true, ".mov": true, ".m4v": true, ".webm": true}

func (c *client) SendStory(ctx context.Context, a sessionpool.Access, st sessionpool.Story) (int, error) {
	file, err := uploader.NewUploader(c.api).FromPath(ctx, st.MediaPath)
	if err != nil {
		return 0, wrap(err)
	}
	var media tg.InputMediaClass = &tg.InputMediaUploadedPhoto{File: file}
	if videoExt[strings.ToLower(filepath.Ext(st.MediaPath))] {
		media = &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: "video/mp4",
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeVideo{SupportsStreaming: true, Duration: 15, W: 720, H: 1280},
			},
		}
	}
	period := st.Period
	if period <= 0 {
		period = 24 * time.Hour
	}
	randomID := rand.Int64()
	upd, err := c.api.StoriesSendStory(ctx, &tg.StoriesSendStoryRequest{
		Peer:         inputPeer(a),
		Media:        media,
		Caption:      st.Caption,
		PrivacyRules: []tg.InputPrivacyRuleClass{&tg.InputPrivacyValueAllowAll{}},
		RandomID:     randomID,
		Period:       int(period / time.Second),
		Pinned:       st.Pinned,
		Noforwards:   st.Protect,
	})
	if err != nil {
		return 0, wrap(err)
	}
	if u, ok := upd.(*tg.Updates); ok {
		for _, item := range u.Updates {
			if sid, ok := item.(*tg.UpdateStoryID); ok && sid.RandomID == randomID {
				return sid.ID, nil
			}
		}
	}
	return 0, nil
}

func (c *client) History(ctx context.Context, a sessionpool.Access, since time.Time, limit int) ([]sessionpool.HistoryPost, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: inputPeer(a), Limit: limit})
	if err != nil {
		return nil, wrap(err)
	}
	var msgs []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesChannelMessages:
		msgs = v.Messages
	case *tg.MessagesMessagesSlice:
		msgs = v.Messages
	case *tg.MessagesMessages:
		msgs = v.Messages
	}
	out := make([]sessionpool.HistoryPost, 0, len(msgs))
	for _, raw := range msgs {
		m, ok := raw.(*tg.Message)
		if !ok {
			continue
		}
		date := time.Unix(int64(m.Date), 0)
		if date.Before(since) {
			continue
		}
		views, _ := m.GetViews()
		out = append(out, sessionpool.HistoryPost{MessageID: m.ID, Date: date, Views: int64(views)})
	}
	return out, nil
}
