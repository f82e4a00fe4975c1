package adapter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Config struct {
	Token string
	// RequestTimeout bounds a single Bot API call.
	RequestTimeout time.Duration
	// Offline skips the getMe handshake (tests, dry runs).
	Offline bool
}

// Adapter is the outbound Bot API client. The service never consumes updates,
// so there is no poll loop.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  newHTTPClient(cfg.RequestTimeout),
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	if me := a.bot.Me; me != nil {
		a.log.Info("bot ready", logx.String("username", me.Username), logx.Int64("id", me.ID))
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	_, err := a.bot.Edit(stored(ref), chunks[0], &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview})
	return ignoreNotModified(err)
}

func (a *Adapter) SendPayload(ctx context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	what, err := renderPayload(p)
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, what, sendOptions(p, to.ThreadID))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) CopyMessage(ctx context.Context, from kit.MessageRef, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Copy(&tele.Chat{ID: to.ChatID}, stored(from), sendOptions(p, to.ThreadID))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// EditPayload edits text, caption or media in place. A change between text and
// media cannot be expressed as an edit and is reported as kit.ErrEditRejected.
func (a *Adapter) EditPayload(ctx context.Context, ref kit.MessageRef, p kit.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := sendOptions(p, 0)
	var err error
	if p.HasMedia() {
		var in tele.Inputtable
		in, err = inputMedia(p)
		if err != nil {
			return err
		}
		_, err = a.bot.EditMedia(stored(ref), in, opts)
	} else {
		_, err = a.bot.Edit(stored(ref), p.Text, opts)
	}
	err = ignoreNotModified(err)
	if err != nil && kit.Classify(err) == kit.ClassEditRejected {
		return errors.Join(kit.ErrEditRejected, err)
	}
	return err
}

func (a *Adapter) Pin(ctx context.Context, ref kit.MessageRef, silent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var opts []interface{}
	if silent {
		opts = append(opts, tele.Silent)
	}
	return a.bot.Pin(stored(ref), opts...)
}

func (a *Adapter) Unpin(ctx context.Context, ref kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Unpin(&tele.Chat{ID: ref.ChatID}, ref.MessageID)
}

func (a *Adapter) Delete(ctx context.Context, ref kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Delete(stored(ref))
}

func stored(ref kit.MessageRef) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
}

func sendOptions(p kit.Payload, threadID int) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             p.ParseMode,
		DisableWebPagePreview: p.DisablePreview,
		Protected:             p.Protect,
		ThreadID:              threadID,
		ReplyMarkup:           replyMarkup(p.Buttons),
	}
}

func replyMarkup(rows [][]kit.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			if strings.TrimSpace(b.Text) == "" || strings.TrimSpace(b.URL) == "" {
				continue
			}
			r = append(r, tele.InlineButton{Text: b.Text, URL: b.URL})
		}
		if len(r) > 0 {
			kb = append(kb, r)
		}
	}
	if len(kb) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

func renderPayload(p kit.Payload) (interface{}, error) {
	if !p.HasMedia() {
		if strings.TrimSpace(p.Text) == "" {
			return nil, errors.New("empty payload")
		}
		return p.Text, nil
	}
	return inputMedia(p)
}

func inputMedia(p kit.Payload) (tele.Inputtable, error) {
	f := tele.File{FileID: p.Media.FileID}
	switch p.Media.Kind {
	case kit.MediaPhoto:
		return &tele.Photo{File: f, Caption: p.Text}, nil
	case kit.MediaVideo:
		return &tele.Video{File: f, Caption: p.Text}, nil
	case kit.MediaAnimation:
		return &tele.Animation{File: f, Caption: p.Text}, nil
	case kit.MediaDocument:
		return &tele.Document{File: f, Caption: p.Text}, nil
	case kit.MediaAudio:
		return &tele.Audio{File: f, Caption: p.Text}, nil
	default:
		return nil, errors.New("unsupported media kind: " + string(p.Media.Kind))
	}
}

func ignoreNotModified(err error) error {
	if err != nil && kit.Classify(err) == kit.ClassNotModified {
		return nil
	}
	return err
}
