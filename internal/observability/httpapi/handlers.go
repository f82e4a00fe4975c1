package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"postbot/internal/model"
	"postbot/internal/publish"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Sessions interface {
	List(ctx context.Context) ([]model.ClientSession, error)
	Register(ctx context.Context, alias string, pool model.Pool, proxy string) (*model.ClientSession, error)
	Reset(ctx context.Context, id int64) error
	Check(ctx context.Context, id int64) (*model.ClientSession, error)
}

type LiveLister interface {
	ListLiveByItem(ctx context.Context, itemID int64) ([]model.LiveInstance, error)
}

type Editor interface {
	PropagateEdit(ctx context.Context, itemID int64, p kit.Payload) (publish.EditReport, error)
}

// Deps are the components the API reads from and acts on.
type Deps struct {
	Sessions Sessions
	Lives    LiveLister
	Editor   Editor
	// Status returns a JSON-encodable runtime snapshot.
	Status func() any
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) routes(r *gin.RouterGroup) {
	r.GET("/status", h.status)
	r.GET("/sessions", h.listSessions)
	r.POST("/sessions", h.registerSession)
	r.POST("/sessions/:id/reset", h.resetSession)
	r.POST("/sessions/:id/check", h.checkSession)
	r.GET("/items/:id/live", h.listLive)
	r.POST("/items/:id/edit", h.editItem)
}

type sessionView struct {
	ID             int64      `json:"id"`
	Alias          string     `json:"alias"`
	Pool           model.Pool `json:"pool"`
	Status         string     `json:"status"`
	ProxySet       bool       `json:"proxy_set"`
	LastErrorCode  string     `json:"last_error_code,omitempty"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
	FloodWaitUntil *time.Time `json:"flood_wait_until,omitempty"`
	LastCheckAt    *time.Time `json:"last_check_at,omitempty"`
	UsageCount     int64      `json:"usage_count"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

func viewSession(s model.ClientSession) sessionView {
	return sessionView{
		ID:             s.ID,
		Alias:          s.Alias,
		Pool:           s.Pool,
		Status:         string(s.Status),
		ProxySet:       s.Proxy != "",
		LastErrorCode:  s.LastErrorCode,
		LastErrorAt:    s.LastErrorAt,
		FloodWaitUntil: s.FloodWaitUntil,
		LastCheckAt:    s.LastCheckAt,
		UsageCount:     s.UsageCount,
		LastUsedAt:     s.LastUsedAt,
	}
}

type liveView struct {
	ID         int64      `json:"id"`
	ChannelID  int64      `json:"channel_id"`
	MessageID  int        `json:"message_id"`
	Status     string     `json:"status"`
	Pinned     bool       `json:"pinned"`
	CreatedAt  time.Time  `json:"created_at"`
	DeleteAt   *time.Time `json:"delete_at,omitempty"`
	CPMPrice   float64    `json:"cpm_price,omitempty"`
	Views      [3]*int64  `json:"views"`
	FinalViews *int64     `json:"final_views,omitempty"`
}

func (h *handlers) status(c *gin.Context) {
	if h.deps.Status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.deps.Status())
}

func (h *handlers) listSessions(c *gin.Context) {
	ss, err := h.deps.Sessions.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]sessionView, 0, len(ss))
	for _, s := range ss {
		out = append(out, viewSession(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *handlers) registerSession(c *gin.Context) {
	var in struct {
		Alias string     `json:"alias" binding:"required"`
		Pool  model.Pool `json:"pool"`
		Proxy string     `json:"proxy"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid data")
		return
	}
	if in.Pool == "" {
		in.Pool = model.PoolInternal
	}
	if !in.Pool.Valid() {
		respondError(c, http.StatusBadRequest, "unknown pool")
		return
	}
	s, err := h.deps.Sessions.Register(c.Request.Context(), in.Alias, in.Pool, in.Proxy)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("session registered", logx.SessionID(s.ID), logx.String("alias", s.Alias))
	c.JSON(http.StatusCreated, viewSession(*s))
}

func (h *handlers) resetSession(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := h.deps.Sessions.Reset(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": string(model.SessionNew)})
}

func (h *handlers) checkSession(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	s, err := h.deps.Sessions.Check(c.Request.Context(), id)
	if err != nil && s == nil {
		h.fail(c, err)
		return
	}
	out := gin.H{"session": viewSession(*s)}
	if err != nil {
		out["probe_error"] = err.Error()
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) listLive(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	lives, err := h.deps.Lives.ListLiveByItem(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]liveView, 0, len(lives))
	for _, l := range lives {
		out = append(out, liveView{
			ID:         l.ID,
			ChannelID:  l.ChannelID,
			MessageID:  l.MessageID,
			Status:     string(l.Status),
			Pinned:     l.Pinned,
			CreatedAt:  l.CreatedAt,
			DeleteAt:   l.DeleteAt,
			CPMPrice:   l.CPMPrice,
			Views:      l.Views,
			FinalViews: l.FinalViews,
		})
	}
	c.JSON(http.StatusOK, gin.H{"item_id": id, "live": out})
}

func (h *handlers) editItem(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var p kit.Payload
	if err := c.ShouldBindJSON(&p); err != nil || (p.Text == "" && !p.HasMedia()) {
		respondError(c, http.StatusBadRequest, "invalid payload")
		return
	}
	rep, err := h.deps.Editor.PropagateEdit(c.Request.Context(), id, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	failed := make(map[string]string, len(rep.Failed))
	for liveID, ferr := range rep.Failed {
		failed[strconv.FormatInt(liveID, 10)] = ferr.Error()
	}
	c.JSON(http.StatusOK, gin.H{
		"backup_edited": rep.BackupEdited,
		"updated":       rep.Updated,
		"recreated":     rep.Recreated,
		"skipped":       rep.Skipped,
		"failed":        failed,
	})
}

func (h *handlers) fail(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		respondError(c, http.StatusNotFound, "not found")
		return
	}
	h.log.Warn("request failed", logx.String("path", c.FullPath()), logx.Err(err))
	respondError(c, http.StatusInternalServerError, err.Error())
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
