package messages

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ageniuscoder/gymchat/internal/auth"
	"github.com/ageniuscoder/gymchat/internal/httpx"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/ageniuscoder/gymchat/internal/uploads"
	"github.com/gin-gonic/gin"
)

const maxContentRunes = 4000

// Notifier pushes a stored message to connected sockets.
type Notifier interface {
	DeliverMessage(ctx context.Context, m storage.Message) error
}

type Service struct {
	Store  *storage.Store
	Hub    Notifier
	Images uploads.ImageStore
	Logger *slog.Logger
}

// Item is the REST rendering of a message. CreatedAt is epoch milliseconds.
type Item struct {
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	ToUserID  int64  `json:"to_user_id"`
	Content   string `json:"content"`
	ImageURL  string `json:"image_url"`
	CreatedAt int64  `json:"created_at"`
	Read      bool   `json:"read"`
}

func ToItem(m storage.Message) Item {
	return Item{
		ChatID:    m.ID,
		UserID:    m.FromUserID,
		ToUserID:  m.ToUserID,
		Content:   m.Content,
		ImageURL:  m.ImageURL,
		CreatedAt: m.CreatedAt.UnixMilli(),
		Read:      m.ReadAt != nil,
	}
}

type sendReq struct {
	ToUserID int64  `form:"to_user_id" json:"to_user_id" binding:"required,gt=0"`
	Content  string `form:"content" json:"content"`
}

type pageReq struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

func NewService(store *storage.Store, hub Notifier, images uploads.ImageStore, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{Store: store, Hub: hub, Images: images, Logger: logger.With("component", "messages")}
}

func (s Service) Register(rg *gin.RouterGroup) {
	rg.POST("/messages", s.send)
	rg.GET("/messages/:userA/:userB", s.history)
	rg.GET("/messages/unread/:userId", s.unread)
	rg.PUT("/messages/:id/read", s.markRead)
	rg.DELETE("/messages/:id", s.delete)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Err(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func (s Service) history(c *gin.Context) {
	uid := auth.MustUserID(c)
	a, ok := pathID(c, "userA")
	if !ok {
		return
	}
	b, ok := pathID(c, "userB")
	if !ok {
		return
	}
	if uid != a && uid != b {
		httpx.Err(c, http.StatusForbidden, "not a participant")
		return
	}
	var page pageReq
	if err := c.ShouldBindQuery(&page); err != nil {
		httpx.BadRequest(c, err)
		return
	}

	msgs, err := s.Store.History(c.Request.Context(), a, b, page.Limit, page.Offset)
	if err != nil {
		s.Logger.Error("history", "a", a, "b", b, "err", err)
		httpx.Err(c, http.StatusInternalServerError, "database error")
		return
	}
	items := make([]Item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, ToItem(m))
	}
	httpx.OK(c, gin.H{"messages": items})
}

// send accepts multipart (with an optional "image" file) or JSON.
func (s Service) send(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req sendReq
	if err := c.ShouldBind(&req); err != nil {
		httpx.BadRequest(c, err)
		return
	}
	content := strings.TrimSpace(req.Content)
	if utf8.RuneCountInString(content) > maxContentRunes {
		httpx.Err(c, http.StatusBadRequest, "content is too long")
		return
	}
	if req.ToUserID == uid {
		httpx.Err(c, http.StatusBadRequest, "cannot message yourself")
		return
	}

	ctx := c.Request.Context()
	exists, err := s.Store.UserExists(ctx, req.ToUserID)
	if err != nil {
		s.Logger.Error("recipient lookup", "err", err)
		httpx.Err(c, http.StatusInternalServerError, "database error")
		return
	}
	if !exists {
		httpx.Err(c, http.StatusNotFound, "recipient not found")
		return
	}

	imageURL, status, err := s.saveImage(c)
	if err != nil {
		httpx.Err(c, status, err.Error())
		return
	}
	if content == "" && imageURL == "" {
		httpx.Err(c, http.StatusBadRequest, "content or image is required")
		return
	}

	m, err := s.Store.SaveMessage(ctx, storage.Message{
		FromUserID: uid,
		ToUserID:   req.ToUserID,
		Content:    content,
		ImageURL:   imageURL,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		s.Logger.Error("save message", "err", err)
		httpx.Err(c, http.StatusInternalServerError, "insert failed")
		return
	}
	if s.Hub != nil {
		if err := s.Hub.DeliverMessage(ctx, m); err != nil {
			s.Logger.Warn("push message", "message_id", m.ID, "err", err)
		}
	}
	httpx.Created(c, gin.H{"message": ToItem(m)})
}

// saveImage stores the optional "image" part. A missing part yields "".
func (s Service) saveImage(c *gin.Context) (string, int, error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return "", 0, nil
	}
	if err != nil {
		return "", http.StatusBadRequest, errors.New("invalid image upload")
	}
	if s.Images == nil {
		return "", http.StatusServiceUnavailable, errors.New("image uploads are disabled")
	}
	if fh.Size > uploads.MaxImageBytes {
		return "", http.StatusRequestEntityTooLarge, uploads.ErrTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return "", http.StatusBadRequest, errors.New("invalid image upload")
	}
	defer f.Close()

	url, err := s.Images.Save(c.Request.Context(), fh.Filename, f)
	switch {
	case errors.Is(err, uploads.ErrUnsupportedType):
		return "", http.StatusUnsupportedMediaType, err
	case errors.Is(err, uploads.ErrTooLarge):
		return "", http.StatusRequestEntityTooLarge, err
	case err != nil:
		s.Logger.Error("save image", "err", err)
		return "", http.StatusInternalServerError, errors.New("image upload failed")
	}
	return url, 0, nil
}

func (s Service) markRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	err := s.Store.MarkRead(c.Request.Context(), id, auth.MustUserID(c), time.Now())
	if !s.storeErr(c, "mark read", err) {
		return
	}
	httpx.OK(c, gin.H{"ok": true})
}

func (s Service) unread(c *gin.Context) {
	id, ok := pathID(c, "userId")
	if !ok {
		return
	}
	if id != auth.MustUserID(c) {
		httpx.Err(c, http.StatusForbidden, "can only count your own unread messages")
		return
	}
	n, err := s.Store.UnreadCount(c.Request.Context(), id)
	if !s.storeErr(c, "unread count", err) {
		return
	}
	httpx.OK(c, gin.H{"count": n})
}

func (s Service) delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	_, err := s.Store.DeleteMessage(c.Request.Context(), id, auth.MustUserID(c))
	if !s.storeErr(c, "delete message", err) {
		return
	}
	httpx.OK(c, gin.H{"ok": true})
}

// storeErr maps storage sentinels to responses and reports whether the
// handler may continue.
func (s Service) storeErr(c *gin.Context, op string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrNotFound):
		httpx.Err(c, http.StatusNotFound, "message not found")
	case errors.Is(err, storage.ErrForbidden):
		httpx.Err(c, http.StatusForbidden, "forbidden")
	default:
		s.Logger.Error(op, "err", err)
		httpx.Err(c, http.StatusInternalServerError, "database error")
	}
	return false
}
