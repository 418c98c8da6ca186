package contacts

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ageniuscoder/gymchat/internal/auth"
	"github.com/ageniuscoder/gymchat/internal/httpx"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/gin-gonic/gin"
)

type Service struct {
	Store  *storage.Store
	Logger *slog.Logger
}

type item struct {
	UserID        int64  `json:"user_id"`
	Username      string `json:"username"`
	DisplayName   string `json:"display_name"`
	AvatarURL     string `json:"avatar_url"`
	LastMessage   string `json:"last_message"`
	LastMessageAt int64  `json:"last_message_at"`
}

func NewService(store *storage.Store, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{Store: store, Logger: logger.With("component", "contacts")}
}

func (s Service) Register(rg *gin.RouterGroup) {
	rg.GET("/contacts/:userId", s.list)
}

func (s Service) list(c *gin.Context) {
	uid := auth.MustUserID(c)
	id, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid user id")
		return
	}
	if id != uid {
		httpx.Err(c, http.StatusForbidden, "can only list your own contacts")
		return
	}

	list, err := s.Store.Contacts(c.Request.Context(), uid)
	if err != nil {
		s.Logger.Error("list contacts", "user_id", uid, "err", err)
		httpx.Err(c, http.StatusInternalServerError, "failed to fetch contacts")
		return
	}

	out := make([]item, 0, len(list))
	for _, ct := range list {
		out = append(out, item{
			UserID:        ct.UserID,
			Username:      ct.Username,
			DisplayName:   ct.DisplayName,
			AvatarURL:     ct.AvatarURL,
			LastMessage:   ct.LastMessage,
			LastMessageAt: ct.LastMessageAt.UnixMilli(),
		})
	}
	httpx.OK(c, gin.H{"data": out})
}
