package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ageniuscoder/gymchat/internal/auth"
	"github.com/ageniuscoder/gymchat/internal/config"
	"github.com/ageniuscoder/gymchat/internal/httpx"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/gin-gonic/gin"
)

const searchLimit = 20

type Service struct {
	Store     *storage.Store
	JWTSecret string
	JWTTTLMin int
	Logger    *slog.Logger
}

type registerReq struct {
	Username    string `json:"username" binding:"required,min=3,max=32,alphanum"`
	Password    string `json:"password" binding:"required,min=6,max=72"`
	DisplayName string `json:"display_name" binding:"max=64"`
	Role        string `json:"role" binding:"omitempty,oneof=member trainer owner"`
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func NewService(store *storage.Store, cfg config.Config, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		Store:     store,
		JWTSecret: cfg.JWTSecret,
		JWTTTLMin: cfg.JWTTTLMin,
		Logger:    logger.With("component", "users"),
	}
}

// RegisterPublic mounts the unauthenticated identity endpoints.
func (s Service) RegisterPublic(rg *gin.RouterGroup) {
	rg.POST("/register", s.register)
	rg.POST("/login", s.login)
}

// RegisterPrivate mounts endpoints behind the JWT middleware.
func (s Service) RegisterPrivate(rg *gin.RouterGroup) {
	rg.GET("/me", s.getMe)
	rg.GET("/users/search", s.searchUsers)
	rg.GET("/users/:id/last-seen", s.getLastSeen)
}

func (s Service) register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.Logger.Error("hash password", "err", err)
		httpx.Err(c, http.StatusInternalServerError, "create user failed")
		return
	}
	u, err := s.Store.CreateUser(c.Request.Context(), storage.User{
		Username:     req.Username,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Role:         req.Role,
	})
	if errors.Is(err, storage.ErrConflict) {
		httpx.Err(c, http.StatusConflict, "username already exists")
		return
	}
	if err != nil {
		s.Logger.Error("create user", "err", err)
		httpx.Err(c, http.StatusInternalServerError, "create user failed")
		return
	}

	s.issue(c, http.StatusCreated, u.ID)
}

func (s Service) login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err)
		return
	}

	u, err := s.Store.UserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Error("login lookup", "err", err)
		}
		httpx.Err(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		httpx.Err(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.issue(c, http.StatusOK, u.ID)
}

func (s Service) issue(c *gin.Context, status int, uid int64) {
	tok, err := auth.NewToken(s.JWTSecret, uid, s.JWTTTLMin)
	if err != nil {
		s.Logger.Error("sign token", "err", err)
		httpx.Err(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	c.JSON(status, gin.H{"token": tok, "user_id": uid})
}

func (s Service) getMe(c *gin.Context) {
	uid := auth.MustUserID(c)
	if uid == 0 {
		httpx.Err(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	u, err := s.Store.UserByID(c.Request.Context(), uid)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.Err(c, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.Logger.Error("get me", "user_id", uid, "err", err)
		httpx.Err(c, http.StatusInternalServerError, "database error")
		return
	}
	httpx.OK(c, gin.H{"user": u})
}

func (s Service) searchUsers(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		httpx.Err(c, http.StatusBadRequest, "query parameter is required")
		return
	}

	found, err := s.Store.SearchUsers(c.Request.Context(), query, auth.MustUserID(c), searchLimit)
	if err != nil {
		s.Logger.Error("search users", "err", err)
		httpx.Err(c, http.StatusInternalServerError, "database query failed")
		return
	}
	if found == nil {
		found = []storage.User{}
	}
	httpx.OK(c, gin.H{"users": found})
}

func (s Service) getLastSeen(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := s.Store.UserByID(c.Request.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.Err(c, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.Logger.Error("last seen", "user_id", userID, "err", err)
		httpx.Err(c, http.StatusInternalServerError, "database error")
		return
	}
	var lastSeen any
	if !u.LastActive.IsZero() {
		lastSeen = u.LastActive.UTC().Format(time.RFC3339)
	}
	httpx.OK(c, gin.H{"last_seen": lastSeen})
}
