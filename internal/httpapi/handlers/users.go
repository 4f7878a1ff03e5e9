package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/auth"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/common"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/redisstore"
)

const tokenTTL = 24 * time.Hour

type registerReq struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Name == "" || req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "name, email and password required")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.Redis.UserIDByEmail(ctx, req.Email); err == nil {
		common.Fail(c, http.StatusConflict, 10003, "email already registered")
		return
	} else if !errors.Is(err, redisstore.ErrNotFound) {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}
	userID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to allocate user id")
		return
	}

	err = h.Redis.SaveUserProfile(ctx, userID, map[string]any{
		"id":            userID,
		"name":          req.Name,
		"email":         req.Email,
		"password_hash": hash,
		"created_at":    time.Now().UnixMilli(),
	})
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}

	token, sessionID, err := h.issueSession(c, userID)
	if err != nil {
		return
	}
	common.OK(c, gin.H{
		"id":        userID,
		"name":      req.Name,
		"email":     req.Email,
		"token":     token,
		"sessionId": sessionID,
	})
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	ctx := c.Request.Context()
	userID, err := h.Redis.UserIDByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			common.Fail(c, http.StatusUnauthorized, 10010, "wrong email or password")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	profile, err := h.Redis.UserProfile(ctx, userID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	if !auth.CheckPassword(req.Password, profile["password_hash"]) {
		common.Fail(c, http.StatusUnauthorized, 10010, "wrong email or password")
		return
	}

	token, sessionID, err := h.issueSession(c, userID)
	if err != nil {
		return
	}
	common.OK(c, gin.H{
		"id":        userID,
		"name":      profile["name"],
		"email":     profile["email"],
		"token":     token,
		"sessionId": sessionID,
	})
}

// issueSession signs a token and rotates the recorded client session id.
// Issuing a new session invalidates websocket authentication attempts that
// still carry the previous one. Responds with a failure itself on error.
func (h *Handler) issueSession(c *gin.Context, userID string) (token, sessionID string, err error) {
	token, err = auth.SignJWT(userID, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20004, "failed to sign token")
		return "", "", err
	}
	sessionID = common.NewUUID()
	if err = h.Redis.SetActiveSession(c.Request.Context(), userID, sessionID); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return "", "", err
	}
	return token, sessionID, nil
}

func (h *Handler) Me(c *gin.Context) {
	userID := c.GetString("user_id")
	profile, err := h.Redis.UserProfile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, gin.H{
		"id":           userID,
		"name":         profile["name"],
		"email":        profile["email"],
		"profileImage": profile["profile_image"],
	})
}
