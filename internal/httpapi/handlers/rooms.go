package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/common"
)

type createRoomReq struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Name == "" {
		common.Fail(c, http.StatusBadRequest, 10030, "room name required")
		return
	}

	userID := c.GetString("user_id")
	roomID, err := h.Rooms.Create(c.Request.Context(), userID, req.Name, req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "failed to create room")
		return
	}
	common.OK(c, gin.H{
		"id":          roomID,
		"name":        req.Name,
		"hasPassword": req.Password != "",
	})
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.Rooms.List(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "failed to list rooms")
		return
	}
	common.OK(c, gin.H{"rooms": rooms})
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
