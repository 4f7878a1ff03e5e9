package handlers

import (
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/config"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/room"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/redisstore"
)

type Handler struct {
	Cfg   config.Config
	Redis *redisstore.Store
	Rooms *room.Coordinator
}

func NewHandler(cfg config.Config, rds *redisstore.Store, rooms *room.Coordinator) *Handler {
	return &Handler{Cfg: cfg, Redis: rds, Rooms: rooms}
}
