package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/common"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/config"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/gateway"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/httpapi/handlers"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/httpapi/middleware"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/room"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/redisstore"
)

func NewRouter(cfg config.Config, rds *redisstore.Store, rooms *room.Coordinator, gw *gateway.Gateway) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(cfg, rds, rooms)

	r.GET("/ping", h.Ping)

	// auth
	r.POST("/users", h.Register)
	r.POST("/login", h.Login)

	// realtime transport; authentication happens over the socket
	r.GET("/ws", gw.Serve)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.POST("/rooms", h.CreateRoom)
	authGroup.GET("/rooms", h.ListRooms)

	return r
}
