package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/middleware"
)

type RouterParams struct {
	Tokens         *auth.Service
	APIKey         string
	AllowedOrigins []string
	Rooms          *RoomAPI
	Signal         *SignalHandler
	Logger         *zap.SugaredLogger
}

func NewRouter(params RouterParams) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// runs before routing so preflights and upgrades are covered
	router.Use(OriginFilter(params.AllowedOrigins, params.Logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/token", IssueAuthToken(params.Tokens, params.APIKey))

		authed := apiGroup.Group("", middleware.BearerAuth(params.Tokens, auth.RoleAdmin, auth.RoleUser))
		authed.POST("/rooms/token", params.Rooms.CreateRoomToken)
		authed.POST("/rooms", params.Rooms.CreateRoom)
		authed.GET("/rooms/:roomId", params.Rooms.GetRoom)
		authed.DELETE("/rooms/:roomId", params.Rooms.DeleteRoom)

		apiGroup.GET("/status", middleware.BearerAuth(params.Tokens, auth.RoleAdmin), params.Rooms.Status)
	}

	router.GET("/ws", params.Signal.HandleSignaling)
	return router
}
