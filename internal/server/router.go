package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hookrelay/internal/auth"
	"hookrelay/internal/handler"
	"hookrelay/internal/middleware"
	"hookrelay/internal/relay"
	"hookrelay/internal/store"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Log         *zap.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hub := relay.NewHub(deps.Log)

	captureLimiter := middleware.NewRateLimiter(120, time.Minute)
	capture := &handler.CaptureHandler{Hub: hub, Store: deps.Store, Log: deps.Log}
	r.Any("/hooks/:slug", middleware.CaptureRateLimit(captureLimiter), capture.Receive)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	endpointHandler := &handler.EndpointHandler{Hub: hub, Store: deps.Store}
	protected.POST("/endpoints", endpointHandler.Create)
	protected.GET("/endpoints", endpointHandler.List)
	protected.GET("/endpoints/:id/events", endpointHandler.Events)
	protected.GET("/endpoints/:id/events/:eventID/deliveries", endpointHandler.Deliveries)
	protected.GET("/endpoints/:id/presence", endpointHandler.Presence)

	machineHandler := &handler.MachineHandler{Store: deps.Store, Endpoints: endpointHandler}
	protected.GET("/endpoints/:id/machines", machineHandler.List)
	protected.POST("/endpoints/:id/machines", machineHandler.Register)

	wsHandler := &handler.WebSocketHandler{Hub: hub, Store: deps.Store, TokenConfig: deps.TokenConfig, Log: deps.Log}
	r.GET("/ws", wsHandler.Serve)

	return r
}
