// Package server exposes the service surface: the room REST API, the room
// session WebSocket upgrade, health probes, and the Prometheus scrape
// endpoint, all on one gin router.
package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/dispatch"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/middleware"
	"github.com/parleyhq/parley/internal/v1/provider"
	"github.com/parleyhq/parley/internal/v1/registry"
	"github.com/parleyhq/parley/internal/v1/session"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Server wires the HTTP and WebSocket surface over the room state.
type Server struct {
	cfg        *config.Config
	store      *store.MemoryStore
	registry   *registry.HandlerRegistry
	dispatcher *dispatch.Dispatcher
	provider   provider.ChatProvider
	upgrader   websocket.Upgrader
}

// New creates a Server. The provider is only consulted by the readiness
// probe; LLM traffic flows through the dispatcher.
func New(cfg *config.Config, st *store.MemoryStore, reg *registry.HandlerRegistry, disp *dispatch.Dispatcher, prov provider.ChatProvider) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		dispatcher: disp,
		provider:   prov,
	}

	allowed := cfg.AllowedOriginList()
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.DevelopmentMode {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return s
}

// Router builds the gin engine with middleware and all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("orchestrator"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = s.cfg.AllowedOriginList()
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	api := router.Group("/api/rooms")
	{
		api.POST("", s.createRoom)
		api.GET("", s.listRooms)
		api.GET("/:roomId", s.getRoom)
		api.GET("/:roomId/history", s.loadHistory)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/rooms/:roomId", s.serveRoomSession)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", s.liveness)
	router.GET("/health/ready", s.readiness)

	return router
}

// serveRoomSession upgrades the connection and runs a StreamHandler until
// the client disconnects. Room existence is checked by the join frame, not
// here, so clients get a structured error event instead of a failed
// handshake.
func (s *Server) serveRoomSession(c *gin.Context) {
	roomID := types.RoomID(c.Param("roomId"))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return
	}

	handler := session.NewStreamHandler(conn, roomID, s.store, s.registry, s.dispatcher, s.cfg.OutboundQueueSize)
	handler.Run(logging.WithRoom(c.Request.Context(), string(roomID)))
}
