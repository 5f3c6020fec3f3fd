package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/server/config"
	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/server/websocket"
)

// NewRouter assembles the HTTP surface: REST endpoints, the websocket
// upgrade endpoint and the metrics/health endpoints.
func NewRouter(cfg *config.Config, queries *store.Queries, jwtManager *crypto.JWTManager, eventRouter *websocket.EventRouter, ws http.Handler, log zerolog.Logger) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(log))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsConfig))

	emitter := &updateEmitter{queries: queries, router: eventRouter, log: log}

	authHandler := NewAuthHandler(queries, jwtManager, cfg.Tuning.TokenTTL, log)
	sessionHandler := NewSessionHandler(queries, emitter, cfg.Tuning.ActiveSessionWindow, log)
	messageHandler := NewMessageHandler(queries, emitter, log)
	machineHandler := NewMachineHandler(queries, emitter, log)
	artifactHandler := NewArtifactHandler(queries, emitter, log)
	accountHandler := NewAccountHandler(queries, emitter, log)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/v1/auth/challenge", authHandler.Challenge)
	engine.POST("/v1/auth", authHandler.Authenticate)

	// Websocket auth happens inside the frame handshake, not via the HTTP
	// bearer middleware.
	engine.GET("/v1/updates", gin.WrapH(ws))

	v1 := engine.Group("/v1", Auth(jwtManager))
	{
		v1.GET("/sessions", sessionHandler.List)
		v1.GET("/sessions/active", sessionHandler.List)
		v1.POST("/sessions", sessionHandler.Create)
		v1.GET("/sessions/:id", sessionHandler.Get)
		v1.GET("/sessions/:id/messages", messageHandler.Fetch)
		v1.POST("/sessions/:id/messages/batch", messageHandler.SubmitBatch)

		v1.GET("/machines", machineHandler.List)
		v1.POST("/machines", machineHandler.Upsert)
		v1.GET("/machines/:id", machineHandler.Get)

		v1.GET("/artifacts", artifactHandler.List)
		v1.POST("/artifacts", artifactHandler.Create)
		v1.GET("/artifacts/:id", artifactHandler.Get)
		v1.PUT("/artifacts/:id/header", artifactHandler.UpdateHeader)
		v1.PUT("/artifacts/:id/body", artifactHandler.UpdateBody)
		v1.DELETE("/artifacts/:id", artifactHandler.Delete)

		v1.GET("/account", accountHandler.Get)
		v1.POST("/account/settings", accountHandler.UpdateSettings)
		v1.POST("/account/profile", accountHandler.UpdateProfile)
	}

	return engine
}
