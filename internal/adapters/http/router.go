package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wz1310/voice-cordova/internal/adapters/signal"
	"github.com/wz1310/voice-cordova/internal/app"
	"github.com/wz1310/voice-cordova/internal/config"
	"github.com/wz1310/voice-cordova/internal/domain"
	"github.com/wz1310/voice-cordova/internal/idp"
	"github.com/wz1310/voice-cordova/internal/turn"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string          `json:"token"`
	User  domain.Identity `json:"user"`
}

// Deps carries everything the router mounts.
type Deps struct {
	Relay    *app.Relay
	Provider idp.Provider
	Codec    *idp.TokenCodec
	Turn     *turn.Issuer
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.POST("/login", func(c *gin.Context) {
		var body loginRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
			return
		}
		id, err := deps.Provider.Lookup(c.Request.Context(), body.Username, body.Password)
		if err != nil {
			if errors.Is(err, idp.ErrBadCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, err := deps.Codec.Issue(id)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, loginResponse{Token: token, User: id})
	})

	api.GET("/turn-token", func(c *gin.Context) {
		tok, err := deps.Turn.Issue()
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue turn token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "turn token failed"})
			return
		}
		c.JSON(http.StatusOK, tok)
	})

	api.GET("/room", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"slots": deps.Relay.Registry().Snapshot()})
	})

	ctrl := signal.NewSignalWSController(deps.Relay, cfg)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
