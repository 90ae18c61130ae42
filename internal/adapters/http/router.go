// Package http serves the local control API: session snapshot, owner
// decisions, media toggles and a websocket snapshot feed.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/Conference/internal/app/session"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Controller is the part of a session the API drives.
type Controller interface {
	Snapshot() session.Snapshot
	Accept(ctx context.Context, pid domain.ParticipantID) error
	Deny(ctx context.Context, pid domain.ParticipantID) error
	SetPermissions(ctx context.Context, pid domain.ParticipantID, perms domain.Permissions) error
	Mute(tag domain.MediaTag) error
	Unmute(tag domain.MediaTag) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	Focus(pid domain.ParticipantID) error
	Leave(ctx context.Context)
}

type Config struct {
	Mode      string
	Secret    string
	Origins   []string
	RateLimit int
	RateEvery time.Duration
}

const tokenKey = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins a client token in the cookie session and
// exposes it as "client_token".
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(tokenKey).(string)
		if token == "" {
			token = genClientToken()
			sess.Set(tokenKey, token)
			if err := sess.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// RateLimitMiddleware rejects clients exceeding the limiter's window.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetString("client_token")
		if !rl.Allow(token) {
			log.Warn().Str("module", "adapters.http").Str("ct", token).Str("path", c.FullPath()).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg Config, ctrl Controller, feed *Feed) http.Handler {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("ConferenceControl", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{ctrl: ctrl}
	api := r.Group("/api")
	api.GET("/session", h.snapshot)
	if feed != nil {
		api.GET("/ws/feed", func(c *gin.Context) { feed.handle(ctx, c) })
	}

	act := api.Group("")
	if cfg.RateLimit > 0 {
		act.Use(RateLimitMiddleware(NewRateLimiter(cfg.RateLimit, cfg.RateEvery)))
	}
	act.POST("/requests/:pid/accept", h.accept)
	act.POST("/requests/:pid/deny", h.deny)
	act.PUT("/participants/:pid/permissions", h.permissions)
	act.POST("/participants/:pid/focus", h.focus)
	act.POST("/media/:tag/mute", h.mute)
	act.POST("/media/:tag/unmute", h.unmute)
	act.POST("/screen", h.startScreen)
	act.DELETE("/screen", h.stopScreen)
	act.POST("/leave", h.leave)

	log.Info().Str("module", "adapters.http").Strs("origins", cfg.Origins).Msg("router setup")

	origins := cfg.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowCredentials: true,
	}).Handler(r)
}
