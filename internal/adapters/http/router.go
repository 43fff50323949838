// Package http wires the gin router: session handling, the initial data and
// message history endpoints and the websocket signaling endpoint.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/adapters/signal"
	"github.com/huddlehq/huddle/internal/config"
	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/hub"
	"github.com/huddlehq/huddle/internal/store"
)

// UserMiddleware reads the signed-in user id from the session cookie. Sign-in
// itself lives outside this service; requests without a session are rejected.
func UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		uid, _ := sess.Get("uid").(string)
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("uid", uid)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller, st *store.Store) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookies := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", cookies))

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api", UserMiddleware())

	// The first fetch after sign-in: the user's rooms with live presence
	// merged in, plus their friend requests.
	api.GET("/data", func(c *gin.Context) {
		uid := domain.UserID(c.GetString("uid"))
		rooms, err := ctl.Presence.RoomsFor(c.Request.Context(), uid)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		requests, err := ctl.Friends.ViewsFor(c.Request.Context(), uid)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": rooms, "requests": requests})
	})

	api.GET("/rooms/:rid/messages", func(c *gin.Context) {
		uid := domain.UserID(c.GetString("uid"))
		rid := domain.RoomID(c.Param("rid"))
		room, err := st.GetRoom(c.Request.Context(), uid, rid)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrNotFound) {
				status = http.StatusNotFound
			} else if errors.Is(err, domain.ErrNotMember) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": "cannot fetch room"})
			return
		}
		msgs, err := st.Fetch(c.Request.Context(), room.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		views := make([]hub.MessageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, hub.ViewOf(m))
		}
		c.JSON(http.StatusOK, gin.H{"messages": views})
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("uid", c.GetString("uid")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	return r
}
