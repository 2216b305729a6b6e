// Package httpapi implements the operational HTTP server surface of
// spec §6: GET /ping, GET /filling, POST /manual-fill, GET /abort. It
// invokes the core engine through Controller exactly as the CLI does —
// this package owns no fill-orchestration logic of its own. Grounded on
// the teacher's cmd/zmux-server/main.go router construction (gin.New,
// gin.Recovery first, dev-only CORS, a zap request-logging middleware)
// and on internal/http/handler/login.go / internal/service/user_session.go
// for the Redis-backed session gate protecting /manual-fill.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-contrib/sessions"
	sessionsredis "github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Controller is the seam between this HTTP surface and the core engine;
// cmd/cryofill-server supplies an implementation backed by
// internal/fill.Orchestrator, internal/lockfile, and internal/config,
// the same way cmd/cryofilld's CLI path does.
type Controller interface {
	// Filling reports whether a run is currently in progress on this host.
	Filling() bool
	// ManualFill starts a run in the background, honoring clearLock (force
	// an existing lockfile to be released first) and dryRun. It returns
	// once the run has been accepted (lock acquired) or rejected.
	ManualFill(ctx context.Context, clearLock, dryRun bool) error
	// Abort requests the in-progress run stop. If wait is true, Abort
	// blocks until the run has actually finished.
	Abort(ctx context.Context, wait bool) error
}

// Options configures the router.
type Options struct {
	Dev              bool
	SessionSecret    []byte
	SessionRedisAddr string
	// Password gates POST /manual-fill when no valid session cookie is
	// present yet; an empty password disables the gate (every request is
	// accepted and no session is read or written). A non-empty password
	// requires SessionRedisAddr to be set.
	Password string
}

// ZapLogger mirrors the teacher's request-logging middleware: one
// structured log line per request, severity keyed off status code.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joined := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joined != nil {
			fields = append(fields, zap.Error(joined))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

const sessionKeyAuthed = "authed"

// NewRouter builds the gin.Engine serving spec §6's HTTP surface.
func NewRouter(log *zap.Logger, ctrl Controller, opts Options) (*gin.Engine, error) {
	log = log.Named("httpapi")

	if !opts.Dev {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())

	if opts.Dev {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST"},
			AllowHeaders:     []string{"Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(secure.New(secure.Config{
			SSLRedirect:           false,
			STSSeconds:            31536000,
			STSIncludeSubdomains:  true,
			FrameDeny:             true,
			ContentTypeNosniff:    true,
			BrowserXssFilter:      true,
			ContentSecurityPolicy: "default-src 'self'",
		}))
	}

	r.Use(ZapLogger(log))

	if opts.SessionRedisAddr != "" {
		store, err := sessionsredis.NewStore(10, "tcp", opts.SessionRedisAddr, "", "", opts.SessionSecret)
		if err != nil {
			return nil, err
		}
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   4 * 3600,
			Secure:   !opts.Dev,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
		r.Use(sessions.Sessions("cryofill_sid", store))
	}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	r.GET("/filling", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"filling": ctrl.Filling()})
	})

	r.POST("/manual-fill", requirePassword(opts.Password), func(c *gin.Context) {
		clearLock := c.Query("clear_lock") == "true"
		dryRun := c.Query("dry_run") == "true"

		if err := ctrl.ManualFill(c.Request.Context(), clearLock, dryRun); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})

	r.GET("/abort", func(c *gin.Context) {
		wait := c.Query("wait") == "true"
		if err := ctrl.Abort(c.Request.Context(), wait); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.Status(http.StatusOK)
	})

	return r, nil
}

// requirePassword gates a handler behind a session cookie, established
// once a caller supplies the configured password in a JSON body
// {"password": "..."}. An empty configured password disables the gate.
func requirePassword(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password == "" {
			c.Next()
			return
		}

		sess := sessions.Default(c)
		if authed, _ := sess.Get(sessionKeyAuthed).(bool); authed {
			c.Next()
			return
		}

		var body struct {
			Password string `json:"password"`
		}
		_ = c.ShouldBindJSON(&body)

		if body.Password == "" || body.Password != password {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "password required"})
			c.Abort()
			return
		}

		sess.Set(sessionKeyAuthed, true)
		if err := sess.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			c.Abort()
			return
		}
		c.Next()
	}
}
