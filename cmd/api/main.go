// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/authz/internal/auth"
	"github.com/yourusername/authz/internal/authz"
	"github.com/yourusername/authz/internal/config"
	"github.com/yourusername/authz/internal/oidc"
)

const requestIDHeader = "X-Request-Id"

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Loaded config: %s", cfg)

	gin.SetMode(cfg.GinMode)

	registry, err := setupStrategies(context.Background(), cfg, log.Default())
	if err != nil {
		log.Fatalf("Failed to set up strategies: %v", err)
	}

	authZ, err := authz.New(authz.Config{
		Secret:   []byte(cfg.JWTSecret),
		Provider: registry,
	})
	if err != nil {
		log.Fatalf("Failed to create authz: %v", err)
	}

	router := newRouter(cfg, authZ, log.Default())

	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupStrategies は設定に応じてストラテジーを Registry に登録します。
func setupStrategies(ctx context.Context, cfg *config.Config, logger *log.Logger) (*authz.Registry, error) {
	registry := authz.NewRegistry()

	if cfg.BasicEnabled() {
		var limiter auth.Limiter = auth.NewMemoryLimiter()
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			limiter = auth.NewRedisLimiter(redis.NewClient(opt))
		}
		basic, err := auth.NewBasicStrategy(auth.BasicConfig{
			Username:     cfg.AppUsername,
			PasswordHash: cfg.AppPasswordHash,
			Realm:        cfg.JWTIssuer,
			Limiter:      limiter,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		registry.Use(auth.BasicStrategyName, basic)
	}

	if cfg.OIDCEnabled() {
		discoveryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		strategy, err := oidc.New(discoveryCtx, oidc.Config{
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.Scopes(),
		})
		if err != nil {
			return nil, err
		}
		registry.Use(oidc.StrategyName, strategy)
	}

	return registry, nil
}

// newRouter は共通ミドルウェアとルーティングを設定した gin.Engine を返します。
func newRouter(cfg *config.Config, authZ *authz.AuthZ, logger *log.Logger) *gin.Engine {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.SetHTMLTemplate(authz.TokenTemplate)
	router.Use(requestID())

	// セッションストアの設定（開発時に鍵が無い場合は起動ごとに生成）
	sessionSecret := []byte(cfg.SessionSecret)
	if len(sessionSecret) == 0 {
		logger.Printf("SESSION_SECRET is not set; sessions will not survive a restart")
		sessionSecret = []byte(uuid.NewString() + uuid.NewString())
	}
	store := cookie.NewStore(sessionSecret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   authz.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		// IdP からのリダイレクトでクッキーを送るため Lax にする
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))
	router.Use(authz.RestoreSession())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	corsConfig.ExposeHeaders = []string{requestIDHeader}
	router.Use(cors.New(corsConfig))

	router.Use(authz.ErrorHandler(logger))

	setupRoutes(router, cfg, authZ)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "authz-api",
		"version": "0.1.0",
	})
}

func handleLogout(c *gin.Context) {
	if err := authz.LogOut(c); err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.Status(http.StatusNoContent)
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, authZ *authz.AuthZ) {
	router.GET("/health", handleHealth)

	flow := authZ.RequestState()

	authRoutes := router.Group("/api/auth")
	{
		authRoutes.POST("/token", authZ.Authenticate(auth.BasicStrategyName), authZ.Sign(cfg.JWTIssuer))
		if cfg.OIDCEnabled() {
			authRoutes.GET("/oauth", authZ.OAuth(oidc.StrategyName, cfg.Scopes(), authz.StateFunc(func(c *gin.Context) any {
				// flow が無い場合は空の state を送る
				if v, ok := flow(c); ok {
					return v
				}
				return nil
			})))
			authRoutes.GET("/oauth/callback", authZ.Authenticate(oidc.StrategyName), authZ.Sign(cfg.JWTIssuer))
		}
		authRoutes.GET("/userinfo", authz.RequireUser(), authZ.UserInfo())
		authRoutes.POST("/logout", handleLogout)
	}
}

// requestID はリクエストIDを発行し、ヘッダーとコンテキストに設定します。
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(authz.ContextRequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
