package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"relay/internal/ai"
	"relay/internal/config"
	"relay/internal/handler"
	authHandler "relay/internal/handler/auth"
	"relay/internal/pkg/cache"
	"relay/internal/pkg/mongodb"
	"relay/internal/ratelimit"
	"relay/internal/repository"
	authRepo "relay/internal/repository/auth"
	"relay/internal/server/middleware"
	"relay/internal/service"
)

// Server HTTP 服务器
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	mongo  *mongodb.Client
	redis  *cache.RedisCache

	authSvc *service.AuthService
	chatSvc *service.ChatService
	limiter *ratelimit.Limiter
}

// New 创建服务器实例
func New(cfg *config.Config) (*Server, error) {
	// 设置 Gin 模式
	switch cfg.Server.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// 初始化 Redis（限流和对话存储依赖，必需）
	redisCache, err := cache.NewRedisCache(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")

	// 初始化 MongoDB（可选，未配置时用户数据存内存）
	var mongoClient *mongodb.Client
	if cfg.Mongo.URI != "" {
		client, err := mongodb.New(&cfg.Mongo)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to MongoDB, continuing without it")
		} else {
			mongoClient = client
			log.Info().Str("database", cfg.Mongo.Database).Msg("connected to MongoDB")

			if err := mongodb.EnsureIndexes(mongoClient.Database()); err != nil {
				log.Warn().Err(err).Msg("failed to ensure indexes")
			}
		}
	}

	// 认证服务：优先 MongoDB，未配置时退到内存存储
	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "default-secret-key-change-in-production"
		log.Warn().Msg("JWT secret not configured, using default (NOT SECURE for production)")
	}

	accessTokenExpiry := cfg.Auth.AccessTokenExpiry
	if accessTokenExpiry == 0 {
		accessTokenExpiry = 24 * time.Hour
	}

	refreshTokenExpiry := cfg.Auth.RefreshTokenExpiry
	if refreshTokenExpiry == 0 {
		refreshTokenExpiry = 7 * 24 * time.Hour
	}

	var userRepo service.UserRepository
	var refreshTokenRepo service.RefreshTokenRepository
	if mongoClient != nil {
		userRepo = authRepo.NewUserRepo(mongoClient.Database())
		refreshTokenRepo = authRepo.NewRefreshTokenRepo(mongoClient.Database())
	} else {
		log.Warn().Msg("MongoDB not configured, using in-memory user storage")
		userRepo = authRepo.NewMemoryUserRepo()
		refreshTokenRepo = authRepo.NewMemoryRefreshTokenRepo()
	}

	authSvc := service.NewAuthService(
		userRepo,
		refreshTokenRepo,
		jwtSecret,
		accessTokenExpiry,
		refreshTokenExpiry,
	)

	// 限流器
	limiter := ratelimit.New(redisCache.Client(), cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)

	// 对话存储
	convRepo := repository.NewConversationRepo(redisCache.Client(), cfg.Conversation.TTL)

	// 上游补全客户端
	aiClient, err := ai.NewClient(context.Background(), &cfg.AI)
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", cfg.AI.Provider).Str("model", cfg.AI.Model).Msg("initialized completion client")

	chatSvc := service.NewChatService(aiClient, convRepo, cfg.AI.RequestTimeout)

	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		mongo:   mongoClient,
		redis:   redisCache,
		authSvc: authSvc,
		chatSvc: chatSvc,
		limiter: limiter,
	}

	srv.setupRoutes()

	return srv, nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	// 全局中间件
	s.engine.Use(middleware.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.Logger())
	s.engine.Use(middleware.CORS())

	// 健康检查
	healthHandler := handler.NewHealthHandler()
	s.engine.GET("/health", healthHandler.Health)
	s.engine.GET("/ready", healthHandler.Ready)

	// Swagger 文档
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// API v1
	v1 := s.engine.Group("/api/v1")
	{
		// 认证接口（公开）
		authHdl := authHandler.NewHandler(s.authSvc)
		v1.POST("/auth/register", authHdl.Register)
		v1.POST("/auth/login", authHdl.Login)
		v1.POST("/auth/refresh", authHdl.Refresh)

		// 需要认证的接口
		authed := v1.Group("")
		authed.Use(middleware.Auth(s.authSvc.JWT()))
		{
			authed.POST("/auth/logout", authHdl.Logout)
			authed.GET("/auth/me", authHdl.GetMe)

			// Chat 接口（限流）
			chatHdl := handler.NewChatHandler(s.chatSvc, s.cfg.Conversation.HistoryLimit)
			chat := authed.Group("")
			chat.Use(middleware.RateLimit(s.limiter, s.cfg.RateLimit.FailOpen))
			{
				chat.POST("/chat", chatHdl.Chat)
				chat.GET("/chat/history/:id", chatHdl.History)
				chat.DELETE("/chat/history/:id", chatHdl.Delete)
				chat.GET("/chat/conversations", chatHdl.List)
			}
		}
	}
}

// Run 启动服务器
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待关闭信号或错误
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server...")

		if s.mongo != nil {
			if err := s.mongo.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to close MongoDB connection")
			}
		}
		if err := s.redis.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close Redis connection")
		}

		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Engine 获取 Gin 引擎 (用于测试)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
