package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"youplace-realtime/internal/abuse"
	"youplace-realtime/internal/batch"
	"youplace-realtime/internal/broadcast"
	httpHandler "youplace-realtime/internal/handler/http"
	wsHandler "youplace-realtime/internal/handler/websocket"
	"youplace-realtime/internal/hub"
	gormpersistence "youplace-realtime/internal/infra/persistence/gorm"
	"youplace-realtime/internal/infra/setup"
	memstate "youplace-realtime/internal/infra/state/memory"
	redisstate "youplace-realtime/internal/infra/state/redis"
	"youplace-realtime/internal/middleware"
	"youplace-realtime/internal/relay"
	"youplace-realtime/internal/repository"
	"youplace-realtime/internal/service"
	"youplace-realtime/internal/spatial"
	"youplace-realtime/internal/tasks"
	"youplace-realtime/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	NATSConn    *nats.Conn
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Hub         *hub.Hub
	Realtime    *service.RealtimeService
	HttpServer  *http.Server

	coalescer   *batch.Coalescer
	broadcaster *broadcast.Broadcaster
	relay       relay.Relay
	sweeper     *abuse.Sweeper
	scheduler   *asynq.Scheduler

	redisClientOpt asynq.RedisClientOpt
	ctx            context.Context
	cancel         context.CancelFunc
	hubDone        chan struct{}
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := newLogger(cfg)
	log.WithFields(logrus.Fields{
		"instance_id":  cfg.InstanceID,
		"relay_driver": cfg.RelayDriver,
		"activity":     cfg.ActivitySource,
		"tile_size":    cfg.TileSize,
	}).Info("Configuration loaded successfully")

	app := &App{Config: cfg, Log: log, hubDone: make(chan struct{})}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	if err := app.initInfra(); err != nil {
		app.closeInfra()
		return nil, err
	}

	// 4. 初始化 Repositories
	accounts := gormpersistence.NewGormAccountRepository(app.DB)
	state, activity := app.newStateRepositories()
	log.Info("Repositories initialized")

	// 5. 组装实时网关
	app.assemble(state, activity)

	authenticator, err := service.NewAuthenticator(accounts, cfg.JWTSecret)
	if err != nil {
		app.closeInfra()
		return nil, fmt.Errorf("failed to create Authenticator: %w", err)
	}
	log.Info("Services initialized")

	// 6. 后台任务，仅在有 Redis 时启用
	if cfg.UseRedis() {
		app.AsynqServer = worker.NewWorkerServer(
			app.redisClientOpt,
			worker.NewCleanupHandler(app.Realtime),
			log,
		)
		log.Info("Worker server initialized")
	} else {
		log.Warn("No Redis configured, periodic cleanup is disabled")
	}

	// 7. 路由
	router := app.newRouter(state, authenticator)
	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")

	return app, nil
}

// assemble 按依赖顺序创建网关组件
func (a *App) assemble(state repository.StateRepository, activity repository.ActivityRepository) {
	cfg := a.Config
	index := spatial.NewIndex(cfg.TileSize)
	registry := spatial.NewRegistry()
	conns := hub.NewConnections()
	a.broadcaster = broadcast.NewBroadcaster(registry, state, conns)
	a.Hub = hub.NewHub(conns, registry, index, a.broadcaster, state, cfg.Hub)
	a.coalescer = batch.NewCoalescer(cfg.Batch, state)
	a.coalescer.OnBatchReady(a.broadcaster.HandleBatch)

	gate := abuse.NewGate(cfg.Abuse, activity)
	a.sweeper = abuse.NewSweeper(gate, abuse.DefaultSweepInterval)
	a.relay = relay.NewBreaker(a.newRelay(), relay.DefaultBreakerConfig())

	a.Realtime = service.NewRealtimeService(service.Deps{
		InstanceID:  cfg.InstanceID,
		Index:       index,
		Gate:        gate,
		Activity:    activity,
		Coalescer:   a.coalescer,
		Relay:       a.relay,
		State:       state,
		Broadcaster: a.broadcaster,
		Hub:         a.Hub,
		CleanupIdle: service.DefaultCleanupIdle,
	})
}

func newLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel) // LoadConfig 已校验
	log.SetLevel(level)
	log.SetOutput(os.Stdout)

	// 各组件使用包级 logrus，保持同样的格式
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
	return log
}

func (a *App) initInfra() error {
	cfg := a.Config
	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return fmt.Errorf("failed to init DB: %w", err)
	}
	a.DB = db
	if err := setup.VerifySchema(db); err != nil {
		return fmt.Errorf("failed to verify DB schema: %w", err)
	}
	a.Log.Info("Database initialized")

	if cfg.UseRedis() {
		client, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to init Redis: %w", err)
		}
		a.RedisClient = client
		a.redisClientOpt = asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
		a.AsynqClient = asynq.NewClient(a.redisClientOpt)
		a.Log.Info("Redis and Asynq clients initialized")
	}

	if cfg.RelayDriver == RelayNATS {
		conn, err := setup.InitNATS(cfg.NATSURL, "youplace-realtime-"+cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("failed to init NATS: %w", err)
		}
		a.NATSConn = conn
	}
	return nil
}

// newStateRepositories 没有 Redis 时退回单实例的内存实现
func (a *App) newStateRepositories() (repository.StateRepository, repository.ActivityRepository) {
	cfg := a.Config
	var state repository.StateRepository
	if a.RedisClient != nil {
		state = redisstate.NewRedisStateRepository(a.RedisClient, cfg.KeyPrefix)
	} else {
		a.Log.Warn("Using in-memory state store, room state is not shared between instances")
		state = memstate.NewMemoryStateRepository()
	}

	// 最长的检测窗口是一小时
	retention := time.Hour
	switch {
	case cfg.ActivitySource == ActivityGorm:
		return state, gormpersistence.NewGormActivityRepository(a.DB)
	case a.RedisClient != nil:
		return state, redisstate.NewRedisActivityRepository(a.RedisClient, cfg.KeyPrefix, retention)
	default:
		return state, memstate.NewMemoryActivityRepository(retention)
	}
}

func (a *App) newRelay() relay.Relay {
	switch a.Config.RelayDriver {
	case RelayNATS:
		return relay.NewNATS(a.NATSConn, relay.DefaultNATSSubject)
	case RelayRedis:
		return relay.NewRedis(a.RedisClient, a.Config.KeyPrefix)
	default:
		a.Log.Warn("Using in-memory relay, paints are not shared between instances")
		return relay.NewMemoryBus()
	}
}

func (a *App) newRouter(state repository.StateRepository, authenticator *service.Authenticator) *gin.Engine {
	cfg := a.Config
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(a.Log))
	router.Use(CORS(cfg.CORSAllowedOrigin))

	ws := wsHandler.NewWebSocketHandler(a.Hub, authenticator, cfg.CORSAllowedOrigin, cfg.AuthTimeout)
	paints := httpHandler.NewPaintHandler(a.Realtime)
	var cleanups httpHandler.CleanupQueue
	if a.AsynqClient != nil {
		cleanups = tasks.NewEnqueuer(a.AsynqClient)
	}
	admin := httpHandler.NewAdminHandler(a.Realtime, cleanups)

	router.GET("/ws", ws.HandleConnection)

	// 绘制服务在内网调用，携带共享密钥
	internal := router.Group("/internal/paints")
	internal.Use(middleware.InternalToken(cfg.InternalAPIToken))
	{
		internal.POST("/evaluate", paints.Evaluate)
		internal.POST("/persisted", paints.Persisted)
	}

	adminRoutes := router.Group("/api/admin/realtime")
	adminRoutes.Use(
		middleware.RateLimit(state, cfg.RateLimitMax, cfg.RateLimitWindow),
		middleware.Auth(authenticator),
		middleware.RequireAdmin(authenticator),
	)
	{
		adminRoutes.GET("/rooms", admin.ActiveRooms)
		adminRoutes.GET("/rooms/:roomId", admin.RoomState)
		adminRoutes.GET("/stats", admin.SystemStats)
		adminRoutes.POST("/events", admin.BroadcastSpecialEvent)
		adminRoutes.POST("/cleanup", admin.ForceCleanup)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	return router
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go func() {
		defer close(a.hubDone)
		a.Hub.Run(a.ctx)
	}()
	a.Log.Info("Hub routine started")

	if err := a.Realtime.StartRelay(a.ctx); err != nil {
		// 订阅失败只影响跨实例，本地投递照常
		a.Log.WithError(err).Error("Failed to subscribe to relay")
	}

	go a.sweeper.Run(a.ctx)
	go a.Realtime.RunStatsLogger(a.ctx, service.DefaultStatsInterval)

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.registerPeriodicTasks()
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

func (a *App) registerPeriodicTasks() {
	scheduler := asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{
		LogLevel: asynq.WarnLevel,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			switch {
			case errors.Is(err, asynq.ErrDuplicateTask):
				a.Log.Debug("Periodic cleanup already enqueued by another instance")
			case err != nil:
				a.Log.WithError(err).Warn("Failed to enqueue periodic task")
			default:
				a.Log.WithField("task_id", info.ID).Debug("Periodic task enqueued")
			}
		},
	})

	// 各实例生成相同的任务，唯一键保证每个周期只执行一次
	cleanup, err := tasks.NewCleanupTask(tasks.SourceScheduler)
	if err != nil {
		a.Log.Errorf("Failed to create cleanup task: %v", err)
		return
	}
	entryID, err := scheduler.Register(tasks.CleanupSpec, cleanup, asynq.Queue("default"))
	if err != nil {
		a.Log.Errorf("Could not register periodic task %s: %v", cleanup.Type(), err)
		return
	}
	a.Log.Infof("Periodic task %s registered with schedule '%s' (EntryID: %s)", cleanup.Type(), tasks.CleanupSpec, entryID)

	a.scheduler = scheduler
	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
		}
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 1. 不再接受新的请求和连接
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 停止 Hub、relay 订阅和清理任务，Hub 会注销所有连接
	a.cancel()
	select {
	case <-a.hubDone:
	case <-ctx.Done():
		a.Log.Warn("Timed out waiting for hub to stop")
	}

	// 3. 发出剩余批次并等待投递
	if err := a.coalescer.Drain(ctx); err != nil {
		a.Log.WithError(err).Warn("Pending batches not fully drained")
	}
	if err := a.broadcaster.Wait(ctx); err != nil {
		a.Log.WithError(err).Warn("Broadcast tasks still running at shutdown")
	}
	if err := a.relay.Close(); err != nil {
		a.Log.WithError(err).Warn("Error closing relay")
	}

	// 4. 后台任务
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	a.closeInfra()
	a.Log.Info("Application shutdown complete.")
}

func (a *App) closeInfra() {
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}
	if a.NATSConn != nil {
		a.NATSConn.Close()
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}
}

// CORS 只允许配置的来源
func CORS(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		// 查询串里可能带 token，不记录
		if c.Request.URL.RawQuery != "" && c.Query("token") == "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Debug("Request handled")
		}
	}
}
