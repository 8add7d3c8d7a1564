package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/abuse"
	"youplace-realtime/internal/batch"
	"youplace-realtime/internal/hub"
	"youplace-realtime/internal/spatial"
)

// Relay 驱动
const (
	RelayRedis  = "redis"
	RelayNATS   = "nats"
	RelayMemory = "memory"
)

// 活动数据来源
const (
	ActivityRedis = "redis"
	ActivityGorm  = "gorm"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	ServerPort string
	LogLevel   string
	AppEnv     string
	InstanceID string

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	RelayDriver    string
	NATSURL        string
	ActivitySource string

	JWTSecret         string
	InternalAPIToken  string
	CORSAllowedOrigin string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	AuthTimeout       time.Duration

	TileSize int
	Batch    batch.Config
	Hub      hub.Config
	Abuse    abuse.Config
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// .env 不存在时只用环境变量
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:        envString("SERVER_PORT", "8080"),
		LogLevel:          envString("LOG_LEVEL", "info"),
		AppEnv:            envString("APP_ENV", "development"),
		InstanceID:        envString("INSTANCE_ID", ""),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            envString("DB_PORT", "3306"),
		DBName:            os.Getenv("DB_NAME"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           envInt("REDIS_DB", 0),
		KeyPrefix:         envString("REDIS_KEY_PREFIX", "yp:"),
		RelayDriver:       envString("RELAY_DRIVER", RelayRedis),
		NATSURL:           envString("NATS_URL", "nats://127.0.0.1:4222"),
		ActivitySource:    envString("ACTIVITY_SOURCE", ActivityRedis),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		InternalAPIToken:  os.Getenv("INTERNAL_API_TOKEN"),
		CORSAllowedOrigin: envString("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		RateLimitMax:      envInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow:   envDuration("RATE_LIMIT_WINDOW", time.Second),
		AuthTimeout:       envDuration("AUTH_TIMEOUT", 10*time.Second),
		TileSize:          envInt("TILE_SIZE", spatial.DefaultTileSize),
		Batch: batch.Config{
			MaxSize: envInt("BATCH_MAX_SIZE", batch.DefaultMaxSize),
			Window:  envDuration("BATCH_WINDOW", batch.DefaultWindow),
		},
	}

	cfg.Hub = hub.DefaultConfig()
	cfg.Hub.MaxViewportTiles = envInt("MAX_VIEWPORT_TILES", cfg.Hub.MaxViewportTiles)
	cfg.Hub.MaxRoomsPerConnection = envInt("MAX_ROOMS_PER_CONNECTION", cfg.Hub.MaxRoomsPerConnection)
	cfg.Hub.ClientEventsPerMinute = envInt("CLIENT_EVENTS_PER_MINUTE", cfg.Hub.ClientEventsPerMinute)

	cfg.Abuse = abuse.DefaultConfig()
	cfg.Abuse.MaxPixelsPerSecond = envInt("ABUSE_MAX_PER_SECOND", cfg.Abuse.MaxPixelsPerSecond)
	cfg.Abuse.MaxPixelsPerMinute = envInt("ABUSE_MAX_PER_MINUTE", cfg.Abuse.MaxPixelsPerMinute)
	cfg.Abuse.MaxPixelsPerHour = envInt("ABUSE_MAX_PER_HOUR", cfg.Abuse.MaxPixelsPerHour)
	cfg.Abuse.MaxBurstPixels = envInt("ABUSE_MAX_BURST", cfg.Abuse.MaxBurstPixels)
	cfg.Abuse.MaxIdenticalColors = envInt("ABUSE_MAX_IDENTICAL_COLORS", cfg.Abuse.MaxIdenticalColors)
	cfg.Abuse.MaxLinearSequence = envInt("ABUSE_MAX_LINEAR_SEQUENCE", cfg.Abuse.MaxLinearSequence)
	cfg.Abuse.CooldownDuration = envDuration("ABUSE_COOLDOWN", cfg.Abuse.CooldownDuration)
	cfg.Abuse.WarningThreshold = envInt("ABUSE_WARNING_THRESHOLD", cfg.Abuse.WarningThreshold)

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	cfg.Hub.InstanceID = cfg.InstanceID

	switch cfg.RelayDriver {
	case RelayRedis, RelayNATS, RelayMemory:
	default:
		return nil, fmt.Errorf("unsupported RELAY_DRIVER %q (want redis, nats or memory)", cfg.RelayDriver)
	}
	switch cfg.ActivitySource {
	case ActivityRedis, ActivityGorm:
	default:
		return nil, fmt.Errorf("unsupported ACTIVITY_SOURCE %q (want redis or gorm)", cfg.ActivitySource)
	}
	if cfg.RedisAddr == "" && cfg.RelayDriver != RelayMemory {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if cfg.InternalAPIToken == "" {
		return nil, fmt.Errorf("environment variable INTERNAL_API_TOKEN must be set")
	}
	if cfg.TileSize <= 0 {
		return nil, fmt.Errorf("TILE_SIZE must be positive, got %d", cfg.TileSize)
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// UseRedis 是否有共享存储可用
func (c *Config) UseRedis() bool { return c.RedisAddr != "" }

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt 解析失败时使用默认值并告警
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("Invalid %s '%s', using default %d", key, v, def)
		return def
	}
	return n
}

// envDuration 接受 "500ms"、"10s" 这类写法
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.Warnf("Invalid %s '%s', using default %s", key, v, def)
		return def
	}
	return d
}
