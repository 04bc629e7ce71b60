package config

import (
	"errors"
	"time"
)

// Config 应用配置根结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	AI           AIConfig           `mapstructure:"ai"`
	Log          LogConfig          `mapstructure:"log"`
	Mongo        MongoConfig        `mapstructure:"mongo"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Conversation ConversationConfig `mapstructure:"conversation"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AIConfig AI 服务配置
type AIConfig struct {
	Provider       string          `mapstructure:"provider"`
	APIKey         string          `mapstructure:"api_key"`
	Model          string          `mapstructure:"model"`
	BaseURL        string          `mapstructure:"base_url"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"` // 上游补全调用超时
	Options        AIOptionsConfig `mapstructure:"options"`
}

// AIOptionsConfig AI 模型参数
type AIOptionsConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TopP        float64 `mapstructure:"top_p"`
}

// LogConfig 日志配置 (Zerolog)
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	TimeFormat string `mapstructure:"time_format"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	MaxPoolSize uint64 `mapstructure:"max_pool_size"`
	MinPoolSize uint64 `mapstructure:"min_pool_size"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret          string        `mapstructure:"jwt_secret"`           // JWT密钥
	AccessTokenExpiry  time.Duration `mapstructure:"access_token_expiry"`  // Access Token过期时间
	RefreshTokenExpiry time.Duration `mapstructure:"refresh_token_expiry"` // Refresh Token过期时间
}

// RateLimitConfig 滑动窗口限流配置
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"` // 窗口内最大请求数
	Window      time.Duration `mapstructure:"window"`       // 窗口长度
	FailOpen    bool          `mapstructure:"fail_open"`    // 存储不可用时放行还是拒绝
}

// ConversationConfig 对话存储配置
type ConversationConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`           // 记录保留时长，每次写入重置
	HistoryLimit int           `mapstructure:"history_limit"` // 历史查询默认条数
}

// Validate 验证配置有效性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	validModes := map[string]bool{"debug": true, "release": true, "test": true}
	if !validModes[c.Server.Mode] {
		return errors.New("invalid server mode, must be debug/release/test")
	}

	if c.RateLimit.MaxRequests <= 0 {
		return errors.New("rate_limit.max_requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if c.Conversation.TTL <= 0 {
		return errors.New("conversation.ttl must be positive")
	}

	return nil
}
