package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Storage  StorageConfig `mapstructure:"storage"`
	Locks    LockConfig    `mapstructure:"locks"`
	Sessions SessionConfig `mapstructure:"sessions"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release production test"`
	BasePath        string        `mapstructure:"base_path" validate:"required,startswith=/"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type  string      `mapstructure:"type" validate:"oneof=local memory minio"`
	Local LocalConfig `mapstructure:"local"`
	MinIO MinIOConfig `mapstructure:"minio"`
}

// LocalConfig 本地存储配置
type LocalConfig struct {
	RootPath string `mapstructure:"root_path"`
}

// MinIOConfig MinIO配置
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LockConfig 锁管理配置
type LockConfig struct {
	TempTimeout    time.Duration     `mapstructure:"temp_timeout" validate:"gt=0"`
	DefaultTimeout time.Duration     `mapstructure:"default_timeout" validate:"gt=0"`
	MaxTimeout     time.Duration     `mapstructure:"max_timeout" validate:"gtefield=DefaultTimeout"`
	Persistence    PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig 锁持久化配置
type PersistenceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SessionConfig 后台会话配置
type SessionConfig struct {
	Workers    int         `mapstructure:"workers" validate:"gte=1"`
	AllowRetry bool        `mapstructure:"allow_retry"`
	Reply      ReplyConfig `mapstructure:"reply"`
}

// ReplyConfig 会话回复通道配置
type ReplyConfig struct {
	Type  string      `mapstructure:"type" validate:"oneof=log redis"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Address       string `mapstructure:"address"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db" validate:"gte=0"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.base_path", "/webdav")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local.root_path", "./data")
	v.SetDefault("storage.minio.endpoint", "localhost:9000")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("storage.minio.bucket", "sitetool")
	v.SetDefault("storage.minio.prefix", "")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("locks.temp_timeout", 10*time.Second)
	v.SetDefault("locks.default_timeout", 30*time.Minute)
	v.SetDefault("locks.max_timeout", 24*time.Hour)
	v.SetDefault("locks.persistence.enabled", false)
	v.SetDefault("locks.persistence.path", "./data/locks.db")
	v.SetDefault("sessions.workers", 4)
	v.SetDefault("sessions.allow_retry", true)
	v.SetDefault("sessions.reply.type", "log")
	v.SetDefault("sessions.reply.redis.address", "localhost:6379")
	v.SetDefault("sessions.reply.redis.password", "")
	v.SetDefault("sessions.reply.redis.db", 0)
	v.SetDefault("sessions.reply.redis.channel_prefix", "sitetool:session:")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load 加载配置
//
// 优先级：环境变量 > 配置文件 > 默认值。configFile 为空时按默认路径查找 config.yaml。
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sitetool-dav")
	}

	// SITETOOL_SERVER_ADDRESS -> server.address
	v.SetEnvPrefix("SITETOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	setEnvOverrides(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setEnvOverrides 常用的无前缀环境变量覆盖
func setEnvOverrides(v *viper.Viper) {
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		v.Set("server.address", addr)
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		v.Set("server.mode", mode)
	}

	// MinIO配置
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		v.Set("storage.minio.endpoint", endpoint)
	}
	if accessKey := os.Getenv("MINIO_ACCESS_KEY"); accessKey != "" {
		v.Set("storage.minio.access_key", accessKey)
	}
	if secretKey := os.Getenv("MINIO_SECRET_KEY"); secretKey != "" {
		v.Set("storage.minio.secret_key", secretKey)
	}
	if bucket := os.Getenv("MINIO_BUCKET"); bucket != "" {
		v.Set("storage.minio.bucket", bucket)
	}

	// Redis配置
	if redisAddr := os.Getenv("REDIS_ADDRESS"); redisAddr != "" {
		v.Set("sessions.reply.redis.address", redisAddr)
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("sessions.reply.redis.password", redisPassword)
	}
	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			v.Set("sessions.reply.redis.db", db)
		}
	}
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Mode == "production" || c.Server.Mode == "release"
}

// GetGINMode 获取Gin模式
func (c *Config) GetGINMode() string {
	switch c.Server.Mode {
	case "debug":
		return gin.DebugMode
	case "release", "production":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	default:
		return gin.DebugMode
	}
}
