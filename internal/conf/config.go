// Package conf 负责集中式配置加载
package conf

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	PprofAddr       string        `mapstructure:"pprof_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 控制后端选择链与连接行为
type DatabaseConfig struct {
	URL               string        `mapstructure:"url"`
	Path              string        `mapstructure:"path"`
	PersistentDir     string        `mapstructure:"persistent_dir"`
	MemoryName        string        `mapstructure:"memory_name"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	OpTimeout         time.Duration `mapstructure:"op_timeout"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	ReselectOnFailure bool          `mapstructure:"reselect_on_failure"`
	ColumnCacheSize   int           `mapstructure:"column_cache_size"`
	ColumnCacheTTL    time.Duration `mapstructure:"column_cache_ttl"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	MaxLoginFailures int           `mapstructure:"max_login_failures"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

// AdminConfig 为空时不创建管理员账户
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Admin     AdminConfig     `mapstructure:"admin"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// SetDefaults 写入全部默认值。viper 只会为已知的键解析环境变量，所以每个键都要有默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.log_level", "INFO")
	v.SetDefault("server.pprof_addr", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "")
	v.SetDefault("database.persistent_dir", "/data")
	v.SetDefault("database.memory_name", "lingualearn")
	v.SetDefault("database.connect_timeout", 30*time.Second)
	v.SetDefault("database.op_timeout", 30*time.Second)
	v.SetDefault("database.retry_backoff", 200*time.Millisecond)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.reselect_on_failure", true)
	v.SetDefault("database.column_cache_size", 512)
	v.SetDefault("database.column_cache_ttl", 10*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.max_login_failures", 5)
	v.SetDefault("auth.lockout_duration", 15*time.Minute)

	v.SetDefault("admin.username", "")
	v.SetDefault("admin.email", "")
	v.SetDefault("admin.password", "")

	v.SetDefault("rate_limit.per_second", 5.0)
	v.SetDefault("rate_limit.burst", 20)
}

// bindEnv 为托管平台约定的环境变量建立显式绑定，例如 DATABASE_URL 与 PORT
func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"database.url":     {"LINGUA_DATABASE_URL", "DATABASE_URL"},
		"database.path":    {"LINGUA_DATABASE_PATH", "DATABASE_PATH"},
		"server.port":      {"LINGUA_SERVER_PORT", "PORT"},
		"server.log_level": {"LINGUA_SERVER_LOG_LEVEL", "LOG_LEVEL"},
		"auth.jwt_secret":  {"LINGUA_AUTH_JWT_SECRET", "JWT_SECRET"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("绑定环境变量 %s 失败: %w", key, err)
		}
	}
	return nil
}

// New 创建已配置好默认值、环境变量规则与配置文件路径的 viper 实例。
// configFile 为空时在 . 与 ./configs 下查找可选的 config.yaml。
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("LINGUA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件 '%s' 失败: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}
	return v, nil
}

// Decode 将 viper 中的配置解析到结构体并校验
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置到结构体失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load 是 New + Decode 的便捷组合
func Load(configFile string) (*Config, *viper.Viper, error) {
	v, err := New(configFile)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port 非法: %d", c.Server.Port)
	}
	if c.Database.OpTimeout <= 0 || c.Database.ConnectTimeout <= 0 {
		return errors.New("database.op_timeout 与 database.connect_timeout 必须为正数")
	}
	if c.Database.RetryBackoff < 0 {
		return errors.New("database.retry_backoff 不能为负数")
	}
	if c.Database.ColumnCacheSize <= 0 {
		return errors.New("database.column_cache_size 必须为正数")
	}
	if c.Auth.MaxLoginFailures <= 0 {
		return errors.New("auth.max_login_failures 必须为正数")
	}
	return nil
}

// Watch 在配置文件变化时重新解析并回调。没有使用配置文件时什么也不做。
// 只有日志级别这类无需重启的设置会在回调中生效。
func Watch(v *viper.Viper, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err != nil {
			slog.Warn("配置文件变更后解析失败，保持原配置", "file", e.Name, "error", err)
			return
		}
		slog.Info("检测到配置文件变更", "file", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	v.WatchConfig()
}
