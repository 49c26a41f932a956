package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义运维 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// JMAPConfig 定义远端邮箱提供商 (JMAP) 的接入配置
type JMAPConfig struct {
	SessionURL       string        // 会话发现端点，默认 Fastmail 的 session URL
	Token            string        // Bearer 凭证（app password），必填
	Domain           string        // catch-all 收件域名，必填
	PollInterval     time.Duration // 轮询模式的采集间隔，默认 30s
	ProcessedMailbox string        // "已处理"哨兵目录名
}

// RetentionConfig 定义链接过期清理配置
type RetentionConfig struct {
	MaxAge        time.Duration // 链接保留时长，默认 24h
	SweepInterval time.Duration // 清理任务执行间隔，默认 1h
}

// CORSConfig 定义 WebSocket 升级时允许的来源
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig    // 运维 HTTP 服务器配置
	JMAP      JMAPConfig      // 远端邮箱接入配置
	Retention RetentionConfig // 链接保留配置
	CORS      CORSConfig      // 跨域配置
	Log       LogConfig       // 日志配置
	Database  DatabaseConfig  // 数据库配置
	Redis     RedisConfig     // Redis 配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAGLINK_
// 例如: MAGLINK_JMAP_TOKEN, MAGLINK_JMAP_DOMAIN
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("maglink")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("jmap.session_url", "https://api.fastmail.com/jmap/session")
	viper.SetDefault("jmap.token", "")
	viper.SetDefault("jmap.domain", "")
	viper.SetDefault("jmap.poll_interval", "30s")
	viper.SetDefault("jmap.processed_mailbox", "Magic Link Processed")
	viper.SetDefault("retention.max_age", "24h")
	viper.SetDefault("retention.sweep_interval", "1h")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	token := viper.GetString("jmap.token")
	if token == "" {
		return nil, fmt.Errorf("jmap.token is required: set MAGLINK_JMAP_TOKEN")
	}

	catchAllDomain := strings.ToLower(strings.TrimSpace(viper.GetString("jmap.domain")))
	if catchAllDomain == "" {
		return nil, fmt.Errorf("jmap.domain is required: set MAGLINK_JMAP_DOMAIN")
	}

	pollInterval, err := time.ParseDuration(viper.GetString("jmap.poll_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid jmap.poll_interval: %w", err)
	}
	if pollInterval <= 0 {
		return nil, fmt.Errorf("jmap.poll_interval must be positive")
	}

	processedMailbox := viper.GetString("jmap.processed_mailbox")
	if strings.TrimSpace(processedMailbox) == "" {
		return nil, fmt.Errorf("jmap.processed_mailbox must not be empty")
	}

	maxAge, err := time.ParseDuration(viper.GetString("retention.max_age"))
	if err != nil {
		return nil, fmt.Errorf("invalid retention.max_age: %w", err)
	}

	sweepInterval, err := time.ParseDuration(viper.GetString("retention.sweep_interval"))
	if err != nil {
		sweepInterval = time.Hour
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		JMAP: JMAPConfig{
			SessionURL:       viper.GetString("jmap.session_url"),
			Token:            token,
			Domain:           catchAllDomain,
			PollInterval:     pollInterval,
			ProcessedMailbox: processedMailbox,
		},
		Retention: RetentionConfig{
			MaxAge:        maxAge,
			SweepInterval: sweepInterval,
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 如果文件不存在，静默失败；已存在的环境变量优先级更高。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
