package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"freelance-chat/internal/constants"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 支援的事件存儲後端.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config 應用程式配置結構.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Limits   LimitsConfig   `mapstructure:"limits"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	Timeout        int      `mapstructure:"timeout"`
	UseHTTPS       bool     `mapstructure:"use_https"`
	CertPath       string   `mapstructure:"cert_path"`
	KeyPath        string   `mapstructure:"key_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GRPCConfig gRPC 配置.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"` // mongo | postgres | memory
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
	// ChangeStreams 為 false 時一律使用輪詢（單機 mongod 不支援 change stream）.
	ChangeStreams bool `mapstructure:"change_streams"`
}

// PostgresConfig PostgreSQL 配置.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Channel  string `mapstructure:"notify_channel"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int    `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int    `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int    `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
	Level             string `mapstructure:"level"`               // 最低輸出等級，debug 模式固定為 DEBUG.
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	TLS            TLSConfig            `mapstructure:"tls"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	Audit          AuditConfig          `mapstructure:"audit"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// AuthenticationConfig 認證配置.
type AuthenticationConfig struct {
	JWTEnabled bool   `mapstructure:"jwt_enabled"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	Expiration string `mapstructure:"expiration"`
}

// TokenTTL 解析 Expiration，格式錯誤或未設定時回傳 24 小時.
func (a AuthenticationConfig) TokenTTL() time.Duration {
	if d, err := time.ParseDuration(a.Expiration); err == nil && d > 0 {
		return d
	}
	return 24 * time.Hour
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig      `mapstructure:"request"`
	RateLimiting RateLimitingConfig       `mapstructure:"rate_limiting"`
	SSE          SSELimitsConfig          `mapstructure:"sse"`
	Message      MessageLimitsConfig      `mapstructure:"message"`
	Subscription SubscriptionLimitsConfig `mapstructure:"subscription"`
	Query        QueryLimitsConfig        `mapstructure:"query"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// RateLimitingConfig Rate Limiting 配置.
type RateLimitingConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	DefaultPerMinute int  `mapstructure:"default_per_minute"`
	MessagesPerMin   int  `mapstructure:"messages_per_minute"`
	StreamsPerMin    int  `mapstructure:"streams_per_minute"`
	CleanupInterval  int  `mapstructure:"cleanup_interval_minutes"`
}

// SSELimitsConfig 串流連接（SSE 與 WebSocket 共用）限制配置.
type SSELimitsConfig struct {
	MaxConnectionsPerIP   int `mapstructure:"max_connections_per_ip"`
	MaxTotalConnections   int `mapstructure:"max_total_connections"`
	MinConnectionInterval int `mapstructure:"min_connection_interval_seconds"`
	HeartbeatInterval     int `mapstructure:"heartbeat_interval_seconds"`
	CleanupInterval       int `mapstructure:"cleanup_interval_minutes"`
}

// MessageLimitsConfig 訊息限制配置.
type MessageLimitsConfig struct {
	MaxLength     int `mapstructure:"max_length"`
	ChannelBuffer int `mapstructure:"channel_buffer"`
}

// SubscriptionLimitsConfig 即時訂閱配置.
type SubscriptionLimitsConfig struct {
	SafetyTimeoutSeconds int `mapstructure:"safety_timeout_seconds"`
	PollIntervalMS       int `mapstructure:"poll_interval_ms"`
}

// SafetyTimeout 初次載入的安全超時.
func (s SubscriptionLimitsConfig) SafetyTimeout() time.Duration {
	if s.SafetyTimeoutSeconds <= 0 {
		return constants.DefaultSafetyTimeoutSeconds * time.Second
	}
	return time.Duration(s.SafetyTimeoutSeconds) * time.Second
}

// PollInterval 輪詢型監聽的間隔.
func (s SubscriptionLimitsConfig) PollInterval() time.Duration {
	ms := s.PollIntervalMS
	if ms <= 0 {
		ms = constants.DefaultPollIntervalMS
	}
	if ms < constants.MinPollIntervalMS {
		ms = constants.MinPollIntervalMS
	}
	return time.Duration(ms) * time.Millisecond
}

// QueryLimitsConfig 事件存儲查詢限制，與驅動無關.
type QueryLimitsConfig struct {
	// MaxResults 單次查詢的筆數上限；0 表示不限制，超過時查詢失敗而非截斷.
	MaxResults int `mapstructure:"max_results"`
}

// CleanupEvery 將分鐘設定轉為 time.Duration，未設定時使用 fallback 分鐘數.
func CleanupEvery(minutes, fallback int) time.Duration {
	if minutes <= 0 {
		minutes = fallback
	}
	return time.Duration(minutes) * time.Minute
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		applyDefaults(testCfg[0])
		if err := validateConfig(testCfg[0]); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		config = testCfg[0]
		return nil
	}

	// .env 不存在是正常的（容器環境直接注入環境變數）
	_ = godotenv.Load()

	if env := os.Getenv("ENV"); env != "" {
		ENV = env
	}

	// 初始化 Viper
	v := viper.New()

	// 檢查是否有 CONFIG_PATH 環境變數
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		// 使用 CONFIG_PATH 指定的檔案
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		// 使用預設的環境配置檔案
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	// 環境變數覆蓋，例如 DATABASE_MONGO_URL、SECURITY_AUTHENTICATION_JWT_SECRET
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 讀取配置檔案
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	// 將配置綁定到結構體
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}
	applyDefaults(cfg)

	// 驗證配置
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	config = cfg
	return nil
}

// Get 取得設定.
func Get() *Config {
	return config
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// applyDefaults 補上未設定的預設值
func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverMongo
	}
	if cfg.Database.Postgres.Channel == "" {
		cfg.Database.Postgres.Channel = "chat_messages"
	}
	if cfg.Database.Postgres.MaxConns == 0 {
		cfg.Database.Postgres.MaxConns = constants.DefaultPostgresMaxConns
	}
	if cfg.Database.Postgres.MinConns == 0 {
		cfg.Database.Postgres.MinConns = constants.DefaultPostgresMinConns
	}
	if cfg.Limits.Message.MaxLength <= 0 {
		cfg.Limits.Message.MaxLength = constants.DefaultMaxMessageLength
	}
	if cfg.Limits.Message.ChannelBuffer <= 0 {
		cfg.Limits.Message.ChannelBuffer = constants.MessageChannelBuffer
	}
	if cfg.Limits.Request.MaxBodySize <= 0 {
		cfg.Limits.Request.MaxBodySize = constants.DefaultMaxRequestBodySize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	// 驗證應用程式配置
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("應用程式版本不能為空")
	}

	// 驗證伺服器配置
	if cfg.Server.Host == "" {
		return fmt.Errorf("伺服器主機不能為空")
	}
	if cfg.Server.Port == "" {
		return fmt.Errorf("伺服器端口不能為空")
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("伺服器超時時間必須大於 0")
	}

	// 驗證資料庫配置
	switch cfg.Database.Driver {
	case DriverMongo:
		if cfg.Database.Mongo.URL == "" {
			return fmt.Errorf("MongoDB URL 不能為空")
		}
		if cfg.Database.Mongo.Database == "" {
			return fmt.Errorf("MongoDB 資料庫名稱不能為空")
		}
		if cfg.Database.Mongo.MaxPoolSize == 0 {
			return fmt.Errorf("MongoDB 最大連接池大小必須大於 0")
		}
		if cfg.Database.Mongo.MinPoolSize > cfg.Database.Mongo.MaxPoolSize {
			return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
		}
	case DriverPostgres:
		if cfg.Database.Postgres.URL == "" {
			return fmt.Errorf("PostgreSQL URL 不能為空")
		}
		if cfg.Database.Postgres.MinConns > cfg.Database.Postgres.MaxConns {
			return fmt.Errorf("PostgreSQL 最小連線數不能大於最大連線數")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("不支援的資料庫驅動: %s", cfg.Database.Driver)
	}

	// 驗證日誌配置
	if cfg.Log.RotationTimeHours <= 0 {
		return fmt.Errorf("日誌輪轉時間必須大於 0")
	}
	if cfg.Log.MaxAgeDays <= 0 {
		return fmt.Errorf("日誌保留天數必須大於 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("日誌檔案最大大小必須大於 0")
	}

	// 啟用 JWT 時必須有足夠長度的密鑰
	if cfg.Security.Authentication.JWTEnabled && len(cfg.Security.Authentication.JWTSecret) < 32 {
		return fmt.Errorf("JWT 密鑰長度至少 32 字元")
	}

	if cfg.Limits.Query.MaxResults < 0 {
		return fmt.Errorf("查詢筆數上限不能為負數")
	}

	if cfg.Limits.Message.MaxLength > 10000 {
		return fmt.Errorf("訊息長度上限不能超過 10000")
	}

	return nil
}

// IsDebug 檢查是否為除錯模式
func IsDebug() bool {
	if config != nil {
		return config.App.Debug
	}
	return false
}

// GetServerAddr 取得伺服器地址
func GetServerAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	}
	return "localhost:8080"
}

// GetGRPCAddr 取得 gRPC 伺服器地址
func GetGRPCAddr() string {
	if config != nil && config.GRPC.Port != "" {
		return fmt.Sprintf("%s:%s", config.GRPC.Host, config.GRPC.Port)
	}
	return "localhost:8081"
}
