package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	OSS        OSSConfig        `mapstructure:"oss"`
	Queue      QueueConfig      `mapstructure:"queue"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Generation GenerationConfig `mapstructure:"generation"`
	History    HistoryConfig    `mapstructure:"history"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Status     StatusConfig     `mapstructure:"status"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
}

type QueueConfig struct {
	AnalysisQueue string `mapstructure:"analysis_queue"`
	// Embedded 为 true 时 server 进程内直接消费队列，无需单独部署 worker
	Embedded bool `mapstructure:"embedded"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// AnalysisConfig 分析流水线配置
type AnalysisConfig struct {
	AllowedExtensions   []string `mapstructure:"allowed_extensions"`
	IgnoredDirectories  []string `mapstructure:"ignored_directories"`
	CloneDir            string   `mapstructure:"clone_dir"`
	CloneTimeoutSeconds int      `mapstructure:"clone_timeout_seconds"`
	CloneRetries        int      `mapstructure:"clone_retries"`
	TopK                int      `mapstructure:"top_k"`
	ContextQuery        string   `mapstructure:"context_query"`
	StaleAfterMinutes   int      `mapstructure:"stale_after_minutes"`
	MaxFileBytes        int64    `mapstructure:"max_file_bytes"`
	ArchiveDir          string   `mapstructure:"archive_dir"` // OSS 不可用时结果的本地落盘目录
}

// StaleAfter 处理中状态超过该时长未刷新即视为已放弃
func (c AnalysisConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// VectorConfig 向量库配置
type VectorConfig struct {
	DBPath            string `mapstructure:"db_path"`
	Compress          bool   `mapstructure:"compress"`
	EmbeddingProvider string `mapstructure:"embedding_provider"` // ollama, openai
	EmbeddingModel    string `mapstructure:"embedding_model"`
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	CacheSize         int    `mapstructure:"cache_size"`
	MaxRetries        int    `mapstructure:"max_retries"`
}

// GenerationConfig 生成模型配置
type GenerationConfig struct {
	Provider       string `mapstructure:"provider"` // gemini, openai
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	ChatModel      string `mapstructure:"chat_model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	Concurrent     bool   `mapstructure:"concurrent"`
}

type HistoryConfig struct {
	Capacity        int `mapstructure:"capacity"`
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes"`
}

func (c HistoryConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

type QuotaConfig struct {
	AnonymousLimit int    `mapstructure:"anonymous_limit"`
	SessionCookie  string `mapstructure:"session_cookie"`
}

// StatusConfig 状态存储配置
type StatusConfig struct {
	Backend  string `mapstructure:"backend"` // file, redis
	FilePath string `mapstructure:"file_path"`
	RedisKey string `mapstructure:"redis_key"`
}

var (
	DefaultAllowedExtensions = []string{
		".py", ".md", ".txt", ".js", ".ts", ".html", ".css", ".json",
		".yaml", ".yml", ".sh", ".go", "Dockerfile",
	}
	DefaultIgnoredDirectories = []string{
		".git", "__pycache__", "node_modules", "dist", "build", ".vscode", "venv", ".idea", "vendor",
	}
)

const DefaultContextQuery = "Generate a complete technical documentation for this software project."

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults 补齐未配置的字段
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Queue.AnalysisQueue == "" {
		c.Queue.AnalysisQueue = "archmind:analysis"
	}

	a := &c.Analysis
	if len(a.AllowedExtensions) == 0 {
		a.AllowedExtensions = DefaultAllowedExtensions
	}
	if len(a.IgnoredDirectories) == 0 {
		a.IgnoredDirectories = DefaultIgnoredDirectories
	}
	if a.CloneDir == "" {
		a.CloneDir = os.TempDir()
	}
	if a.CloneTimeoutSeconds <= 0 {
		a.CloneTimeoutSeconds = 120
	}
	if a.CloneRetries <= 0 {
		a.CloneRetries = 2
	}
	if a.TopK <= 0 {
		a.TopK = 15
	}
	if a.ContextQuery == "" {
		a.ContextQuery = DefaultContextQuery
	}
	if a.StaleAfterMinutes <= 0 {
		a.StaleAfterMinutes = 30
	}
	if a.MaxFileBytes <= 0 {
		a.MaxFileBytes = 512 * 1024
	}
	if a.ArchiveDir == "" {
		a.ArchiveDir = filepath.Join(os.TempDir(), "archmind_archives")
	}

	v := &c.Vector
	if v.DBPath == "" {
		v.DBPath = "./data/chroma"
	}
	if v.EmbeddingProvider == "" {
		v.EmbeddingProvider = "ollama"
	}
	if v.EmbeddingModel == "" {
		v.EmbeddingModel = "nomic-embed-text"
	}
	if v.CacheSize <= 0 {
		v.CacheSize = 4096
	}
	if v.MaxRetries <= 0 {
		v.MaxRetries = 3
	}

	g := &c.Generation
	if g.Provider == "" {
		g.Provider = "gemini"
	}
	if g.Model == "" {
		g.Model = "gemini-2.5-pro"
	}
	if g.ChatModel == "" {
		g.ChatModel = "gemini-2.5-flash"
	}
	if g.TimeoutSeconds <= 0 {
		g.TimeoutSeconds = 300
	}
	if g.MaxRetries <= 0 {
		g.MaxRetries = 3
	}

	if c.History.Capacity <= 0 {
		c.History.Capacity = 5
	}
	if c.History.CacheTTLMinutes <= 0 {
		c.History.CacheTTLMinutes = 60
	}
	if c.Quota.AnonymousLimit <= 0 {
		c.Quota.AnonymousLimit = 5
	}
	if c.Quota.SessionCookie == "" {
		c.Quota.SessionCookie = "archmind_session"
	}

	if c.Status.Backend == "" {
		c.Status.Backend = "file"
	}
	if c.Status.FilePath == "" {
		c.Status.FilePath = "status.json"
	}
	if c.Status.RedisKey == "" {
		c.Status.RedisKey = "archmind:status"
	}
}
