// Package config 负责加载 bootstrap 配置：YAML 文件扫描进普通结构体，
// .env 文件与环境变量提供本地开发覆盖。
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/joho/godotenv"
)

const (
	envConfPath    = "CONF_PATH"
	envDatabaseURL = "DATABASE_URL"
	envPort        = "PORT"
)

var envFileNames = []string{".env.local", ".env"}

// Bootstrap 是服务的全量配置。
type Bootstrap struct {
	Server    Server    `json:"server"`
	Data      Data      `json:"data"`
	Storage   Storage   `json:"storage"`
	Upload    Upload    `json:"upload"`
	Transcode Transcode `json:"transcode"`
	Sweep     Sweep     `json:"sweep"`
}

// Server 是对外服务的监听配置。
type Server struct {
	HTTP HTTPServer `json:"http"`
}

// HTTPServer 是 HTTP 监听配置。
type HTTPServer struct {
	Addr    string `json:"addr"`
	Timeout string `json:"timeout"`
}

// Data 是数据层配置。
type Data struct {
	Postgres Postgres `json:"postgres"`
}

// Postgres 是连接池配置。时长字段用 Go duration 字符串（"30s"、"5m"）。
type Postgres struct {
	DSN               string `json:"dsn"`
	Schema            string `json:"schema"`
	MaxOpenConns      int32  `json:"max_open_conns"`
	MinOpenConns      int32  `json:"min_open_conns"`
	MaxConnLifetime   string `json:"max_conn_lifetime"`
	MaxConnIdleTime   string `json:"max_conn_idle_time"`
	HealthCheckPeriod string `json:"health_check_period"`
}

// ProviderCredential 是一组 S3 兼容凭据的配置形态。
type ProviderCredential struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
}

// Storage 是对象存储网关配置。Defaults 按提供商名（aws_s3/oracle_os/wasabi）
// 给出平台默认凭据。
type Storage struct {
	Defaults       map[string]ProviderCredential `json:"defaults"`
	UploadURLTTL   string                        `json:"upload_url_ttl"`
	DownloadURLTTL string                        `json:"download_url_ttl"`
	ProbeTimeout   string                        `json:"probe_timeout"`
	RetryAttempts  uint64                        `json:"retry_attempts"`
}

// Upload 是上传台账配置。
type Upload struct {
	SizeToleranceBytes int64  `json:"size_tolerance_bytes"`
	TranscodeProfile   string `json:"transcode_profile"`
}

// Transcode 是转码调度器配置。
type Transcode struct {
	Workers        int    `json:"workers"`
	PollInterval   string `json:"poll_interval"`
	Lease          string `json:"lease"`
	MaxAttempts    int32  `json:"max_attempts"`
	BackoffInitial string `json:"backoff_initial"`
	BackoffMax     string `json:"backoff_max"`
	FFmpegBinary   string `json:"ffmpeg_binary"`
	WorkDir        string `json:"work_dir"`
	Timeout        string `json:"timeout"`
}

// Sweep 是过期清扫配置。
type Sweep struct {
	Interval     string `json:"interval"`
	BatchSize    int32  `json:"batch_size"`
	JobRetention string `json:"job_retention"`
}

// Params 是配置加载入口参数，ConfPath 为空时回退 CONF_PATH 环境变量。
type Params struct {
	ConfPath string
}

// NewBootstrap 加载 bootstrap 配置：先读 .env 文件，再扫描 YAML，
// 最后应用环境变量覆盖（DATABASE_URL、PORT）。
func NewBootstrap(params Params) (Bootstrap, func(), error) {
	loadEnvFiles()
	confPath := params.ConfPath
	if confPath == "" {
		confPath = os.Getenv(envConfPath)
	}
	if confPath == "" {
		confPath = "configs/config.yaml"
	}

	c := config.New(config.WithSource(file.NewSource(confPath)))
	if err := c.Load(); err != nil {
		return Bootstrap{}, func() {}, fmt.Errorf("load config %q: %w", confPath, err)
	}
	var bc Bootstrap
	if err := c.Scan(&bc); err != nil {
		_ = c.Close()
		return Bootstrap{}, func() {}, fmt.Errorf("scan config %q: %w", confPath, err)
	}
	applyEnvOverrides(&bc)

	cleanup := func() {
		_ = c.Close()
	}
	return bc, cleanup, nil
}

func loadEnvFiles() {
	for _, name := range envFileNames {
		if _, err := os.Stat(name); err == nil {
			_ = godotenv.Load(name)
		}
	}
}

func applyEnvOverrides(bc *Bootstrap) {
	if dsn := os.Getenv(envDatabaseURL); dsn != "" {
		bc.Data.Postgres.DSN = dsn
	}
	if port := os.Getenv(envPort); port != "" {
		bc.Server.HTTP.Addr = ":" + port
	}
}

// ParseDuration 解析配置里的 duration 字符串，空值或解析失败时用 fallback。
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
