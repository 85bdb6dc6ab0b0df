package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort                    = 5000
	defaultBindHost                = "127.0.0.1"
	defaultMaxUploadBytes    int64 = 256 << 20
	defaultMaxFiles                = 20000
	defaultMaxExtractedTotal int64 = 1024 << 20
	defaultMaxExtractedFile  int64 = 256 << 20
	defaultBuildTimeout            = 10 * time.Minute
	defaultCargoBin                = "cargo"
	defaultLogLevel                = "info"
	defaultLogFormat               = "text"
	defaultDiscoveryService        = "_crateforge._tcp"
	defaultDiscoveryDomain         = "local."
	defaultEnvFile                 = ".env"
)

// Config controls server behavior.
type Config struct {
	Port     int
	BindHost string

	// WorkDir is the parent of per-request workspaces. Empty means the
	// platform temp directory.
	WorkDir  string
	CargoBin string

	MaxUploadBytes         int64
	MaxExtractedFiles      int
	MaxExtractedTotalBytes int64
	MaxExtractedFileBytes  int64

	BuildTimeout        time.Duration
	MaxConcurrentBuilds int

	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	DiscoveryEnabled  bool
	DiscoveryService  string
	DiscoveryDomain   string
	DiscoveryInstance string

	UseFakeBuilder bool
}

func Default() Config {
	return Config{
		Port:                   defaultPort,
		BindHost:               defaultBindHost,
		CargoBin:               defaultCargoBin,
		MaxUploadBytes:         defaultMaxUploadBytes,
		MaxExtractedFiles:      defaultMaxFiles,
		MaxExtractedTotalBytes: defaultMaxExtractedTotal,
		MaxExtractedFileBytes:  defaultMaxExtractedFile,
		BuildTimeout:           defaultBuildTimeout,
		LogLevel:               defaultLogLevel,
		LogFormat:              defaultLogFormat,
		MetricsEnabled:         true,
		DiscoveryService:       defaultDiscoveryService,
		DiscoveryDomain:        defaultDiscoveryDomain,
	}
}

// LoadEnvFile overlays variables from a dotenv file onto the process
// environment without overriding anything already set. A missing default
// file is not an error; a missing explicitly named one is.
func LoadEnvFile() error {
	path := strings.TrimSpace(os.Getenv("CRATEFORGE_ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func FromEnv() (Config, error) {
	cfg := Default()
	cfg.BindHost = getEnv("CRATEFORGE_BIND_HOST", cfg.BindHost)
	cfg.WorkDir = strings.TrimSpace(os.Getenv("CRATEFORGE_WORK_DIR"))
	cfg.CargoBin = getEnv("CRATEFORGE_CARGO_BIN", cfg.CargoBin)
	cfg.LogLevel = getEnv("CRATEFORGE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("CRATEFORGE_LOG_FORMAT", cfg.LogFormat)
	cfg.DiscoveryService = getEnv("CRATEFORGE_DISCOVERY_SERVICE", cfg.DiscoveryService)
	cfg.DiscoveryDomain = getEnv("CRATEFORGE_DISCOVERY_DOMAIN", cfg.DiscoveryDomain)
	cfg.DiscoveryInstance = strings.TrimSpace(os.Getenv("CRATEFORGE_DISCOVERY_INSTANCE"))
	cfg.UseFakeBuilder = strings.TrimSpace(os.Getenv("CRATEFORGE_USE_FAKE_BUILDER")) == "1"

	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Port = n
	}
	if v := strings.TrimSpace(os.Getenv("CRATEFORGE_MAX_UPLOAD_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRATEFORGE_MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.MaxUploadBytes = n
	}
	if v := strings.TrimSpace(os.Getenv("CRATEFORGE_MAX_EXTRACTED_FILES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRATEFORGE_MAX_EXTRACTED_FILES: %w", err)
		}
		cfg.MaxExtractedFiles = n
	}
	if v := strings.TrimSpace(os.Getenv("CRATEFORGE_MAX_EXTRACTED_TOTAL_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRATEFORGE_MAX_EXTRACTED_TOTAL_BYTES: %w", err)
		}
		cfg.MaxExtractedTotalBytes = n
	}
	if v := strings.TrimSpace(os.Getenv("CRATEFORGE_MAX_EXTRACTED_FILE_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRATEFORGE_MAX_EXTRACTED_FILE_BYTES: %w", err)
		}
		cfg.MaxExtractedFileBytes = n
	}
	if v := strings.TrimSpace(os.Getenv("CRATEFORGE_BUILD_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRATEFORGE_BUILD_TIMEOUT: %w", err)
		}
		cfg.BuildTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("CRATEFORGE_MAX_CONCURRENT_BUILDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRATEFORGE_MAX_CONCURRENT_BUILDS: %w", err)
		}
		cfg.MaxConcurrentBuilds = n
	}
	if v := strings.TrimSpace(os.Getenv("CRATEFORGE_METRICS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRATEFORGE_METRICS: %w", err)
		}
		cfg.MetricsEnabled = b
	}
	if v := strings.TrimSpace(os.Getenv("CRATEFORGE_DISCOVERY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRATEFORGE_DISCOVERY: %w", err)
		}
		cfg.DiscoveryEnabled = b
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if strings.TrimSpace(c.BindHost) == "" {
		return errors.New("bind host is required")
	}
	if strings.TrimSpace(c.CargoBin) == "" {
		return errors.New("cargo bin is required")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be > 0")
	}
	if c.MaxExtractedFiles <= 0 {
		return errors.New("max extracted files must be > 0")
	}
	if c.MaxExtractedTotalBytes <= 0 {
		return errors.New("max extracted total bytes must be > 0")
	}
	if c.MaxExtractedFileBytes <= 0 {
		return errors.New("max extracted file bytes must be > 0")
	}
	if c.BuildTimeout <= 0 {
		return errors.New("build timeout must be > 0")
	}
	if c.MaxConcurrentBuilds < 0 {
		return errors.New("max concurrent builds must be >= 0")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.WorkDir != "" {
		fi, err := os.Stat(c.WorkDir)
		if err != nil {
			return fmt.Errorf("work dir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("work dir %q is not a directory", c.WorkDir)
		}
	}
	return nil
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.Port))
}

// LoopbackOnly reports whether the listener is reachable only from this
// host. Discovery advertisement is pointless in that case.
func (c Config) LoopbackOnly() bool {
	host := strings.TrimSpace(c.BindHost)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func getEnv(k, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fallback
}
