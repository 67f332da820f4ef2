package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/modpack-downloader/pkg/icron"
	"github.com/MimeLyc/modpack-downloader/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables with sensible defaults.
//
// Environment Variables:
// HTTP:
// - HTTP_ADDR: listen address (default: :4000)
// - BASE_URL: public origin used in download locators (default: http://localhost:4000)
// - RATE_LIMIT_RPS / RATE_LIMIT_BURST: per-client request limit (default: 20 / 40)
// - MAX_UPLOAD_BYTES: upload size cap (default: 1048576)
// - CORS_ORIGINS: comma separated allowed origins, empty disables (default: *)
//
// Jobs:
// - ADMISSION_TIMEOUT: how long a job waits for its first observer (default: 5s)
// - ITEM_DELAY: pause between items (default: 300ms)
// - FETCH_TIMEOUT: bound on a single item fetch, 0 disables (default: 2m)
// - SINK_BUFFER: per-observer event buffer (default: 64)
//
// Retention:
// - RETENTION_TTL: age after which shared files are removed (default: 2m)
// - SWEEP_CRON: periodic sweep schedule (default: @every 1m)
// - JOB_RETENTION: how long finished jobs stay queryable (default: 30m)
// - HISTORY_RETENTION: how long history rows are kept (default: 168h)
//
// Modrinth:
// - MODRINTH_API_URL (default: https://api.modrinth.com/v2)
// - MODRINTH_RPS: upstream requests per second (default: 5)
// - MODRINTH_TIMEOUT: per request timeout (default: 30s)
// - USER_AGENT (default: modpack-downloader)
//
// System:
// - DATA_DIR: root for downloads/, uploads/ and workspaces/ (default: ./data)
// - HISTORY_DB_PATH: sqlite job history, empty disables (default: "")
// - SETTINGS_FILE: runtime settings JSON, empty disables (default: "")
// - LOG_LEVEL (default: info)
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Jobs      JobsConfig      `json:"jobs"`
	Retention RetentionConfig `json:"retention"`
	Modrinth  ModrinthConfig  `json:"modrinth"`
	System    SystemConfig    `json:"system"`
}

type HTTPConfig struct {
	Addr           string   `json:"addr"`
	BaseURL        string   `json:"base_url"`
	RateLimitRPS   float64  `json:"rate_limit_rps"`
	RateLimitBurst int      `json:"rate_limit_burst"`
	MaxUploadBytes int64    `json:"max_upload_bytes"`
	CORSOrigins    []string `json:"cors_origins"`
}

type JobsConfig struct {
	AdmissionTimeout time.Duration `json:"admission_timeout"`
	ItemDelay        time.Duration `json:"item_delay"`
	FetchTimeout     time.Duration `json:"fetch_timeout"`
	SinkBuffer       int           `json:"sink_buffer"`
}

type RetentionConfig struct {
	TTL              time.Duration `json:"ttl"`
	SweepCron        string        `json:"sweep_cron"`
	JobRetention     time.Duration `json:"job_retention"`
	HistoryRetention time.Duration `json:"history_retention"`
}

type ModrinthConfig struct {
	APIURL    string        `json:"api_url"`
	RPS       float64       `json:"rps"`
	Timeout   time.Duration `json:"timeout"`
	UserAgent string        `json:"user_agent"`
}

type SystemConfig struct {
	DataDir       string `json:"data_dir"`
	HistoryDBPath string `json:"history_db_path"`
	SettingsFile  string `json:"settings_file"`
	LogLevel      string `json:"log_level"`
}

func (c *Config) DownloadsDir() string {
	return filepath.Join(c.System.DataDir, "downloads")
}

func (c *Config) UploadsDir() string {
	return filepath.Join(c.System.DataDir, "uploads")
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.System.DataDir, "workspaces")
}

// ArtifactURL is the public locator of an artifact file name.
func (c *Config) ArtifactURL(name string) string {
	return strings.TrimRight(c.HTTP.BaseURL, "/") + "/downloads/" + url.PathEscape(name)
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		HTTP: HTTPConfig{
			Addr:           getEnvString("HTTP_ADDR", ":4000"),
			BaseURL:        getEnvString("BASE_URL", "http://localhost:4000"),
			RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 1<<20)),
			CORSOrigins:    getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Jobs: JobsConfig{
			AdmissionTimeout: getEnvDuration("ADMISSION_TIMEOUT", 5*time.Second),
			ItemDelay:        getEnvDuration("ITEM_DELAY", 300*time.Millisecond),
			FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", 2*time.Minute),
			SinkBuffer:       getEnvInt("SINK_BUFFER", 64),
		},
		Retention: RetentionConfig{
			TTL:              getEnvDuration("RETENTION_TTL", 2*time.Minute),
			SweepCron:        getEnvString("SWEEP_CRON", "@every 1m"),
			JobRetention:     getEnvDuration("JOB_RETENTION", 30*time.Minute),
			HistoryRetention: getEnvDuration("HISTORY_RETENTION", 7*24*time.Hour),
		},
		Modrinth: ModrinthConfig{
			APIURL:    getEnvString("MODRINTH_API_URL", "https://api.modrinth.com/v2"),
			RPS:       getEnvFloat("MODRINTH_RPS", 5),
			Timeout:   getEnvDuration("MODRINTH_TIMEOUT", 30*time.Second),
			UserAgent: getEnvString("USER_AGENT", "modpack-downloader"),
		},
		System: SystemConfig{
			DataDir:       getEnvString("DATA_DIR", "./data"),
			HistoryDBPath: getEnvString("HISTORY_DB_PATH", ""),
			SettingsFile:  getEnvString("SETTINGS_FILE", ""),
			LogLevel:      getEnvString("LOG_LEVEL", "info"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: addr=%s base_url=%s data_dir=%s sweep=%q ttl=%s",
		config.HTTP.Addr, config.HTTP.BaseURL, config.System.DataDir, config.Retention.SweepCron, config.Retention.TTL)
	return config, nil
}

// LoadDotEnv loads the given env files when they exist. Variables already
// set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	u, err := url.Parse(c.HTTP.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.HTTP.BaseURL)
	}
	if _, err := icron.Parse(c.Retention.SweepCron); err != nil {
		return fmt.Errorf("invalid SWEEP_CRON: %w", err)
	}
	if c.Jobs.AdmissionTimeout < 0 || c.Jobs.ItemDelay < 0 || c.Jobs.FetchTimeout < 0 {
		return fmt.Errorf("job durations must not be negative")
	}
	if c.Jobs.SinkBuffer <= 0 {
		return fmt.Errorf("SINK_BUFFER must be positive")
	}
	if c.Retention.TTL <= 0 {
		return fmt.Errorf("RETENTION_TTL must be positive")
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty entries
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	ret := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ret = append(ret, part)
		}
	}
	return ret
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax; a bare number is taken as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn("Ignoring invalid %s=%q", key, value)
	return defaultValue
}
