// Package config loads mediarelay configuration from defaults, an optional
// YAML or JSON file and environment variables, and reloads it when the file
// changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Paths     PathsConfig     `yaml:"paths" json:"paths"`
	Tools     ToolsConfig     `yaml:"tools" json:"tools"`
	Transcode TranscodeConfig `yaml:"transcode" json:"transcode"`
	Compress  CompressConfig  `yaml:"compress" json:"compress"`
	Fetch     FetchConfig     `yaml:"fetch" json:"fetch"`
	Workers   WorkersConfig   `yaml:"workers" json:"workers"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// PathsConfig holds file locations
type PathsConfig struct {
	DownloadsDir string `yaml:"downloads_dir" json:"downloads_dir" env:"MEDIARELAY_DOWNLOADS_DIR" default:"downloads"`
	CookiesFile  string `yaml:"cookies_file" json:"cookies_file" env:"MEDIARELAY_COOKIES_FILE" default:"cookies.txt"`
	DataDir      string `yaml:"data_dir" json:"data_dir" env:"MEDIARELAY_DATA_DIR" default:"./data"`
}

// ToolsConfig holds external tool paths
type ToolsConfig struct {
	FFmpeg  string `yaml:"ffmpeg" json:"ffmpeg" env:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobe string `yaml:"ffprobe" json:"ffprobe" env:"FFPROBE_PATH" default:"ffprobe"`
	Ytdlp   string `yaml:"ytdlp" json:"ytdlp" env:"YTDLP_PATH" default:"yt-dlp"`
}

// TranscodeConfig holds conversion settings
type TranscodeConfig struct {
	MemoryFloorMB  uint64  `yaml:"memory_floor_mb" json:"memory_floor_mb" env:"MEDIARELAY_MEMORY_FLOOR_MB" default:"2048"`
	MaxThreads     int     `yaml:"max_threads" json:"max_threads" env:"MEDIARELAY_MAX_THREADS" default:"8"`
	CRF            int     `yaml:"crf" json:"crf" env:"MEDIARELAY_CRF" default:"23"`
	AudioBitrate   string  `yaml:"audio_bitrate" json:"audio_bitrate" env:"MEDIARELAY_AUDIO_BITRATE" default:"128k"`
	SizeWarnRatio  float64 `yaml:"size_warn_ratio" json:"size_warn_ratio" default:"1.5"`
	MinBitrateMbps float64 `yaml:"min_bitrate_mbps" json:"min_bitrate_mbps" default:"0.5"`
}

// CompressConfig holds target-size compression settings
type CompressConfig struct {
	AudioKbps    int     `yaml:"audio_kbps" json:"audio_kbps" env:"MEDIARELAY_COMPRESS_AUDIO_KBPS" default:"128"`
	MinVideoKbps int     `yaml:"min_video_kbps" json:"min_video_kbps" default:"300"`
	Safety       float64 `yaml:"safety" json:"safety" default:"0.95"`
	TwoPass      bool    `yaml:"two_pass" json:"two_pass" env:"MEDIARELAY_COMPRESS_TWO_PASS" default:"false"`
}

// FetchConfig holds remote download settings
type FetchConfig struct {
	BudgetMB         float64       `yaml:"budget_mb" json:"budget_mb" env:"MEDIARELAY_BUDGET_MB" default:"70"`
	PrimaryMinHeight int           `yaml:"primary_min_height" json:"primary_min_height" default:"930"`
	PrimaryMaxHeight int           `yaml:"primary_max_height" json:"primary_max_height" default:"1230"`
	MediumMinHeight  int           `yaml:"medium_min_height" json:"medium_min_height" default:"570"`
	MediumMaxHeight  int           `yaml:"medium_max_height" json:"medium_max_height" default:"870"`
	Tiers            []int         `yaml:"tiers" json:"tiers" env:"MEDIARELAY_FETCH_TIERS" default:"480,360"`
	TierTolerance    int           `yaml:"tier_tolerance" json:"tier_tolerance" default:"50"`
	Attempts         uint          `yaml:"attempts" json:"attempts" env:"MEDIARELAY_FETCH_ATTEMPTS" default:"3"`
	BackoffBase      time.Duration `yaml:"backoff_base" json:"backoff_base" default:"5s"`
	RateLimitBase    time.Duration `yaml:"rate_limit_base" json:"rate_limit_base" default:"60s"`
	MetadataRate     int           `yaml:"metadata_rate" json:"metadata_rate" default:"10"`
	MetadataInterval time.Duration `yaml:"metadata_interval" json:"metadata_interval" default:"1m"`
	AssumedSizeMB    float64       `yaml:"assumed_size_mb" json:"assumed_size_mb" default:"600"`
}

// WorkersConfig sizes the process pool
type WorkersConfig struct {
	PoolSize int `yaml:"pool_size" json:"pool_size" env:"MEDIARELAY_WORKERS" default:"4"`
}

// CacheConfig holds cache lifetimes
type CacheConfig struct {
	ProbeTTL    time.Duration `yaml:"probe_ttl" json:"probe_ttl" default:"5m"`
	InfoTTL     time.Duration `yaml:"info_ttl" json:"info_ttl" default:"5m"`
	EstimateTTL time.Duration `yaml:"estimate_ttl" json:"estimate_ttl" default:"5m"`
}

// DatabaseConfig holds job history storage settings
type DatabaseConfig struct {
	Type         string `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	DatabasePath string `yaml:"database_path" json:"database_path" env:"MEDIARELAY_DATABASE_PATH"`
	URL          string `yaml:"url" json:"url" env:"DATABASE_URL"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"MEDIARELAY_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" json:"port" env:"MEDIARELAY_PORT" default:"8085"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" default:"30s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `yaml:"format" json:"format" env:"LOG_FORMAT" default:"text"`
	File       string `yaml:"file" json:"file" env:"MEDIARELAY_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" default:"100"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" default:"3"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" default:"30"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfig returns the configuration described by the default tags.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := applyDefaults(reflect.ValueOf(cfg).Elem()); err != nil {
		// default tags are static; a bad one is a programming error
		panic(err)
	}
	return cfg
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

// Manager manages application configuration with hot-reload support
type Manager struct {
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	mu         sync.RWMutex
}

// NewManager creates a manager holding the defaults.
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

// Load reads configuration: defaults, then the file when present, then
// environment overrides. The result is validated before it replaces the
// current configuration.
func (m *Manager) Load(configPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newConfig := DefaultConfig()

	if configPath != "" && fileExists(configPath) {
		if err := loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := Validate(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	applyDerivedConfig(newConfig)

	old := m.config
	m.config = newConfig
	m.configPath = configPath

	for _, watcher := range m.watchers {
		go watcher(old, newConfig)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configCopy := *m.config
	configCopy.Fetch.Tiers = append([]int(nil), m.config.Fetch.Tiers...)
	return &configCopy
}

// Path returns the file the configuration was loaded from.
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configPath
}

// AddWatcher adds a configuration change watcher
func (m *Manager) AddWatcher(watcher ConfigWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, watcher)
}

// Save writes the current configuration back to its file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}
	return saveToFile(m.configPath, m.config)
}

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func saveToFile(path string, config *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func applyDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		def := fieldType.Tag.Get("default")
		if def == "" {
			continue
		}
		if err := setFieldValue(field, def); err != nil {
			return fmt.Errorf("bad default for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

// loadStructFromEnv overrides fields whose env variable is set. Unset
// variables leave the file or default value in place.
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(uintVal)
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		parts := strings.Split(value, ",")
		switch field.Type().Elem().Kind() {
		case reflect.String:
			for i, p := range parts {
				parts[i] = strings.TrimSpace(p)
			}
			field.Set(reflect.ValueOf(parts))
		case reflect.Int:
			ints := make([]int, len(parts))
			for i, p := range parts {
				n, err := strconv.Atoi(strings.TrimSpace(p))
				if err != nil {
					return err
				}
				ints[i] = n
			}
			field.Set(reflect.ValueOf(ints))
		default:
			return fmt.Errorf("unsupported slice type: %v", field.Type())
		}
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}
	return nil
}

// Validate checks value ranges.
func Validate(c *Config) error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.Type == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for postgres")
	}
	if c.Fetch.BudgetMB <= 0 {
		return fmt.Errorf("invalid fetch budget: %v", c.Fetch.BudgetMB)
	}
	if c.Fetch.Attempts < 1 {
		return fmt.Errorf("fetch attempts must be at least 1")
	}
	if c.Fetch.PrimaryMinHeight > c.Fetch.PrimaryMaxHeight || c.Fetch.MediumMinHeight > c.Fetch.MediumMaxHeight {
		return fmt.Errorf("invalid fetch height range")
	}
	if c.Compress.Safety <= 0 || c.Compress.Safety > 1 {
		return fmt.Errorf("compress safety must be in (0, 1]: %v", c.Compress.Safety)
	}
	if c.Transcode.CRF < 0 || c.Transcode.CRF > 51 {
		return fmt.Errorf("invalid crf: %d", c.Transcode.CRF)
	}
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("invalid worker pool size: %d", c.Workers.PoolSize)
	}
	return nil
}

func applyDerivedConfig(c *Config) {
	if c.Database.DatabasePath == "" && c.Database.Type == "sqlite" {
		c.Database.DatabasePath = filepath.Join(c.Paths.DataDir, "mediarelay.db")
	}
	if c.Transcode.MaxThreads < 1 {
		c.Transcode.MaxThreads = 1
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
