package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Environment overrides, applied after the YAML file.
const (
	EnvDataDir           = "LSMKV_DATA_DIR"
	EnvHTTPPort          = "LSMKV_HTTP_PORT"
	EnvLogLevel          = "LSMKV_LOG_LEVEL"
	EnvLogJSON           = "LSMKV_LOG_JSON"
	EnvCompression       = "LSMKV_COMPRESSION"
	EnvMemtableThreshold = "LSMKV_MEMTABLE_THRESHOLD"
	EnvWALSync           = "LSMKV_WAL_SYNC"
)

const (
	WALSyncAlways = "always"
	WALSyncNone   = "none"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config - корневая структура конфигурации приложения
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DB           `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type DB struct {
	RootPath   string           `yaml:"path"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	WAL        WALConfig        `yaml:"wal"`
	Segment    SegmentConfig    `yaml:"segment"`
	Cache      CacheConfig      `yaml:"cache"`
	Compaction CompactionConfig `yaml:"compaction"`
}

type MemtableConfig struct {
	// FlushThresholdBytes is the approximate memtable size that triggers rotation.
	FlushThresholdBytes int `yaml:"flush_threshold"`
	// MaxImmTables bounds the number of frozen memtables awaiting flush;
	// writers block once it is reached.
	MaxImmTables int `yaml:"max_imm_tables"`
}

type WALConfig struct {
	Sync string `yaml:"sync"`
}

type SegmentConfig struct {
	IndexInterval int     `yaml:"index_interval"`
	MaxSizeBytes  int64   `yaml:"max_size"`
	Compression   string  `yaml:"compression"`
	BloomFPRate   float64 `yaml:"bloom_fp_rate"`
}

type CacheConfig struct {
	// Capacity is the number of decoded blocks kept per process.
	Capacity int `yaml:"capacity"`
}

type CompactionConfig struct {
	// FanOut is the L0 file count that triggers compaction and the size ratio between levels.
	FanOut         int   `yaml:"fan_out"`
	LevelBaseBytes int64 `yaml:"level_base_bytes"`
	MaxLevels      int   `yaml:"max_levels"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		DB: DefaultDB("./data"),
	}
}

// DefaultDB returns storage defaults rooted at path.
func DefaultDB(path string) DB {
	return DB{
		RootPath: path,
		Memtable: MemtableConfig{
			FlushThresholdBytes: 4 << 20,
			MaxImmTables:        4,
		},
		WAL: WALConfig{
			Sync: WALSyncAlways,
		},
		Segment: SegmentConfig{
			IndexInterval: 64,
			MaxSizeBytes:  64 << 20,
			Compression:   "snappy",
			BloomFPRate:   0.01,
		},
		Cache: CacheConfig{
			Capacity: 256,
		},
		Compaction: CompactionConfig{
			FanOut:         4,
			LevelBaseBytes: 64 << 20,
			MaxLevels:      7,
		},
	}
}

// Load reads the YAML file at path on top of Default, then applies .env and
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	case os.IsNotExist(err):
		slog.Info("config file not found, using default config", "path", path)
	default:
		return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ApplyEnv loads a .env file from the working directory if present and
// overrides cfg with any LSMKV_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if v, ok := os.LookupEnv(EnvDataDir); ok && v != "" {
		cfg.DB.RootPath = v
	}
	if v, ok := os.LookupEnv(EnvHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, EnvHTTPPort, v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Logger.Level = v
	}
	if v, ok := os.LookupEnv(EnvLogJSON); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, EnvLogJSON, v, err)
		}
		cfg.Logger.JSON = b
	}
	if v, ok := os.LookupEnv(EnvCompression); ok && v != "" {
		cfg.DB.Segment.Compression = v
	}
	if v, ok := os.LookupEnv(EnvMemtableThreshold); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, EnvMemtableThreshold, v, err)
		}
		cfg.DB.Memtable.FlushThresholdBytes = n
	}
	if v, ok := os.LookupEnv(EnvWALSync); ok && v != "" {
		cfg.DB.WAL.Sync = v
	}

	return nil
}

func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: http-server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("%w: unknown logger.level %q", ErrInvalidConfig, c.Logger.Level)
	}
	return c.DB.Validate()
}

func (d DB) Validate() error {
	switch {
	case d.RootPath == "":
		return fmt.Errorf("%w: db.path is required", ErrInvalidConfig)
	case d.Memtable.FlushThresholdBytes < 1:
		return fmt.Errorf("%w: db.memtable.flush_threshold must be positive", ErrInvalidConfig)
	case d.Memtable.MaxImmTables < 1:
		return fmt.Errorf("%w: db.memtable.max_imm_tables must be positive", ErrInvalidConfig)
	case d.WAL.Sync != WALSyncAlways && d.WAL.Sync != WALSyncNone:
		return fmt.Errorf("%w: db.wal.sync must be %q or %q", ErrInvalidConfig, WALSyncAlways, WALSyncNone)
	case d.Segment.IndexInterval < 1:
		return fmt.Errorf("%w: db.segment.index_interval must be positive", ErrInvalidConfig)
	case d.Segment.MaxSizeBytes < 1:
		return fmt.Errorf("%w: db.segment.max_size must be positive", ErrInvalidConfig)
	case d.Segment.BloomFPRate <= 0 || d.Segment.BloomFPRate >= 1:
		return fmt.Errorf("%w: db.segment.bloom_fp_rate must be in (0, 1)", ErrInvalidConfig)
	case d.Cache.Capacity < 0:
		return fmt.Errorf("%w: db.cache.capacity must not be negative", ErrInvalidConfig)
	case d.Compaction.FanOut < 2:
		return fmt.Errorf("%w: db.compaction.fan_out must be at least 2", ErrInvalidConfig)
	case d.Compaction.LevelBaseBytes < 1:
		return fmt.Errorf("%w: db.compaction.level_base_bytes must be positive", ErrInvalidConfig)
	case d.Compaction.MaxLevels < 2:
		return fmt.Errorf("%w: db.compaction.max_levels must be at least 2", ErrInvalidConfig)
	}

	switch strings.ToLower(d.Segment.Compression) {
	case "none", "snappy", "zstd", "lz4":
	default:
		return fmt.Errorf("%w: unknown db.segment.compression %q", ErrInvalidConfig, d.Segment.Compression)
	}

	return nil
}
