package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loaded once at startup. The
// Tunables section may be hot-reloaded while the service runs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Inference InferenceConfig `yaml:"inference"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Tunables  Tunables        `yaml:"tunables"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr  string   `yaml:"listen_addr" validate:"required"`
	MetricsAddr string   `yaml:"metrics_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type StorageConfig struct {
	AssetsRoot    string `yaml:"assets_root" validate:"required"`
	ThumbnailRoot string `yaml:"thumbnail_root" validate:"required"`
	VectorRoot    string `yaml:"vector_root"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// InferenceConfig points at the external model services the pipeline calls.
type InferenceConfig struct {
	EmbedderEndpoint  string        `yaml:"embedder_endpoint" validate:"required,url"`
	DetectorEndpoint  string        `yaml:"detector_endpoint" validate:"required,url"`
	FaceEndpoint      string        `yaml:"face_endpoint" validate:"required,url"`
	SegmentAnything   string        `yaml:"segment_anything_endpoint" validate:"omitempty,url"`
	DescriberEndpoint string        `yaml:"describer_endpoint" validate:"omitempty,url"`
	EmbeddingDim      int           `yaml:"embedding_dim" validate:"required,gt=0"`
	Timeout           time.Duration `yaml:"timeout"`
	RetryCount        int           `yaml:"retry_count"`
}

type PipelineConfig struct {
	Workers   int `yaml:"workers" validate:"gte=1"`
	QueueSize int `yaml:"queue_size" validate:"gte=1"`
}

// Tunables are the runtime-adjustable knobs. They are read through a
// Snapshot so a reload never tears a half-written value.
type Tunables struct {
	SegmentGap        time.Duration `yaml:"segment_gap"`
	SegmentThetaFloor float64       `yaml:"segment_theta_floor"`
	MinSegmentSize    int           `yaml:"min_segment_size"`
	QueueHighWater    int           `yaml:"queue_high_water"`
	RetentionWindow   time.Duration `yaml:"retention_window"`
	FaceMaxAge        time.Duration `yaml:"face_max_age"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type AuthConfig struct {
	DeviceTokenSecret string `yaml:"device_token_secret"`
	ServerPrivateKey  string `yaml:"server_private_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

const (
	defaultSegmentGap        = 120 * time.Second
	defaultThetaFloor        = 0.9
	defaultMinSegmentSize    = 3
	defaultQueueHighWater    = 768
	defaultRetentionWindow   = 30 * 24 * time.Hour
	defaultFaceMaxAge        = time.Hour
	defaultReconcileInterval = time.Hour
)

func applyDefaults(cfg *Config) {
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 16
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 4
	}
	if cfg.Inference.Timeout == 0 {
		cfg.Inference.Timeout = 30 * time.Second
	}
	if cfg.Inference.RetryCount == 0 {
		cfg.Inference.RetryCount = 3
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 2
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 1024
	}
	t := &cfg.Tunables
	if t.SegmentGap == 0 {
		t.SegmentGap = defaultSegmentGap
	}
	if t.SegmentThetaFloor == 0 {
		t.SegmentThetaFloor = defaultThetaFloor
	}
	if t.MinSegmentSize == 0 {
		t.MinSegmentSize = defaultMinSegmentSize
	}
	if t.QueueHighWater == 0 {
		t.QueueHighWater = defaultQueueHighWater
	}
	if t.RetentionWindow == 0 {
		t.RetentionWindow = defaultRetentionWindow
	}
	if t.FaceMaxAge == 0 {
		t.FaceMaxAge = defaultFaceMaxAge
	}
	if t.ReconcileInterval == 0 {
		t.ReconcileInterval = defaultReconcileInterval
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIFELOG_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LIFELOG_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LIFELOG_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LIFELOG_DEVICE_TOKEN_SECRET"); v != "" {
		cfg.Auth.DeviceTokenSecret = v
	}
	if v := os.Getenv("LIFELOG_SERVER_PRIVATE_KEY"); v != "" {
		cfg.Auth.ServerPrivateKey = v
	}
}

// Load reads, defaults, env-overrides and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Watcher serves Tunables snapshots and refreshes them when the config file
// changes on disk. Only the tunables section is reloadable; everything else
// requires a restart.
type Watcher struct {
	mu       sync.RWMutex
	path     string
	current  Tunables
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatcher starts watching path. The initial tunables come from cfg.
func NewWatcher(path string, cfg *Config, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}
	w := &Watcher{
		path:    path,
		current: cfg.Tunables,
		logger:  logger,
		fsw:     fsw,
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Snapshot returns the current tunables.
func (w *Watcher) Snapshot() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.fsw.Close()
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg.Tunables
	w.mu.Unlock()
	w.logger.Info("tunables reloaded",
		zap.Duration("segment_gap", cfg.Tunables.SegmentGap),
		zap.Int("queue_high_water", cfg.Tunables.QueueHighWater))
}
