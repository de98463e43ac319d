package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// WebServer Configuration
	WebServerPort int `mapstructure:"WEBSERVER_PORT"`

	// Database Configuration
	DatabaseDSN     string `mapstructure:"DATABASE_DSN" validate:"required"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES"`

	// Queue backend
	RedisURL string `mapstructure:"REDIS_URL" validate:"required"`

	// Auth
	JWTSecret string        `mapstructure:"JWT_SECRET" validate:"required,min=16"`
	TokenTTL  time.Duration `mapstructure:"TOKEN_TTL"`

	Storage StorageConfig
	ML      MLConfig

	// Indexing behaviour
	VideoExtensions      string        `mapstructure:"VIDEO_EXTENSIONS"`
	WatchFolders         bool          `mapstructure:"WATCH_FOLDERS"`
	CollectionsSchedule  string        `mapstructure:"COLLECTIONS_SCHEDULE"`
	ShortMediaThreshold  time.Duration `mapstructure:"SHORT_MEDIA_THRESHOLD"`
	StuckJobRecoveryTick time.Duration `mapstructure:"STUCK_JOB_RECOVERY_TICK"`

	// Logging / tracing
	LogLevel     string `mapstructure:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	LogFile      string `mapstructure:"LOG_FILE"`
	OtelEnabled  bool   `mapstructure:"OTEL_ENABLED"`
	OtelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

type StorageConfig struct {
	DataDir         string `mapstructure:"DATA_DIR" validate:"required"`
	ArtifactsDir    string `mapstructure:"ARTIFACTS_DIR"`
	FacesDir        string `mapstructure:"FACES_DIR"`
	UnknownFacesDir string `mapstructure:"UNKNOWN_FACES_DIR"`
	FacesCacheFile  string `mapstructure:"FACES_CACHE_FILE"`
}

type MLConfig struct {
	Command      string        `mapstructure:"ML_SERVICE_CMD"`
	Args         string        `mapstructure:"ML_SERVICE_ARGS"`
	URL          string        `mapstructure:"ML_SERVICE_URL" validate:"required,url"`
	StartTimeout time.Duration `mapstructure:"ML_SERVICE_START_TIMEOUT"`
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)
		tag := field.Tag.Get("mapstructure")

		if tag != "" {
			viper.BindEnv(tag)
		}

		// Handle nested structs
		if field.Type.Kind() == reflect.Struct && tag == "" {
			nestedTyp := fieldVal.Type()
			for j := 0; j < fieldVal.NumField(); j++ {
				nestedField := nestedTyp.Field(j)
				nestedTag := nestedField.Tag.Get("mapstructure")
				if nestedTag != "" {
					viper.BindEnv(nestedTag)
				}
			}
		}
	}
	slog.Debug("Environment variables bound")
}

func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("WEBSERVER_PORT", 3000)
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("TOKEN_TTL", 24*time.Hour)
	viper.SetDefault("DATA_DIR", "/data")
	viper.SetDefault("ML_SERVICE_URL", "ws://127.0.0.1:8765/ws")
	viper.SetDefault("ML_SERVICE_START_TIMEOUT", 2*time.Minute)
	viper.SetDefault("VIDEO_EXTENSIONS", ".mp4,.mov,.mkv,.avi,.webm,.m4v")
	viper.SetDefault("COLLECTIONS_SCHEDULE", "@every 1h")
	viper.SetDefault("SHORT_MEDIA_THRESHOLD", 10*time.Minute)
	viper.SetDefault("STUCK_JOB_RECOVERY_TICK", 2*time.Minute)
	viper.SetDefault("LOG_LEVEL", "info")

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Nested structs are squashed onto the flat env namespace.
	if err := viper.Unmarshal(&cfg.Storage); err != nil {
		return nil, fmt.Errorf("unmarshal storage config: %w", err)
	}
	if err := viper.Unmarshal(&cfg.ML); err != nil {
		return nil, fmt.Errorf("unmarshal ml config: %w", err)
	}
	cfg.Storage.applyDefaults()

	slog.Info("Loaded configuration",
		"port", cfg.WebServerPort,
		"data_dir", cfg.Storage.DataDir,
		"ml_service_url", cfg.ML.URL,
		"watch_folders", cfg.WatchFolders,
	)

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (s *StorageConfig) applyDefaults() {
	if s.ArtifactsDir == "" {
		s.ArtifactsDir = filepath.Join(s.DataDir, "artifacts")
	}
	if s.FacesDir == "" {
		s.FacesDir = filepath.Join(s.DataDir, "faces")
	}
	if s.UnknownFacesDir == "" {
		s.UnknownFacesDir = filepath.Join(s.DataDir, "unknown_faces")
	}
	if s.FacesCacheFile == "" {
		s.FacesCacheFile = filepath.Join(s.DataDir, "faces.json")
	}
}

// VideoExtensionSet returns the configured extensions lower-cased with a leading dot.
func (c Config) VideoExtensionSet() map[string]struct{} {
	set := map[string]struct{}{}
	for _, part := range strings.Split(c.VideoExtensions, ",") {
		ext := strings.ToLower(strings.TrimSpace(part))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return set
}

// MLArgs splits ML_SERVICE_ARGS on whitespace.
func (c Config) MLArgs() []string {
	return strings.Fields(c.ML.Args)
}
