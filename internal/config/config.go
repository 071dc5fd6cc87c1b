package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind             string `yaml:"bind"`
	Port             int    `yaml:"port"`
	PublicBaseURL    string `yaml:"public_base_url"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	MaxBodyBytes     int64  `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	JobStore    JobStoreConfig  `yaml:"job_store"`
	LipSync     LipSyncConfig   `yaml:"lipsync"`
	Assets      AssetsConfig    `yaml:"assets"`
	Media       MediaConfig     `yaml:"media"`
	Fetch       FetchConfig     `yaml:"fetch"`
	Storage     StorageConfig   `yaml:"storage"`
	Queue       QueueConfig     `yaml:"queue"`
	Publish     PublishConfig   `yaml:"publish"`
	Cache       CacheConfig     `yaml:"cache"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JobStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// LipSyncConfig holds pipeline defaults. Request fields override the
// defaults where the request carries them.
type LipSyncConfig struct {
	FPS                 int     `yaml:"fps"`
	BlendFrames         int     `yaml:"blend_frames"`
	DefaultCharInterval float64 `yaml:"default_char_interval"`
	DefaultGender       int     `yaml:"default_gender"`
	DefaultAudio        string  `yaml:"default_audio"`
	Concurrency         int     `yaml:"concurrency"`
	WorkDir             string  `yaml:"work_dir"`
	ToleranceSeconds    float64 `yaml:"tolerance_seconds"`
}

type AssetsConfig struct {
	Root      string `yaml:"root"`
	MaleDir   string `yaml:"male_dir"`
	FemaleDir string `yaml:"female_dir"`
	Extension string `yaml:"extension"`
}

type MediaConfig struct {
	FFmpegCommand   string `yaml:"ffmpeg_command"`
	FFprobeCommand  string `yaml:"ffprobe_command"`
	ProbeTimeoutMS  int    `yaml:"probe_timeout_ms"`
	EncodeTimeoutMS int    `yaml:"encode_timeout_ms"`
	VideoCodec      string `yaml:"video_codec"`
	Preset          string `yaml:"preset"`
	VideoBitrate    string `yaml:"video_bitrate"`
	PixelFormat     string `yaml:"pixel_format"`
	AudioCodec      string `yaml:"audio_codec"`
	AudioBitrate    string `yaml:"audio_bitrate"`
}

type FetchConfig struct {
	TimeoutMS int   `yaml:"timeout_ms"`
	ChunkSize int   `yaml:"chunk_size"`
	MaxBytes  int64 `yaml:"max_bytes"`
}

type StorageConfig struct {
	Root         string `yaml:"root"`
	VideoDir     string `yaml:"video_dir"`
	PublicPrefix string `yaml:"public_prefix"`
}

type QueueConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type PublishConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
}

type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-lipsync",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:             "0.0.0.0",
			Port:             8080,
			RequestTimeoutMS: 300000,
			MaxBodyBytes:     1 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		JobStore: JobStoreConfig{
			Path:          "./data/lipsync-jobs.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		LipSync: LipSyncConfig{
			FPS:                 30,
			BlendFrames:         5,
			DefaultCharInterval: 0.5,
			DefaultGender:       1,
			DefaultAudio:        "voice/voice.mp3",
			Concurrency:         4,
			ToleranceSeconds:    0.1,
		},
		Assets: AssetsConfig{
			Root:      "./mouse-sort",
			MaleDir:   "male",
			FemaleDir: "female",
			Extension: ".png",
		},
		Media: MediaConfig{
			FFmpegCommand:   "ffmpeg",
			FFprobeCommand:  "ffprobe",
			ProbeTimeoutMS:  10000,
			EncodeTimeoutMS: 60000,
			VideoCodec:      "libx264",
			Preset:          "medium",
			VideoBitrate:    "2000k",
			PixelFormat:     "yuv420p",
			AudioCodec:      "aac",
			AudioBitrate:    "128k",
		},
		Fetch: FetchConfig{
			TimeoutMS: 30000,
			ChunkSize: 32 * 1024,
			MaxBytes:  200 << 20,
		},
		Storage: StorageConfig{
			Root:         "uploads",
			VideoDir:     "aividfromppt/videos",
			PublicPrefix: "/api/v1/upload/files/",
		},
		Queue: QueueConfig{
			Enabled:    false,
			Subject:    "lipsync.generate",
			QueueGroup: "lipsync-workers",
			TimeoutMS:  300000,
		},
		Publish: PublishConfig{
			Enabled: false,
			Bucket:  "lipsync-videos",
		},
		Cache: CacheConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			Prefix:     "lipsync:result:",
			TTLSeconds: 600,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LIPSYNC_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LIPSYNC_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LIPSYNC_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LIPSYNC_HTTP_PORT")
	overrideString(&cfg.HTTP.PublicBaseURL, "LIPSYNC_HTTP_PUBLIC_BASE_URL")
	overrideInt(&cfg.HTTP.RequestTimeoutMS, "LIPSYNC_HTTP_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LIPSYNC_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LIPSYNC_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LIPSYNC_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LIPSYNC_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LIPSYNC_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LIPSYNC_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LIPSYNC_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LIPSYNC_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LIPSYNC_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LIPSYNC_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LIPSYNC_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LIPSYNC_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LIPSYNC_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LIPSYNC_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.JobStore.Path, "LIPSYNC_JOB_STORE_PATH")
	overrideString(&cfg.JobStore.RetentionMode, "LIPSYNC_JOB_STORE_RETENTION_MODE")
	overrideInt(&cfg.JobStore.RetentionDays, "LIPSYNC_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxJobs, "LIPSYNC_JOB_STORE_MAX_JOBS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "LIPSYNC_JOB_STORE_VACUUM_ON_START")
	overrideInt(&cfg.LipSync.FPS, "LIPSYNC_FPS")
	overrideInt(&cfg.LipSync.BlendFrames, "LIPSYNC_BLEND_FRAMES")
	overrideFloat(&cfg.LipSync.DefaultCharInterval, "LIPSYNC_DEFAULT_CHAR_INTERVAL")
	overrideInt(&cfg.LipSync.DefaultGender, "LIPSYNC_DEFAULT_GENDER")
	overrideString(&cfg.LipSync.DefaultAudio, "LIPSYNC_DEFAULT_AUDIO")
	overrideInt(&cfg.LipSync.Concurrency, "LIPSYNC_CONCURRENCY")
	overrideString(&cfg.LipSync.WorkDir, "LIPSYNC_WORK_DIR")
	overrideFloat(&cfg.LipSync.ToleranceSeconds, "LIPSYNC_TOLERANCE_SECONDS")
	overrideString(&cfg.Assets.Root, "LIPSYNC_ASSETS_ROOT")
	overrideString(&cfg.Assets.MaleDir, "LIPSYNC_ASSETS_MALE_DIR")
	overrideString(&cfg.Assets.FemaleDir, "LIPSYNC_ASSETS_FEMALE_DIR")
	overrideString(&cfg.Assets.Extension, "LIPSYNC_ASSETS_EXTENSION")
	overrideString(&cfg.Media.FFmpegCommand, "LIPSYNC_MEDIA_FFMPEG_COMMAND")
	overrideString(&cfg.Media.FFprobeCommand, "LIPSYNC_MEDIA_FFPROBE_COMMAND")
	overrideInt(&cfg.Media.ProbeTimeoutMS, "LIPSYNC_MEDIA_PROBE_TIMEOUT_MS")
	overrideInt(&cfg.Media.EncodeTimeoutMS, "LIPSYNC_MEDIA_ENCODE_TIMEOUT_MS")
	overrideString(&cfg.Media.VideoCodec, "LIPSYNC_MEDIA_VIDEO_CODEC")
	overrideString(&cfg.Media.Preset, "LIPSYNC_MEDIA_PRESET")
	overrideString(&cfg.Media.VideoBitrate, "LIPSYNC_MEDIA_VIDEO_BITRATE")
	overrideString(&cfg.Media.AudioCodec, "LIPSYNC_MEDIA_AUDIO_CODEC")
	overrideString(&cfg.Media.AudioBitrate, "LIPSYNC_MEDIA_AUDIO_BITRATE")
	overrideInt(&cfg.Fetch.TimeoutMS, "LIPSYNC_FETCH_TIMEOUT_MS")
	overrideInt(&cfg.Fetch.ChunkSize, "LIPSYNC_FETCH_CHUNK_SIZE")
	overrideInt64(&cfg.Fetch.MaxBytes, "LIPSYNC_FETCH_MAX_BYTES")
	overrideString(&cfg.Storage.Root, "LIPSYNC_STORAGE_ROOT")
	overrideString(&cfg.Storage.VideoDir, "LIPSYNC_STORAGE_VIDEO_DIR")
	overrideBool(&cfg.Queue.Enabled, "LIPSYNC_QUEUE_ENABLED")
	overrideString(&cfg.Queue.Subject, "LIPSYNC_QUEUE_SUBJECT")
	overrideString(&cfg.Queue.QueueGroup, "LIPSYNC_QUEUE_GROUP")
	overrideInt(&cfg.Queue.TimeoutMS, "LIPSYNC_QUEUE_TIMEOUT_MS")
	overrideBool(&cfg.Publish.Enabled, "LIPSYNC_PUBLISH_ENABLED")
	overrideString(&cfg.Publish.Bucket, "LIPSYNC_PUBLISH_BUCKET")
	overrideBool(&cfg.Cache.Enabled, "LIPSYNC_CACHE_ENABLED")
	overrideString(&cfg.Cache.Addr, "LIPSYNC_CACHE_ADDR")
	overrideString(&cfg.Cache.Password, "LIPSYNC_CACHE_PASSWORD")
	overrideInt(&cfg.Cache.DB, "LIPSYNC_CACHE_DB")
	overrideInt(&cfg.Cache.TTLSeconds, "LIPSYNC_CACHE_TTL_SECONDS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.RequestTimeoutMS < 0 {
		return errors.New("http.request_timeout_ms must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Queue.Enabled || cfg.Publish.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when queue or publish is enabled")
		}
	}
	if cfg.Queue.Enabled && cfg.Queue.Subject == "" {
		return errors.New("queue.subject must not be empty when queue is enabled")
	}
	if cfg.Publish.Enabled && cfg.Publish.Bucket == "" {
		return errors.New("publish.bucket must not be empty when publish is enabled")
	}
	if cfg.JobStore.Path == "" && cfg.JobStore.RetentionMode != "ephemeral" {
		return errors.New("job_store.path must not be empty")
	}
	switch cfg.JobStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("job_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if cfg.LipSync.FPS <= 0 {
		return errors.New("lipsync.fps must be positive")
	}
	if cfg.LipSync.BlendFrames < 0 {
		return errors.New("lipsync.blend_frames must be >= 0")
	}
	if cfg.LipSync.DefaultCharInterval <= 0 || cfg.LipSync.DefaultCharInterval > 2 {
		return errors.New("lipsync.default_char_interval must be within (0, 2]")
	}
	if cfg.LipSync.DefaultGender != 0 && cfg.LipSync.DefaultGender != 1 {
		return errors.New("lipsync.default_gender must be 0 or 1")
	}
	if cfg.LipSync.Concurrency <= 0 {
		return errors.New("lipsync.concurrency must be >= 1")
	}
	if cfg.LipSync.ToleranceSeconds < 0 {
		return errors.New("lipsync.tolerance_seconds must be >= 0")
	}
	if cfg.Assets.Root == "" {
		return errors.New("assets.root must not be empty")
	}
	if cfg.Assets.MaleDir == "" || cfg.Assets.FemaleDir == "" {
		return errors.New("assets.male_dir and assets.female_dir must not be empty")
	}
	if cfg.Media.FFmpegCommand == "" || cfg.Media.FFprobeCommand == "" {
		return errors.New("media.ffmpeg_command and media.ffprobe_command must be set")
	}
	if cfg.Media.ProbeTimeoutMS <= 0 || cfg.Media.EncodeTimeoutMS <= 0 {
		return errors.New("media timeouts must be positive")
	}
	if cfg.Fetch.ChunkSize <= 0 {
		return errors.New("fetch.chunk_size must be positive")
	}
	if cfg.Storage.Root == "" || cfg.Storage.VideoDir == "" {
		return errors.New("storage.root and storage.video_dir must not be empty")
	}
	if !strings.HasPrefix(cfg.Storage.PublicPrefix, "/") || !strings.HasSuffix(cfg.Storage.PublicPrefix, "/") {
		return errors.New("storage.public_prefix must start and end with /")
	}
	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		return errors.New("cache.addr must be set when cache is enabled")
	}
	return nil
}
