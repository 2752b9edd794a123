package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	HTTPAddr   string `toml:"http_addr"`
	StaticDir  string `toml:"static_dir"`
	WorkDir    string `toml:"work_dir"`    // per-job scratch stores live under here
	ResultsDir string `toml:"results_dir"` // finished artifacts waiting for retrieval
	ErrorsLog  string `toml:"errors_log"`

	// Ingest limits
	MaxUploadBytes  int64         `toml:"max_upload_bytes"`
	MaxDuration     time.Duration `toml:"-"`
	MaxWidth        int           `toml:"max_width"`
	MaxHeight       int           `toml:"max_height"`
	MinFaceFraction float64       `toml:"min_face_fraction"`
	DetectEvery     int           `toml:"detect_every"`

	// Speech
	MaxTextChars   int    `toml:"max_text_chars"`
	TTSEngine      string `toml:"tts_engine"` // tone | http | gemini
	TTSURL         string `toml:"tts_url"`
	TTSVoice       string `toml:"tts_voice"`
	TTSSampleRate  int    `toml:"tts_sample_rate"`
	GeminiAPIKey   string `toml:"gemini_api_key"`
	GeminiTTSModel string `toml:"gemini_tts_model"`

	// Inference sidecar; empty means the built-in detector and parametric model
	InferenceURL string `toml:"inference_url"`

	// Scheduling
	GPUSlots          int           `toml:"gpu_slots"`
	QueueDepth        int           `toml:"queue_depth"`
	JobTimeout        time.Duration `toml:"-"`
	ResultTTL         time.Duration `toml:"-"`
	PurgeSchedule     string        `toml:"purge_schedule"`
	EncodeConcurrency int           `toml:"encode_concurrency"`

	// Motion + compositing
	BatchSize       int     `toml:"batch_size"`
	FeatherPx       int     `toml:"feather_px"`
	MissingBoxAlpha float64 `toml:"missing_box_alpha"`

	// Archive (optional)
	S3Endpoint    string        `toml:"s3_endpoint"`
	S3Region      string        `toml:"s3_region"`
	S3Bucket      string        `toml:"s3_bucket"`
	S3AccessKey   string        `toml:"s3_access_key"`
	S3SecretKey   string        `toml:"s3_secret_key"`
	ArchivePrefix string        `toml:"archive_prefix"`
	ArchiveMaxAge time.Duration `toml:"-"` // zero keeps archived objects forever

	// Alerts (optional)
	AlertTelegramToken string `toml:"alert_telegram_token"`
	AlertChatID        int64  `toml:"alert_chat_id"`
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr:   ":8000",
		StaticDir:  "static",
		WorkDir:    os.TempDir(),
		ResultsDir: "results",
		ErrorsLog:  "errors.log",

		MaxUploadBytes:  100 << 20,
		MaxDuration:     60 * time.Second,
		MaxWidth:        1920,
		MaxHeight:       1080,
		MinFaceFraction: 0.5,
		DetectEvery:     5,

		MaxTextChars:   1000,
		TTSEngine:      "tone",
		TTSVoice:       "default",
		TTSSampleRate:  16000,
		GeminiTTSModel: "gemini-2.5-flash-preview-tts",

		GPUSlots:          1,
		QueueDepth:        8,
		JobTimeout:        5 * time.Minute,
		ResultTTL:         30 * time.Minute,
		PurgeSchedule:     "0 * * * * *", // every minute, seconds field enabled
		EncodeConcurrency: 1,

		BatchSize:       16,
		FeatherPx:       6,
		MissingBoxAlpha: 0.5,

		ArchivePrefix: "archive/",
	}
}

// LoadConfig layers defaults, the optional TOML file named by LIPSYNC_CONFIG and
// environment variables, in that order.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("LIPSYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := ParseTOML(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fileDurations carries the duration keys, which TOML files spell as Go duration strings.
type fileDurations struct {
	MaxDuration   string `toml:"max_duration"`
	JobTimeout    string `toml:"job_timeout"`
	ResultTTL     string `toml:"result_ttl"`
	ArchiveMaxAge string `toml:"archive_max_age"`
}

// ParseTOML overlays the keys present in data onto cfg.
func ParseTOML(data []byte, cfg *Config) error {
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	var fd fileDurations
	if err := toml.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fd.MaxDuration, &cfg.MaxDuration},
		{fd.JobTimeout, &cfg.JobTimeout},
		{fd.ResultTTL, &cfg.ResultTTL},
		{fd.ArchiveMaxAge, &cfg.ArchiveMaxAge},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.StaticDir, "STATIC_DIR")
	setString(&cfg.WorkDir, "WORK_DIR")
	setString(&cfg.ResultsDir, "RESULTS_DIR")
	setString(&cfg.ErrorsLog, "ERRORS_LOG")

	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxUploadBytes = n << 20
		}
	}
	setDuration(&cfg.MaxDuration, "MAX_DURATION")
	setInt(&cfg.MaxWidth, "MAX_WIDTH")
	setInt(&cfg.MaxHeight, "MAX_HEIGHT")
	setFloat(&cfg.MinFaceFraction, "MIN_FACE_FRACTION")
	setInt(&cfg.DetectEvery, "DETECT_EVERY")

	setInt(&cfg.MaxTextChars, "MAX_TEXT_CHARS")
	setString(&cfg.TTSEngine, "TTS_ENGINE")
	setString(&cfg.TTSURL, "TTS_URL")
	setString(&cfg.TTSVoice, "TTS_VOICE")
	setInt(&cfg.TTSSampleRate, "TTS_SAMPLE_RATE")
	cfg.GeminiAPIKey = firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"), cfg.GeminiAPIKey)
	setString(&cfg.GeminiTTSModel, "GEMINI_TTS_MODEL")

	setString(&cfg.InferenceURL, "INFERENCE_URL")

	setInt(&cfg.GPUSlots, "GPU_SLOTS")
	setInt(&cfg.QueueDepth, "QUEUE_DEPTH")
	setDuration(&cfg.JobTimeout, "JOB_TIMEOUT")
	setDuration(&cfg.ResultTTL, "RESULT_TTL")
	setString(&cfg.PurgeSchedule, "PURGE_SCHEDULE")
	setInt(&cfg.EncodeConcurrency, "ENCODE_CONCURRENCY")

	setInt(&cfg.BatchSize, "BATCH_SIZE")
	setInt(&cfg.FeatherPx, "FEATHER_PX")
	setFloat(&cfg.MissingBoxAlpha, "MISSING_BOX_ALPHA")

	setString(&cfg.S3Endpoint, "S3_ENDPOINT")
	setString(&cfg.S3Region, "S3_REGION")
	setString(&cfg.S3Bucket, "S3_BUCKET")
	cfg.S3AccessKey = firstNonEmpty(os.Getenv("S3_ACCESS_KEY"), os.Getenv("S3_ACCESS_KEY_ID"), cfg.S3AccessKey)
	cfg.S3SecretKey = firstNonEmpty(os.Getenv("S3_SECRET_ACCESS_KEY"), os.Getenv("S3_SECRET_ACCESS_KEY_ID"), cfg.S3SecretKey)
	setString(&cfg.ArchivePrefix, "ARCHIVE_PREFIX")
	setDuration(&cfg.ArchiveMaxAge, "ARCHIVE_MAX_AGE")

	setString(&cfg.AlertTelegramToken, "ALERT_TELEGRAM_TOKEN")
	if v := os.Getenv("ALERT_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.AlertChatID = n
		}
	}
}

func (c Config) Validate() error {
	if c.GPUSlots <= 0 {
		return errors.New("GPU_SLOTS must be positive")
	}
	if c.QueueDepth < 0 {
		return errors.New("QUEUE_DEPTH must not be negative")
	}
	if c.MaxTextChars <= 0 || c.MaxWidth <= 0 || c.MaxHeight <= 0 || c.MaxDuration <= 0 {
		return errors.New("text, resolution and duration limits must be positive")
	}
	if c.MinFaceFraction < 0 || c.MinFaceFraction > 1 {
		return errors.New("MIN_FACE_FRACTION must be within [0, 1]")
	}
	if c.MissingBoxAlpha < 0 || c.MissingBoxAlpha > 1 {
		return errors.New("MISSING_BOX_ALPHA must be within [0, 1]")
	}
	if c.BatchSize < 2 {
		return errors.New("BATCH_SIZE must be at least 2 to allow a one-frame overlap")
	}
	if c.JobTimeout <= 0 {
		return errors.New("JOB_TIMEOUT must be positive")
	}
	switch c.TTSEngine {
	case "tone":
	case "http":
		if c.TTSURL == "" {
			return errors.New("TTS_URL is required for the http engine")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required for the gemini engine")
		}
	default:
		return fmt.Errorf("unknown TTS_ENGINE %q", c.TTSEngine)
	}
	return nil
}

// ArchiveEnabled reports whether every S3 setting needed for archiving is present.
func (c Config) ArchiveEnabled() bool {
	return c.S3Endpoint != "" && c.S3Region != "" && c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
