package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr = ":8000"
	defaultBucket     = "avatar-media"
	defaultProvider   = "openai"
)

// Load reads the YAML configuration file at path, overlays recognised
// environment variables, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays the environment, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognised environment variables onto cfg. Every set
// variable overrides its YAML field; unset variables leave the field alone.
func ApplyEnv(cfg *Config) {
	overlay := []struct {
		env string
		dst *string
	}{
		{"LISTEN_ADDR", &cfg.Server.ListenAddr},
		{"FRONTEND_URL", &cfg.Server.FrontendURL},
		{"DATABASE_URL", &cfg.Database.URL},
		{"S3_ENDPOINT", &cfg.Storage.Endpoint},
		{"S3_REGION", &cfg.Storage.Region},
		{"S3_ACCESS_KEY_ID", &cfg.Storage.AccessKeyID},
		{"S3_SECRET_ACCESS_KEY", &cfg.Storage.SecretAccessKey},
		{"S3_BUCKET", &cfg.Storage.Bucket},
		{"COQUI_XTTS_BASE_URL", &cfg.Voice.BaseURL},
		{"VOICE_SERVICE_WS_URL", &cfg.Voice.WSURL},
		{"VOICE_SERVICE_SECRET_KEY", &cfg.Voice.SecretKey},
		{"VIDEO_SERVICE_URL", &cfg.Video.URL},
		{"VIDEO_SERVICE_WS_URL", &cfg.Video.WSURL},
		{"VIDEO_SERVICE_API_KEY", &cfg.Video.APIKey},
		{"LLM_PROVIDER", &cfg.LLM.Provider},
		{"LLM_MODEL", &cfg.LLM.Model},
		{"OPENAI_API_KEY", &cfg.LLM.APIKey},
		{"OPENAI_BASE_URL", &cfg.LLM.BaseURL},
		{"WORKER_CALLBACK_TOKEN", &cfg.Jobs.WorkerCallbackToken},
		{"AUTH_VERIFY_URL", &cfg.Auth.VerifyURL},
	}
	for _, o := range overlay {
		if v, ok := os.LookupEnv(o.env); ok {
			*o.dst = v
		}
	}

	if v, ok := os.LookupEnv("MAX_CONCURRENT_JOBS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			slog.Warn("MAX_CONCURRENT_JOBS is not a positive integer; ignoring", "value", v)
		} else {
			cfg.Jobs.MaxConcurrent = n
		}
	}
}

// applyDefaults fills the fields that have sensible zero-config values.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = defaultBucket
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = defaultProvider
	}
	if cfg.Jobs.MaxConcurrent < 1 {
		cfg.Jobs.MaxConcurrent = 1
	}
	if cfg.Jobs.VideoCompletion == "" {
		cfg.Jobs.VideoCompletion = CompletionPoll
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}

	if cfg.Voice.BaseURL == "" {
		errs = append(errs, errors.New("voice.base_url is required"))
	}
	if cfg.Voice.WSURL == "" {
		errs = append(errs, errors.New("voice.ws_url is required"))
	}
	if cfg.Voice.SecretKey == "" {
		errs = append(errs, errors.New("voice.secret_key is required"))
	}

	if cfg.Video.URL == "" {
		errs = append(errs, errors.New("video.url is required"))
	}
	if cfg.Video.WSURL == "" {
		errs = append(errs, errors.New("video.ws_url is required"))
	}
	if cfg.Video.APIKey == "" {
		errs = append(errs, errors.New("video.api_key is required"))
	}

	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.Provider == "openai" && cfg.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required when llm.provider is openai"))
	}

	if !cfg.Jobs.VideoCompletion.IsValid() {
		errs = append(errs, fmt.Errorf("jobs.video_completion %q is invalid; valid values: poll, callback", cfg.Jobs.VideoCompletion))
	}
	if cfg.Jobs.VideoCompletion == CompletionCallback && cfg.Jobs.WorkerCallbackToken == "" {
		errs = append(errs, errors.New("jobs.worker_callback_token is required when jobs.video_completion is callback"))
	}

	// Soft issues are logged, not fatal.
	if cfg.Server.FrontendURL == "" {
		slog.Warn("server.frontend_url is empty; browser requests will be rejected by CORS")
	}
	if cfg.Auth.VerifyURL == "" {
		slog.Warn("auth.verify_url is empty; bearer-token requests will be rejected, only API keys will work")
	}
	if cfg.Storage.Endpoint == "" && cfg.Storage.Region == "" {
		slog.Warn("storage.endpoint and storage.region are both empty; relying on SDK defaults")
	}

	return errors.Join(errs...)
}
