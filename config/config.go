// cometsearch/config/config.go
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/shlex"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	MaxTaskAge          time.Duration `mapstructure:"MAX_TASK_AGE" yaml:"max_task_age"`
	TaskCleanupInterval time.Duration `mapstructure:"TASK_CLEANUP_INTERVAL" yaml:"task_cleanup_interval"`
	Workers             int           `mapstructure:"TASK_EXECUTOR_WORKERS" yaml:"task_executor_workers"`
	ProviderTimeout     time.Duration `mapstructure:"PROVIDER_TIMEOUT" yaml:"provider_timeout"`
	Port                string        `mapstructure:"PORT" yaml:"port"`
	LogLevel            string        `mapstructure:"LOG_LEVEL" yaml:"log_level"`

	OpenRouterAPIKey  string `mapstructure:"OPENROUTER_API_KEY" yaml:"openrouter_api_key"`
	OpenRouterBaseURL string `mapstructure:"OPENROUTER_BASE_URL" yaml:"openrouter_base_url"`
	OpenAIAPIKey      string `mapstructure:"OPENAI_API_KEY" yaml:"openai_api_key"`
	OpenAIBaseURL     string `mapstructure:"OPENAI_BASE_URL" yaml:"openai_base_url"`
	GeminiAPIKey      string `mapstructure:"GEMINI_API_KEY" yaml:"gemini_api_key"`
	OllamaHost        string `mapstructure:"OLLAMA_HOST" yaml:"ollama_host"`
	SiteURL           string `mapstructure:"APP_SITE_URL" yaml:"app_site_url"`
	SiteTitle         string `mapstructure:"APP_SITE_TITLE" yaml:"app_site_title"`

	MaxUploadSize   int64    `mapstructure:"MAX_UPLOAD_SIZE" yaml:"max_upload_size"`
	ThrottleFreeMem int64    `mapstructure:"THROTTLE_FREEMEM" yaml:"throttle_freemem"`
	ExtraModels     []string `mapstructure:"EXTRA_MODELS" yaml:"extra_models"`
}

var durationType = reflect.TypeOf(time.Duration(0))

// stringToDurationHookFunc parses durations. Bare integers are seconds, so
// MAX_TASK_AGE=3600 and MAX_TASK_AGE=1h are equivalent.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != durationType {
			return data, nil
		}

		switch f.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Duration(secs) * time.Second, nil
			}
			return time.ParseDuration(s)
		}
		return data, nil
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// stringToWordListHookFunc splits a shell-quoted string into words.
func stringToWordListHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		words, err := shlex.Split(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid word list %q: %w", data, err)
		}
		if words == nil {
			words = []string{}
		}
		return words, nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("MAX_TASK_AGE", "3600")
	vp.SetDefault("TASK_CLEANUP_INTERVAL", "300")
	vp.SetDefault("TASK_EXECUTOR_WORKERS", 5)
	vp.SetDefault("PROVIDER_TIMEOUT", "15m")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("OPENROUTER_API_KEY", "")
	vp.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	vp.SetDefault("OPENAI_API_KEY", "")
	vp.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	vp.SetDefault("GEMINI_API_KEY", "")
	vp.SetDefault("OLLAMA_HOST", "")
	vp.SetDefault("APP_SITE_URL", "http://localhost:8080")
	vp.SetDefault("APP_SITE_TITLE", "Comet AI Search")
	vp.SetDefault("MAX_UPLOAD_SIZE", "20MB")
	vp.SetDefault("THROTTLE_FREEMEM", "0")
	vp.SetDefault("EXTRA_MODELS", "")

	vp.SetConfigName("comet_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/cometsearch/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Environment names match the keys exactly, no prefix.
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Duration must run before byte size: time.Duration is an int64 too.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			stringToWordListHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the task manager cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("TASK_EXECUTOR_WORKERS must be positive, got %d", c.Workers))
	}
	if c.MaxTaskAge <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TASK_AGE must be positive, got %s", c.MaxTaskAge))
	}
	if c.TaskCleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("TASK_CLEANUP_INTERVAL must be positive, got %s", c.TaskCleanupInterval))
	}
	if c.MaxUploadSize < 0 || c.ThrottleFreeMem < 0 {
		errs = append(errs, errors.New("size limits must not be negative"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.OpenRouterAPIKey = mask(c.OpenRouterAPIKey)
	c.OpenAIAPIKey = mask(c.OpenAIAPIKey)
	c.GeminiAPIKey = mask(c.GeminiAPIKey)
	c.ExtraModels = append([]string(nil), c.ExtraModels...)
	return c
}
