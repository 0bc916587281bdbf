package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "DETECTOR"

type Config struct {
	Port        int    `mapstructure:"port"`
	ModelID     string `mapstructure:"model_id"`
	ModelDir    string `mapstructure:"model_dir"`
	Revision    string `mapstructure:"revision"`
	ONNXFile    string `mapstructure:"onnx_file"`
	HubURL      string `mapstructure:"hub_url"`
	HubToken    string `mapstructure:"hub_token"`
	CacheDir    string `mapstructure:"cache_dir"`
	ORTLibrary  string `mapstructure:"ort_library"`
	Device      string `mapstructure:"device"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
	MaxPixels   int64  `mapstructure:"max_image_pixels"`
	CORS        bool   `mapstructure:"cors"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// DefaultMaxPixels matches Pillow's MAX_IMAGE_PIXELS.
const DefaultMaxPixels = 89_478_485

// New returns a viper instance with defaults and environment bindings.
// Variables are read as DETECTOR_<KEY>; PORT is also honoured.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", 8080)
	v.SetDefault("model_id", "Organika/sdxl-detector")
	v.SetDefault("model_dir", "")
	v.SetDefault("revision", "main")
	v.SetDefault("onnx_file", "onnx/model.onnx")
	v.SetDefault("hub_url", "https://huggingface.co")
	v.SetDefault("hub_token", "")
	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("ort_library", "")
	v.SetDefault("device", "auto")
	v.SetDefault("max_upload_mb", 10)
	v.SetDefault("max_image_pixels", DefaultMaxPixels)
	v.SetDefault("cors", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", EnvPrefix+"_PORT", "PORT")
	_ = v.BindEnv("hub_token", EnvPrefix+"_HUB_TOKEN", "HF_TOKEN")
	return v
}

// BindFlags registers command line flags and binds them to v.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("model-id", "Organika/sdxl-detector", "model identifier in the registry")
	flags.String("model-dir", "", "load the model from this directory instead of the registry")
	flags.String("device", "auto", "compute device: auto, cpu or cuda")
	flags.String("ort-library", "", "path to the onnxruntime shared library")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	for _, name := range []string{"port", "model-id", "model-dir", "device", "ort-library", "log-level"} {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads .env (if present) and the optional config file, then decodes v.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch strings.ToLower(c.Device) {
	case "auto", "cpu", "cuda":
	default:
		errs = append(errs, fmt.Errorf("unknown device %q", c.Device))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("max_upload_mb must be positive"))
	}
	if c.MaxPixels <= 0 {
		errs = append(errs, errors.New("max_image_pixels must be positive"))
	}
	if c.ModelDir == "" && c.ModelID == "" {
		errs = append(errs, errors.New("one of model_dir or model_id is required"))
	}
	if c.ONNXFile == "" {
		errs = append(errs, errors.New("onnx_file is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// MaxUploadBytes is the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ai-detector")
	}
	return filepath.Join(dir, "ai-detector")
}
