package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds settings shared by the provisioner binaries.
type Config struct {
	// ServerAddress is the gRPC address of the provisioning service.
	ServerAddress string `mapstructure:"server_addr" yaml:"server_addr" validate:"required,hostname_port"`
	// StoreAddress selects the content store backend and root: "file:<path>" or "s3://bucket/prefix".
	StoreAddress string `mapstructure:"store_addr" yaml:"store_addr" validate:"required,store_address"`
	// Timeout is the default deadline for store operations and RPC calls.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	// LeaseTTL is how long a transfer marker survives without renewal.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl" validate:"gte=0"`
	// ConflictPolicy decides whether ignore-conflict builds may overwrite diverging packages.
	ConflictPolicy string `mapstructure:"conflict_policy" yaml:"conflict_policy" validate:"omitempty,oneof=latest-wins reject"` //nolint:lll // Struct tags.
	// BuildParallelism bounds concurrent package fingerprinting.
	BuildParallelism int `mapstructure:"build_parallelism" yaml:"build_parallelism" validate:"gte=0,lte=256"`
	// FingerprintCache is the badger directory caching package fingerprints; empty disables it.
	FingerprintCache string `mapstructure:"fingerprint_cache" yaml:"fingerprint_cache,omitempty"`
	// MetricsAddress is the HTTP listen address for Prometheus metrics; empty disables it.
	MetricsAddress string `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
	// HostSettingsFile receives the effective cluster settings after a committed upgrade.
	HostSettingsFile string `mapstructure:"host_settings_file" yaml:"host_settings_file,omitempty"`
	// SignaturePublicKey is a minisign public key file; when set, code artifacts must be signed.
	SignaturePublicKey string `mapstructure:"signature_public_key" yaml:"signature_public_key,omitempty"`
	// LogLevel is the minimum level for log output.
	LogLevel string `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// LogFormat selects console or JSON log output.
	LogFormat string `mapstructure:"log_format" yaml:"log_format,omitempty" validate:"omitempty,oneof=console json"`
	// S3 holds credentials and endpoint settings for the remote blob backend.
	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures the S3-compatible backend. Store-address query
// parameters override these values.
type S3Config struct {
	// Region is the bucket region.
	Region string `mapstructure:"region" yaml:"region,omitempty"`
	// Endpoint overrides the AWS endpoint, e.g. for MinIO; enables path-style addressing.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	// AccessKeyID is the static access key; empty uses the default credential chain.
	AccessKeyID string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	// SecretAccessKey is the static secret key.
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	// MaxRetries is the maximum number of attempts per request.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries,omitempty" validate:"gte=0"`
}

const (
	// DefaultConfigFilename is the default filename for provisioner settings.
	DefaultConfigFilename = "fabric-provisioner.yaml"

	// DefaultServerAddress is where the provisioning service listens by default.
	DefaultServerAddress = "127.0.0.1:50061"

	// DefaultStoreAddress is a local store next to the working directory.
	DefaultStoreAddress = "file:fabric-store"

	// DefaultTimeout bounds a single store operation or RPC.
	DefaultTimeout = 5 * time.Minute

	// DefaultLeaseTTL is the transfer marker lifetime without renewal.
	DefaultLeaseTTL = 2 * time.Minute

	// DefaultConflictPolicy lets ignore-conflict builds overwrite diverging packages.
	DefaultConflictPolicy = "latest-wins"

	// DefaultBuildParallelism is the number of concurrent fingerprint workers.
	DefaultBuildParallelism = 4

	// DefaultS3Region is used when neither config nor store address names a region.
	DefaultS3Region = "us-east-1"

	// DefaultS3MaxRetries is the default attempt budget for S3 requests.
	DefaultS3MaxRetries = 10

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// EnvPrefix prefixes environment overrides, e.g. PROVISIONER_STORE_ADDR.
	EnvPrefix = "PROVISIONER"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")

	// validate is the shared validator; it caches struct metadata.
	//nolint:gochecknoglobals // Validator instances are meant to be shared.
	validate = newValidator()
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	ApplyDefaults(cfg)

	return cfg
}

// Load reads configuration from the provided path, applies PROVISIONER_*
// environment overrides and validates the result. A missing file at the
// default location is not an error; defaults and environment are used instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	v := viper.New()
	v.SetConfigFile(filepath.Clean(path))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := ExpandPaths(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Credentials may be inside, restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate applies defaults and checks the provided settings.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	ApplyDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return nil
}

// ExpandPaths resolves a leading "~" in every local path setting, including a file: store address.
func ExpandPaths(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	paths := []*string{&cfg.FingerprintCache, &cfg.HostSettingsFile, &cfg.SignaturePublicKey}

	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}

		*p = expanded
	}

	if root, ok := strings.CutPrefix(cfg.StoreAddress, "file:"); ok {
		expanded, err := homedir.Expand(root)
		if err != nil {
			return fmt.Errorf("expand %q: %w", cfg.StoreAddress, err)
		}

		cfg.StoreAddress = "file:" + expanded
	}

	return nil
}

// ApplyDefaults fills zero values with defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.ServerAddress == "" {
		cfg.ServerAddress = DefaultServerAddress
	}

	if cfg.StoreAddress == "" {
		cfg.StoreAddress = DefaultStoreAddress
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}

	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = DefaultConflictPolicy
	}

	if cfg.BuildParallelism <= 0 {
		cfg.BuildParallelism = DefaultBuildParallelism
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}

	if cfg.S3.Region == "" {
		cfg.S3.Region = DefaultS3Region
	}

	if cfg.S3.MaxRetries <= 0 {
		cfg.S3.MaxRetries = DefaultS3MaxRetries
	}
}

// setViperDefaults registers every key so AutomaticEnv can override keys absent from the file.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", DefaultServerAddress)
	v.SetDefault("store_addr", DefaultStoreAddress)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("lease_ttl", DefaultLeaseTTL)
	v.SetDefault("conflict_policy", DefaultConflictPolicy)
	v.SetDefault("build_parallelism", DefaultBuildParallelism)
	v.SetDefault("fingerprint_cache", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("host_settings_file", "")
	v.SetDefault("signature_public_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("s3.region", DefaultS3Region)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.max_retries", DefaultS3MaxRetries)
}

// newValidator registers the project-specific tags.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	//nolint:errcheck // Registration only fails on an empty tag name.
	_ = v.RegisterValidation("store_address", func(fl validator.FieldLevel) bool {
		address := fl.Field().String()

		return strings.HasPrefix(address, "file:") && len(address) > len("file:") ||
			strings.HasPrefix(address, "s3://") && len(address) > len("s3://")
	})

	return v
}

// formatValidationError turns validator output into one readable error per field.
func formatValidationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("validate settings: %w", err)
	}

	messages := make([]string, 0, len(fieldErrors))

	for _, fe := range fieldErrors {
		switch fe.Tag() {
		case "required":
			messages = append(messages, fe.Namespace()+" is required")
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", fe.Namespace(), fe.Param()))
		case "store_address":
			messages = append(messages, fe.Namespace()+" must start with file: or s3://")
		default:
			messages = append(messages, fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
		}
	}

	return fmt.Errorf("invalid settings: %s", strings.Join(messages, "; "))
}
