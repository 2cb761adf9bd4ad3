// Package config loads the service configuration from a YAML file and
// TRIPHASE_* environment variables. A loaded Config is a value: it is
// passed by copy and never changed after start-up.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/pdf"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TRIPHASE_"

// ConfigError reports an invalid setting
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config is the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Trust   TrustConfig   `yaml:"trust"`
	Signing SigningConfig `yaml:"signing"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the HTTP surface settings
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read-timeout"`
	WriteTimeout time.Duration `yaml:"write-timeout"`
	// RequestTimeout bounds one pre-sign, post-sign or validation
	RequestTimeout time.Duration `yaml:"request-timeout"`
	// MaxBodyBytes limits uploaded documents
	MaxBodyBytes int64 `yaml:"max-body-bytes"`
	Debug        bool  `yaml:"debug"`
}

// TrustConfig selects the trust anchors and the revocation policy
type TrustConfig struct {
	// RootsFile is a PEM bundle of trusted roots
	RootsFile string `yaml:"roots-file"`
	// SystemRoots adds the operating system pool to RootsFile
	SystemRoots bool          `yaml:"system-roots"`
	Revocation  bool          `yaml:"revocation"`
	OCSPTimeout time.Duration `yaml:"ocsp-timeout"`
	// SoftFail accepts certificates whose OCSP status cannot be fetched
	SoftFail bool `yaml:"soft-fail"`
}

// SigningConfig holds the signing defaults
type SigningConfig struct {
	Algorithm string `yaml:"algorithm"`
	// TempDir receives the temporary copies of OOXML packages. Empty means
	// the system default.
	TempDir      string             `yaml:"temp-dir"`
	ShadowAttack ShadowAttackConfig `yaml:"shadow-attack"`
}

// ShadowAttackConfig bounds the PDF shadow attack check. Page counts are
// numbers or "all".
type ShadowAttackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MaxPages string `yaml:"max-pages"`
	Pages    string `yaml:"pages"`
}

// LoggingConfig selects the logger flavour
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
	JSON    bool `yaml:"json"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   5 * time.Minute,
			RequestTimeout: 2 * time.Minute,
			MaxBodyBytes:   64 << 20,
		},
		Trust: TrustConfig{
			SystemRoots: true,
			Revocation:  true,
			OCSPTimeout: 10 * time.Second,
		},
		Signing: SigningConfig{
			Algorithm: "SHA256withRSA",
			ShadowAttack: ShadowAttackConfig{
				Enabled:  true,
				MaxPages: "all",
				Pages:    "all",
			},
		},
	}
}

// Load reads path over the defaults, then applies the environment. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &ConfigError{Message: "failed to parse config", Err: err}
	}
	return cfg, nil
}

// ApplyEnv overrides settings from TRIPHASE_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_ADDRESS":   &c.Server.Address,
		"TRUST_ROOTS":      &c.Trust.RootsFile,
		"ALGORITHM":        &c.Signing.Algorithm,
		"TEMP_DIR":         &c.Signing.TempDir,
		"SHADOW_MAX_PAGES": &c.Signing.ShadowAttack.MaxPages,
		"SHADOW_PAGES":     &c.Signing.ShadowAttack.Pages,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"SERVER_DEBUG":   &c.Server.Debug,
		"SYSTEM_ROOTS":   &c.Trust.SystemRoots,
		"REVOCATION":     &c.Trust.Revocation,
		"OCSP_SOFT_FAIL": &c.Trust.SoftFail,
		"SHADOW_ATTACK":  &c.Signing.ShadowAttack.Enabled,
		"VERBOSE":        &c.Logging.Verbose,
		"LOG_JSON":       &c.Logging.JSON,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: EnvPrefix + key, Message: "not a boolean", Err: err}
		}
		*dst = b
	}

	durations := map[string]*time.Duration{
		"READ_TIMEOUT":    &c.Server.ReadTimeout,
		"WRITE_TIMEOUT":   &c.Server.WriteTimeout,
		"REQUEST_TIMEOUT": &c.Server.RequestTimeout,
		"OCSP_TIMEOUT":    &c.Trust.OCSPTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: EnvPrefix + key, Message: "not a duration", Err: err}
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &ConfigError{Field: EnvPrefix + "MAX_BODY_BYTES", Message: "not a number", Err: err}
		}
		c.Server.MaxBodyBytes = n
	}
	return nil
}

// Validate checks the settings that can be checked without I/O
func (c Config) Validate() error {
	if _, err := signature.ParseAlgorithm(c.Signing.Algorithm); err != nil {
		return &ConfigError{Field: "signing.algorithm", Message: err.Error(), Err: err}
	}
	if _, _, err := c.Signing.ShadowAttack.Bounds(); err != nil {
		return err
	}
	if c.Server.MaxBodyBytes <= 0 {
		return &ConfigError{Field: "server.max-body-bytes", Message: "must be positive"}
	}
	if c.Server.RequestTimeout <= 0 {
		return &ConfigError{Field: "server.request-timeout", Message: "must be positive"}
	}
	if c.Trust.Revocation && c.Trust.OCSPTimeout <= 0 {
		return &ConfigError{Field: "trust.ocsp-timeout", Message: "must be positive when revocation is checked"}
	}
	return nil
}

// Bounds returns the hard page limit and the default request
func (s ShadowAttackConfig) Bounds() (limit, requested pdf.PageBound, err error) {
	if limit, err = pdf.ParsePageBound(s.MaxPages); err != nil {
		return 0, 0, &ConfigError{Field: "signing.shadow-attack.max-pages", Message: err.Error(), Err: err}
	}
	if requested, err = pdf.ParsePageBound(s.Pages); err != nil {
		return 0, 0, &ConfigError{Field: "signing.shadow-attack.pages", Message: err.Error(), Err: err}
	}
	return limit, requested, nil
}
