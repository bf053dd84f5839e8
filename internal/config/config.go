package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/codepush/internal/patch"
)

const (
	DefaultChannel          = "stable"
	DefaultBaseURL          = "https://api.codepush.dev"
	DefaultNetworkTimeout   = 60
	DefaultMinFreeDiskMB    = 64
	VerificationStrict      = "strict"
	VerificationInstallOnly = "install_only"
)

// StorageConfig carries credentials for artifact downloads that are not
// plain HTTP(S).
type StorageConfig struct {
	S3Region          string `yaml:"s3_region"`
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3Anonymous       bool   `yaml:"s3_anonymous"`
	GCSAnonymous      bool   `yaml:"gcs_anonymous"`
	B2AccountID       string `yaml:"b2_account_id"`
	B2ApplicationKey  string `yaml:"b2_application_key"`
	// FileRoot enables file:// downloads confined to this directory.
	FileRoot string `yaml:"file_root"`
}

// YAMLConfig is the configuration compiled into the host application.
type YAMLConfig struct {
	AppID                 string        `yaml:"app_id"`
	Channel               string        `yaml:"channel"`
	BaseURL               string        `yaml:"base_url"`
	AutoUpdate            *bool         `yaml:"auto_update"`
	PatchPublicKey        string        `yaml:"patch_public_key"`
	PatchVerification     string        `yaml:"patch_verification"`
	StateFileLock         bool          `yaml:"state_file_lock"`
	NetworkTimeoutSeconds int           `yaml:"network_timeout_seconds"`
	MinFreeDiskMB         *int          `yaml:"min_free_disk_mb"`
	HTTPProxy             string        `yaml:"http_proxy"`
	HTTPSProxy            string        `yaml:"https_proxy"`
	NoProxy               string        `yaml:"no_proxy"`
	Storage               StorageConfig `yaml:"storage"`
}

// Default returns a config with every optional field populated.
func Default() *YAMLConfig {
	autoUpdate := true
	minFree := DefaultMinFreeDiskMB
	return &YAMLConfig{
		Channel:               DefaultChannel,
		BaseURL:               DefaultBaseURL,
		AutoUpdate:            &autoUpdate,
		PatchVerification:     VerificationStrict,
		NetworkTimeoutSeconds: DefaultNetworkTimeout,
		MinFreeDiskMB:         &minFree,
	}
}

// Parse decodes compiled YAML on top of Default. app_id is required.
func Parse(data string) (*YAMLConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(data), cfg); err != nil {
		return nil, &ConfigError{Field: "yaml", Reason: err.Error()}
	}

	cfg.applyDefaults()

	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, &ConfigError{Field: "app_id", Reason: "is required"}
	}
	return cfg, nil
}

// Explicit empty values in the YAML override the defaults, put them back.
func (c *YAMLConfig) applyDefaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.AutoUpdate == nil {
		autoUpdate := true
		c.AutoUpdate = &autoUpdate
	}
	if c.PatchVerification == "" {
		c.PatchVerification = VerificationStrict
	}
	if c.NetworkTimeoutSeconds == 0 {
		c.NetworkTimeoutSeconds = DefaultNetworkTimeout
	}
	if c.MinFreeDiskMB == nil {
		minFree := DefaultMinFreeDiskMB
		c.MinFreeDiskMB = &minFree
	}
}

// ShouldAutoUpdate reports whether the host should start an update on launch.
func (c *YAMLConfig) ShouldAutoUpdate() bool {
	return c.AutoUpdate == nil || *c.AutoUpdate
}

// NetworkTimeout returns the per-request timeout.
func (c *YAMLConfig) NetworkTimeout() time.Duration {
	return time.Duration(c.NetworkTimeoutSeconds) * time.Second
}

// MinFreeDiskBytes returns the free space required before a download, 0 when
// the check is disabled.
func (c *YAMLConfig) MinFreeDiskBytes() uint64 {
	if c.MinFreeDiskMB == nil || *c.MinFreeDiskMB <= 0 {
		return 0
	}
	return uint64(*c.MinFreeDiskMB) * 1024 * 1024
}

// VerificationMode maps patch_verification onto the verification policy.
func (c *YAMLConfig) VerificationMode() (patch.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(c.PatchVerification)) {
	case "", VerificationStrict:
		return patch.ModeStrict, nil
	case VerificationInstallOnly:
		return patch.ModeInstallOnly, nil
	default:
		return patch.ModeStrict, &ConfigError{
			Field:  "patch_verification",
			Reason: fmt.Sprintf("unknown mode %q (use strict or install_only)", c.PatchVerification),
		}
	}
}

// PublicKey decodes patch_public_key. A nil key with a nil error means
// signature checks are disabled.
func (c *YAMLConfig) PublicKey() (*patch.PublicKey, error) {
	if strings.TrimSpace(c.PatchPublicKey) == "" {
		return nil, nil
	}
	key, err := patch.ParsePublicKey(c.PatchPublicKey)
	if err != nil {
		return nil, &ConfigError{Field: "patch_public_key", Reason: err.Error()}
	}
	return key, nil
}
