package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// HostConfig is what a host process (the CLI) knows about the app it
// simulates. It is read from codepush.yaml with CODEPUSH_ env overrides.
type HostConfig struct {
	ReleaseVersion        string   `mapstructure:"release_version"`
	OriginalArtifactPaths []string `mapstructure:"original_artifact_paths"`
	StorageDir            string   `mapstructure:"storage_dir"`
	CodeCacheDir          string   `mapstructure:"code_cache_dir"`
	CompiledYAMLPath      string   `mapstructure:"compiled_yaml_path"`
	LogLevel              string   `mapstructure:"log_level"`
	LogFormat             string   `mapstructure:"log_format"`
	LogFile               string   `mapstructure:"log_file"`
}

// DefaultHost returns host settings rooted in the working directory.
func DefaultHost() *HostConfig {
	return &HostConfig{
		StorageDir: filepath.Join(".", "codepush-data"),
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// LoadHost reads the host file. A missing file is not an error when no
// explicit path was given.
func LoadHost(cfgFile string) (*HostConfig, error) {
	cfg := DefaultHost()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("codepush")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "codepush"))
		}
	}

	v.SetEnvPrefix("CODEPUSH")
	v.AutomaticEnv()
	for _, key := range []string{
		"release_version", "original_artifact_paths", "storage_dir", "code_cache_dir",
		"compiled_yaml_path", "log_level", "log_format", "log_file",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AppParams converts the host settings into init parameters.
func (h *HostConfig) AppParams() AppParams {
	return AppParams{
		ReleaseVersion:        h.ReleaseVersion,
		OriginalArtifactPaths: h.OriginalArtifactPaths,
		StorageDir:            h.StorageDir,
		CodeCacheDir:          h.CodeCacheDir,
	}
}

// CompiledYAML reads the compiled app configuration.
func (h *HostConfig) CompiledYAML() (string, error) {
	if h.CompiledYAMLPath == "" {
		return "", &ConfigError{Field: "compiled_yaml_path", Reason: "is required"}
	}
	data, err := os.ReadFile(h.CompiledYAMLPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
