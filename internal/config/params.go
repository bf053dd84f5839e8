package config

import (
	"path/filepath"
	"strings"
)

// AppParams describes the running application. The host provides them at
// init time; they are never read from the compiled YAML.
type AppParams struct {
	ReleaseVersion        string
	OriginalArtifactPaths []string
	StorageDir            string
	CodeCacheDir          string
}

// Validate checks the required fields. CodeCacheDir falls back to
// StorageDir when empty.
func (p *AppParams) Validate() error {
	if strings.TrimSpace(p.ReleaseVersion) == "" {
		return &ConfigError{Field: "release_version", Reason: "is required"}
	}
	if len(p.OriginalArtifactPaths) == 0 {
		return &ConfigError{Field: "original_artifact_paths", Reason: "at least one path is required"}
	}
	for _, path := range p.OriginalArtifactPaths {
		if strings.TrimSpace(path) == "" {
			return &ConfigError{Field: "original_artifact_paths", Reason: "contains an empty path"}
		}
	}
	if strings.TrimSpace(p.StorageDir) == "" {
		return &ConfigError{Field: "storage_dir", Reason: "is required"}
	}
	if p.CodeCacheDir == "" {
		p.CodeCacheDir = p.StorageDir
	}
	return nil
}

// BaseArtifactPath is the release artifact patches are diffed against.
func (p *AppParams) BaseArtifactPath() string {
	return p.OriginalArtifactPaths[0]
}

// DownloadDir is where patch downloads are staged before inflating.
func (p *AppParams) DownloadDir() string {
	return filepath.Join(p.CodeCacheDir, "downloads")
}
