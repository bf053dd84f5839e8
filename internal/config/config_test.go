package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/codepush/internal/patch"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse("app_id: my-app\n")
	require.NoError(t, err)

	assert.Equal(t, DefaultChannel, cfg.Channel)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.True(t, cfg.ShouldAutoUpdate(), "auto_update should default to true")
	assert.Equal(t, 60*time.Second, cfg.NetworkTimeout())
	assert.Equal(t, uint64(DefaultMinFreeDiskMB*1024*1024), cfg.MinFreeDiskBytes())

	mode, err := cfg.VerificationMode()
	require.NoError(t, err)
	assert.Equal(t, patch.ModeStrict, mode)

	key, err := cfg.PublicKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse(`
app_id: my-app
channel: beta
base_url: https://updates.example.com/
auto_update: false
patch_verification: install_only
network_timeout_seconds: 15
min_free_disk_mb: 0
storage:
  s3_region: eu-west-1
  gcs_anonymous: true
  file_root: /srv/patches
`)
	require.NoError(t, err)

	assert.Equal(t, "beta", cfg.Channel)
	assert.Equal(t, "https://updates.example.com", cfg.BaseURL, "trailing slash should be trimmed")
	assert.False(t, cfg.ShouldAutoUpdate())
	mode, _ := cfg.VerificationMode()
	assert.Equal(t, patch.ModeInstallOnly, mode)
	assert.Equal(t, 15*time.Second, cfg.NetworkTimeout())
	assert.Zero(t, cfg.MinFreeDiskBytes())
	assert.Equal(t, "eu-west-1", cfg.Storage.S3Region)
	assert.True(t, cfg.Storage.GCSAnonymous)
	assert.Equal(t, "/srv/patches", cfg.Storage.FileRoot)
}

func TestParseRequiresAppID(t *testing.T) {
	for name, doc := range map[string]string{
		"missing": "channel: stable\n",
		"blank":   "app_id: '  '\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(doc)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, "app_id", cerr.Field)
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse("app_id: [unterminated")
	assert.Error(t, err)
}

func TestAppParamsValidate(t *testing.T) {
	p := AppParams{
		ReleaseVersion:        "1.0.0+1",
		OriginalArtifactPaths: []string{"/app/libapp.so"},
		StorageDir:            "/data/codepush",
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, "/data/codepush", p.CodeCacheDir, "code cache dir falls back to the storage dir")
	assert.Equal(t, "/app/libapp.so", p.BaseArtifactPath())
	assert.Equal(t, filepath.Join("/data/codepush", "downloads"), p.DownloadDir())

	bad := []AppParams{
		{OriginalArtifactPaths: []string{"a"}, StorageDir: "d"},
		{ReleaseVersion: "1", StorageDir: "d"},
		{ReleaseVersion: "1", OriginalArtifactPaths: []string{" "}, StorageDir: "d"},
		{ReleaseVersion: "1", OriginalArtifactPaths: []string{"a"}},
	}
	for i, p := range bad {
		assert.Error(t, p.Validate(), "case %d", i)
	}
}

func TestLoadHostFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codepush.yaml")
	doc := `
release_version: 2.1.0+7
original_artifact_paths:
  - /opt/app/libapp.so
storage_dir: /var/lib/codepush
compiled_yaml_path: ` + filepath.Join(dir, "shorebird.yaml") + `
log_format: json
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shorebird.yaml"), []byte("app_id: from-file\n"), 0o644))
	t.Setenv("CODEPUSH_LOG_LEVEL", "debug")

	host, err := LoadHost(path)
	require.NoError(t, err)
	assert.Equal(t, "2.1.0+7", host.ReleaseVersion)
	assert.Equal(t, "/var/lib/codepush", host.StorageDir)
	assert.Equal(t, "json", host.LogFormat)
	assert.Equal(t, "debug", host.LogLevel)

	params := host.AppParams()
	assert.Equal(t, []string{"/opt/app/libapp.so"}, params.OriginalArtifactPaths)

	yamlDoc, err := host.CompiledYAML()
	require.NoError(t, err)
	assert.Equal(t, "app_id: from-file\n", yamlDoc)
}

func TestLoadHostExplicitMissingFileFails(t *testing.T) {
	_, err := LoadHost(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err, "an explicit config path that does not exist should fail")
}

func TestCompiledYAMLRequiresPath(t *testing.T) {
	_, err := DefaultHost().CompiledYAML()
	assert.Error(t, err)
}
