package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/fingerprint"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/sqlstore"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "memory", cfg.EventsType())
	assert.Equal(t, 1, cfg.Scheduler.MaxParallelism)
	assert.Equal(t, "subprocess", cfg.Backends.Default)
	assert.True(t, cfg.BackendEnabled("local"))
	assert.True(t, cfg.BackendEnabled("subprocess"))
	assert.False(t, cfg.BackendEnabled("docker"))
	assert.False(t, cfg.BackendEnabled("k8s"))

	sc := cfg.SchedulerOptions()
	assert.Equal(t, fingerprint.ScopePipeline, sc.CacheScope)
	assert.False(t, sc.AbortOnCancel)
}

func TestLoadEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("LINEAGE_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("LINEAGE_MAX_PARALLELISM", "4")
	t.Setenv("LINEAGE_CACHE_SCOPE", "global")
	t.Setenv("LINEAGE_ABORT_ON_CANCEL", "true")
	t.Setenv("LINEAGE_BACKENDS", "subprocess,docker")
	t.Setenv("ARTIFACT_STORE_TYPE", "minio")
	t.Setenv("ARTIFACT_STORE_BUCKET", "artifacts")
	t.Setenv("S3_ENDPOINT", "minio:9000")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.EventsType())
	assert.Equal(t, "redis://cache:6379/2", cfg.RedisOptions().URL)
	assert.Equal(t, []string{"subprocess", "docker"}, cfg.Backends.Enabled)
	assert.True(t, cfg.BackendEnabled("docker"))

	sc := cfg.SchedulerOptions()
	assert.Equal(t, 4, sc.MaxParallelism)
	assert.Equal(t, fingerprint.ScopeGlobal, sc.CacheScope)
	assert.True(t, sc.AbortOnCancel)

	ac := cfg.ArtifactOptions()
	assert.Equal(t, "minio", ac.Type)
	assert.Equal(t, "artifacts", ac.Bucket)
	assert.Equal(t, "minio:9000", ac.Endpoint)

	assert.True(t, cfg.TracingOptions("test").Enabled)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "lineage.yaml")
	doc := `
store:
  type: sqlite
  sqlite_path: /var/lib/lineage/meta.db
scheduler:
  max_parallelism: 0
backends:
  default: docker
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Run("file values", func(t *testing.T) {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.Scheduler.MaxParallelism)
		assert.Equal(t, "docker", cfg.Backends.Default)
		assert.True(t, cfg.BackendEnabled("docker"))

		sc := cfg.SQLOptions()
		assert.Equal(t, sqlstore.SQLite, sc.Dialect)
		assert.Equal(t, "/var/lib/lineage/meta.db", sc.URL)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("LINEAGE_MAX_PARALLELISM", "3")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Scheduler.MaxParallelism)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"LINEAGE_STORE": "etcd"}},
		{"postgres without url", map[string]string{"LINEAGE_STORE": "postgres"}},
		{"unknown scope", map[string]string{"LINEAGE_CACHE_SCOPE": "cluster"}},
		{"negative parallelism", map[string]string{"LINEAGE_MAX_PARALLELISM": "-1"}},
		{"unknown backend", map[string]string{"LINEAGE_DEFAULT_BACKEND": "lambda"}},
		{"unknown artifact store", map[string]string{"ARTIFACT_STORE_TYPE": "gcs"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
