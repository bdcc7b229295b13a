package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailarch.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
[database]
host = "localhost"
name = "mailarch"

[storage]
root = "/data/archive"

[index]
path = "/data/index/mailarch.db"
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "sync", cfg.Index.GetMode())

	lookback, err := cfg.Archive.GetThreadLookback()
	require.NoError(t, err)
	assert.Equal(t, 90*24*time.Hour, lookback)
	assert.Equal(t, 6, cfg.Archive.GetMaxThreadDepth())
	assert.Equal(t, 5, cfg.Index.GetMaxAttempts())
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[database]
host = "db.example.com"
port = 5433
user = "archive"
name = "mailarch"
query_timeout = "45s"

[storage]
backend = "s3"

[storage.s3]
endpoint = "s3.example.com"
bucket = "mailarch-raw"
tls = true

[index]
path = "/data/index/mailarch.db"
mode = "async"
queue_path = "/data/index/queue.db"
max_attempts = 3
retry_interval = "1m"

[archive]
thread_lookback = "30d"
max_thread_depth = 4

[logging]
output = "stdout"
format = "json"
`))
	require.NoError(t, err)

	timeout, err := cfg.Database.GetQueryTimeout()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, timeout)

	assert.Equal(t, "async", cfg.Index.GetMode())
	assert.Equal(t, 3, cfg.Index.GetMaxAttempts())

	lookback, err := cfg.Archive.GetThreadLookback()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, lookback)
	assert.Equal(t, 4, cfg.Archive.GetMaxThreadDepth())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{
			"missing database host",
			`[database]
name = "mailarch"
[storage]
root = "/data"
[index]
path = "/data/idx.db"`,
			"database.host",
		},
		{
			"missing storage root",
			`[database]
host = "localhost"
name = "mailarch"
[index]
path = "/data/idx.db"`,
			"storage.root",
		},
		{
			"bad index mode",
			`[database]
host = "localhost"
name = "mailarch"
[storage]
root = "/data"
[index]
path = "/data/idx.db"
mode = "eventually"`,
			"index.mode",
		},
		{
			"async without queue path",
			`[database]
host = "localhost"
name = "mailarch"
[storage]
root = "/data"
[index]
path = "/data/idx.db"
mode = "async"`,
			"queue_path",
		},
		{
			"bad duration",
			`[database]
host = "localhost"
name = "mailarch"
[storage]
root = "/data"
[index]
path = "/data/idx.db"
[archive]
thread_lookback = "ninety days"`,
			"thread_lookback",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errText)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
