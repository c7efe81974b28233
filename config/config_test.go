package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithRootDir(t.TempDir()))
	require.Equal(100, c.BackupBatchSize)
	require.Equal(uint64(100), c.RotationMessages)
	require.Equal(7*24*time.Hour, c.RotationPeriod)
	require.False(c.ShareWithBlacklisted)
	require.True(c.KeyRequestsEnabled)
	require.NotNil(c.Logger("test"))
}

func TestParseOverlay(t *testing.T) {
	require := require.New(t)
	opts, err := Parse(`
debug = true

[rotation]
period = "1h"
messages = 10

[sharing]
only_trusted_devices = true

[verification]
timeout = "30s"

[backup]
batch_size = 7
`)
	require.Nil(err)
	c := NewConfig(append(opts, WithRootDir(t.TempDir()))...)
	require.True(c.Debug)
	require.Equal(time.Hour, c.RotationPeriod)
	require.Equal(uint64(10), c.RotationMessages)
	require.True(c.OnlyTrustedDevices)
	require.Equal(30*time.Second, c.VerificationTimeout)
	require.Equal(7, c.BackupBatchSize)
	require.Equal(50, c.MaxOneTimeKeys)
}

func TestParseInvalidDuration(t *testing.T) {
	require := require.New(t)
	_, err := Parse(`
[keys]
claim_failure_backoff = "soon"
`)
	require.NotNil(err)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "e2ee.toml")
	require.Nil(os.WriteFile(p, []byte("[keys]\nmax_one_time_keys = 20\n"), 0o600))
	opts, err := LoadFile(p)
	require.Nil(err)
	c := NewConfig(append(opts, WithRootDir(dir))...)
	require.Equal(20, c.MaxOneTimeKeys)

	_, err = LoadFile(filepath.Join(dir, "missing.toml"))
	require.NotNil(err)
}
