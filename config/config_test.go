package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var opts Options
	opts.ApplyDefaults()

	assert.Equal(t, DefaultMaxMessageLength, opts.MaxMessageLength)
	assert.Positive(t, opts.BufferLimit)
	assert.Equal(t, "SHA256", opts.SigningHash)
	assert.Equal(t, time.Second, opts.ResendInterval)
	assert.Zero(t, opts.PingInterval)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	opts := Options{
		MaxMessageLength: 4096,
		BufferLimit:      3,
		SigningHash:      "SHA512",
		ResendInterval:   250 * time.Millisecond,
		PingInterval:     time.Minute,
	}
	opts.ApplyDefaults()

	assert.Equal(t, 4096, opts.MaxMessageLength)
	assert.Equal(t, 3, opts.BufferLimit)
	assert.Equal(t, "SHA512", opts.SigningHash)
	assert.Equal(t, 250*time.Millisecond, opts.ResendInterval)
	assert.Equal(t, time.Minute, opts.PingInterval)
}

func TestValidateRejectsUnknownHash(t *testing.T) {
	opts := Options{SigningHash: "MD5"}
	opts.ApplyDefaults()
	assert.Error(t, opts.Validate())

	opts.SigningHash = "SHA256"
	assert.NoError(t, opts.Validate())
}

func TestLoadOptionsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	content := []byte("max_message_length: 2048\nsigning_hash: SHA512\nresend_interval: 500ms\nping_interval: 15s\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 2048, opts.MaxMessageLength)
	assert.Equal(t, "SHA512", opts.SigningHash)
	assert.Equal(t, 500*time.Millisecond, opts.ResendInterval)
	assert.Equal(t, 15*time.Second, opts.PingInterval)
	assert.Positive(t, opts.BufferLimit, "defaults still applied")
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadOptionsBadHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signing_hash: CRC32\n"), 0o644))
	_, err := LoadOptions(path)
	assert.Error(t, err)
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv(EnvPrefix+"PROBE", "set")
	assert.Equal(t, "set", GetenvDefault(EnvPrefix+"PROBE", "fallback"))
	assert.Equal(t, "fallback", GetenvDefault(EnvPrefix+"ABSENT", "fallback"))
}
