package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPrecedence(t *testing.T) {
	ResetConfig()
	t.Cleanup(ResetConfig)

	assert.Equal(t, "", Lookup(Hostname))

	t.Setenv("MICROSHED_HOSTNAME", "upper.example")
	assert.Equal(t, "upper.example", Lookup(Hostname))

	t.Setenv(Hostname, "")
	assert.Equal(t, "upper.example", Lookup(Hostname))

	t.Setenv(Hostname, "exact.example")
	assert.Equal(t, "exact.example", Lookup(Hostname))

	Set(Hostname, "override.example")
	assert.Equal(t, "override.example", Lookup(Hostname))
}

func TestDottedKeysReadFromEnv(t *testing.T) {
	ResetConfig()
	t.Cleanup(ResetConfig)

	t.Setenv("ORG_MICROSHED_KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")
	assert.Equal(t, "localhost:9092", GetConfig().KafkaBootstrapServers)

	SetKafkaBootstrapServers("broker:29092")
	assert.Equal(t, "broker:29092", GetConfig().KafkaBootstrapServers)
}

func TestBool(t *testing.T) {
	ResetConfig()
	t.Cleanup(ResetConfig)

	assert.False(t, Bool(ManualEnabled))
	Set(ManualEnabled, "TRUE")
	assert.True(t, Bool(ManualEnabled))
	Set(ManualEnabled, "yes please")
	assert.False(t, Bool(ManualEnabled))
}

func TestLoadConfigFile(t *testing.T) {
	ResetConfig()
	t.Cleanup(ResetConfig)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "microshed.yaml"),
		[]byte("microshed_hostname: from-file\nmicroshed_http_port: \"9080\"\n"), 0o644))

	require.NoError(t, LoadConfig(dir))

	cfg := GetConfig()
	assert.Equal(t, "from-file", cfg.Hostname)
	assert.Equal(t, "9080", cfg.HTTPPort)
}

func TestLoadConfigMissingFile(t *testing.T) {
	ResetConfig()
	t.Cleanup(ResetConfig)

	require.NoError(t, LoadConfig(t.TempDir()))
}

func TestSetDatasource(t *testing.T) {
	ResetConfig()
	t.Cleanup(ResetConfig)

	SetDatasource("postgres://db:5432/app", "app", "secret")
	cfg := GetConfig()
	assert.Equal(t, "postgres://db:5432/app", cfg.DatasourceURL)
	assert.Equal(t, "app", cfg.DatasourceUsername)
	assert.Equal(t, "secret", cfg.DatasourcePassword)
}
