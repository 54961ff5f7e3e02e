package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/qbanksync/internal/stub"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("QBANK_STUB_TEST_INT", "42")
	assert.Equal(t, 42, intEnv("QBANK_STUB_TEST_INT", 7))
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("QBANK_STUB_TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 7, intEnv("QBANK_STUB_TEST_INT_BAD", 7))
	assert.Equal(t, int64(7), int64Env("QBANK_STUB_TEST_INT_BAD", 7))
}

func TestDurationAndFloatEnv(t *testing.T) {
	t.Setenv("QBANK_STUB_TEST_DURATION", "150ms")
	t.Setenv("QBANK_STUB_TEST_DURATION_BAD", "soon")
	t.Setenv("QBANK_STUB_TEST_FLOAT", "2.5")
	assert.Equal(t, 150*time.Millisecond, durationEnv("QBANK_STUB_TEST_DURATION", time.Second))
	assert.Equal(t, 2*time.Second, durationEnv("QBANK_STUB_TEST_DURATION_BAD", 2*time.Second))
	assert.Equal(t, 2.5, floatEnv("QBANK_STUB_TEST_FLOAT", 0))
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("QBANK_STUB_TEST_UNSET")
	assert.Equal(t, 9, intEnv("QBANK_STUB_TEST_UNSET", 9))
	assert.Equal(t, 3*time.Second, durationEnv("QBANK_STUB_TEST_UNSET", 3*time.Second))
	assert.Equal(t, "x", envOrDefault("QBANK_STUB_TEST_UNSET", "x"))
}

func TestStorageProfiles(t *testing.T) {
	t.Setenv("QBANK_STUB_BACKEND_PROFILE", "memory")
	backend, err := buildStateBackendFromEnv()
	require.NoError(t, err)
	assert.IsType(t, &stub.InMemoryStateBackend{}, backend)

	dir := t.TempDir()
	t.Setenv("QBANK_STUB_BACKEND_PROFILE", "durable-local")
	t.Setenv("QBANK_STUB_DATA_DIR", dir)
	dsn, err := storageProfileDefaultFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "state.json"), dsn)

	t.Setenv("QBANK_STUB_BACKEND_PROFILE", "production")
	_, err = buildStateBackendFromEnv()
	assert.Error(t, err)

	t.Setenv("QBANK_STUB_BACKEND_PROFILE", "cloud")
	_, err = buildStateBackendFromEnv()
	assert.Error(t, err)

	t.Setenv("QBANK_STUB_BACKEND_PROFILE", "")
	backend, err = buildStateBackendFromEnv()
	require.NoError(t, err)
	assert.Nil(t, backend)
}

func TestExplicitStateFileWinsOverProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stub.json")
	t.Setenv("QBANK_STUB_BACKEND_PROFILE", "memory")
	t.Setenv("QBANK_STUB_STATE_FILE", path)
	backend, err := buildStateBackendFromEnv()
	require.NoError(t, err)
	assert.IsType(t, &stub.JSONFileStateBackend{}, backend)
}

func TestServerConfigFromEnv(t *testing.T) {
	t.Setenv("QBANK_STUB_ENVELOPE", "Keyed")
	t.Setenv("QBANK_STUB_RATE_LIMIT", "5")
	t.Setenv("QBANK_STUB_TOKEN", " secret ")
	cfg, err := serverConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, stub.EnvelopeKeyed, cfg.Envelope)
	assert.Equal(t, 5.0, cfg.RateLimit)
	assert.Equal(t, "secret", cfg.Token)

	t.Setenv("QBANK_STUB_ENVELOPE", "xml")
	_, err = serverConfigFromEnv()
	assert.Error(t, err)
}

func TestDemoRecordsSeedAStore(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	records := demoRecords(12, now)
	require.Len(t, records, 12)
	assert.Equal(t, now, records[11].UpdatedAt)
	for i := 1; i < len(records); i++ {
		assert.True(t, records[i].UpdatedAt.After(records[i-1].UpdatedAt))
	}

	store := stub.NewStore()
	require.NoError(t, store.Seed(records...))
	page, err := store.List(stub.ListQuery{Status: "published", PageSize: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, page.Records)
	for _, rec := range page.Records {
		assert.Equal(t, "published", rec.Status)
	}
}
