package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "openai", cfg.Chat.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Providers["openai"].Model)
	assert.Equal(t, 50, cfg.Chat.TopK)
	assert.Equal(t, "text-embedding-3-large", cfg.Embedding.Model)
	assert.Equal(t, 3072, cfg.Embedding.Dimensions)
	assert.Equal(t, "2022", cfg.Research.TaxYear)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open config")
}

func TestLoadResolvesSQLitePathAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"basic_config": {"server_address": ":9000", "min_workers": 1, "max_workers": 2},
		"providers": {"openai": {"model": "gpt-4o"}},
		"databases": {"sqlite3": {"dsn": "db/research.db"}},
		"research": {"sheets": {"nexus": "111"}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ss_token", "sheet-token")
	t.Setenv("ss_url", "https://sheets.example/")
	t.Setenv("cfp_sheet", "222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, filepath.Join(dir, "db/research.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, "sk-test", cfg.Providers["openai"].APIKey)
	assert.Equal(t, "gpt-4o", cfg.Providers["openai"].Model)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey, "embedding key falls back to the openai key")
	assert.Equal(t, "sheet-token", cfg.Research.Token)
	assert.Equal(t, "https://sheets.example/", cfg.Research.BaseURL)
	assert.Equal(t, "111", cfg.Research.Sheets[SheetNexus])
	assert.Equal(t, "222", cfg.Research.Sheets[SheetCarryforward])
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"chat": {"provider": "mystery"}}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}
