package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permitflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeAll, cfg.RunMode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLMModel)
	assert.InDelta(t, 0.3, cfg.LLMTemperature, 1e-6)
	assert.Equal(t, 24*time.Hour, cfg.ScheduleLead)
	assert.Equal(t, 14*24*time.Hour, cfg.ScheduleWindow)
	assert.Equal(t, 4, cfg.ScheduleMaxWidenings)
	assert.Equal(t, 15*time.Minute, cfg.StallThreshold)
	assert.Equal(t, "Immigration Office - Main Building", cfg.SlotLocation)
	assert.Equal(t, int64(25<<20), cfg.MaxUploadBytes)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, domain.DefaultRetryPolicy(), cfg.RetryPolicy())
	assert.Equal(t, 30*time.Second, cfg.RetrievalTimeout)
	assert.Equal(t, time.Minute, cfg.BlobTimeout)
	assert.Equal(t, 15*time.Second, cfg.ReserveTimeout)
}

func TestLoad_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RUN_MODE", "worker")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LLM_TEMPERATURE", "0.5")
	t.Setenv("SCHEDULE_WINDOW", "168h")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeWorker, cfg.RunMode)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.InDelta(t, 0.5, cfg.LLMTemperature, 1e-6)
	assert.Equal(t, 7*24*time.Hour, cfg.ScheduleWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
run_mode: api
guidelines_dir: /srv/guidelines
milvus_address: milvus:19530
slot_capacity: 2
`)
	t.Setenv("SLOT_CAPACITY", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeAPI, cfg.RunMode)
	assert.Equal(t, "/srv/guidelines", cfg.GuidelinesDir)
	assert.Equal(t, "milvus:19530", cfg.MilvusAddress)
	assert.Equal(t, 3, cfg.SlotCapacity, "environment wins over the file")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"run mode", map[string]string{"RUN_MODE": "batch"}},
		{"port", map[string]string{"PORT": "70000"}},
		{"temperature", map[string]string{"LLM_TEMPERATURE": "3"}},
		{"clients", map[string]string{"API_CLIENTS": "bridge"}},
		{"advisory locks exhaust pool", map[string]string{"WORKER_CONCURRENCY": "8", "DB_MAX_OPEN_CONNS": "8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestConfig_ValidatePool(t *testing.T) {
	base := func() *Config {
		return &Config{
			RunMode:           ModeWorker,
			Port:              8080,
			DatabaseURL:       "postgres://localhost/permitflow",
			ScheduleWindow:    time.Hour,
			DBMaxOpenConns:    10,
			WorkerConcurrency: 7,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.WorkerConcurrency = 8
	assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidInput, "workers plus lock holders take every connection")

	cfg = base()
	cfg.WorkerConcurrency = 40
	cfg.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate(), "redis locks pin no database connection")

	cfg = base()
	cfg.WorkerConcurrency = 40
	cfg.RunMode = ModeAPI
	assert.NoError(t, cfg.Validate(), "api nodes run no workers")

	cfg = base()
	cfg.WorkerConcurrency = 23
	cfg.DBMaxOpenConns = 0
	assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidInput, "zero takes the default pool of 25")
	cfg.WorkerConcurrency = 22
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Clients(t *testing.T) {
	cfg := &Config{APIClients: "bridge:$2a$10$abc:ingest, ops:$2a$10$def:ingest+admin"}

	clients, err := cfg.Clients()
	require.NoError(t, err)
	require.Len(t, clients, 2)

	assert.Equal(t, domain.APIClient{ID: "bridge", SecretHash: "$2a$10$abc", Scopes: []string{domain.ScopeIngest}}, clients[0])
	assert.Equal(t, []string{domain.ScopeIngest, domain.ScopeAdmin}, clients[1].Scopes)

	empty := &Config{}
	clients, err = empty.Clients()
	require.NoError(t, err)
	assert.Empty(t, clients)

	for _, bad := range []string{"x:hash:", "x:hash:root", ":hash:ingest", "x::ingest"} {
		_, err := (&Config{APIClients: bad}).Clients()
		assert.ErrorIs(t, err, domain.ErrInvalidInput, bad)
	}
}

func TestConfig_AISettings(t *testing.T) {
	cfg := &Config{
		LLMProvider:      "vertex",
		LLMModel:         "gemini-2.5-flash",
		GCPProjectID:     "office",
		GCPLocation:      "europe-west1",
		EmbeddingModel:   "text-embedding-3-small",
		EmbeddingBaseURL: "http://embed:8000/v1",
	}

	r := cfg.ReasoningSettings()
	assert.Equal(t, domain.AIProviderVertex, r.Provider)
	assert.True(t, r.IsConfigured())

	e := cfg.EmbeddingSettings()
	assert.Equal(t, domain.AIProviderOpenAI, e.Provider)
	assert.True(t, e.IsConfigured())
}
