package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  openai_key: sk-test
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 16000, cfg.SampleRate)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "voxbridge:session:", cfg.Redis.Prefix)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, ModeMedia, cfg.StreamingMode)
	assert.Equal(t, 256, cfg.STT.PoolSize)
	assert.Equal(t, 256, cfg.TTS.PoolSize)
	assert.Equal(t, 256, cfg.LLM.PoolSize)
	assert.Equal(t, float32(0.7), cfg.LLM.Temperature)
}

func TestLoadEnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("REDIS_ADDR", "redis-prod:6379")

	path := writeConfig(t, `
llm:
  provider: openai
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLM.OpenAIKey)
	assert.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
}

func TestLoadFileValuesWinOverEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: openai
  openai_key: sk-from-file
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-file", cfg.LLM.OpenAIKey)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.LLM.Provider = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SampleRate = 44100
	assert.Error(t, cfg.Validate())

	// Only rates the audio pipeline accepts may be configured.
	cfg = Default()
	cfg.SampleRate = 8000
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.StreamingMode = "duplex"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.StreamingMode = ModeTranscription
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.StreamingMode = ModeRealtimeVoice
	assert.Error(t, cfg.Validate())
	cfg.Realtime.URL = "wss://rt.example.com/v1"
	assert.NoError(t, cfg.Validate())
}

func TestMissingCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("STT_API_KEY", "")
	t.Setenv("TTS_API_KEY", "")

	cfg := Default()
	assert.Contains(t, cfg.MissingCredentials(), "OPENAI_API_KEY")

	cfg.LLM.OpenAIKey = "sk-test"
	cfg.STT.URL = "wss://stt.example.com/v1"
	missing := cfg.MissingCredentials()
	assert.NotContains(t, missing, "OPENAI_API_KEY")
	assert.Contains(t, missing, "STT_API_KEY")

	cfg.STT.APIKey = "stt-key"
	assert.Empty(t, cfg.MissingCredentials())
}
