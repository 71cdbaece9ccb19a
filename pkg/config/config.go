// Package config loads the bridge configuration from YAML, with
// environment fallbacks for secrets so config files never need to hold
// credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// Streaming modes. Media runs the full STT -> LLM -> TTS pipeline,
// transcription expects finalized text from the client, realtime_voice
// bridges to a speech-to-speech upstream.
const (
	ModeMedia         = "media"
	ModeTranscription = "transcription"
	ModeRealtimeVoice = "realtime_voice"
)

// Config is the whole service configuration.
type Config struct {
	// ListenAddr is the HTTP/WS bind address.
	ListenAddr string `yaml:"listen_addr"`

	// SampleRate is the pinned PCM sample rate for every session.
	SampleRate int `yaml:"sample_rate"`

	// StreamingMode selects how sessions run: media, transcription, or
	// realtime_voice.
	StreamingMode string `yaml:"streaming_mode"`

	Redis        RedisConfig        `yaml:"redis"`
	LLM          LLMConfig          `yaml:"llm"`
	STT          UpstreamConfig     `yaml:"stt"`
	TTS          UpstreamConfig     `yaml:"tts"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Telephony    TelephonyConfig    `yaml:"telephony"`
	Conversation ConversationConfig `yaml:"conversation"`

	// AgentsFile is the path to the agent catalog YAML.
	AgentsFile string `yaml:"agents_file"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// RedisConfig locates the shared session store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// LLMConfig selects and configures the chat model.
type LLMConfig struct {
	// Provider is "openai" or "gemini".
	Provider    string  `yaml:"provider"`
	OpenAIKey   string  `yaml:"openai_key"`
	OpenAIBase  string  `yaml:"openai_base_url"`
	GeminiKey   string  `yaml:"gemini_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	PoolSize    int     `yaml:"pool_size"`
}

// UpstreamConfig configures one websocket speech service and its
// connection pool.
type UpstreamConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Language string `yaml:"language,omitempty"`
	Voice    string `yaml:"voice,omitempty"`
	PoolSize int    `yaml:"pool_size"`
}

// RealtimeConfig configures the speech-to-speech upstream used by the
// realtime_voice streaming mode.
type RealtimeConfig struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}

// TelephonyConfig locates the telephony provider.
type TelephonyConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	StreamURL string `yaml:"stream_url"`
}

// ConversationConfig tunes call pacing and barge-in sensitivity.
type ConversationConfig struct {
	Greeting         string        `yaml:"greeting"`
	Goodbye          string        `yaml:"goodbye"`
	SilenceTimeout   time.Duration `yaml:"silence_timeout"`
	TurnTimeout      time.Duration `yaml:"turn_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	QueueDepth       int           `yaml:"queue_depth"`
	HistoryWindow    int           `yaml:"history_window"`
	BargeInStability float64       `yaml:"barge_in_stability"`
	BargeInMinAudio  time.Duration `yaml:"barge_in_min_audio"`
	FallbackPhrase   string        `yaml:"fallback_phrase"`
}

// Load reads the YAML file, applies environment fallbacks and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.New(fault.KindConfig, "config.load", fmt.Errorf("read config file: %w", err))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fault.New(fault.KindConfig, "config.load", fmt.Errorf("parse config: %w", err))
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config built purely from defaults and environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if c.LLM.OpenAIKey == "" {
		c.LLM.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.GeminiKey == "" {
		c.LLM.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.STT.APIKey == "" {
		c.STT.APIKey = os.Getenv("STT_API_KEY")
	}
	if c.TTS.APIKey == "" {
		c.TTS.APIKey = os.Getenv("TTS_API_KEY")
	}
	if c.Realtime.APIKey == "" {
		c.Realtime.APIKey = os.Getenv("REALTIME_API_KEY")
	}
	if c.Telephony.APIKey == "" {
		c.Telephony.APIKey = os.Getenv("TELEPHONY_API_KEY")
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.StreamingMode == "" {
		c.StreamingMode = ModeMedia
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "voxbridge:session:"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.PoolSize == 0 {
		c.LLM.PoolSize = 256
	}
	if c.STT.PoolSize == 0 {
		c.STT.PoolSize = 256
	}
	if c.TTS.PoolSize == 0 {
		c.TTS.PoolSize = 256
	}
	if c.AgentsFile == "" {
		c.AgentsFile = "agents.yaml"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the parts every mode needs. Credential checks are
// separate so callers can distinguish bad config from missing secrets.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fault.Newf(fault.KindConfig, "config.validate", "unknown llm provider %q", c.LLM.Provider)
	}
	if !audio.ValidRate(c.SampleRate) {
		return fault.Newf(fault.KindConfig, "config.validate", "unsupported sample rate %d", c.SampleRate)
	}
	switch c.StreamingMode {
	case ModeMedia, ModeTranscription, ModeRealtimeVoice:
	default:
		return fault.Newf(fault.KindConfig, "config.validate", "unknown streaming mode %q", c.StreamingMode)
	}
	if c.StreamingMode == ModeRealtimeVoice && c.Realtime.URL == "" {
		return fault.Newf(fault.KindConfig, "config.validate", "realtime_voice mode without realtime url")
	}
	return nil
}

// MissingCredentials names required upstream secrets that are absent.
func (c *Config) MissingCredentials() []string {
	var missing []string
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAIKey == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	case "gemini":
		if c.LLM.GeminiKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	}
	if c.STT.URL != "" && c.STT.APIKey == "" {
		missing = append(missing, "STT_API_KEY")
	}
	if c.TTS.URL != "" && c.TTS.APIKey == "" {
		missing = append(missing, "TTS_API_KEY")
	}
	if c.StreamingMode == ModeRealtimeVoice && c.Realtime.APIKey == "" {
		missing = append(missing, "REALTIME_API_KEY")
	}
	return missing
}

// Save writes the config back to YAML, mainly for scaffolding.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fault.New(fault.KindInternal, "config.save", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fault.New(fault.KindConfig, "config.save", err)
	}
	return nil
}
