// Package voxbridge wires the whole voice bridge together: the shared
// session store, the agent catalog, the speech and chat upstreams, and
// the HTTP/WS surface. The cmd/voxbridge binary is a thin shell over
// this package.
package voxbridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge-dev/voxbridge/internal/callcontrol"
	"github.com/voxbridge-dev/voxbridge/internal/conductor"
	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/internal/observability"
	"github.com/voxbridge-dev/voxbridge/internal/orchestrator"
	"github.com/voxbridge-dev/voxbridge/internal/router"
	"github.com/voxbridge-dev/voxbridge/internal/server"
	"github.com/voxbridge-dev/voxbridge/internal/transport"
	"github.com/voxbridge-dev/voxbridge/pkg/agent"
	"github.com/voxbridge-dev/voxbridge/pkg/config"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
	"github.com/voxbridge-dev/voxbridge/pkg/llm"
	"github.com/voxbridge-dev/voxbridge/pkg/pool"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
	"github.com/voxbridge-dev/voxbridge/pkg/synthesize"
	"github.com/voxbridge-dev/voxbridge/pkg/transcribe"
)

// shutdownGrace is how long in-flight calls get to wind down on SIGTERM.
const shutdownGrace = 5 * time.Second

// Bridge is one running worker.
type Bridge struct {
	cfg      *config.Config
	store    session.Store
	registry *agent.Registry
	chat     llm.ChatStreamer
	sttPool  *transcribe.Pool
	ttsPool  *synthesize.Pool
	srv      *server.Server
	callctl  *callcontrol.Client
	ownerID  string

	stopSampler func()
}

// New builds a worker from config. Redis must be reachable; upstream
// speech services are only dialed when calls arrive.
func New(ctx context.Context, cfg *config.Config) (*Bridge, error) {
	log.Init(cfg.LogLevel)
	observability.InitMetrics()
	if err := observability.InitTracing(observability.TracingFromEnv()); err != nil {
		return nil, err
	}

	store, err := session.NewRedisStore(session.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
		TTL:      cfg.Redis.TTL,
	})
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg.AgentsFile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	chat, err := newChatStreamer(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	llmLimiter := pool.New("llm", cfg.LLM.PoolSize)
	llmLimiter.OnLease = observability.PoolLease
	chat = llm.NewLimitedChat(chat, llmLimiter)

	b := &Bridge{
		cfg:      cfg,
		store:    store,
		registry: registry,
		chat:     chat,
		ownerID:  uuid.NewString(),
	}

	b.sttPool = transcribe.NewPool(cfg.STT.PoolSize, transcribe.NewWSFactory(transcribe.WSConfig{
		URL:      cfg.STT.URL,
		APIKey:   cfg.STT.APIKey,
		Language: cfg.STT.Language,
	}))
	b.sttPool.Limiter().OnLease = observability.PoolLease

	b.ttsPool = synthesize.NewPool(cfg.TTS.PoolSize, synthesize.NewWSFactory(synthesize.WSConfig{
		URL:          cfg.TTS.URL,
		APIKey:       cfg.TTS.APIKey,
		DefaultVoice: cfg.TTS.Voice,
	}))
	b.ttsPool.Limiter().OnLease = observability.PoolLease

	if cfg.Telephony.BaseURL != "" {
		b.callctl, err = callcontrol.NewClient(callcontrol.Config{
			BaseURL:   cfg.Telephony.BaseURL,
			APIKey:    cfg.Telephony.APIKey,
			StreamURL: cfg.Telephony.StreamURL,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	health := observability.NewHealthChecker()
	health.Register(observability.Check{Name: "redis", Probe: store.Ping, Critical: true})
	health.Register(observability.Check{Name: "llm", Probe: func(context.Context) error {
		if missing := cfg.MissingCredentials(); len(missing) > 0 {
			return fault.Newf(fault.KindConfig, "health.llm", "missing credentials: %v", missing)
		}
		return nil
	}})
	health.Register(observability.Check{Name: "stt", Probe: poolProbe(cfg.STT.URL, b.sttPool.Limiter())})
	health.Register(observability.Check{Name: "tts", Probe: poolProbe(cfg.TTS.URL, b.ttsPool.Limiter())})
	health.Register(observability.Check{Name: "agents", Probe: func(context.Context) error {
		if len(registry.Keys()) == 0 {
			return errors.New("empty agent catalog")
		}
		return nil
	}})

	b.srv = server.New(server.Deps{
		Store:      store,
		Registry:   registry,
		CallCtl:    b.callctl,
		Health:     health,
		Handle:     b.handleSession,
		OwnerID:    b.ownerID,
		SampleRate: cfg.SampleRate,
	})
	return b, nil
}

// Server exposes the HTTP surface, mainly for tests.
func (b *Bridge) Server() *server.Server { return b.srv }

// Run serves until ctx is cancelled or a termination signal arrives,
// then shuts down gracefully.
func (b *Bridge) Run(ctx context.Context) error {
	b.stopSampler = observability.StartSystemSampler()

	errCh := make(chan error, 1)
	go func() { errCh <- b.srv.Listen(b.cfg.ListenAddr) }()
	log.Info("listening", "addr", b.cfg.ListenAddr, "owner_id", b.ownerID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		b.close()
		return err
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
		log.Info("shutting down", "reason", "context cancelled")
	}

	done := make(chan struct{})
	go func() {
		_ = b.srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn("shutdown grace expired with calls still live")
	}
	b.close()
	return nil
}

func (b *Bridge) close() {
	if b.stopSampler != nil {
		b.stopSampler()
	}
	_ = b.store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = observability.ShutdownTracing(ctx)
}

// handleSession serves one accepted media connection.
func (b *Bridge) handleSession(ctx context.Context, conn transport.Conn, rec *session.Record) error {
	observe := b.relayObserver(rec.SessionID)

	if b.cfg.StreamingMode == config.ModeRealtimeVoice {
		rt, err := llm.DialRealtime(ctx, llm.RealtimeConfig{
			URL:          b.cfg.Realtime.URL,
			APIKey:       b.cfg.Realtime.APIKey,
			Voice:        b.cfg.Realtime.Voice,
			Instructions: b.cfg.Realtime.Instructions,
			SampleRate:   rec.SampleRate,
		})
		if err != nil {
			_ = conn.Close(1011)
			return err
		}
		bridge := conductor.NewRealtimeBridge(b.store, conn, rt, rec.SessionID, b.ownerID,
			rec.SampleRate, b.cfg.Conversation.SilenceTimeout)
		bridge.Observe(observe)
		return bridge.Run(ctx)
	}

	// Transcription mode skips the recognizer pool: the client streams
	// finalized text, so no speech lease is needed.
	var (
		recognizer transcribe.Recognizer
		renew      func(context.Context, transcribe.Recognizer) (transcribe.Recognizer, error)
	)
	if b.cfg.StreamingMode == config.ModeTranscription {
		recognizer = transcribe.NewDiscard()
	} else {
		var releaseRec func()
		var err error
		recognizer, releaseRec, err = b.sttPool.Acquire(ctx, rec.SessionID, rec.SampleRate)
		if err != nil {
			_ = conn.Close(1013)
			return err
		}
		defer releaseRec()
		renew = func(ctx context.Context, dead transcribe.Recognizer) (transcribe.Recognizer, error) {
			return b.sttPool.Replace(ctx, dead, rec.SessionID, rec.SampleRate)
		}
	}

	synth, releaseSynth, err := b.ttsPool.Acquire(ctx, rec.SessionID, rec.SampleRate)
	if err != nil {
		_ = conn.Close(1013)
		return err
	}
	defer releaseSynth()

	orch := orchestrator.New(b.registry, b.chat, orchestrator.Config{
		Model:          b.cfg.LLM.Model,
		HistoryWindow:  b.cfg.Conversation.HistoryWindow,
		ToolTimeout:    b.cfg.Conversation.ToolTimeout,
		FallbackPhrase: b.cfg.Conversation.FallbackPhrase,
	})

	cond := conductor.New(b.store, conn, recognizer, synth, orch, rec.SessionID, b.ownerID, conductor.Config{
		Greeting:         b.cfg.Conversation.Greeting,
		Goodbye:          b.cfg.Conversation.Goodbye,
		SilenceTimeout:   b.cfg.Conversation.SilenceTimeout,
		BargeInStability: b.cfg.Conversation.BargeInStability,
		BargeInMinAudio:  b.cfg.Conversation.BargeInMinAudio,
		Observe:          observe,
		Renew:            renew,
		Router: router.Config{
			QueueDepth:    b.cfg.Conversation.QueueDepth,
			TurnTimeout:   b.cfg.Conversation.TurnTimeout,
			HistoryWindow: b.cfg.Conversation.HistoryWindow,
			Voice:         b.cfg.TTS.Voice,
		},
	})
	return cond.Run(ctx)
}

// poolProbe reports an upstream pool as unhealthy when every lease is
// taken. An unset URL means the upstream is not configured, which is not
// a failure.
func poolProbe(url string, lim *pool.Limiter) observability.CheckFunc {
	return func(context.Context) error {
		if url == "" {
			return nil
		}
		release, ok := lim.TryAcquire()
		if !ok {
			return fault.Newf(fault.KindUpstream, "health."+lim.Name(), "pool exhausted")
		}
		release()
		return nil
	}
}

// relayObserver mirrors a session's user-visible events onto the /relay
// hub. Partial user transcripts are skipped to keep relay traffic sane.
func (b *Bridge) relayObserver(sessionID string) conductor.Observer {
	return func(ev conductor.ObservedEvent) {
		if ev.Type == "transcript" && ev.Role == "user" && !ev.Final {
			return
		}
		b.srv.Relay().BroadcastJSON(server.RelayEvent{
			SessionID: sessionID,
			Type:      ev.Type,
			Role:      ev.Role,
			Text:      ev.Text,
			State:     string(ev.State),
			Agent:     ev.Agent,
		})
	}
}

func newChatStreamer(ctx context.Context, cfg *config.Config) (llm.ChatStreamer, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return llm.NewOpenAIChat(cfg.LLM.OpenAIKey, cfg.LLM.OpenAIBase, cfg.LLM.Model)
	case "gemini":
		return llm.NewGeminiChat(ctx, cfg.LLM.GeminiKey, cfg.LLM.Model)
	default:
		return nil, fault.Newf(fault.KindConfig, "voxbridge.new", "unknown llm provider %q", cfg.LLM.Provider)
	}
}

// buildRegistry loads the agent catalog, falling back to a single
// built-in greeter when no catalog file exists.
func buildRegistry(path string) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	if err := registerBuiltinTools(reg); err != nil {
		return nil, err
	}

	defs, err := agent.LoadDefs(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Warn("agent catalog not found, using built-in greeter", "path", path)
		defs = defaultCatalog()
	}
	if err := reg.Build(defs); err != nil {
		return nil, err
	}
	return reg, nil
}

func defaultCatalog() []agent.Def {
	return []agent.Def{{
		Key:          agent.GreeterKey,
		DisplayName:  "Greeter",
		SystemPrompt: "You are a friendly voice assistant. Keep replies short and speakable.",
		Tools:        []string{"get_time"},
	}}
}

func registerBuiltinTools(reg *agent.Registry) error {
	return reg.RegisterTool(agent.Tool{
		Name:        "get_time",
		Description: "Returns the current date and time.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Idempotent:  true,
		Execute: func(_ context.Context, _ json.RawMessage, _ map[string]string) (string, error) {
			return time.Now().Format(time.RFC1123), nil
		},
	})
}
