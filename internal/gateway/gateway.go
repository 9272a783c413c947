// Package gateway wires the runtime together: store, bus, provider, tools,
// sessions, scheduler, media pipeline, transports, and the HTTP surface, all
// supervised under one errgroup with graceful shutdown.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/driftworks/conduit/internal/agent"
	"github.com/driftworks/conduit/internal/bus"
	"github.com/driftworks/conduit/internal/channels"
	"github.com/driftworks/conduit/internal/channels/discord"
	"github.com/driftworks/conduit/internal/channels/telegram"
	"github.com/driftworks/conduit/internal/channels/webchat"
	"github.com/driftworks/conduit/internal/config"
	"github.com/driftworks/conduit/internal/cron"
	"github.com/driftworks/conduit/internal/media"
	"github.com/driftworks/conduit/internal/providers"
	"github.com/driftworks/conduit/internal/sessions"
	"github.com/driftworks/conduit/internal/skills"
	"github.com/driftworks/conduit/internal/store"
	"github.com/driftworks/conduit/internal/telemetry"
	"github.com/driftworks/conduit/internal/tools"
)

// heartbeatSessionKey is the reserved session for periodic self-checks.
const heartbeatSessionKey = "system:heartbeat"

// Gateway is the assembled runtime.
type Gateway struct {
	cfg       *config.Config
	db        *store.DB
	bus       *bus.MessageBus
	sessions  *sessions.Manager
	registry  *tools.Registry
	engine    *agent.Engine
	scheduler *cron.Scheduler
	media     *media.Pipeline
	channels  *channels.Manager
	skills    *skills.Loader

	inflight     *turnTracker
	turnQueue    *sessionQueue
	logs         *store.LogStore
	teleShutdown func(context.Context) error
}

// New builds the gateway from config, constructing the provider from the
// configured credentials. A missing API key leaves the engine unavailable
// but the gateway still starts.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithProvider(cfg, buildProvider(cfg))
}

func buildProvider(cfg *config.Config) providers.Provider {
	switch {
	case cfg.Providers.OpenAI.APIKey != "":
		return providers.NewOpenAIProvider("openai", cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.APIBase, cfg.Agent.Model)
	case cfg.Providers.OpenRouter.APIKey != "":
		base := cfg.Providers.OpenRouter.APIBase
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return providers.NewOpenAIProvider("openrouter", cfg.Providers.OpenRouter.APIKey,
			base, cfg.Agent.Model)
	default:
		return nil
	}
}

// NewWithProvider builds the gateway around an explicit provider. Tests
// inject scripted providers through here.
func NewWithProvider(cfg *config.Config, provider providers.Provider) (*Gateway, error) {
	dbPath := cfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		db:        db,
		bus:       bus.New(),
		inflight:  newTurnTracker(),
		turnQueue: newSessionQueue(),
	}

	g.sessions = sessions.NewManager(store.NewSessionStore(db))
	g.registry = tools.NewRegistry()
	g.logs = store.NewLogStore(db)

	maxTokens, temperature, contextTokens := cfg.Agent.ModelParams(cfg.Agent.Model)

	var compactor *agent.Compactor
	if provider != nil {
		compactor = agent.NewCompactor(provider, cfg.Agent.Model, contextTokens)
	}

	g.skills = skills.NewLoader(skillDirs(cfg)...)
	builder := &agent.ContextBuilder{
		SystemPrompt:       cfg.Agent.SystemPrompt,
		MaxSessionMessages: cfg.Agent.MaxSessionMessages,
		Skills:             g.skills.Prelude,
		Memory:             memoryReader(cfg.WorkspacePath()),
	}

	g.engine = agent.NewEngine(agent.Config{
		Provider:      provider,
		Model:         cfg.Agent.Model,
		MaxTokens:     maxTokens,
		Temperature:   temperature,
		MaxIterations: cfg.Agent.MaxToolIterations,
		Sessions:      g.sessions,
		Tools:         g.registry,
		Builder:       builder,
		Compactor:     compactor,
		Bus:           g.bus,
		Usage:         store.NewUsageStore(db),
	})

	g.scheduler = cron.New(store.NewCronStore(db), g.runCronJob)

	if cfg.Media.Enabled {
		var procs []media.Processor
		if cfg.Media.OCREnabled && cfg.Media.OCRProxyURL != "" {
			procs = append(procs, media.NewOCRProcessor(
				media.NewProxyOCREngine(cfg.Media.OCRProxyURL, cfg.Media.ProxyAPIKey)))
		}
		if cfg.Media.TranscriptionEnabled && cfg.Media.TranscriptionProxyURL != "" {
			procs = append(procs, media.NewTranscriptionProcessor(
				media.NewProxyTranscriptionEngine(cfg.Media.TranscriptionProxyURL, cfg.Media.ProxyAPIKey)))
		}
		g.media = media.NewPipeline(media.PipelineConfig{
			Policy: media.Policy{
				Enabled:               true,
				AllowedMimeTypes:      cfg.Media.AllowedMimeTypes,
				MaxBytesPerItem:       cfg.Media.MaxBytesPerItem,
				MaxItemsPerMessage:    cfg.Media.MaxItemsPerMessage,
				QuarantineUnknownMime: cfg.Media.QuarantineUnknownMime,
				RejectOverLimit:       cfg.Media.RejectOverLimit,
			},
			TTL:              time.Duration(cfg.Media.TempTTLMinutes) * time.Minute,
			AuditEvents:      cfg.Media.AuditEvents,
			Processors:       procs,
			ProcessorTimeout: time.Duration(cfg.Media.ProcessorTimeoutSeconds) * time.Second,
		})
	}

	g.channels = channels.NewManager(cfg.Gateway.RateLimitPerMinute)
	if err := g.buildChannels(); err != nil {
		db.Close()
		return nil, err
	}

	g.registerBuiltinTools()
	return g, nil
}

func skillDirs(cfg *config.Config) []string {
	dirs := make([]string, 0, len(cfg.Skills.Dirs)+1)
	for _, d := range cfg.Skills.Dirs {
		dirs = append(dirs, config.ExpandHome(d))
	}
	if len(dirs) == 0 {
		dirs = append(dirs, filepath.Join(cfg.WorkspacePath(), "skills"))
	}
	return dirs
}

// memoryReader loads MEMORY.md from the workspace on each turn.
func memoryReader(workspace string) func() string {
	path := filepath.Join(workspace, "MEMORY.md")
	return func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func (g *Gateway) buildChannels() error {
	cc := g.cfg.Channels
	if cc.Telegram.Enabled && cc.Telegram.Token != "" {
		ch, err := telegram.New(cc.Telegram.Token, g.bus, cc.Telegram.Allowlist)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		if err := g.channels.Register(ch); err != nil {
			return err
		}
	}
	if cc.Discord.Enabled && cc.Discord.Token != "" {
		ch, err := discord.New(cc.Discord.Token, g.bus, cc.Discord.Allowlist)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		if err := g.channels.Register(ch); err != nil {
			return err
		}
	}
	if cc.WebChat.Enabled {
		if err := g.channels.Register(webchat.New(g.bus, cc.WebChat.Token, cc.WebChat.Allowlist)); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) registerBuiltinTools() {
	workspace := g.cfg.WorkspacePath()
	restrict := g.cfg.Tools.RestrictToWorkspace

	sh := tools.NewShellTool(workspace, restrict)
	sh.SetTimeout(time.Duration(g.cfg.Tools.ShellTimeoutSeconds) * time.Second)
	wf := tools.NewWebFetchTool()
	wf.SetDefaultMaxChars(g.cfg.Tools.WebFetchMaxChars)

	g.registry.Register(tools.NewCalculatorTool())
	g.registry.Register(tools.NewCronTool(g.scheduler, "", "", uuid.NewString))
	g.registry.Register(sh)
	g.registry.Register(tools.NewReadFileTool(workspace, restrict))
	g.registry.Register(tools.NewWriteFileTool(workspace, restrict))
	g.registry.Register(tools.NewListDirTool(workspace, restrict))
	g.registry.Register(wf)
}

// Engine exposes the turn engine for direct entry points (CLI chat).
func (g *Gateway) Engine() *agent.Engine { return g.engine }

// Scheduler exposes the cron scheduler for the management CLI.
func (g *Gateway) Scheduler() *cron.Scheduler { return g.scheduler }

// Logs exposes the log store so the CLI can attach the persistent handler.
func (g *Gateway) Logs() *store.LogStore { return g.logs }

// Run starts every supervisor and blocks until ctx is cancelled and
// shutdown completes.
func (g *Gateway) Run(ctx context.Context) error {
	teleShutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     g.cfg.Telemetry.Enabled,
		Endpoint:    g.cfg.Telemetry.Endpoint,
		Protocol:    g.cfg.Telemetry.Protocol,
		ServiceName: g.cfg.Telemetry.ServiceName,
		Insecure:    g.cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
		teleShutdown = func(context.Context) error { return nil }
	}
	g.teleShutdown = teleShutdown

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.channels.BindOutbound(runCtx, g.bus)
	if err := g.channels.StartAll(runCtx); err != nil {
		return err
	}

	if err := g.scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	watcher, err := skills.NewWatcher(g.skills)
	if err != nil {
		slog.Warn("skills watcher unavailable", "error", err)
	}

	grp, grpCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		g.bus.DispatchOutbound(grpCtx)
		return nil
	})
	grp.Go(func() error {
		g.superviseInbound(grpCtx)
		return nil
	})
	grp.Go(func() error {
		g.heartbeat(grpCtx)
		return nil
	})
	grp.Go(func() error {
		return g.serveHTTP(grpCtx)
	})
	if watcher != nil {
		grp.Go(func() error {
			watcher.Run(grpCtx)
			return nil
		})
	}
	if g.media != nil {
		grp.Go(func() error {
			g.mediaJanitor(grpCtx)
			return nil
		})
	}

	slog.Info("gateway running",
		"model", g.cfg.Agent.Model,
		"channels", g.channels.Names(),
		"addr", fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port))

	<-grpCtx.Done()
	err = grp.Wait()
	cancel() // stop the scheduler and channels even when a supervisor failed
	g.shutdown()
	return err
}

// shutdown drains in-flight turns up to the grace deadline, then tears down
// in dependency order.
func (g *Gateway) shutdown() {
	grace := time.Duration(g.cfg.Gateway.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	slog.Info("gateway shutting down", "grace", grace)

	if !g.inflight.waitIdle(grace) {
		slog.Warn("shutdown grace expired with turns still running")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.channels.StopAll(stopCtx)

	<-g.scheduler.Done()
	g.bus.Close()

	if g.teleShutdown != nil {
		if err := g.teleShutdown(stopCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if err := g.db.Close(); err != nil {
		slog.Warn("db close failed", "error", err)
	}
	slog.Info("gateway stopped")
}

func (g *Gateway) mediaJanitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.media.CleanupExpired(); n > 0 {
				slog.Debug("expired media cleaned", "count", n)
			}
		}
	}
}

// runCronJob is the scheduler callback: agent-turn payloads run a turn; when
// the payload asks for delivery the result goes out on the bus.
func (g *Gateway) runCronJob(job *store.CronJob) error {
	if job.Payload.Kind != "agent-turn" {
		return fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}

	sessionKey := "cron:" + job.ID
	channel, chatID := job.Payload.Channel, job.Payload.To
	deliver := job.Payload.Deliver && channel != "" && chatID != ""
	if deliver {
		sessionKey = channel + ":" + chatID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	g.inflight.add()
	defer g.inflight.done()

	res, err := g.engine.Run(ctx, agent.TurnRequest{
		SessionKey: sessionKey,
		Channel:    channel,
		ChatID:     chatID,
		Content:    job.Payload.Message,
		Direct:     !deliver,
	})
	if err != nil {
		return err
	}
	slog.Info("cron turn finished", "job", job.ID, "delivered", deliver, "chars", len(res.Content))
	return nil
}
