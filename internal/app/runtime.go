// Package app wires the decision core, memory layer and platform edge into
// one runnable service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/wispbot/wisp/internal/activemode"
	"github.com/wispbot/wisp/internal/capability/openai"
	"github.com/wispbot/wisp/internal/config"
	"github.com/wispbot/wisp/internal/connectors"
	"github.com/wispbot/wisp/internal/connectors/onebot"
	"github.com/wispbot/wisp/internal/continuity"
	"github.com/wispbot/wisp/internal/decision"
	"github.com/wispbot/wisp/internal/kvstore"
	"github.com/wispbot/wisp/internal/memory"
	"github.com/wispbot/wisp/internal/pipeline"
	"github.com/wispbot/wisp/internal/rateguard"
	"github.com/wispbot/wisp/internal/scope"
	"github.com/wispbot/wisp/internal/session"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	kv         *kvstore.Store
	resolver   *config.Resolver
	sessions   *session.Store
	active     *activemode.Controller
	monitor    *continuity.Monitor
	pipeline   *pipeline.Pipeline
	compressor *memory.Compressor
	cron       *cron.Cron
	watcher    *overridesWatcher
	connectors []connectors.Connector
}

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	kv, err := kvstore.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := kv.AutoMigrate(context.Background()); err != nil {
		kv.Close()
		return nil, err
	}

	resolver := config.NewResolver(cfg)
	if cfg.OverridesFile != "" {
		if err := resolver.LoadFile(cfg.OverridesFile); err != nil {
			logger.Warn("load overrides failed", "path", cfg.OverridesFile, "error", err)
		}
	}

	agentName := "wisp"
	if len(cfg.AgentNicknames) > 0 {
		agentName = cfg.AgentNicknames[0]
	}
	capabilityTimeout := time.Duration(cfg.CapabilityTimeoutSec) * time.Second

	sessions := session.NewStore(kv, cfg.MaxHistoryLength, logger.With("component", "session"))
	guard := rateguard.New(
		cfg.MaxMessageLength,
		cfg.RateLimitTokens,
		time.Duration(cfg.RateLimitWindowSec)*time.Second,
		logger.With("component", "rateguard"),
	)
	active := activemode.NewController()

	llm := openai.New(openai.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		JudgeModel:  cfg.LLMJudgeModel,
		MemoryModel: cfg.LLMMemoryModel,
		Timeout:     time.Duration(cfg.LLMTimeoutSec) * time.Second,
	})

	engine := decision.NewEngine(
		sessions, guard, active, resolver, llm,
		decision.NewSystemRand(),
		logger,
		decision.Options{
			AgentName:         agentName,
			MinReplyInterval:  time.Duration(cfg.MinReplyIntervalSec) * time.Second,
			CapabilityTimeout: capabilityTimeout,
		},
	)

	memories := memory.NewStore(kv, memory.Caps{
		MaxUserTokens:       cfg.MaxMemoryTokens,
		UserKeepEntries:     cfg.MemoryCompressThreshold,
		GroupSenderEntries:  cfg.GroupSenderMemoryCap,
		GroupContextEntries: cfg.GroupContextCap,
	}, memory.NewLogSink(logger), logger)
	consolidator := memory.NewConsolidator(
		sessions, memories, llm,
		cfg.SharedContextKeywords,
		capabilityTimeout,
		logger,
	)
	compressor := memory.NewCompressor(
		kv, memories, llm,
		cfg.MemoryCompressThreshold,
		time.Duration(cfg.LLMTimeoutSec)*time.Second,
		logger,
	)

	// Monitor and pipeline reference each other; the follow-up closure
	// breaks the cycle.
	var p *pipeline.Pipeline
	monitor := continuity.NewMonitor(
		sessions, llm, cfg.Continuity,
		func(ctx context.Context, sc scope.Scope) error { return p.FollowUp(ctx, sc) },
		agentName,
		capabilityTimeout,
		logger,
	)

	conn := onebot.New(onebot.Config{
		URL:         cfg.EventStreamURL,
		AccessToken: cfg.EventStreamToken,
		SelfIDs:     cfg.AgentIDs,
		Nicknames:   cfg.AgentNicknames,
	}, logger.With("connector", "onebot"))

	p, err = pipeline.New(
		sessions, guard, engine, monitor, consolidator, memories,
		resolver, llm, llm, conn,
		logger,
		pipeline.Options{
			AgentName:         agentName,
			CommandPrefix:     cfg.CommandPrefix,
			ImageTTL:          time.Duration(cfg.ImageCacheTTLSec) * time.Second,
			CapabilityTimeout: capabilityTimeout,
			HistoryLimit:      cfg.MaxHistoryLength,
		},
	)
	if err != nil {
		kv.Close()
		return nil, err
	}
	conn.Attach(p)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.MemoryCompressCron, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		compressor.Sweep(sweepCtx)
	}); err != nil {
		kv.Close()
		return nil, fmt.Errorf("schedule memory compression: %w", err)
	}

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		kv:         kv,
		resolver:   resolver,
		sessions:   sessions,
		active:     active,
		monitor:    monitor,
		pipeline:   p,
		compressor: compressor,
		cron:       scheduler,
		watcher:    newOverridesWatcher(cfg.OverridesFile, resolver, logger.With("component", "overrides-watcher")),
		connectors: []connectors.Connector{conn},
	}, nil
}

func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("wisp runtime starting", "db", r.cfg.DBPath, "env", r.cfg.Environment)

	r.cron.Start()
	defer r.cron.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := r.monitor.Start(groupCtx)
		if groupCtx.Err() != nil {
			return nil
		}
		return err
	})
	group.Go(func() error {
		return r.watcher.Start(groupCtx)
	})
	for _, conn := range r.connectors {
		connector := conn
		group.Go(func() error {
			return connector.Start(groupCtx)
		})
	}

	return group.Wait()
}

func (r *Runtime) Close() error {
	if r.kv == nil {
		return nil
	}
	return r.kv.Close()
}
