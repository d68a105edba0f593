/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// The automaton binary boots the sovereign agent runtime: open the state
// store, load identity and self-model, wire the collaborator clients, and
// run the heartbeat scheduler with the turn loop draining wake events.
//
// Only Fatal errors terminate the process, and only here, before the
// scheduler starts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcus-qen/automaton/internal/agent"
	"github.com/marcus-qen/automaton/internal/chain"
	"github.com/marcus-qen/automaton/internal/config"
	"github.com/marcus-qen/automaton/internal/discovery"
	"github.com/marcus-qen/automaton/internal/heartbeat"
	"github.com/marcus-qen/automaton/internal/identity"
	"github.com/marcus-qen/automaton/internal/lifecycle"
	"github.com/marcus-qen/automaton/internal/memory"
	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/policy"
	"github.com/marcus-qen/automaton/internal/provider"
	"github.com/marcus-qen/automaton/internal/relay"
	"github.com/marcus-qen/automaton/internal/sandbox"
	"github.com/marcus-qen/automaton/internal/skills"
	"github.com/marcus-qen/automaton/internal/soul"
	"github.com/marcus-qen/automaton/internal/store"
	"github.com/marcus-qen/automaton/internal/telemetry"
	"github.com/marcus-qen/automaton/internal/tools"
	"github.com/marcus-qen/automaton/internal/treasury"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "path to automaton.yml")
		home         = flag.String("home", defaultHome(), "agent home directory")
		tickInterval = flag.Duration("tick-interval", time.Minute, "heartbeat tick interval")
		listenAddr   = flag.String("listen", "", "optional address for /metrics and the agent card")
		otlpEndpoint = flag.String("otlp-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP trace endpoint")
	)
	flag.Parse()

	root := filepath.Join(*home, ".automaton")
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(root, "automaton.yml")
	}
	cfg, err := config.Load(cfgPath, *home)
	if err != nil {
		return err
	}
	cfgmgr := config.NewManager(cfg, cfgPath)

	// The level-filtered logger with its pluggable sink is the logging
	// pipeline; collaborators see it through the logr bridge.
	appLogger := observe.NewLogger("automaton",
		observe.ParseLevel(cfg.LogLevel), observe.NewZapSink(os.Stderr))
	log := appLogger.Logr()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, *otlpEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	// State store: integrity check and migrations run here; failure is Fatal.
	st, err := store.Open(ctx, store.Options{Path: cfg.DBPath}, log)
	if err != nil {
		return err
	}
	defer st.Close()

	wallet, err := identity.LoadOrCreate(root)
	if err != nil {
		return err
	}
	sandboxID := os.Getenv("AUTOMATON_SANDBOX_ID")
	if err := st.BootstrapIdentity(ctx, &store.Identity{
		Address:          wallet.Address,
		CreatorAddress:   cfg.CreatorAddress,
		WalletPrivateKey: "wallet.json", // key material stays in the 0600 file
		SandboxID:        sandboxID,
	}); err != nil {
		return err
	}
	log.Info("identity loaded", "address", wallet.Address)

	docs, err := soul.Load(root)
	if err != nil {
		return err
	}
	skillSet, err := skills.LoadDir(cfg.SkillsDir)
	if err != nil {
		log.Error(err, "skill loading failed; continuing without skills")
	}

	// Observability singletons live for the whole process: the alert
	// engine's cooldowns must survive across ticks.
	metrics := observe.NewCollector()
	alerts := observe.NewAlertEngine(defaultAlertRules())
	registry := prometheus.NewRegistry()
	registry.MustRegister(observe.NewBridge(metrics))

	// Collaborator clients.
	chainClient := chain.NewHTTPClient(
		os.Getenv("AUTOMATON_CHAIN_URL"), os.Getenv("AUTOMATON_CHAIN_KEY"), 30*time.Second)
	sandboxClient := sandbox.NewHTTPClient(
		os.Getenv("AUTOMATON_SANDBOX_URL"), os.Getenv("AUTOMATON_SANDBOX_KEY"), 60*time.Second)

	var relayClient *relay.Client
	if cfg.SocialRelayUrl != "" {
		relayClient, err = relay.NewClient(cfg.SocialRelayUrl, wallet, 15*time.Second)
		if err != nil {
			return err
		}
	}

	modelChain, err := buildModelChain(cfg, metrics)
	if err != nil {
		return err
	}

	tracker := treasury.NewTracker(st, metrics, log)
	policyEngine := policy.NewEngine(policy.Config{
		Treasury:       tracker,
		TreasuryPolicy: cfg.TreasuryPolicy,
		OwnSandboxID:   sandboxID,
	}, st, metrics, log)

	lifecycleManager := lifecycle.NewManager(st, sandboxClient, log)
	spawner := lifecycle.NewSpawner(lifecycleManager, st, sandboxClient, chainClient,
		log, 100, cfg.MaxChildren)

	toolRegistry := tools.NewRegistry()
	toolDeps := &tools.Deps{
		Store:        st,
		Sandbox:      sandboxClient,
		Chain:        chainClient,
		OwnSandboxID: sandboxID,
		OwnAddress:   wallet.Address,
		WorkDir:      filepath.Join(root, "work"),
		Discovery:    discovery.NewService(st, log),
		SpawnChild:   spawner.Spawn,
		SwitchModel: func(model string) error {
			return cfgmgr.Update(func(c *config.Config) { c.InferenceModel = model })
		},
		Log: log,
	}
	if relayClient != nil {
		toolDeps.SendMessage = func(ctx context.Context, to, content, replyTo string) (string, error) {
			resp, err := relayClient.Send(ctx, to, content, replyTo)
			if err != nil {
				return "", err
			}
			return resp.ID, nil
		}
	}
	tools.RegisterBuiltins(toolRegistry, toolDeps)

	ingestor := memory.NewIngestor(st, log)
	loop := agent.NewLoop(st, modelChain, toolRegistry, policyEngine, tracker,
		ingestor, metrics, cfgmgr, docs, skillSet, log)

	scheduler := heartbeat.New(st, chainClient, metrics, log, wallet.Address, heartbeat.DefaultConfig())
	heartbeat.RegisterDefaultTasks(scheduler, heartbeat.TaskDeps{
		Store:             st,
		Relay:             relayClient,
		Lifecycle:         lifecycleManager,
		Treasury:          tracker,
		Policy:            cfg.TreasuryPolicy,
		Metrics:           metrics,
		Alerts:            alerts,
		Log:               log,
		ReflectionEnabled: cfg.SoulConfig.ReflectionEnabled,
	})
	scheduler.OnTick(func(tc *heartbeat.TickContext) {
		loop.ObserveTick(string(tc.Tier), tc.CreditCents, tc.USDCCents)
	})
	scheduler.OnWake(func(events []store.WakeEvent) {
		// The scheduler already consumed these events; run one turn each.
		for _, event := range events {
			input := agent.TurnInput{Source: event.Source, Content: event.Reason}
			if event.Payload.Valid && event.Payload.String != "" {
				input.Content = event.Payload.String
			}
			if _, err := loop.RunTurn(ctx, input); err != nil {
				log.Error(err, "turn failed", "source", event.Source)
				return
			}
		}
	})

	entries, err := heartbeat.LoadScheduleFile(cfg.HeartbeatConfigPath)
	if err != nil {
		return err
	}
	if err := scheduler.SyncSchedules(ctx, entries); err != nil {
		return err
	}

	if *listenAddr != "" {
		go serveHTTP(*listenAddr, cfg, registry, log)
	}

	log.Info("automaton booted",
		"name", cfg.Name, "version", version, "tickInterval", *tickInterval)
	return scheduler.Run(ctx, *tickInterval)
}

// buildModelChain assembles the provider fallback chain from environment
// credentials. Anthropic-shape first when configured, then OpenAI-shape.
func buildModelChain(cfg config.Config, metrics *observe.Collector) (*provider.Chain, error) {
	var providers []provider.Provider
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := provider.NewAnthropic(provider.Config{
			Type: "anthropic", APIKey: key,
			Endpoint: os.Getenv("ANTHROPIC_BASE_URL"),
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if key, base := os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_BASE_URL"); key != "" || base != "" {
		p, err := provider.NewOpenAI(provider.Config{
			Type: "openai", APIKey: key, Endpoint: base,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	modelChain, err := provider.NewChain(providers...)
	if err != nil {
		return nil, err
	}
	modelChain.OnFailure = metrics.RecordModelFailure
	return modelChain, nil
}

// defaultAlertRules is the shipped alert set.
func defaultAlertRules() []observe.AlertRule {
	return []observe.AlertRule{
		{
			Name:     "balance_critical",
			Severity: observe.AlertCritical,
			Message:  "credit balance in critical tier",
			Cooldown: 30 * time.Minute,
			Condition: func(s observe.Snapshot) bool {
				return s.Gauges["automaton_credit_balance_cents"] > 0 &&
					s.Gauges["automaton_credit_balance_cents"] <= 10
			},
		},
		{
			Name:     "model_failures",
			Severity: observe.AlertWarning,
			Message:  "model providers failing",
			Cooldown: 15 * time.Minute,
			Condition: func(s observe.Snapshot) bool {
				return s.Counters["automaton_model_failures_total"] >= 5
			},
		},
		{
			Name:     "tasks_failing",
			Severity: observe.AlertWarning,
			Message:  "heartbeat tasks failing repeatedly",
			Cooldown: 30 * time.Minute,
			Condition: func(s observe.Snapshot) bool {
				return s.Counters["automaton_heartbeat_tasks_total"] > 0 &&
					s.Gauges["automaton_pending_wake_events"] > 50
			},
		},
	}
}

// serveHTTP exposes the metrics endpoint and the public agent card.
func serveHTTP(addr string, cfg config.Config, registry *prometheus.Registry, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	card := discovery.OwnCard(cfg.Name, "sovereign automaton runtime", nil, true)
	mux.HandleFunc("/.well-known/agent-card.json", func(w http.ResponseWriter, _ *http.Request) {
		discovery.ServeCard(w, card)
	})
	log.Info("http listener starting", "addr", addr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	_ = server.ListenAndServe()
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
