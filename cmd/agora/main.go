package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/agora/internal/api"
	"github.com/nidhogg/agora/internal/config"
	"github.com/nidhogg/agora/internal/crew"
	"github.com/nidhogg/agora/internal/hub"
	"github.com/nidhogg/agora/internal/notify"
	"github.com/nidhogg/agora/internal/pipeline"
	"github.com/nidhogg/agora/internal/router"
	"github.com/nidhogg/agora/internal/scheduler"
	pgstore "github.com/nidhogg/agora/internal/store"
	"github.com/nidhogg/agora/internal/task"
	"github.com/nidhogg/agora/internal/verify"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Agora...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/agora.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	// Initialize PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Build the roster: persisted agents first, then the configured crew.
	// Liveness flips (heartbeats, connect, disconnect) mirror to the store.
	var liveness crew.Persister
	if pgStore != nil {
		liveness = pgStore
	}
	roster := crew.NewRoster(liveness, logger)
	if pgStore != nil {
		agents, loadErr := pgStore.ListAgents(ctx)
		if loadErr != nil {
			logger.Warn("failed to load agents from DB", zap.Error(loadErr))
		} else {
			for _, a := range agents {
				a.Status = crew.StatusOffline
				roster.Register(a)
			}
			logger.Info("Loaded agents from DB", zap.Int("count", len(agents)))
		}
	}
	for _, ac := range cfg.Agents {
		role := crew.Role(ac.Role)
		if ac.Role != "" && !role.Valid() {
			logger.Warn("unknown role in config, skipping agent",
				zap.String("agent", ac.ID), zap.String("role", ac.Role))
			continue
		}
		a := &crew.Agent{ID: ac.ID, Name: ac.Name, Role: role}
		roster.Register(a)
		if pgStore != nil {
			if err := pgStore.SaveAgent(ctx, a); err != nil {
				logger.Warn("agent persist failed", zap.String("agent", a.ID), zap.Error(err))
			}
		}
	}

	// Task state machine, rebuilt from persisted state when available.
	var persist task.Persister
	if pgStore != nil {
		persist = pgStore
	}
	machine := task.NewMachine(roster, persist, logger)
	if pgStore != nil {
		tasks, tErr := pgStore.LoadTasks(ctx)
		if tErr != nil {
			logger.Warn("failed to load tasks from DB", zap.Error(tErr))
		} else {
			assignments, aErr := pgStore.LoadAssignments(ctx)
			if aErr != nil {
				logger.Warn("failed to load assignments from DB", zap.Error(aErr))
			}
			machine.Restore(tasks, assignments)
		}
	}

	// Connection hub and pipeline wiring
	h := hub.New(logger)
	courier := router.NewHubCourier(h, logger)

	var snaps pipeline.Snapshotter
	var snapStore *pipeline.SnapshotStore
	if cfg.Database.Redis.URL != "" {
		ss, ssErr := pipeline.NewSnapshotStore(cfg.Database.Redis.URL, logger)
		if ssErr != nil {
			logger.Warn("Redis unavailable, running without snapshots", zap.Error(ssErr))
		} else {
			snapStore = ss
			snaps = ss
		}
	}

	fan := notify.NewFanout(logger)
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		fan.Add(notify.NewSlackNotifier(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		dn, dErr := notify.NewDiscordNotifier(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord notifier unavailable", zap.Error(dErr))
		} else {
			fan.Add(dn)
			defer dn.Close()
		}
	}

	verifier := verify.NewClient(cfg.Verifier.Endpoint,
		time.Duration(cfg.Verifier.TimeoutSeconds)*time.Second, logger)

	defaults := pipeline.DefaultConfig()
	orch := pipeline.NewOrchestrator(pipeline.Config{
		StageTimeout:     cfg.Pipeline.StageTimeout(defaults.StageTimeout),
		MaxRetries:       maxRetriesOr(cfg.Pipeline.MaxRetries, defaults.MaxRetries),
		CooldownDuration: cfg.Pipeline.Cooldown(defaults.CooldownDuration),
		SilenceThreshold: cfg.Pipeline.WatchdogSilence(defaults.SilenceThreshold),
	}, roster, courier, verifier, fan, snaps, logger)
	orch.Restore(ctx)

	// Event dispatcher
	var msgStore router.MessageStore
	var memStore router.MemoryStore
	if pgStore != nil {
		msgStore = pgStore
		memStore = pgStore
	}
	dispatcher := router.New(h, roster, machine, msgStore, memStore, orch, logger)

	// Periodic jobs
	sweep := cfg.Pipeline.SweepInterval(30 * time.Second)
	sched := scheduler.New(logger)
	sched.Add("timeout-sweep", sweep, orch.SweepTimeouts)
	sched.Add("cooldown-sweep", sweep, orch.SweepCooldowns)
	sched.Add("watchdog", time.Minute, orch.Watchdog)
	sched.Add("idle-discovery", cfg.Pipeline.IdleCheck(5*time.Minute),
		func(ctx context.Context, _ time.Time) { orch.Discovery(ctx) })
	sched.Start(ctx)

	// Build HTTP handler
	handler := api.NewHandler(h, roster, machine, dispatcher, orch, pgStore, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Agora listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Agora...")
	sched.Stop()
	srv.Shutdown(ctx)
	if snapStore != nil {
		snapStore.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func maxRetriesOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
