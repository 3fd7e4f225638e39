// Command server runs the Kiro proxy: a multi-account reverse proxy serving
// the Anthropic, OpenAI, and Gemini dialects on top of the CodeWhisperer
// upstream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/blime4/KiroProxy/internal/api"
	"github.com/blime4/KiroProxy/internal/auth"
	"github.com/blime4/KiroProxy/internal/buildinfo"
	"github.com/blime4/KiroProxy/internal/config"
	"github.com/blime4/KiroProxy/internal/engine"
	"github.com/blime4/KiroProxy/internal/executor"
	"github.com/blime4/KiroProxy/internal/logging"
	"github.com/blime4/KiroProxy/internal/monitor"
	"github.com/blime4/KiroProxy/internal/scheduler"
	"github.com/blime4/KiroProxy/internal/util"
	"github.com/blime4/KiroProxy/internal/watcher"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Debug("loaded environment from .env")
	}

	logging.SetupBaseLogger()

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	util.SetLogLevel(cfg)
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Warnf("log output configuration failed: %v", err)
	}

	log.Info(buildinfo.Summary())

	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		log.Fatalf("resolve auth dir: %v", err)
	}

	store := auth.NewFileStore(authDir)
	refresher := auth.NewRefresher(cfg)
	auths := auth.NewManager(store, refresher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := auths.Load(ctx)
	if err != nil {
		log.Fatalf("load credentials: %v", err)
	}
	log.Infof("loaded %d account(s) from %s", n, authDir)

	cooldowns := scheduler.NewCooldowns()
	limiter := scheduler.NewRateLimiter(cfg.RateLimitPerMinute)
	sched := scheduler.NewScheduler(auths, cooldowns)
	exec := executor.NewKiroExecutor(cfg)
	mon := monitor.NewMonitor(monitor.DefaultCapacity)
	eng := engine.New(cfg, auths, sched, cooldowns, limiter, exec, mon)
	server := api.NewServer(cfg, eng, auths, cooldowns, mon)

	fsWatcher, err := watcher.NewWatcher(configPath, authDir,
		func(next *config.Config) {
			util.SetLogLevel(next)
			if errLog := logging.ConfigureLogOutput(next); errLog != nil {
				log.Warnf("log output reconfiguration failed: %v", errLog)
			}
			refresher.SetEndpoints(next.Kiro.RefreshURL, next.Kiro.IDCRefreshURL)
			exec.SetConfig(next)
			eng.SetConfig(next)
			server.SetConfig(next)
		},
		func() {
			if _, errReload := auths.Load(ctx); errReload != nil {
				log.Errorf("credential reload failed: %v", errReload)
			}
		},
	)
	if err != nil {
		log.Fatalf("create watcher: %v", err)
	}
	if err = fsWatcher.Start(ctx); err != nil {
		log.Warnf("file watching disabled: %v", err)
	}
	defer func() {
		if errStop := fsWatcher.Stop(); errStop != nil {
			log.Debugf("watcher stop: %v", errStop)
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-serverErr:
		if err != nil {
			log.Errorf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown incomplete: %v", err)
	}
	log.Info("bye")
}
