package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/prbuild/internal/config"
	"git.home.luguber.info/inful/prbuild/internal/executor"
	"git.home.luguber.info/inful/prbuild/internal/host"
	"git.home.luguber.info/inful/prbuild/internal/metrics"
	"git.home.luguber.info/inful/prbuild/internal/server"
	"git.home.luguber.info/inful/prbuild/internal/service"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Run the pull-request build orchestrator"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "serve":
		if err := runServe(CLI.Config); err != nil {
			slog.Error("Serve failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := config.WriteStarter(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Configuration written", "path", CLI.Config)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	hostClient, err := host.New(cfg)
	if err != nil {
		return err
	}
	execClient, err := executor.NewBuildbotClient(&cfg.Executor, cfg.Retry)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)

	svc, err := service.New(cfg, st, hostClient, execClient, rec, service.Hooks{})
	if err != nil {
		return err
	}
	if err := st.ReconcileBuilders(ctx, svc.BuilderSpecs()); err != nil {
		return err
	}
	if cfg.Service.ResetInterruptedOnStartup {
		n, err := st.ResetInterrupted(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("Requeued interrupted builds", "count", n)
		}
	}

	sub := executor.NewSubscriber(&cfg.Executor, service.NewReceiver(svc))
	if err := sub.Start(); err != nil {
		return err
	}
	defer sub.Close()

	loop, err := service.NewWatchLoop(svc)
	if err != nil {
		return err
	}
	loop.Start()
	defer func() {
		if err := loop.Stop(); err != nil {
			slog.Warn("Stopping watch loop", "error", err)
		}
	}()

	var accounts *server.Accounts
	if cfg.Server.AccountsFile != "" {
		accounts, err = server.LoadAccounts(cfg.Server.AccountsFile)
		if err != nil {
			return err
		}
		if err := accounts.Watch(); err != nil {
			return err
		}
	}

	srv := server.New(svc, accounts, rec, metrics.HTTPHandler(reg))
	if err := srv.Start(ctx); err != nil {
		return err
	}

	slog.Info("Orchestrator running",
		"service", cfg.Service.Name,
		"host", string(cfg.Host.Type),
		"poll_interval", cfg.Service.PollInterval.String())

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
