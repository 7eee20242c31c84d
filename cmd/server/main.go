package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gorilla/securecookie"
	"github.com/projectdiscovery/goflags"

	"github.com/hitushen/fnshortcut/internal/auth"
	"github.com/hitushen/fnshortcut/internal/config"
	"github.com/hitushen/fnshortcut/internal/engine"
	"github.com/hitushen/fnshortcut/internal/jobs"
	"github.com/hitushen/fnshortcut/internal/metrics"
	"github.com/hitushen/fnshortcut/internal/realtime"
	"github.com/hitushen/fnshortcut/internal/server"
	"github.com/hitushen/fnshortcut/internal/store"
)

type options struct {
	addr          string
	configFile    string
	logLevel      string
	resetPassword bool
}

func parseFlags() (*options, error) {
	opts := &options{}
	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("fn-shortcut installs the file manager enhancer into the fnOS web desktop.")
	flagSet.CreateGroup("server", "Server",
		flagSet.StringVarP(&opts.addr, "addr", "a", "", "HTTP listen address (default :15778)"),
		flagSet.StringVarP(&opts.configFile, "config", "c", "", "YAML config file"),
		flagSet.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)"),
	)
	flagSet.CreateGroup("maintenance", "Maintenance",
		flagSet.BoolVar(&opts.resetPassword, "reset-password", false, "remove the stored administrator password and exit"),
	)
	if err := flagSet.Parse(); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flags: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.LoadFrom(opts.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger := server.Logger(cfg.LogLevel, os.Stderr)

	credentials := auth.NewCredentialStore(cfg.CredentialPath(), logger)
	if opts.resetPassword {
		if err := credentials.Reset(); err != nil {
			logger.Fatal().Err(err).Msg("reset password")
		}
		logger.Info().Str("path", cfg.CredentialPath()).Msg("administrator password removed")
		return
	}

	st, err := store.New(cfg.HistoryPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("store")
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := st.MarkInterrupted(ctx); err != nil {
		logger.Warn().Err(err).Msg("mark interrupted runs")
	} else if n > 0 {
		logger.Warn().Int64("runs", n).Msg("runs left unfinished by a previous process marked interrupted")
	}

	sessionKey := cfg.SessionKey
	if len(sessionKey) == 0 {
		// 未配置时每次启动随机生成，重启后需重新登录。
		sessionKey = securecookie.GenerateRandomKey(32)
		if sessionKey == nil {
			logger.Fatal().Msg("generate session key")
		}
	}
	registry := auth.NewRegistry(cfg.SessionLifetime)
	registry.StartSweeper(cfg.SessionSweep)
	defer registry.Close()
	sessions := auth.NewManager(registry, sessionKey, cfg.SessionLifetime)

	m := metrics.New(registry.Len)
	broker := realtime.NewBroker(cfg.Location(), logger)
	broker.OnSubscribers(m.SetSubscribers)

	restarter, err := engine.NewCommandRestarter(cfg.RestartCommand, cfg.RestartTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("restart command")
	}
	eng := engine.New(engine.Layout{
		WebRoot:        cfg.WebRoot,
		StagingDir:     cfg.StagingDir(),
		PrimaryArchive: filepath.Join(cfg.ResourceDir, cfg.PrimaryArchive),
		RotatedArchive: filepath.Join(cfg.ResourceDir, cfg.RotatedArchive),
		AssetDir:       cfg.AssetDir,
		AssetName:      cfg.AssetName,
		ScriptName:     cfg.ScriptName,
		EntryHTML:      cfg.EntryHTML,
	}, broker, restarter, engine.Options{Extract: cfg.DeployMode == config.DeployExtract})
	m.SetReady(eng.Ready())

	manager := jobs.NewManager(eng, logger, jobs.Options{
		Recorder: st,
		Observer: m,
		Delay:    cfg.DispatchDelay,
	})
	defer manager.Close()

	srv, err := server.New(cfg, server.Deps{
		Credentials: credentials,
		Sessions:    sessions,
		Broker:      broker,
		Engine:      eng,
		Jobs:        manager,
		History:     st,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("server init")
	}

	// 关闭时取消请求上下文，让日志流连接及时退出。
	baseCtx, cancelBase := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelBase)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("listen")
	}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("deploy_mode", cfg.DeployMode).Str("restart", restarter.String()).Msg("fn-shortcut listening")
		for _, line := range banner(ln.Addr()) {
			broker.Append(line, false)
		}
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// 优雅地关闭服务
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func banner(addr net.Addr) []string {
	port := addr.String()
	if _, p, err := net.SplitHostPort(port); err == nil {
		port = p
	}
	return []string{
		"飞牛捷径服务已启动，端口: " + port,
		"1.注意：本应用与Fndesk等修改飞牛主页的应用可能存在冲突，请导出配置后，再按”安装服务”。",
		"2.如使用过程中发现任何问题，随时可以按”系统还原“还原配置！",
	}
}
