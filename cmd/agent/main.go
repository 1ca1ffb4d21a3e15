package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/api"
	"github.com/Hara602/ransomSentry/internal/config"
	"github.com/Hara602/ransomSentry/internal/engine"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

func main() {
	var cfgPath, safeDirs string
	flag.StringVar(&cfgPath, "c", "configs/config.yaml", "config file")
	flag.StringVar(&cfgPath, "config", "configs/config.yaml", "config file")
	debug := flag.Bool("debug", false, "debug logging")
	flag.StringVar(&safeDirs, "safe-dirs", "", "comma separated paths to monitor, overrides config")
	flag.Parse()

	// 先用控制台 logger 兜底，配置加载失败时也能看到原因
	if err := sysutil.InitLogger(*debug, ""); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		sysutil.Log.Fatal("Config load failed", zap.String("config", cfgPath), zap.Error(err))
	}
	if *debug {
		cfg.System.Debug = true
	}
	if safeDirs != "" {
		var paths []string
		for _, p := range strings.Split(safeDirs, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, filepath.Clean(p))
			}
		}
		cfg.Monitoring.Paths = paths
	}

	// 按配置重建日志，失败时仍由控制台 logger 输出
	if err := sysutil.InitLogger(cfg.System.Debug, cfg.System.LogFile); err != nil {
		sysutil.Log.Fatal("Logger init failed", zap.String("log_file", cfg.System.LogFile), zap.Error(err))
	}
	defer sysutil.Log.Sync()

	// Fanotify 和 Netlink 需要 Root 权限
	if os.Geteuid() != 0 {
		sysutil.Log.Warn("⚠️ not running as root, file and device monitoring will be unavailable")
	}

	sysutil.Log.Info("🛡️ RansomSentry Agent Starting...", zap.String("config", cfgPath))

	eng, err := engine.New(cfg, engine.Deps{Logger: sysutil.Log})
	if err != nil {
		sysutil.Log.Fatal("Engine init failed", zap.Error(err))
	}

	// 捕获操作系统信号，优雅关闭服务器或后台服务
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.API.Enabled {
		srv = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           api.NewServer(eng, eng.Metrics.Handler(), sysutil.Log).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			sysutil.Log.Info("🌐 API listening", zap.String("addr", cfg.API.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sysutil.Log.Error("API server stopped", zap.Error(err))
			}
		}()
	}

	if err := eng.Run(ctx); err != nil {
		sysutil.Log.Error("Engine stopped", zap.Error(err))
	}

	sysutil.Log.Info("Shutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			sysutil.Log.Warn("API shutdown", zap.Error(err))
		}
		cancel()
	}
	if err := eng.Shutdown(); err != nil {
		sysutil.Log.Error("Shutdown incomplete", zap.Error(err))
	}
}
