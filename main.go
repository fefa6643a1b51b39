package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coopsync/journal"
	"coopsync/lobby"
	"coopsync/server"
)

// CoopSync 入口：启动 HTTP + WebSocket 仲裁服务，并初始化房间管理器
func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		panic(err)
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "server listen address, e.g. :8080")
	flag.Parse()

	// 使用第三方 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(cfg.LogFile); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	opts := []server.RoomOption{
		server.WithSceneTransition(func(ev lobby.Started) {
			server.Log.Infof("scene transition: host=%d seats=%+v", ev.Host, ev.Seats)
		}),
	}
	if cfg.JournalPath != "" {
		store, err := journal.Open(cfg.JournalPath)
		if err != nil {
			server.Log.Fatalf("open journal: %v", err)
		}
		defer store.Close()
		opts = append(opts, server.WithJournal(store))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rm := server.NewRoomManager(ctx, cfg, opts...)
	// 先预创建一个默认房间，便于快速试跑
	if _, err := rm.GetOrCreateRoom(server.DefaultRoomID); err != nil {
		server.Log.Fatalf("create room: %v", err)
	}

	mux := http.NewServeMux()
	rm.Routes(mux)

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		server.Log.Infof("CoopSync listening on %s; ws://localhost%s/ws?peer=<name>", cfg.Addr, cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	<-ctx.Done()
	server.Log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		server.Log.Warnf("http shutdown: %v", err)
	}
	rm.Close()
}
