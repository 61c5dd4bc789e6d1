package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"starhunt.gg/internal/config"
	"starhunt.gg/internal/persistence/livedb"
	"starhunt.gg/internal/persistence/snapshot"
	"starhunt.gg/internal/sched"
	"starhunt.gg/internal/transport/rest"
	"starhunt.gg/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/starhunt.yaml", "path to starhunt.yaml (empty for defaults)")
		addr       = flag.String("addr", "", "http listen address (overrides relay.listen)")
		dbPath     = flag.String("db", "", "sqlite path for the live set (overrides relay.db_path; empty keeps it in memory)")
		snapPath   = flag.String("snapshot", "", "live set snapshot path (overrides relay.snapshot_path)")
		snapEvery  = flag.Duration("snapshot_every", 30*time.Second, "how often to write the live set snapshot")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[relay] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if s := strings.TrimSpace(*addr); s != "" {
		cfg.Relay.Listen = s
	}
	if s := strings.TrimSpace(*dbPath); s != "" {
		cfg.Relay.DBPath = s
	}
	if s := strings.TrimSpace(*snapPath); s != "" {
		cfg.Relay.SnapshotPath = s
	}
	cfg.Debug = cfg.Debug || *debug

	db, err := livedb.Open(cfg.Relay.DBPath)
	if err != nil {
		logger.Fatalf("open live db: %v", err)
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Relay.SnapshotPath != "" {
		restore(ctx, db, cfg.Relay.SnapshotPath, logger)
	}

	hub := ws.NewServer(db, ws.ServerConfig{
		RateLimit: cfg.Relay.RateLimit,
		Burst:     cfg.Relay.Burst,
		QueueSize: cfg.Session.QueueSize,
		Debug:     cfg.Debug,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.Handler())
	mux.HandleFunc("/stats", hub.StatsHandler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	rest.NewHandler(db, hub, logger).Routes(mux, "/stars")

	rt := sched.NewRealtime()
	defer rt.Close()
	grace := cfg.Verify.InactiveGrace()
	rt.Every(cfg.Store.Sweep(), func() {
		n, err := db.Evict(ctx, time.Now(), grace)
		if err != nil {
			logger.Printf("evict: %v", err)
			return
		}
		if n > 0 && cfg.Debug {
			logger.Printf("evicted %d inactive stars", n)
		}
	})
	if cfg.Relay.SnapshotPath != "" && *snapEvery > 0 {
		rt.Every(*snapEvery, func() { save(ctx, db, cfg.Relay.SnapshotPath, logger) })
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", cfg.Relay.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	if cfg.Relay.SnapshotPath != "" {
		save(context.Background(), db, cfg.Relay.SnapshotPath, logger)
	}
}

func restore(ctx context.Context, db *livedb.DB, path string, logger *log.Logger) {
	h, recs, err := snapshot.Read(path)
	if err != nil {
		logger.Printf("snapshot %s: %v (starting empty)", path, err)
		return
	}
	for _, r := range recs {
		if _, _, err := db.Merge(ctx, r); err != nil {
			logger.Printf("restore %s: %v", r.Key(), err)
		}
	}
	if len(recs) > 0 {
		logger.Printf("restored %d stars from snapshot taken %s", len(recs), time.UnixMilli(h.TakenAt).Format(time.RFC3339))
	}
}

func save(ctx context.Context, db *livedb.DB, path string, logger *log.Logger) {
	recs, err := db.List(ctx)
	if err != nil {
		logger.Printf("snapshot list: %v", err)
		return
	}
	if err := snapshot.Write(path, recs, time.Now()); err != nil {
		logger.Printf("snapshot write: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
