package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"starhunt.gg/internal/config"
	"starhunt.gg/internal/engine"
	"starhunt.gg/internal/star"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/starhunt.yaml", "path to starhunt.yaml (empty for defaults)")
		wsURL      = flag.String("ws", "", "relay websocket url (overrides session.websocket_url)")
		world      = flag.Int("world", 0, "only show stars on this world (0 = all)")
		every      = flag.Duration("every", 10*time.Second, "print interval")
		all        = flag.Bool("all", false, "include inactive stars")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[watch] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if s := strings.TrimSpace(*wsURL); s != "" {
		cfg.Session.WebsocketURL = s
	}
	if cfg.Session.WebsocketURL == "" && cfg.Legacy.BaseURL == "" {
		logger.Fatalf("no relay configured: set session.websocket_url or -ws")
	}
	// A watcher observes nothing itself.
	cfg.Updates.ShareStarData = false
	cfg.Debug = cfg.Debug || *debug

	eng := engine.New(engine.Options{
		Config: cfg,
		World:  *world,
		Logger: logger,
		Notify: func(r star.Record) {
			logger.Printf("new star: W%d %s near %s", r.World, star.TierName(r.Tier), star.ClosestSite(r.Location).Name)
		},
	})
	defer eng.Close()
	if cfg.Debug {
		unsub := eng.RegisterStoreObserver(func(recs []star.Record) {
			logger.Printf("merged set changed: %d stars", len(recs))
		})
		defer unsub()
	}
	if err := eng.Start(); err != nil {
		logger.Fatalf("start: %v", err)
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	tick := time.NewTicker(*every)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			recs := eng.Snapshot()
			if !*all {
				recs = eng.Active()
			}
			render(os.Stdout, recs, *world, eng.SessionStatus().Connected)
		}
	}
}

func render(w *os.File, recs []star.Record, world int, connected bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	state := "offline"
	if connected {
		state = "online"
	}
	fmt.Fprintf(tw, "-- %s  %s  %d stars\n", time.Now().Format(time.TimeOnly), state, len(recs))
	fmt.Fprintln(tw, "WORLD\tTIER\tHEALTH\tMINERS\tLOCATION\tSITE\tAGE\tSTATUS")
	for _, r := range recs {
		if world != 0 && r.World != world {
			continue
		}
		health := "?"
		if r.Health >= 0 {
			health = fmt.Sprintf("%d%%", r.Health)
		}
		status := "active"
		if !r.Active {
			status = "gone"
		}
		age := time.Since(r.LastUpdate).Truncate(time.Second)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.World, star.TierName(r.Tier), health, r.Miners, r.Location,
			star.ClosestSite(r.Location).Name, age, status)
	}
	_ = tw.Flush()
}
