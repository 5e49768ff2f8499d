package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ember-pool/ember-relay/internal/config"
	"github.com/ember-pool/ember-relay/internal/hashrate"
	"github.com/ember-pool/ember-relay/internal/monitoring"
	"github.com/ember-pool/ember-relay/internal/registry"
	"github.com/ember-pool/ember-relay/internal/server"
	"github.com/ember-pool/ember-relay/internal/web"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("❌ %v", err)
		os.Exit(1)
	}

	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("❌ open log file: %v", err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	log.Printf("🚀 starting %s", cfg.Name)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("❌ invalid redis_url: %v", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("⚠️ redis unreachable, stats mirroring disabled: %v", err)
			rdb = nil
		} else {
			log.Println("✅ connected to redis")
		}
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(rdb)
	go reg.Run(ctx)

	metrics := monitoring.New()
	if cfg.MetricsPort != 0 {
		go func() {
			if err := metrics.Serve(ctx, fmt.Sprintf(":%d", cfg.MetricsPort)); err != nil {
				log.Printf("⚠️ metrics server stopped: %v", err)
			}
		}()
	}

	listener := server.New(cfg, reg, metrics)
	if err := listener.Bind(); err != nil {
		log.Printf("❌ %v", err)
		os.Exit(1)
	}

	if cfg.WebPort != 0 {
		statusAPI := web.New(cfg, reg, listener.Online)
		go func() {
			if err := statusAPI.Serve(ctx, fmt.Sprintf(":%d", cfg.WebPort)); err != nil {
				log.Printf("⚠️ status api stopped: %v", err)
			}
		}()
	}

	go printWorkerTable(ctx, cfg, reg)
	go listener.Serve()

	log.Println("✅ relay started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 shutting down")
	listener.Stop()
	cancel()
	log.Println("✅ relay exited")
}

// printWorkerTable logs the per-worker efficiency table every minute.
func printWorkerTable(ctx context.Context, cfg *config.Config, reg *registry.Registry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		workers := reg.Snapshot()
		if len(workers) == 0 {
			continue
		}

		var buf bytes.Buffer
		tw := tabwriter.NewWriter(&buf, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "worker\treported\tafter fee\tshares\taccepted\tinvalid")
		var totalHash, totalShares, totalAccept, totalInvalid uint64
		for _, w := range workers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
				w.Name,
				hashrate.Format(float64(w.Hash)),
				hashrate.Format(float64(hashrate.Scale(w.Hash, cfg.ShareRate+cfg.DevRate))),
				w.ShareIndex, w.AcceptIndex, w.InvalidIndex,
			)
			totalHash += w.Hash
			totalShares += w.ShareIndex
			totalAccept += w.AcceptIndex
			totalInvalid += w.InvalidIndex
		}
		fmt.Fprintf(tw, "total\t%s\t%s\t%d\t%d\t%d\n",
			hashrate.Format(float64(totalHash)),
			hashrate.Format(float64(hashrate.Scale(totalHash, cfg.ShareRate+cfg.DevRate))),
			totalShares, totalAccept, totalInvalid,
		)
		tw.Flush()
		log.Printf("worker status:\n%s", buf.String())
	}
}
