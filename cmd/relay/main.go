// Command relay forwards TCP connections and UDP datagrams arriving on a
// local port to one fixed remote endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/matst80/portrelay/internal/config"
	"github.com/matst80/portrelay/internal/event"
	"github.com/matst80/portrelay/internal/obs"
	"github.com/matst80/portrelay/internal/supervisor"
)

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:], nil)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		obs.Error("config.invalid", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("relay.start", obs.Fields{"mode": cfg.Mode, "listen": cfg.ListenAddr(), "remote": cfg.RemoteAddr(), "metrics": cfg.MetricsAddr, "config": cfg.File})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		stop()
		os.Exit(1)
	}
	obs.Info("relay.shutdown.complete", obs.Fields{})
}

// run wires the event sinks, the metrics server and the supervisor, and
// blocks until the relays stop.
func run(ctx context.Context, cfg config.Config) error {
	sinks := event.Multi{event.LogSink{}}
	if cfg.RedisAddr == "" {
		return serve(ctx, cfg, supervisor.New(cfg, sinks), nil)
	}
	// The heartbeat samples sup, which is assigned before rs.Run starts.
	var sup *supervisor.Supervisor
	rs, err := event.NewRedisSink(ctx, event.RedisOptions{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		Stream:     cfg.RedisStream,
		InstanceID: cfg.InstanceID,
		Stats:      func() map[string]any { return sup.Stats().Map() },
	})
	if err != nil {
		obs.Error("redis.connect", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
		return err
	}
	defer rs.Close()
	sup = supervisor.New(cfg, append(sinks, rs))
	return serve(ctx, cfg, sup, rs)
}

func serve(ctx context.Context, cfg config.Config, sup *supervisor.Supervisor, rs *event.RedisSink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if rs != nil {
		wg.Add(1)
		go func() { defer wg.Done(); rs.Run(ctx) }()
		obs.Info("redis.connected", obs.Fields{"addr": cfg.RedisAddr, "stream": cfg.RedisStream, "stats_key": rs.StatsKey()})
	}
	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() { defer wg.Done(); startMetricsServer(ctx, cfg.MetricsAddr, sup) }()
	}

	err := sup.Run(ctx)
	// Stop the sink and the metrics server whether Run failed or ctx ended.
	cancel()
	wg.Wait()
	return err
}
