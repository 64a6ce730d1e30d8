package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/list-family/gonsq"
	"github.com/list-family/gonsq/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("nsq-tail %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	ccfg := gonsq.NewConfig()
	ccfg.NSQDTCPAddresses = cfg.nsqdTCPAddrs
	ccfg.LookupdHTTPAddresses = cfg.lookupdHTTPAddrs
	ccfg.MaxInFlight = cfg.maxInFlight
	ccfg.HeartbeatInterval = cfg.heartbeatInterval
	ccfg.Snappy = cfg.snappy
	ccfg.Deflate = cfg.deflate
	ccfg.DeflateLevel = cfg.deflateLevel
	ccfg.Logger = l

	consumer, err := gonsq.NewConsumer(ccfg)
	if err != nil {
		l.Error("consumer_init_error", "error", err)
		os.Exit(1)
	}
	if err := consumer.Connect(ctx); err != nil {
		l.Error("consumer_connect_error", "error", err)
		os.Exit(1)
	}
	if err := consumer.Subscribe(ctx, cfg.topic, cfg.channel); err != nil {
		l.Error("consumer_subscribe_error", "error", err)
		os.Exit(1)
	}
	l.Info("tailing", "topic", cfg.topic, "channel", cfg.channel)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var printed int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range consumer.Messages() {
			fmt.Printf("%s\n", msg.Body)
			if err := msg.Finish(); err != nil {
				l.Warn("finish_error", "id", msg.ID.String(), "error", err)
			}
			printed++
			if cfg.totalMessages > 0 && printed >= cfg.totalMessages {
				return
			}
		}
	}()

	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-done:
		l.Info("message_limit_reached", "count", printed)
	}
	cancel()
	if err := consumer.Stop(); err != nil {
		l.Warn("consumer_stop_error", "error", err)
	}
	<-done
	wg.Wait()
}
