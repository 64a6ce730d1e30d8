package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/list-family/gonsq/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"messages", snap.MessagesReceived,
					"finished", snap.MessagesFinished,
					"requeued", snap.MessagesRequeued,
					"heartbeats", snap.Heartbeats,
					"reconnects", snap.Reconnects,
					"conns", snap.ActiveConns,
					"starved", snap.StarvedConns,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
