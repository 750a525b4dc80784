package telemetry

import (
	"context"
	"sync"
	"time"
)

// QueueStatsProvider exposes dead letter queue depths for collection
type QueueStatsProvider interface {
	Depths(ctx context.Context) (map[string]int64, error)
}

// MetricsCollector periodically samples dead letter depths and updates gauges
type MetricsCollector struct {
	queues   QueueStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(queues QueueStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		queues:   queues,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.queues == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	depths, err := mc.queues.Depths(ctx)
	if err != nil {
		return
	}

	for key, depth := range depths {
		DeadLetterPending.With(key).Set(float64(depth))
	}
}
