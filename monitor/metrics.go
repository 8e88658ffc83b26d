package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keyarbiter/keyarbiter/keypool"
)

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyarbiter",
			Name:      "dispatch_total",
			Help:      "Dispatched requests by terminal outcome.",
		},
		[]string{"model", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keyarbiter",
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency including waits and retries.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	keySlotsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keyarbiter",
			Name:      "key_slots",
			Help:      "Key slots in the pool by health status.",
		},
		[]string{"status"},
	)

	keyRequestsToday = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keyarbiter",
			Name:      "key_requests_today",
			Help:      "Requests served today per key slot.",
		},
		[]string{"index"},
	)
)

// InitPrometheus registers the subsystem collectors on the default registry.
func InitPrometheus() error {
	for _, c := range []prometheus.Collector{dispatchTotal, dispatchDuration, keySlotsByStatus, keyRequestsToday} {
		if err := prometheus.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordDispatch counts one finished dispatch. outcome is "success" or the failure code.
func RecordDispatch(modelName, outcome string, start time.Time) {
	dispatchTotal.WithLabelValues(modelName, outcome).Inc()
	dispatchDuration.WithLabelValues(modelName).Observe(time.Since(start).Seconds())
}

// UpdatePoolGauges reflects a registry snapshot into the key-slot gauges.
func UpdatePoolGauges(snapshot []keypool.SlotSnapshot) {
	counts := map[keypool.Status]int{
		keypool.StatusAvailable:      0,
		keypool.StatusRateLimited:    0,
		keypool.StatusDailyExhausted: 0,
		keypool.StatusErrored:        0,
	}
	for _, s := range snapshot {
		counts[s.Status]++
		keyRequestsToday.WithLabelValues(strconv.Itoa(s.Index)).Set(float64(s.UsedToday))
	}
	for status, n := range counts {
		keySlotsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// StartPoolGaugeRefresher keeps the pool gauges current until ctx is cancelled.
func StartPoolGaugeRefresher(ctx context.Context, reg *keypool.Registry, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				UpdatePoolGauges(reg.Snapshot())
			}
		}
	}()
}
