// Package metrics keeps an in-process ring buffer of model and store call
// metrics backing the analytics operations. Persistence to the store is best
// effort; a failed write never surfaces to the caller.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/pkg/logger"
)

// Known service labels.
const (
	ServiceModel     = "model"
	ServiceEmbedding = "embedding"
	ServiceStore     = "store"
)

// maxHistory is the per-service ring buffer capacity.
const maxHistory = 1000

// CallMetric is a single recorded call.
type CallMetric struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Operation string    `json:"operation"`
	LatencyMS float64   `json:"latency_ms"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

type serviceTotals struct {
	Calls     int64 `json:"calls"`
	Errors    int64 `json:"errors"`
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// Persister receives finished metrics for durable storage. The store gateway
// satisfies this; a nil persister keeps the collector purely in memory.
type Persister interface {
	AppendServiceMetric(ctx context.Context, metric CallMetric) error
}

// Collector is a thread-safe in-process metrics sink.
type Collector struct {
	mu        sync.Mutex
	calls     map[string][]CallMetric
	totals    map[string]*serviceTotals
	startTime time.Time
	persister Persister
	now       func() time.Time
}

// NewCollector builds a collector. persister may be nil.
func NewCollector(persister Persister) *Collector {
	return &Collector{
		calls:     make(map[string][]CallMetric),
		totals:    make(map[string]*serviceTotals),
		startTime: time.Now(),
		persister: persister,
		now:       time.Now,
	}
}

// Record appends a call metric to the ring buffer and kicks off a best-effort
// persist. Store metrics are never persisted to the store itself.
func (c *Collector) Record(ctx context.Context, metric CallMetric) {
	if metric.ID == "" {
		metric.ID = core.NewID()
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = c.now()
	}
	metric.Error = core.RedactString(metric.Error)

	c.mu.Lock()
	buf := append(c.calls[metric.Service], metric)
	if len(buf) > maxHistory {
		buf = buf[len(buf)-maxHistory:]
	}
	c.calls[metric.Service] = buf
	totals := c.totals[metric.Service]
	if totals == nil {
		totals = &serviceTotals{}
		c.totals[metric.Service] = totals
	}
	totals.Calls++
	if !metric.Success {
		totals.Errors++
	}
	totals.TokensIn += int64(metric.TokensIn)
	totals.TokensOut += int64(metric.TokensOut)
	c.mu.Unlock()

	if c.persister != nil && metric.Service != ServiceStore {
		go func() {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := c.persister.AppendServiceMetric(pctx, metric); err != nil {
				logger.Debug("metric persist failed", "service", metric.Service, "error", core.RedactError(err))
			}
		}()
	}
}

// Timed runs fn and records its duration and outcome under service/operation.
func (c *Collector) Timed(ctx context.Context, service, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	metric := CallMetric{
		Service:   service,
		Operation: operation,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
		Success:   err == nil,
	}
	if err != nil {
		metric.Error = err.Error()
	}
	c.Record(ctx, metric)
	return err
}

// OperationStats aggregates one operation inside a window.
type OperationStats struct {
	Count        int     `json:"count"`
	Errors       int     `json:"errors"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// ServiceStats aggregates one service inside a window.
type ServiceStats struct {
	CallsInWindow  int                       `json:"calls_in_window"`
	ErrorsInWindow int                       `json:"errors_in_window"`
	AvgLatencyMS   float64                   `json:"avg_latency_ms"`
	P95LatencyMS   float64                   `json:"p95_latency_ms"`
	ByOperation    map[string]OperationStats `json:"by_operation,omitempty"`
	TotalCalls     int64                     `json:"total_calls"`
	TotalErrors    int64                     `json:"total_errors"`
	TokensIn       int64                     `json:"tokens_in_window,omitempty"`
	TokensOut      int64                     `json:"tokens_out_window,omitempty"`
}

// Stats is the aggregate view returned by the get_stats operation.
type Stats struct {
	UptimeSeconds     float64                 `json:"uptime_seconds"`
	CollectionStart   time.Time               `json:"collection_start"`
	TimeWindowMinutes int                     `json:"time_window_minutes"`
	Services          map[string]ServiceStats `json:"services"`
}

// Stats aggregates all recorded calls inside the trailing window.
func (c *Collector) Stats(windowMinutes int) Stats {
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	cutoff := c.now().Add(-time.Duration(windowMinutes) * time.Minute)

	c.mu.Lock()
	defer c.mu.Unlock()

	out := Stats{
		UptimeSeconds:     c.now().Sub(c.startTime).Seconds(),
		CollectionStart:   c.startTime,
		TimeWindowMinutes: windowMinutes,
		Services:          make(map[string]ServiceStats, len(c.calls)),
	}
	for service, calls := range c.calls {
		totals := c.totals[service]
		stats := ServiceStats{TotalCalls: totals.Calls, TotalErrors: totals.Errors}

		var recent []CallMetric
		for _, m := range calls {
			if m.Timestamp.After(cutoff) {
				recent = append(recent, m)
			}
		}
		if len(recent) > 0 {
			latencies := make([]float64, 0, len(recent))
			byOp := make(map[string]OperationStats)
			var latencySum float64
			for _, m := range recent {
				latencies = append(latencies, m.LatencyMS)
				latencySum += m.LatencyMS
				op := byOp[m.Operation]
				op.Count++
				op.AvgLatencyMS += m.LatencyMS
				if !m.Success {
					op.Errors++
					stats.ErrorsInWindow++
				}
				byOp[m.Operation] = op
				stats.TokensIn += int64(m.TokensIn)
				stats.TokensOut += int64(m.TokensOut)
			}
			for name, op := range byOp {
				op.AvgLatencyMS = round2(op.AvgLatencyMS / float64(op.Count))
				byOp[name] = op
			}
			sort.Float64s(latencies)
			stats.CallsInWindow = len(recent)
			stats.AvgLatencyMS = round2(latencySum / float64(len(recent)))
			stats.P95LatencyMS = round2(percentile95(latencies))
			stats.ByOperation = byOp
		}
		out.Services[service] = stats
	}
	return out
}

// RecentCalls returns the newest calls for a service, newest first.
func (c *Collector) RecentCalls(service string, limit int) []CallMetric {
	if limit <= 0 {
		limit = 50
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := c.calls[service]
	if len(calls) > limit {
		calls = calls[len(calls)-limit:]
	}
	out := make([]CallMetric, len(calls))
	for i, m := range calls {
		out[len(calls)-1-i] = m
	}
	return out
}

// Reset clears buffers and totals. Tests only.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string][]CallMetric)
	c.totals = make(map[string]*serviceTotals)
	c.startTime = c.now()
}

func percentile95(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) < 20 {
		return sorted[len(sorted)-1]
	}
	return sorted[int(float64(len(sorted))*0.95)]
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
