// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for packing operations)
	TotalTokens int64
	MinTokens   int64
	MaxTokens   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Token stats (nil if not applicable)
	TotalTokens *int64
	AvgTokens   *float64
	MinTokens   *int64
	MaxTokens   *int64
}

// Snapshot represents the full pipeline statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	UpstreamFetch *OperationSnapshot
	Packing       *OperationSnapshot
	TaskWrite     *OperationSnapshot
	Enqueue       *OperationSnapshot
}

// Operation names for the collector.
const (
	OpUpstreamFetch = "upstream_fetch"
	OpPacking       = "packing"
	OpTaskWrite     = "task_write"
	OpEnqueue       = "enqueue"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime:   time.Duration(math.MaxInt64),
			MinTokens: math.MaxInt64,
		}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTokenUsage records timing plus the token volume a packing pass
// processed for one meeting.
func (c *Collector) RecordTokenUsage(op string, duration time.Duration, tokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}

	m.TotalTokens += tokens
	if tokens < m.MinTokens {
		m.MinTokens = tokens
	}
	if tokens > m.MaxTokens {
		m.MaxTokens = tokens
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeTokens bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeTokens && m.TotalTokens > 0 {
		total := m.TotalTokens
		avg := float64(m.TotalTokens) / float64(m.Count)
		min := m.MinTokens
		max := m.MaxTokens

		// Reset sentinel values for display
		if min == math.MaxInt64 {
			min = 0
		}

		snap.TotalTokens = &total
		snap.AvgTokens = &avg
		snap.MinTokens = &min
		snap.MaxTokens = &max
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		UpstreamFetch: snapshotOp(c.ops[OpUpstreamFetch], false),
		Packing:       snapshotOp(c.ops[OpPacking], true),
		TaskWrite:     snapshotOp(c.ops[OpTaskWrite], false),
		Enqueue:       snapshotOp(c.ops[OpEnqueue], false),
	}
}
