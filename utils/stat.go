// Package utils holds the measurement helpers shared by the load
// generator: per-request outcome records and an aggregated report.
package utils

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Info is one finished request as seen by a load client.
type Info struct {
	Status  string
	Reason  string
	Latency time.Duration
}

// Stat aggregates request outcomes across clients.
type Stat struct {
	mu        sync.Mutex
	infos     []*Info
	beginTime time.Time
	endTime   time.Time
}

func NewStat() *Stat {
	now := time.Now()
	return &Stat{beginTime: now, endTime: now}
}

func (st *Stat) Append(info *Info) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.infos = append(st.infos, info)
	st.endTime = time.Now()
}

// Log prints the aggregate report: counts per outcome, throughput,
// and latency percentiles over successful round trips.
func (st *Stat) Log() {
	st.mu.Lock()
	defer st.mu.Unlock()

	approved, declined, busy := 0, 0, 0
	reasons := make(map[string]int)
	latencies := make([]time.Duration, 0, len(st.infos))
	for _, info := range st.infos {
		switch {
		case info.Status == "APPROVED":
			approved++
		case info.Reason == "server_busy":
			busy++
		default:
			declined++
			if info.Reason != "" {
				reasons[info.Reason]++
			}
		}
		if info.Latency > 0 {
			latencies = append(latencies, info.Latency)
		}
	}

	total := len(st.infos)
	elapsed := st.endTime.Sub(st.beginTime).Seconds()
	fmt.Printf("requests: %d (approved %d, declined %d, busy %d)\n", total, approved, declined, busy)
	if elapsed > 0 {
		fmt.Printf("throughput: %.1f req/s over %.2fs\n", float64(total)/elapsed, elapsed)
	}
	for reason, n := range reasons {
		fmt.Printf("  declined %s: %d\n", reason, n)
	}
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("latency p50 %v, p95 %v, p99 %v, max %v\n",
		percentile(latencies, 0.50), percentile(latencies, 0.95),
		percentile(latencies, 0.99), latencies[len(latencies)-1])
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

var requestID = uint64(0)

// NextRequestID hands out process-unique idempotency keys for
// generated load.
func NextRequestID() uint64 {
	return atomic.AddUint64(&requestID, 1)
}
