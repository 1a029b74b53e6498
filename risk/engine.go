// Package risk implements the deterministic allow/deny rules applied
// before any transaction is created: amount limit, BIN blacklist, and
// a per-PAN velocity window. Rules run in order; the first decline wins.
package risk

import (
	"sync"
	"time"

	set "github.com/deckarep/golang-set"

	"minivisa/configs"
	"minivisa/iso"
)

// approvedScore is a placeholder until a real scoring model exists.
const approvedScore = 0.1

type Decision struct {
	Allow  bool
	Reason string
	Score  float64
}

type velEntry struct {
	pan         string
	windowStart time.Time
	count       int
}

// Engine evaluates requests against the configured rules. The velocity
// table is a fixed-capacity array; when full, the entry with the
// oldest window is replaced.
type Engine struct {
	enabled   bool
	maxAmount float64
	velLimit  int
	velWindow time.Duration
	blacklist set.Set
	now       func() time.Time

	mu    sync.Mutex
	table []velEntry
}

func NewEngine(cfg *configs.Config) *Engine {
	bl := set.NewThreadUnsafeSet()
	for _, bin := range cfg.RiskBlacklistBINs {
		bl.Add(bin)
	}
	return &Engine{
		enabled:   cfg.RiskEnabled,
		maxAmount: cfg.RiskMaxAmount,
		velLimit:  cfg.RiskVelocityLimit,
		velWindow: cfg.RiskVelocityWindow,
		blacklist: bl,
		now:       time.Now,
		table:     make([]velEntry, configs.VelocityTableCap),
	}
}

// Evaluate applies the rule chain to one parsed request. amount has
// already passed basic sanity checks in the pipeline.
func (e *Engine) Evaluate(req *iso.Request, amount float64) Decision {
	if !e.enabled {
		return Decision{Allow: true, Score: approvedScore}
	}
	if amount > e.maxAmount {
		return Decision{Reason: configs.AmountLimitExceeded}
	}
	if len(req.PAN) >= 6 && e.blacklist.Contains(req.PAN[:6]) {
		return Decision{Reason: configs.BlacklistedPAN}
	}
	if !e.admitVelocity(req.PAN) {
		return Decision{Reason: configs.VelocityLimitExceeded}
	}
	return Decision{Allow: true, Score: approvedScore}
}

// lookup returns the table entry for pan, claiming a free slot or
// evicting the entry with the oldest window when the table is full.
func (e *Engine) lookup(pan string, now time.Time) *velEntry {
	freeIdx, oldestIdx := -1, -1
	oldest := now
	for i := range e.table {
		ent := &e.table[i]
		if ent.pan == "" {
			if freeIdx < 0 {
				freeIdx = i
			}
			continue
		}
		if ent.pan == pan {
			return ent
		}
		if ent.windowStart.Before(oldest) {
			oldest = ent.windowStart
			oldestIdx = i
		}
	}
	idx := freeIdx
	if idx < 0 {
		idx = oldestIdx
	}
	if idx < 0 {
		idx = 0
	}
	e.table[idx] = velEntry{pan: pan, windowStart: now}
	return &e.table[idx]
}

// admitVelocity counts the request against the PAN's current window and
// reports whether it is still under the limit. The first request of a
// window always passes.
func (e *Engine) admitVelocity(pan string) bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.lookup(pan, now)
	if now.Sub(entry.windowStart) >= e.velWindow {
		entry.windowStart = now
		entry.count = 0
	}
	entry.count++
	return entry.count <= e.velLimit
}
