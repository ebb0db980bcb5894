package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// HeadroomConfig tunes the HeadroomGuard, the admission gate that blocks
// dispatch when the host is low on spare memory.
type HeadroomConfig struct {
	// Enabled turns the guard on. When false, CheckHeadroom always allows.
	Enabled bool
	// Threshold is the fraction of memory used above which dispatch blocks.
	Threshold float64
	// WarnThreshold is the fraction above which a warning callback fires
	// without blocking.
	WarnThreshold float64
	// MinHeadroom is the minimum free memory, in megabytes, required to
	// admit a new job regardless of percentage usage.
	MinHeadroom uint64
	// RecheckInterval is how often the background sampler refreshes usage.
	RecheckInterval time.Duration
	// CacheTimeout bounds how stale a cached sample may be before
	// CheckHeadroom forces a synchronous refresh.
	CacheTimeout time.Duration
}

// DefaultHeadroomConfig returns conservative defaults modeled on production
// use: block admission once memory use crosses 75%, warn at 70%, and
// require at least 50MB of headroom.
func DefaultHeadroomConfig() HeadroomConfig {
	return HeadroomConfig{
		Enabled:         true,
		Threshold:       0.75,
		WarnThreshold:   0.70,
		MinHeadroom:     50,
		RecheckInterval: 5 * time.Second,
		CacheTimeout:    2 * time.Second,
	}
}

// ResourceLimits describes the effective ceilings the guard checks against.
type ResourceLimits struct {
	TotalMemoryMB uint64
}

// ResourceUsage is a single sample of current system resource consumption.
type ResourceUsage struct {
	UsedMemoryMB uint64
	UsedFraction float64
	SampledAt    time.Time
}

// HeadroomStatus is the guard's externally visible snapshot, surfaced
// through Scheduler.Stats.
type HeadroomStatus struct {
	Blocked   bool
	Reason    string
	Limits    *ResourceLimits
	Usage     *ResourceUsage
	LastCheck time.Time
}

// HeadroomGuard periodically samples system memory and gates admission
// when headroom is low. It is the generalization of a pre-dispatch resource
// check that any production job scheduler needs once concurrency caps alone
// are not enough to avoid OOM thrash.
type HeadroomGuard struct {
	cfg HeadroomConfig

	mu        sync.Mutex
	blocked   bool
	reason    string
	limits    *ResourceLimits
	usage     *ResourceUsage
	lastCheck time.Time

	onBlocked   func(reason string, limits *ResourceLimits, usage *ResourceUsage)
	onUnblocked func()
	onWarning   func(reason string, limits *ResourceLimits, usage *ResourceUsage)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHeadroomGuard constructs a guard and, if enabled, starts its
// background sampler at RecheckInterval.
func NewHeadroomGuard(cfg HeadroomConfig) *HeadroomGuard {
	g := &HeadroomGuard{cfg: cfg, stopCh: make(chan struct{})}
	if cfg.Enabled && cfg.RecheckInterval > 0 {
		g.wg.Add(1)
		go g.sampleLoop()
	}
	return g
}

func (g *HeadroomGuard) sampleLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.RecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.CheckHeadroom()
		}
	}
}

// Stop halts the background sampler. Safe to call more than once.
func (g *HeadroomGuard) Stop() {
	select {
	case <-g.stopCh:
	default:
		close(g.stopCh)
	}
	g.wg.Wait()
}

// SetCallbacks installs hooks invoked when blocked state changes (onBlocked,
// onUnblocked) or when usage crosses WarnThreshold without blocking
// (onWarning). Any may be nil.
func (g *HeadroomGuard) SetCallbacks(
	onBlocked func(reason string, limits *ResourceLimits, usage *ResourceUsage),
	onUnblocked func(),
	onWarning func(reason string, limits *ResourceLimits, usage *ResourceUsage),
) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBlocked = onBlocked
	g.onUnblocked = onUnblocked
	g.onWarning = onWarning
}

// CheckHeadroom samples (if the cached sample is stale) and reports whether
// dispatch should proceed. A disabled guard always allows.
func (g *HeadroomGuard) CheckHeadroom() (allowed bool, reason string) {
	if !g.cfg.Enabled {
		return true, ""
	}

	g.mu.Lock()
	stale := time.Since(g.lastCheck) > g.cfg.CacheTimeout
	g.mu.Unlock()
	if stale {
		g.refresh()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked {
		return false, g.reason
	}
	return true, ""
}

func (g *HeadroomGuard) refresh() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		slog.Warn("headroom guard: memory sample failed", "error", err)
		return
	}

	usage := &ResourceUsage{
		UsedMemoryMB: vm.Used / (1024 * 1024),
		UsedFraction: vm.UsedPercent / 100.0,
		SampledAt:    time.Now(),
	}
	limits := &ResourceLimits{TotalMemoryMB: vm.Total / (1024 * 1024)}
	freeMB := limits.TotalMemoryMB - usage.UsedMemoryMB

	wasBlocked := g.isBlocked()
	nowBlocked := usage.UsedFraction >= g.cfg.Threshold || freeMB < g.cfg.MinHeadroom
	reason := ""
	if nowBlocked {
		reason = "memory headroom below threshold"
	}

	g.mu.Lock()
	g.blocked = nowBlocked
	g.reason = reason
	g.limits = limits
	g.usage = usage
	g.lastCheck = usage.SampledAt
	onBlocked, onUnblocked, onWarning := g.onBlocked, g.onUnblocked, g.onWarning
	g.mu.Unlock()

	switch {
	case nowBlocked && !wasBlocked && onBlocked != nil:
		onBlocked(reason, limits, usage)
	case !nowBlocked && wasBlocked && onUnblocked != nil:
		onUnblocked()
	case !nowBlocked && usage.UsedFraction >= g.cfg.WarnThreshold && onWarning != nil:
		onWarning("memory headroom approaching threshold", limits, usage)
	}
}

func (g *HeadroomGuard) isBlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// IsBlocked reports the guard's current blocked state without forcing a
// refresh.
func (g *HeadroomGuard) IsBlocked() bool {
	return g.isBlocked()
}

// BlockReason returns the human-readable reason for the current blocked
// state, or "" if not blocked.
func (g *HeadroomGuard) BlockReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Status returns a snapshot of the guard's last sample.
func (g *HeadroomGuard) Status() HeadroomStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	limits, usage := g.limits, g.usage
	if limits == nil {
		limits = &ResourceLimits{}
	}
	if usage == nil {
		usage = &ResourceUsage{SampledAt: time.Now()}
	}
	lastCheck := g.lastCheck
	if lastCheck.IsZero() {
		lastCheck = time.Now()
	}
	return HeadroomStatus{
		Blocked:   g.blocked,
		Reason:    g.reason,
		Limits:    limits,
		Usage:     usage,
		LastCheck: lastCheck,
	}
}
