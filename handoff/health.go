package handoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Verdict is the admission decision for an agent.
type Verdict struct {
	Admit      bool      `json:"admit"`
	Reason     string    `json:"reason"`
	QueueDepth int       `json:"queue_depth"`
	ErrorRate  float64   `json:"error_rate"`
	CheckedAt  time.Time `json:"checked_at"`
}

// MonitorConfig configures admission thresholds and probe throttling.
type MonitorConfig struct {
	// MaxQueueDepth rejects agents whose queue is deeper than this.
	MaxQueueDepth int
	// MaxErrorRate rejects agents whose error rate exceeds this fraction.
	MaxErrorRate float64
	// PingTimeout bounds the liveness probe.
	PingTimeout time.Duration
	// ProbeInterval is the minimum time between probes of the same agent;
	// checks inside the window serve the cached verdict.
	ProbeInterval time.Duration
}

// DefaultMonitorConfig returns thresholds suitable for most deployments.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MaxQueueDepth: 100,
		MaxErrorRate:  0.5,
		PingTimeout:   2 * time.Second,
		ProbeInterval: 5 * time.Second,
	}
}

// HealthMonitor polls an agent's liveness and load signals and yields an
// admission verdict. Probe traffic per agent is rate-limited.
type HealthMonitor struct {
	cfg    MonitorConfig
	logger *zap.Logger

	mu     sync.Mutex
	probes map[string]*agentProbe
}

type agentProbe struct {
	limiter *rate.Limiter
	last    Verdict
	seen    bool
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(cfg MonitorConfig, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	return &HealthMonitor{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "health_monitor")),
		probes: make(map[string]*agentProbe),
	}
}

// Check returns the admission verdict for an agent. Agents that expose no
// health signals are always admitted.
func (m *HealthMonitor) Check(ctx context.Context, agent Agent) Verdict {
	reporter, ok := agent.(HealthReporter)
	if !ok {
		return Verdict{Admit: true, Reason: "agent exposes no health signals", CheckedAt: time.Now()}
	}

	probe := m.probe(agent.ID())

	m.mu.Lock()
	allowed := probe.limiter.Allow()
	if !allowed && probe.seen {
		cached := probe.last
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	verdict := m.evaluate(ctx, reporter)

	m.mu.Lock()
	probe.last = verdict
	probe.seen = true
	m.mu.Unlock()

	if !verdict.Admit {
		m.logger.Warn("agent failed health admission",
			zap.String("agent_id", agent.ID()),
			zap.String("reason", verdict.Reason),
			zap.Int("queue_depth", verdict.QueueDepth),
			zap.Float64("error_rate", verdict.ErrorRate))
	}
	return verdict
}

func (m *HealthMonitor) evaluate(ctx context.Context, reporter HealthReporter) Verdict {
	verdict := Verdict{CheckedAt: time.Now()}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := reporter.Ping(pingCtx); err != nil {
		verdict.Reason = fmt.Sprintf("ping failed: %v", err)
		return verdict
	}

	verdict.QueueDepth = reporter.QueueDepth()
	verdict.ErrorRate = reporter.ErrorRate()

	if m.cfg.MaxQueueDepth > 0 && verdict.QueueDepth > m.cfg.MaxQueueDepth {
		verdict.Reason = fmt.Sprintf("queue depth %d exceeds limit %d", verdict.QueueDepth, m.cfg.MaxQueueDepth)
		return verdict
	}
	if m.cfg.MaxErrorRate > 0 && verdict.ErrorRate > m.cfg.MaxErrorRate {
		verdict.Reason = fmt.Sprintf("error rate %.2f exceeds limit %.2f", verdict.ErrorRate, m.cfg.MaxErrorRate)
		return verdict
	}

	verdict.Admit = true
	verdict.Reason = "healthy"
	return verdict
}

func (m *HealthMonitor) probe(agentID string) *agentProbe {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.probes[agentID]
	if !ok {
		p = &agentProbe{limiter: rate.NewLimiter(rate.Every(m.cfg.ProbeInterval), 1)}
		m.probes[agentID] = p
	}
	return p
}
