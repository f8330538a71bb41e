// Package sim drives a block-ack reorder engine with a synthetic frame
// workload, for development and load testing.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/database64128/blockack-go/engine"
	"github.com/database64128/blockack-go/frame"
	"github.com/database64128/blockack-go/metrics"
	"github.com/database64128/blockack-go/seqnum"
	"github.com/database64128/blockack-go/tslog"
)

// Config stores configurations for a simulation run.
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	Engine   engine.Config  `json:"engine"`
	Metrics  metrics.Config `json:"metrics"`
	Workload WorkloadConfig `json:"workload"`
}

// Manager initializes the simulation manager.
func (sc *Config) Manager(logger *tslog.Logger) (*Manager, error) {
	if err := sc.Workload.CheckAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to validate workload config: %w", err)
	}

	checker := newOrderChecker(logger)
	e, err := sc.Engine.Engine(logger, checker)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	m := &Manager{
		logger:   logger,
		engine:   e,
		checker:  checker,
		workload: sc.Workload,
		done:     make(chan struct{}),
	}
	if sc.Metrics.Enabled {
		m.metrics = sc.Metrics.NewService(logger, e)
	}
	return m, nil
}

// Manager runs the simulation workload against its engine, alongside the
// optional metrics service.
type Manager struct {
	logger   *tslog.Logger
	engine   *engine.Engine
	checker  *orderChecker
	workload WorkloadConfig
	metrics  *metrics.Service
	done     chan struct{}
}

// Start starts the services and the workload goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if m.metrics != nil {
		if err := m.metrics.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics service: %w", err)
		}
	}
	go m.run(ctx)
	return nil
}

// Done returns a channel that is closed when the workload completes.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// OrderViolations returns the number of out-of-order deliveries observed.
func (m *Manager) OrderViolations() uint64 {
	return m.checker.violations.Load()
}

// Stop stops the services.
func (m *Manager) Stop() {
	if err := m.engine.Close(); err != nil {
		m.logger.Error("Failed to close engine", tslog.Err(err))
	}
	if m.metrics != nil {
		if err := m.metrics.Stop(); err != nil {
			m.logger.Error("Failed to stop metrics service", tslog.Err(err))
		}
	}
}

type checkKey struct {
	peer frame.Peer
	tid  uint8
}

// orderChecker verifies that each session's deliveries are in strictly
// increasing circular sequence order.
type orderChecker struct {
	logger     *tslog.Logger
	delivered  atomic.Uint64
	violations atomic.Uint64

	mu   sync.Mutex
	last map[checkKey]seqnum.Num
}

func newOrderChecker(logger *tslog.Logger) *orderChecker {
	return &orderChecker{
		logger: logger,
		last:   make(map[checkKey]seqnum.Num),
	}
}

// Deliver implements [engine.Deliverer.Deliver].
func (c *orderChecker) Deliver(peer frame.Peer, tid uint8, seq seqnum.Num, payload []byte) {
	c.delivered.Add(1)

	k := checkKey{peer: peer, tid: tid}
	c.mu.Lock()
	last, ok := c.last[k]
	c.last[k] = seq
	c.mu.Unlock()

	if ok && !seqnum.Behind(last, seq) {
		c.violations.Add(1)
		c.logger.Error("Out-of-order delivery",
			tslog.Peer("peer", peer),
			tslog.Uint("tid", tid),
			tslog.Uint("last", last),
			tslog.Uint("seq", seq),
		)
	}
}

func (c *orderChecker) logSummary(st engine.Stats) {
	c.logger.Info("Workload finished",
		tslog.Uint("delivered", c.delivered.Load()),
		tslog.Uint("orderViolations", c.violations.Load()),
		tslog.Uint("framesReceived", st.FramesReceived),
		tslog.Uint("framesOutOfOrder", st.FramesOutOfOrder),
		tslog.Uint("framesDuplicate", st.FramesDuplicate),
		tslog.Uint("framesStale", st.FramesStale),
		tslog.Uint("slideLost", st.SlideLost),
		tslog.Uint("timeoutGaps", st.TimeoutGaps),
		slog.Int("sessions", st.Sessions),
	)
}
