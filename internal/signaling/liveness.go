package signaling

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudpeer/webrtc-signaling-relay/internal/metrics"
)

// monitor periodically probes every open connection and terminates those
// whose previous probe went unanswered. This is the relay's only defense
// against half-open connections whose peer vanished without a close frame.
type monitor struct {
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[*Conn]struct{}

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newMonitor(interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *monitor {
	return &monitor{
		interval: interval,
		log:      logger,
		metrics:  m,
		conns:    make(map[*Conn]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *monitor) track(c *Conn) {
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
}

func (m *monitor) untrack(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

func (m *monitor) snapshot() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *monitor) start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

func (m *monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one probe cycle. Connections still awaiting the previous pong
// are torn down through the same path as an explicit disconnect; the rest
// enter the next probe window and receive a ping.
func (m *monitor) sweep() {
	for _, c := range m.snapshot() {
		if !c.beginProbe() {
			m.log.Info("terminating unresponsive connection", "room", c.Room(), "conn", c.ID())
			m.metrics.Inc(metrics.EventLivenessTerminated)
			c.close()
			continue
		}
		if err := c.ping(); err != nil {
			m.log.Debug("liveness ping failed", "room", c.Room(), "conn", c.ID(), "err", err)
			c.close()
		}
	}
}

func (m *monitor) shutdown() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}
