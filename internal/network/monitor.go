// Package network watches connectivity to the hosted store and feeds
// transitions to the sync scheduler and the save engines.
package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kampuslab/labsync/internal/config"
	"github.com/kampuslab/labsync/internal/logging"
)

// Status is the monitor's view of connectivity.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusUnstable Status = "unstable" // reachable but degraded round-trips
)

// Change is a connectivity transition delivered to subscribers.
type Change struct {
	Status   Status
	Previous Status
	At       time.Time
}

// Monitor probes a lightweight endpoint on an interval and classifies
// connectivity. Until the first probe completes the monitor is not ready and
// callers treat connectivity as unknown rather than offline.
type Monitor struct {
	probeURL         string
	interval         time.Duration
	unstableRTT      time.Duration
	offlineThreshold int
	client           *http.Client

	mu       sync.RWMutex
	status   Status
	ready    bool
	failures int
	subs     map[int]chan Change
	nextSub  int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a connectivity monitor from configuration.
func NewMonitor(cfg config.NetworkConfig) *Monitor {
	return &Monitor{
		probeURL:         cfg.ProbeURL,
		interval:         cfg.ProbeInterval,
		unstableRTT:      cfg.UnstableRTT,
		offlineThreshold: cfg.OfflineThreshold,
		client:           &http.Client{Timeout: cfg.ProbeTimeout},
		status:           StatusOffline,
		subs:             make(map[int]chan Change),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the probe loop. The first probe runs immediately so the
// monitor becomes ready without waiting a full interval.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.probeLoop()
}

// Stop terminates the probe loop and closes all subscriber channels.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

// Status returns the current connectivity classification.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports whether the store is believed reachable. Unstable still
// counts as reachable.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status != StatusOffline
}

// IsReady reports whether at least one probe has completed.
func (m *Monitor) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Subscribe registers for connectivity transitions. The returned cancel
// function unregisters and closes the channel; it is safe to call twice.
func (m *Monitor) Subscribe() (<-chan Change, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Change, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
	return ch, cancel
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	m.probe()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe issues one HEAD request and reclassifies connectivity. A single
// failed probe does not flip to offline until the threshold is reached;
// flapping links read as unstable, not as rapid online/offline cycles.
func (m *Monitor) probe() {
	ok, rtt := m.probeOnce()

	m.mu.Lock()
	previous := m.status
	if ok {
		m.failures = 0
		if rtt >= m.unstableRTT && m.unstableRTT > 0 {
			m.status = StatusUnstable
		} else {
			m.status = StatusOnline
		}
	} else {
		m.failures++
		if m.failures >= m.offlineThreshold {
			m.status = StatusOffline
		} else if m.ready && previous != StatusOffline {
			m.status = StatusUnstable
		}
	}
	m.ready = true
	current := m.status
	m.mu.Unlock()

	if current != previous {
		m.notify(Change{Status: current, Previous: previous, At: time.Now()})
	}
}

func (m *Monitor) probeOnce() (bool, time.Duration) {
	if m.probeURL == "" {
		return true, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false, 0
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return false, rtt
	}
	resp.Body.Close()
	return resp.StatusCode < 500, rtt
}

func (m *Monitor) notify(change Change) {
	logging.Info("connectivity changed", map[string]interface{}{
		"status":   string(change.Status),
		"previous": string(change.Previous),
	})

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- change:
		default:
			// slow subscriber, drop rather than block the probe loop
		}
	}
}
