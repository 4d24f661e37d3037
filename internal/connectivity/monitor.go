package connectivity

import (
	"context"
	"log"
	"sync"
	"time"
)

// Pinger probes the remote API. *remote.Client satisfies this.
type Pinger interface {
	Health(ctx context.Context) error
}

// Monitor tracks whether the remote API is reachable and notifies
// listeners when connectivity comes back. It replaces a browser's
// online/offline events with an active health-check loop.
type Monitor struct {
	mu sync.RWMutex

	pinger   Pinger
	interval time.Duration
	timeout  time.Duration

	online    bool
	lastCheck time.Time
	listeners []func()

	running bool
	stop    chan struct{}
}

// NewMonitor creates a monitor probing the remote API at the given
// interval.
func NewMonitor(pinger Pinger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		timeout:  10 * time.Second,
		stop:     make(chan struct{}),
	}
}

// Start begins the health-check loop. The first probe runs immediately
// so the startup sync does not wait one full interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.CheckNow()
	go m.loop()
}

// Stop halts the health-check loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
}

// IsOnline returns the last known connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnReconnect registers a callback fired on every offline-to-online
// transition. Callbacks run synchronously from the probe; long work
// should spawn its own goroutine.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// CheckNow performs one probe and returns the resulting state.
func (m *Monitor) CheckNow() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := m.pinger.Health(ctx)
	now := time.Now()

	m.mu.Lock()
	wasOnline := m.online
	m.online = err == nil
	m.lastCheck = now
	var toNotify []func()
	if !wasOnline && m.online {
		toNotify = append(toNotify, m.listeners...)
	}
	m.mu.Unlock()

	if err != nil && wasOnline {
		log.Printf("📴 Connectivity lost: %v", err)
	}
	if len(toNotify) > 0 {
		log.Println("📡 Connectivity restored")
		for _, fn := range toNotify {
			fn()
		}
	}

	return err == nil
}

// loop periodically re-probes until stopped.
func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckNow()
		case <-m.stop:
			return
		}
	}
}
