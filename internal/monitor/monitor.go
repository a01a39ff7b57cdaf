// Package monitor watches connectivity and edit activity. It probes the
// remote on a cadence and flips the engine online or offline, forces a
// local save when edits sit idle too long, and saves once more on
// shutdown.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"boardsync/internal/statestore"
)

const probeTimeout = 5 * time.Second

// Prober answers whether the remote is reachable right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// Engine is the slice of the sync engine the monitor drives.
type Engine interface {
	SetOnline(online bool)
	FlushLocal() error
}

// HTTPProber reports reachability via a HEAD request.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber probes the given URL.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		url:    url,
		client: &http.Client{Timeout: probeTimeout},
	}
}

// Probe performs one reachability check. Any HTTP response counts as
// reachable; only transport errors mean offline.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", p.url, err)
	}
	resp.Body.Close()

	return nil
}

// Monitor owns the probe loop and the idle-save timer.
type Monitor struct {
	prober        Prober
	engine        Engine
	state         *statestore.Store
	probeInterval time.Duration
	idleTimeout   time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	lastEdit time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// New wires a monitor. It subscribes to board changes so idle time is
// measured from the most recent edit.
func New(prober Prober, engine Engine, state *statestore.Store, probeInterval, idleTimeout time.Duration, logger *slog.Logger) *Monitor {
	m := &Monitor{
		prober:        prober,
		engine:        engine,
		state:         state,
		probeInterval: probeInterval,
		idleTimeout:   idleTimeout,
		logger:        logger,
		now:           time.Now,
	}

	state.Subscribe(func(c statestore.Change) {
		if c.Kind != statestore.ChangeBoards {
			return
		}

		m.mu.Lock()
		m.lastEdit = m.now()
		m.mu.Unlock()
	})

	return m
}

// Run probes and checks idleness until the context is cancelled, then
// performs a final best-effort save so no edit is lost on shutdown.
func (m *Monitor) Run(ctx context.Context) error {
	// Establish connectivity immediately rather than waiting a tick.
	m.probe(ctx)

	probeTicker := time.NewTicker(m.probeInterval)
	defer probeTicker.Stop()

	idleTicker := time.NewTicker(m.idleCheckInterval())
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdownSave()
			return ctx.Err()

		case <-probeTicker.C:
			m.probe(ctx)

		case <-idleTicker.C:
			m.checkIdle()
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() == nil {
		m.logger.Debug("probe failed", slog.String("error", err.Error()))
	}

	m.engine.SetOnline(err == nil)
}

// checkIdle forces a save when dirty edits have been sitting longer
// than the idle timeout.
func (m *Monitor) checkIdle() {
	if !m.state.HasDirty() {
		return
	}

	m.mu.Lock()
	idle := m.now().Sub(m.lastEdit)
	m.mu.Unlock()

	if idle < m.idleTimeout {
		return
	}

	m.logger.Info("edits idle, saving locally", slog.Duration("idle", idle))

	if err := m.engine.FlushLocal(); err != nil {
		m.logger.Error("idle save failed", slog.String("error", err.Error()))
	}
}

func (m *Monitor) shutdownSave() {
	if !m.state.HasDirty() {
		return
	}

	m.logger.Info("saving dirty boards before shutdown")

	if err := m.engine.FlushLocal(); err != nil {
		m.logger.Error("shutdown save failed", slog.String("error", err.Error()))
	}
}

// idleCheckInterval keeps the idle timer responsive without busy
// polling.
func (m *Monitor) idleCheckInterval() time.Duration {
	interval := m.idleTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}

	return interval
}
