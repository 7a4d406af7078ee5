// Package ping measures and combines per-peer latency signals.
package ping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTCPTimeout = 5 * time.Second
	DefaultAppTimeout = 3 * time.Second
	measureAllLimit   = 8
)

var (
	ErrTimeout       = errors.New("ping timed out")
	ErrConnectFailed = errors.New("ping connect failed")
)

// Measurement holds every latency signal known for one peer address, in ms.
type Measurement struct {
	PeerAddr    string    `json:"peer_addr"`
	TCPPing     *uint64   `json:"tcp_ping"`
	AppPing     *uint64   `json:"app_ping"`
	WebRTCRTT   *uint64   `json:"webrtc_rtt"`
	AveragePing *uint64   `json:"average_ping"`
	Timestamp   time.Time `json:"timestamp"`
}

// CalculateAverage sets AveragePing to the integer mean of the populated metrics.
// With no metric present the average is left untouched.
func (m *Measurement) CalculateAverage() {
	var sum, n uint64
	for _, v := range []*uint64{m.TCPPing, m.AppPing, m.WebRTCRTT} {
		if v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return
	}
	avg := sum / n
	m.AveragePing = &avg
}

func (m *Measurement) IsComplete() bool {
	return m.TCPPing != nil && m.AppPing != nil && m.WebRTCRTT != nil
}

func (m *Measurement) clone() Measurement {
	out := *m
	out.TCPPing = cloneU64(m.TCPPing)
	out.AppPing = cloneU64(m.AppPing)
	out.WebRTCRTT = cloneU64(m.WebRTCRTT)
	out.AveragePing = cloneU64(m.AveragePing)
	return out
}

func cloneU64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Prober performs one application-level round trip to addr.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

type ProberFunc func(ctx context.Context, addr string) error

func (f ProberFunc) Probe(ctx context.Context, addr string) error { return f(ctx, addr) }

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	TCPTimeout time.Duration
	AppTimeout time.Duration
	Prober     Prober
	Dial       DialFunc
}

type Manager struct {
	mu           sync.RWMutex
	measurements map[string]*Measurement

	tcpTimeout time.Duration
	appTimeout time.Duration
	prober     Prober
	dial       DialFunc
	now        func() time.Time
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		measurements: make(map[string]*Measurement),
		tcpTimeout:   opts.TCPTimeout,
		appTimeout:   opts.AppTimeout,
		prober:       opts.Prober,
		dial:         opts.Dial,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if m.tcpTimeout <= 0 {
		m.tcpTimeout = DefaultTCPTimeout
	}
	if m.appTimeout <= 0 {
		m.appTimeout = DefaultAppTimeout
	}
	if m.dial == nil {
		var d net.Dialer
		m.dial = d.DialContext
	}
	return m
}

// SetProber installs the application-level round trip used by MeasureApplicationPing.
func (m *Manager) SetProber(p Prober) {
	m.mu.Lock()
	m.prober = p
	m.mu.Unlock()
}

// MeasureTCPPing times a fresh TCP connect to addr.
func (m *Manager) MeasureTCPPing(ctx context.Context, addr string) (uint64, error) {
	ms, err := m.timed(ctx, m.tcpTimeout, func(ctx context.Context) error {
		return m.connect(ctx, addr)
	})
	if err != nil {
		return 0, fmt.Errorf("tcp ping %s: %w", addr, err)
	}
	m.record(addr, func(ms uint64, meas *Measurement) { meas.TCPPing = &ms }, ms)
	return ms, nil
}

// MeasureApplicationPing times one application round trip. Without a Prober
// it falls back to a plain connect.
func (m *Manager) MeasureApplicationPing(ctx context.Context, addr string) (uint64, error) {
	m.mu.RLock()
	prober := m.prober
	m.mu.RUnlock()

	ms, err := m.timed(ctx, m.appTimeout, func(ctx context.Context) error {
		if prober != nil {
			return prober.Probe(ctx, addr)
		}
		return m.connect(ctx, addr)
	})
	if err != nil {
		return 0, fmt.Errorf("application ping %s: %w", addr, err)
	}
	m.record(addr, func(ms uint64, meas *Measurement) { meas.AppPing = &ms }, ms)
	return ms, nil
}

// UpdateWebRTCRTT records an RTT measured outside this package.
func (m *Manager) UpdateWebRTCRTT(addr string, rttMs uint64) {
	m.record(addr, func(ms uint64, meas *Measurement) { meas.WebRTCRTT = &ms }, rttMs)
}

// MeasureAll runs TCP and application pings against every address concurrently.
// Individual failures are logged and skipped.
func (m *Manager) MeasureAll(ctx context.Context, addrs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(measureAllLimit)
	for _, addr := range addrs {
		g.Go(func() error {
			if _, err := m.MeasureTCPPing(gctx, addr); err != nil {
				log.Debug().Err(err).Str("module", "ping").Str("addr", addr).Msg("tcp ping failed")
			}
			if _, err := m.MeasureApplicationPing(gctx, addr); err != nil {
				log.Debug().Err(err).Str("module", "ping").Str("addr", addr).Msg("application ping failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (m *Manager) Get(addr string) (Measurement, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meas, ok := m.measurements[addr]
	if !ok {
		return Measurement{}, false
	}
	return meas.clone(), true
}

func (m *Manager) All() []Measurement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Measurement, 0, len(m.measurements))
	for _, meas := range m.measurements {
		out = append(out, meas.clone())
	}
	return out
}

// SortedByPing orders by average ascending; peers without an average sort last.
func (m *Manager) SortedByPing() []Measurement {
	out := m.All()
	slices.SortFunc(out, func(a, b Measurement) int {
		av, bv := avgOrMax(a), avgOrMax(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		if a.PeerAddr < b.PeerAddr {
			return -1
		}
		if a.PeerAddr > b.PeerAddr {
			return 1
		}
		return 0
	})
	return out
}

func (m *Manager) BestPeer() (string, bool) {
	sorted := m.SortedByPing()
	if len(sorted) == 0 {
		return "", false
	}
	return sorted[0].PeerAddr, true
}

// CleanupOldMeasurements drops entries not updated within maxAge.
func (m *Manager) CleanupOldMeasurements(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for addr, meas := range m.measurements {
		if !meas.Timestamp.After(cutoff) {
			delete(m.measurements, addr)
			removed++
		}
	}
	return removed
}

func (m *Manager) Export() ([]byte, error) {
	return json.MarshalIndent(m.SortedByPing(), "", "  ")
}

func (m *Manager) timed(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return 0, err
	}
	return uint64(elapsed.Milliseconds()), nil
}

func (m *Manager) connect(ctx context.Context, addr string) error {
	conn, err := m.dial(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return conn.Close()
}

func (m *Manager) record(addr string, set func(uint64, *Measurement), ms uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meas, ok := m.measurements[addr]
	if !ok {
		meas = &Measurement{PeerAddr: addr}
		m.measurements[addr] = meas
	}
	set(ms, meas)
	meas.Timestamp = m.now()
	meas.CalculateAverage()
}

func avgOrMax(m Measurement) uint64 {
	if m.AveragePing == nil {
		return ^uint64(0)
	}
	return *m.AveragePing
}
