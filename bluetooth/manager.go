package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/usenocturne/envsensed/metrics"
	"github.com/usenocturne/envsensed/storage"
	"github.com/usenocturne/envsensed/telemetry"
)

const attemptTimeout = 45 * time.Second

var (
	ErrNoTarget      = errors.New("no target device configured")
	ErrNoScanner     = errors.New("scanning unavailable without a system bus")
	errUserCancelled = errors.New("reconnect cancelled")
)

type ManagerConfig struct {
	Adapter          string
	Address          string
	Name             string
	AutoConnect      bool
	BacklogOnConnect bool
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ScanTimeout      time.Duration
	BulkIdleTimeout  time.Duration
}

// WatermarkStore keeps the confirmed backlog offset per device.
type WatermarkStore interface {
	Watermark(ctx context.Context, address string) (uint32, bool, error)
	SetWatermark(ctx context.Context, address string, offset uint32, atMillis int64) error
}

// ManagerHooks fan session activity out to the rest of the daemon. They run on
// the session goroutine and must not block.
type ManagerHooks struct {
	OnRecord      func(storage.Record, string)
	OnStateChange func(StateChange)
	OnBacklog     func(BacklogEvent)
	OnDevice      func(DeviceIdentity)
}

type ManagerDeps struct {
	Store      *telemetry.Store
	Log        RecordLog
	Watermarks WatermarkStore
	Hooks      ManagerHooks

	// Conn and Transport default to the system bus and a BlueZ client.
	Conn      *dbus.Conn
	Transport Transport
}

// ManagerStatus extends the session status with connection policy.
type ManagerStatus struct {
	Session     Status  `json:"session"`
	Target      string  `json:"target,omitempty"`
	AutoConnect bool    `json:"auto_connect"`
	Scanning    bool    `json:"scanning"`
	Watermark   *uint32 `json:"watermark,omitempty"`
}

// Manager owns the transport and the session loop, and applies the
// reconnect and backlog policy on top of them.
type Manager struct {
	cfg        ManagerConfig
	deps       ManagerDeps
	log        zerolog.Logger
	client     *BleClient
	scanner    *Scanner
	registry   *Registry
	session    *Session
	watermarks WatermarkStore

	reconnect chan struct{}

	mu               sync.Mutex
	ctx              context.Context
	target           string
	userDisconnected bool
	outcome          chan error
	watermarkCache   map[string]uint32

	// Watermark writes are handed to watermarkLoop so the session goroutine
	// never waits on SQLite. Only the latest offset per address is kept.
	pendingMarks map[string]uint32
	markWake     chan struct{}
	markStop     chan struct{}
	markDone     chan struct{}
}

func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = DefaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = ScanTimeoutSec * time.Second
	}
	if deps.Store == nil {
		return nil, errors.New("telemetry store is required")
	}

	m := &Manager{
		cfg:            cfg,
		deps:           deps,
		log:            log.With().Str("component", "manager").Logger(),
		registry:       NewRegistry(),
		watermarks:     deps.Watermarks,
		reconnect:      make(chan struct{}, 1),
		ctx:            context.Background(),
		target:         cfg.Address,
		watermarkCache: make(map[string]uint32),
		pendingMarks:   make(map[string]uint32),
		markWake:       make(chan struct{}, 1),
		markStop:       make(chan struct{}),
		markDone:       make(chan struct{}),
	}
	go m.watermarkLoop()

	transport := deps.Transport
	if transport == nil {
		conn := deps.Conn
		if conn == nil {
			var err error
			conn, err = dbus.SystemBus()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to system bus: %w", err)
			}
		}
		m.client = NewBleClient(conn, cfg.Adapter)
		transport = m.client
		deps.Conn = conn
	}
	if deps.Conn != nil {
		m.scanner = NewScanner(deps.Conn, cfg.Adapter, m.registry)
		m.scanner.OnDevice = m.onDevice
	}

	m.session = NewSession(SessionConfig{
		Transport:       transport,
		Store:           deps.Store,
		Log:             deps.Log,
		OnRecord:        deps.Hooks.OnRecord,
		OnStateChange:   m.onStateChange,
		OnBacklog:       m.onBacklog,
		BulkIdleTimeout: cfg.BulkIdleTimeout,
	})
	if m.client != nil {
		m.client.SetEventSink(m.session.Post)
	}

	return m, nil
}

func (m *Manager) Session() *Session { return m.session }

func (m *Manager) Registry() *Registry { return m.registry }

// Run drives the session loop and the reconnect policy until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- m.session.Run(ctx) }()
	go m.reconnectLoop(ctx)

	if m.cfg.AutoConnect {
		switch {
		case m.Target() != "":
			m.triggerReconnect()
		case m.cfg.Name != "" && m.scanner != nil:
			m.log.Info().Str("name", m.cfg.Name).Msg("scanning for target by name")
			if err := m.scanner.Start(ctx, m.cfg.ScanTimeout); err != nil {
				m.log.Warn().Err(err).Msg("initial scan failed")
			}
		}
	}

	err := <-errCh
	close(m.markStop)
	<-m.markDone
	if m.scanner != nil {
		m.scanner.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Connect starts a session with address. An empty address reuses the
// current target.
func (m *Manager) Connect(ctx context.Context, address string) error {
	if address == "" {
		address = m.Target()
	}
	if address == "" {
		return ErrNoTarget
	}
	if err := ValidateAddress(address); err != nil {
		return err
	}

	m.mu.Lock()
	m.target = address
	m.userDisconnected = false
	m.mu.Unlock()

	return m.session.Connect(ctx, address)
}

// Disconnect tears the session down and suspends auto-reconnect until the
// next Connect.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.userDisconnected = true
	m.mu.Unlock()
	return m.session.Disconnect(ctx)
}

// FetchBacklog starts a bulk transfer. A nil offset resumes from the stored
// watermark of the connected device.
func (m *Manager) FetchBacklog(ctx context.Context, offset *uint32) error {
	start, err := m.resolveOffset(ctx, offset)
	if err != nil {
		return err
	}
	return m.session.FetchBacklog(ctx, start)
}

func (m *Manager) StopBacklog(ctx context.Context) error {
	return m.session.StopBacklog(ctx)
}

func (m *Manager) resolveOffset(ctx context.Context, offset *uint32) (uint32, error) {
	if offset != nil {
		return *offset, nil
	}
	address := m.session.Status().Address
	if address == "" {
		return 0, nil
	}
	wm, ok, err := m.watermark(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return wm, nil
}

// watermark prefers offsets saved during this run, which may not have reached
// the store yet.
func (m *Manager) watermark(ctx context.Context, address string) (uint32, bool, error) {
	m.mu.Lock()
	wm, ok := m.watermarkCache[address]
	m.mu.Unlock()
	if ok || m.watermarks == nil {
		return wm, ok, nil
	}
	return m.watermarks.Watermark(ctx, address)
}

// StartScan begins discovery bound to the daemon lifetime rather than the
// caller's request.
func (m *Manager) StartScan() error {
	if m.scanner == nil {
		return ErrNoScanner
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	return m.scanner.Start(ctx, m.cfg.ScanTimeout)
}

func (m *Manager) StopScan() {
	if m.scanner != nil {
		m.scanner.Stop()
	}
}

func (m *Manager) Devices() []DeviceIdentity {
	return m.registry.List()
}

func (m *Manager) Status(ctx context.Context) ManagerStatus {
	st := ManagerStatus{
		Session:     m.session.Status(),
		Target:      m.Target(),
		AutoConnect: m.cfg.AutoConnect,
		Scanning:    m.scanner != nil && m.scanner.Running(),
	}
	address := st.Session.Address
	if address == "" {
		address = st.Target
	}
	if address != "" {
		if wm, ok, err := m.watermark(ctx, address); err == nil && ok {
			st.Watermark = &wm
		}
	}
	return st
}

func (m *Manager) onDevice(d DeviceIdentity) {
	if m.deps.Hooks.OnDevice != nil {
		m.deps.Hooks.OnDevice(d)
	}

	if !m.cfg.AutoConnect || m.cfg.Name == "" || m.Target() != "" {
		return
	}
	if d.Name == "" || !strings.EqualFold(d.Name, m.cfg.Name) {
		return
	}

	m.mu.Lock()
	m.target = d.Address
	m.mu.Unlock()
	m.log.Info().Str("address", d.Address).Str("name", d.Name).Msg("target found")
	m.StopScan()
	m.triggerReconnect()
}

func (m *Manager) onStateChange(ch StateChange) {
	m.mu.Lock()
	outcome := m.outcome
	wantReconnect := m.cfg.AutoConnect && !m.userDisconnected
	ctx := m.ctx
	m.mu.Unlock()

	switch ch.To {
	case StateStreaming:
		if outcome != nil {
			deliver(outcome, nil)
		}
		if m.cfg.BacklogOnConnect {
			go func() {
				if err := m.FetchBacklog(ctx, nil); err != nil && !errors.Is(err, ErrBulkUnsupported) {
					m.log.Warn().Err(err).Msg("backlog on connect failed")
				}
			}()
		}

	case StateDisconnected:
		reason := ch.Reason
		if reason == nil {
			reason = errLinkLost
		}
		delivered := outcome != nil && deliver(outcome, reason)
		if !delivered && ch.Reason != nil && wantReconnect {
			m.log.Warn().Err(ch.Reason).Str("address", ch.Address).Msg("connection lost, scheduling reconnect")
			m.triggerReconnect()
		}
	}

	if m.deps.Hooks.OnStateChange != nil {
		m.deps.Hooks.OnStateChange(ch)
	}
}

func (m *Manager) onBacklog(ev BacklogEvent) {
	if ev.Phase == BacklogComplete || ev.Phase == BacklogCancelled {
		m.saveWatermark(ev.Address, ev.Offset)
	}
	if m.deps.Hooks.OnBacklog != nil {
		m.deps.Hooks.OnBacklog(ev)
	}
}

func (m *Manager) saveWatermark(address string, offset uint32) {
	if address == "" {
		return
	}
	m.mu.Lock()
	m.watermarkCache[address] = offset
	if m.watermarks != nil {
		m.pendingMarks[address] = offset
	}
	m.mu.Unlock()

	if m.watermarks != nil {
		select {
		case m.markWake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) watermarkLoop() {
	defer close(m.markDone)
	for {
		select {
		case <-m.markWake:
			m.flushWatermarks()
		case <-m.markStop:
			m.flushWatermarks()
			return
		}
	}
}

func (m *Manager) flushWatermarks() {
	m.mu.Lock()
	pending := m.pendingMarks
	m.pendingMarks = make(map[string]uint32)
	m.mu.Unlock()

	for address, offset := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.watermarks.SetWatermark(ctx, address, offset, time.Now().UnixMilli())
		cancel()
		if err != nil {
			metrics.PersistErrors.Inc()
			m.log.Error().Err(err).Str("address", address).Uint32("offset", offset).Msg("failed to save watermark")
			continue
		}
		m.log.Debug().Str("address", address).Uint32("offset", offset).Msg("watermark saved")
	}
}

func (m *Manager) triggerReconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

func (m *Manager) shouldReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.AutoConnect && !m.userDisconnected && m.target != ""
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectInitial
	b.MaxInterval = m.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reconnect:
		}
		if !m.shouldReconnect() {
			continue
		}

		op := func() error {
			if !m.shouldReconnect() {
				return backoff.Permanent(errUserCancelled)
			}
			metrics.Reconnects.Inc()
			return m.attempt(ctx, m.Target())
		}
		notify := func(err error, next time.Duration) {
			m.log.Warn().Err(err).Dur("retry_in", next).Msg("connect attempt failed")
		}

		if err := backoff.RetryNotify(op, m.newBackOff(ctx), notify); err != nil {
			if !errors.Is(err, errUserCancelled) && !errors.Is(err, context.Canceled) {
				m.log.Error().Err(err).Msg("reconnect abandoned")
			}
			continue
		}
		m.log.Info().Str("address", m.Target()).Msg("session streaming")
	}
}

// attempt runs one connection attempt and waits for it to reach Streaming
// or fail.
func (m *Manager) attempt(ctx context.Context, address string) error {
	outcome := make(chan error, 1)
	m.mu.Lock()
	m.outcome = outcome
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.outcome = nil
		m.mu.Unlock()
	}()

	if err := m.session.Connect(ctx, address); err != nil {
		switch {
		case errors.Is(err, ErrSessionBusy):
			// Already connected or connecting on someone else's request.
			return nil
		case errors.Is(err, ErrSessionClosed), errors.Is(err, context.Canceled):
			return backoff.Permanent(err)
		}
		return err
	}

	timer := time.NewTimer(attemptTimeout)
	defer timer.Stop()
	select {
	case err := <-outcome:
		return err
	case <-timer.C:
		m.session.Disconnect(ctx)
		return fmt.Errorf("connect %s: no streaming after %s", address, attemptTimeout)
	case <-ctx.Done():
		return backoff.Permanent(ctx.Err())
	}
}

func deliver(ch chan error, err error) bool {
	select {
	case ch <- err:
		return true
	default:
		return false
	}
}
