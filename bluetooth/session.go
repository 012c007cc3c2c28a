package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/usenocturne/envsensed/metrics"
	"github.com/usenocturne/envsensed/storage"
	"github.com/usenocturne/envsensed/telemetry"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateDiscoveringServices
	StateSubscribing
	StateSyncingClock
	StateStreaming
	StateDisconnected
)

var stateNames = []string{
	"idle",
	"connecting",
	"discovering_services",
	"subscribing",
	"syncing_clock",
	"streaming",
	"disconnected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether a connection attempt or connection is in progress.
func (s State) Active() bool {
	return s != StateIdle && s != StateDisconnected
}

var (
	ErrNotStreaming    = errors.New("session is not streaming")
	ErrSessionBusy     = errors.New("session already active")
	ErrBulkUnsupported = errors.New("device has no backlog service")
	ErrTransferActive  = errors.New("backlog transfer already running")
	ErrNoTransfer      = errors.New("no backlog transfer running")
	ErrSessionClosed   = errors.New("session loop stopped")

	errLinkLost = errors.New("link lost")
)

// StateChange describes one transition. Reason is nil for transitions the
// caller asked for.
type StateChange struct {
	From    State
	To      State
	Address string
	Reason  error
	At      time.Time
}

type BacklogPhase string

const (
	BacklogStarted   BacklogPhase = "started"
	BacklogProgress  BacklogPhase = "progress"
	BacklogComplete  BacklogPhase = "complete"
	BacklogCancelled BacklogPhase = "cancelled"
)

// BacklogEvent reports bulk transfer progress. Offset is the confirmed
// offset: every byte before it has been persisted.
type BacklogEvent struct {
	Phase   BacklogPhase `json:"phase"`
	Address string       `json:"address"`
	Offset  uint32       `json:"offset"`
	Stats   BulkStats    `json:"stats"`
	Err     error        `json:"-"`
}

// RecordLog is the append-only persistence the session writes to.
type RecordLog interface {
	Append(storage.Record) error
	AppendRaw([]byte) error
	EndRaw() error
}

type SessionConfig struct {
	Transport Transport
	Store     *telemetry.Store
	Log       RecordLog

	// Hooks run on the session goroutine. They must not call back into the
	// session synchronously.
	OnRecord      func(rec storage.Record, source string)
	OnStateChange func(StateChange)
	OnBacklog     func(BacklogEvent)
	OnError       func(error)

	BulkIdleTimeout time.Duration
	Now             func() time.Time
}

// Status is a read-only view of the session published after every change.
type Status struct {
	State           State         `json:"state"`
	Address         string        `json:"address,omitempty"`
	Generation      uint64        `json:"generation"`
	Characteristics []string      `json:"characteristics,omitempty"`
	Backlog         *BacklogEvent `json:"backlog,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdFetchBacklog
	cmdStopBacklog
)

type command struct {
	kind    commandKind
	address string
	offset  uint32
	reply   chan error
}

// Session drives one device connection through discovery, subscription and
// clock sync into streaming. All protocol state is owned by the goroutine
// running Run; transport callbacks and commands reach it through channels.
type Session struct {
	cfg    SessionConfig
	log    zerolog.Logger
	events chan Event
	cmds   chan command
	done   chan struct{}
	status atomic.Pointer[Status]

	state        State
	gen          uint64
	address      string
	queue        *OperationQueue
	chars        map[uuid.UUID]bool
	latest       map[telemetry.Kind]float64
	bulk         *BulkTransfer
	bulkTimer    *time.Timer
	bulkDeadline <-chan time.Time
	lastBacklog  *BacklogEvent
	lastErr      error
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BulkIdleTimeout == 0 {
		cfg.BulkIdleTimeout = DefaultBulkIdleTimeout
	}

	s := &Session{
		cfg:    cfg,
		log:    log.With().Str("component", "session").Logger(),
		events: make(chan Event, eventBufferSize),
		cmds:   make(chan command),
		done:   make(chan struct{}),
		latest: make(map[telemetry.Kind]float64),
	}
	s.queue = NewOperationQueue(func(op ControlOp) error {
		return s.cfg.Transport.EnableNotifications(s.gen, op)
	})
	s.publishStatus()
	return s
}

// Post delivers a transport event to the session loop. It blocks while the
// inbox is full and returns once the loop has stopped.
func (s *Session) Post(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Status returns the latest published session status.
func (s *Session) Status() Status {
	return *s.status.Load()
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Connect(ctx context.Context, address string) error {
	return s.send(ctx, command{kind: cmdConnect, address: address})
}

func (s *Session) Disconnect(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdDisconnect})
}

// FetchBacklog starts a bulk transfer at offset.
func (s *Session) FetchBacklog(ctx context.Context, offset uint32) error {
	return s.send(ctx, command{kind: cmdFetchBacklog, offset: offset})
}

func (s *Session) StopBacklog(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdStopBacklog})
}

func (s *Session) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Run processes events and commands until ctx is cancelled. An active
// connection is torn down before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.log.Info().Msg("session loop started")

	for {
		select {
		case <-ctx.Done():
			s.teardown(nil, true)
			s.stopBulkTimer()
			s.log.Info().Msg("session loop stopped")
			return ctx.Err()
		case ev := <-s.events:
			s.handleEvent(ev)
		case cmd := <-s.cmds:
			s.drainEvents()
			cmd.reply <- s.handleCommand(cmd)
		case <-s.bulkDeadline:
			s.bulkDeadline = nil
			if s.bulk != nil {
				s.log.Info().Uint32("offset", s.bulk.State().RequestedOffset).Msg("backlog idle, completing transfer")
				s.completeBulk()
			}
		}
	}
}

// drainEvents handles everything already queued so a command observes the
// effect of events posted before it.
func (s *Session) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		default:
			return
		}
	}
}

func (s *Session) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdConnect:
		return s.connect(cmd.address)
	case cmdDisconnect:
		s.teardown(nil, true)
		return nil
	case cmdFetchBacklog:
		return s.beginBulk(cmd.offset)
	case cmdStopBacklog:
		if s.bulk == nil {
			return ErrNoTransfer
		}
		s.cancelBulk(nil)
		return nil
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

func (s *Session) connect(address string) error {
	if s.state.Active() {
		return fmt.Errorf("connect %s: %w (state %s)", address, ErrSessionBusy, s.state)
	}
	if address == "" {
		return errors.New("connect: empty device address")
	}

	s.gen++
	s.address = address
	s.chars = nil
	s.lastErr = nil
	clear(s.latest)
	s.queue.Clear()
	s.setState(StateConnecting, nil)

	if err := s.cfg.Transport.Connect(s.gen, address); err != nil {
		err = fmt.Errorf("connect %s: %w", address, err)
		s.teardown(err, false)
		return err
	}
	return nil
}

func (s *Session) handleEvent(ev Event) {
	if ev.Gen != s.gen {
		metrics.StaleEvents.Inc()
		s.log.Debug().Stringer("event", ev.Type).Uint64("gen", ev.Gen).Uint64("current", s.gen).Msg("dropping stale event")
		return
	}

	switch ev.Type {
	case EventConnected:
		if s.state != StateConnecting {
			return
		}
		if ev.Err != nil {
			s.teardown(fmt.Errorf("connect: %w", ev.Err), true)
			return
		}
		s.setState(StateDiscoveringServices, nil)
		if err := s.cfg.Transport.DiscoverServices(s.gen); err != nil {
			s.teardown(fmt.Errorf("discover services: %w", err), true)
		}

	case EventServicesDiscovered:
		if s.state != StateDiscoveringServices {
			return
		}
		if ev.Err != nil {
			s.teardown(fmt.Errorf("discover services: %w", ev.Err), true)
			return
		}
		s.onServicesDiscovered(ev.Characteristics)

	case EventDescriptorWritten:
		if s.state != StateSubscribing {
			return
		}
		if ev.Err != nil {
			s.teardown(fmt.Errorf("enable notifications on %s: %w", ev.Characteristic, ev.Err), true)
			return
		}
		if err := s.queue.OnOperationComplete(); err != nil {
			s.teardown(err, true)
			return
		}
		if s.queue.Idle() {
			s.syncClock()
		}

	case EventCharacteristicWritten:
		s.onCharacteristicWritten(ev)

	case EventNotification:
		s.onNotification(ev)

	case EventDisconnected:
		reason := ev.Err
		if reason == nil {
			reason = errLinkLost
		}
		s.teardown(reason, false)

	case EventTransportError:
		s.teardown(ev.Err, true)
	}
}

func (s *Session) onServicesDiscovered(found []uuid.UUID) {
	s.chars = make(map[uuid.UUID]bool, len(found))
	for _, c := range found {
		s.chars[c] = true
	}

	var targets []uuid.UUID
	for _, k := range telemetry.Kinds {
		if c := CharacteristicForKind(k); s.chars[c] {
			targets = append(targets, c)
		}
	}
	if s.chars[BulkChunkCharUUID] {
		targets = append(targets, BulkChunkCharUUID)
	}

	s.log.Info().Int("characteristics", len(found)).Int("subscriptions", len(targets)).Msg("services discovered")
	if len(targets) == 0 {
		s.syncClock()
		return
	}

	s.setState(StateSubscribing, nil)
	for _, c := range targets {
		if err := s.queue.Enqueue(enableNotificationsOp(c)); err != nil {
			s.teardown(err, true)
			return
		}
	}
}

func (s *Session) syncClock() {
	s.setState(StateSyncingClock, nil)
	if !s.chars[ClockCharUUID] {
		s.log.Info().Msg("device has no clock characteristic, skipping time sync")
		s.startStreaming()
		return
	}

	if err := s.cfg.Transport.WriteCharacteristic(s.gen, ClockCharUUID, EncodeClockSync(s.cfg.Now())); err != nil {
		if errors.Is(err, ErrCapabilityDenied) {
			s.teardown(fmt.Errorf("clock sync: %w", err), true)
			return
		}
		s.log.Warn().Err(err).Msg("clock sync write failed")
		s.startStreaming()
	}
}

func (s *Session) onCharacteristicWritten(ev Event) {
	switch ev.Characteristic {
	case ClockCharUUID:
		if s.state != StateSyncingClock {
			return
		}
		if ev.Err != nil {
			if errors.Is(ev.Err, ErrCapabilityDenied) {
				s.teardown(fmt.Errorf("clock sync: %w", ev.Err), true)
				return
			}
			s.log.Warn().Err(ev.Err).Msg("clock sync write failed")
		}
		s.startStreaming()

	case BulkRequestUUID:
		if s.bulk == nil || ev.Err == nil {
			return
		}
		if errors.Is(ev.Err, ErrCapabilityDenied) {
			s.teardown(fmt.Errorf("backlog request: %w", ev.Err), true)
			return
		}
		s.cancelBulk(fmt.Errorf("backlog request: %w", ev.Err))
	}
}

func (s *Session) startStreaming() {
	s.setState(StateStreaming, nil)
	s.cfg.Store.SetConnected(true, s.address)
}

func (s *Session) onNotification(ev Event) {
	if ev.Characteristic == BulkChunkCharUUID {
		s.onChunk(ev.Value)
		return
	}

	kind, ok := KindForCharacteristic(ev.Characteristic)
	if !ok {
		s.log.Debug().Stringer("char", ev.Characteristic).Msg("notification on unknown characteristic")
		return
	}
	if s.state != StateStreaming {
		s.log.Debug().Stringer("kind", kind).Stringer("state", s.state).Msg("notification before streaming, dropped")
		return
	}

	v, err := Decode(kind, ev.Value)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(kind.String()).Inc()
		s.log.Warn().Err(err).Hex("payload", ev.Value).Msg("dropping malformed notification")
		return
	}
	metrics.Notifications.WithLabelValues(kind.String()).Inc()

	now := s.cfg.Now()
	s.cfg.Store.Publish(telemetry.Reading{Kind: kind, Value: v, ObservedAt: now})

	if kind == telemetry.KindOxygen {
		return
	}
	s.latest[kind] = v

	rec := storage.Record{
		Timestamp:   now.UnixMilli(),
		Temperature: s.latestValue(telemetry.KindTemperature),
		Humidity:    s.latestValue(telemetry.KindHumidity),
		Pressure:    s.latestValue(telemetry.KindPressure),
	}
	if s.cfg.Log != nil {
		if err := s.cfg.Log.Append(rec); err != nil {
			metrics.PersistErrors.Inc()
			s.report(fmt.Errorf("append record: %w", err))
		}
	}
	if s.cfg.OnRecord != nil {
		s.cfg.OnRecord(rec, storage.SourceStream)
	}
}

func (s *Session) latestValue(k telemetry.Kind) *float64 {
	v, ok := s.latest[k]
	if !ok {
		return nil
	}
	return &v
}

func (s *Session) beginBulk(offset uint32) error {
	if s.state != StateStreaming {
		return fmt.Errorf("fetch backlog: %w (state %s)", ErrNotStreaming, s.state)
	}
	if !s.chars[BulkRequestUUID] || !s.chars[BulkChunkCharUUID] {
		return ErrBulkUnsupported
	}
	if s.bulk != nil {
		return ErrTransferActive
	}

	gen := s.gen
	bt := NewBulkTransfer(
		func(off uint32) error {
			return s.cfg.Transport.WriteCharacteristic(gen, BulkRequestUUID, EncodeOffsetRequest(off))
		},
		func(chunk []byte) error {
			if s.cfg.Log == nil {
				return nil
			}
			return s.cfg.Log.AppendRaw(chunk)
		},
		func(rec storage.Record) {
			if s.cfg.OnRecord != nil {
				s.cfg.OnRecord(rec, storage.SourceBacklog)
			}
		},
	)
	if err := bt.Begin(offset); err != nil {
		if errors.Is(err, ErrCapabilityDenied) {
			s.teardown(err, true)
		}
		return err
	}

	s.bulk = bt
	s.armBulkTimer()
	s.log.Info().Uint32("offset", offset).Msg("backlog transfer started")
	s.emitBacklog(BacklogStarted, nil)
	return nil
}

func (s *Session) onChunk(chunk []byte) {
	if s.bulk == nil || s.state != StateStreaming {
		s.log.Debug().Int("len", len(chunk)).Msg("chunk without active transfer, dropped")
		return
	}

	done, err := s.bulk.OnChunkReceived(chunk)
	if err != nil {
		metrics.PersistErrors.Inc()
		s.report(err)
		s.cancelBulk(err)
		return
	}
	if done {
		s.completeBulk()
		return
	}
	metrics.BacklogBytes.Add(float64(len(chunk)))
	s.armBulkTimer()
	s.emitBacklog(BacklogProgress, nil)
}

func (s *Session) completeBulk() {
	s.bulk.Complete()
	s.stopBulkTimer()
	s.endRaw()
	st := s.bulk.Stats()
	s.log.Info().
		Uint32("offset", s.bulk.State().RequestedOffset).
		Int("bytes", st.Bytes).
		Int("rows", st.Rows).
		Int("skipped", st.Skipped).
		Msg("backlog transfer complete")
	metrics.BacklogTransfers.WithLabelValues(string(BacklogComplete)).Inc()
	s.emitBacklog(BacklogComplete, nil)
	s.bulk = nil
	s.publishStatus()
}

// cancelBulk abandons the transfer. The reported offset still covers every
// chunk that was persisted, so a later transfer can resume from it.
func (s *Session) cancelBulk(reason error) {
	if s.bulk == nil {
		return
	}
	s.stopBulkTimer()
	s.endRaw()
	s.log.Info().Err(reason).Uint32("offset", s.bulk.State().RequestedOffset).Msg("backlog transfer cancelled")
	metrics.BacklogTransfers.WithLabelValues(string(BacklogCancelled)).Inc()
	s.emitBacklog(BacklogCancelled, reason)
	s.bulk.Cancel()
	s.bulk = nil
	s.publishStatus()
}

func (s *Session) endRaw() {
	if s.cfg.Log == nil {
		return
	}
	if err := s.cfg.Log.EndRaw(); err != nil {
		metrics.PersistErrors.Inc()
		s.report(fmt.Errorf("finish backlog rows: %w", err))
	}
}

func (s *Session) emitBacklog(phase BacklogPhase, err error) {
	ev := BacklogEvent{
		Phase:   phase,
		Address: s.address,
		Offset:  s.bulk.State().RequestedOffset,
		Stats:   s.bulk.Stats(),
		Err:     err,
	}
	s.lastBacklog = &ev
	if phase != BacklogProgress {
		s.publishStatus()
	}
	if s.cfg.OnBacklog != nil {
		s.cfg.OnBacklog(ev)
	}
}

func (s *Session) armBulkTimer() {
	d := s.cfg.BulkIdleTimeout
	if d <= 0 {
		return
	}
	if s.bulkTimer == nil {
		s.bulkTimer = time.NewTimer(d)
	} else {
		s.bulkTimer.Reset(d)
	}
	s.bulkDeadline = s.bulkTimer.C
}

func (s *Session) stopBulkTimer() {
	if s.bulkTimer != nil {
		s.bulkTimer.Stop()
	}
	s.bulkDeadline = nil
}

// teardown moves an active session to Disconnected. Pending control
// operations and any transfer are discarded, and the generation moves on so
// that late completions of this connection are ignored.
func (s *Session) teardown(reason error, closeLink bool) {
	if !s.state.Active() {
		return
	}

	oldGen := s.gen
	s.gen++
	s.queue.Clear()
	s.cancelBulk(reason)
	s.chars = nil
	clear(s.latest)

	if closeLink {
		if err := s.cfg.Transport.Disconnect(oldGen); err != nil {
			s.log.Warn().Err(err).Msg("disconnect failed")
		}
	}
	if reason != nil {
		s.lastErr = reason
		s.report(reason)
	}

	s.cfg.Store.SetConnected(false, "")
	s.setState(StateDisconnected, reason)
}

func (s *Session) setState(to State, reason error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	ev := s.log.Info()
	if reason != nil {
		ev = s.log.Warn().Err(reason)
	}
	ev.Stringer("from", from).Stringer("to", to).Str("address", s.address).Msg("session state changed")

	metrics.ObserveState(to.String(), stateNames)
	s.publishStatus()

	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(StateChange{
			From:    from,
			To:      to,
			Address: s.address,
			Reason:  reason,
			At:      s.cfg.Now(),
		})
	}
}

func (s *Session) report(err error) {
	s.log.Error().Err(err).Msg("session error")
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *Session) publishStatus() {
	st := &Status{
		State:      s.state,
		Address:    s.address,
		Generation: s.gen,
		Backlog:    s.lastBacklog,
	}
	for c := range s.chars {
		st.Characteristics = append(st.Characteristics, c.String())
	}
	sort.Strings(st.Characteristics)
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.status.Store(st)
}
