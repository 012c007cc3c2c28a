package bluetooth

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/usenocturne/envsensed/storage"
	"github.com/usenocturne/envsensed/telemetry"
)

type fakeWrite struct {
	gen   uint64
	char  uuid.UUID
	value []byte
}

type fakeTransport struct {
	connects    []string
	discovers   int
	enabled     []uuid.UUID
	writes      []fakeWrite
	disconnects []uint64

	connectErr error
	writeErr   map[uuid.UUID]error
}

func (f *fakeTransport) Connect(gen uint64, address string) error {
	f.connects = append(f.connects, address)
	return f.connectErr
}

func (f *fakeTransport) DiscoverServices(gen uint64) error {
	f.discovers++
	return nil
}

func (f *fakeTransport) EnableNotifications(gen uint64, op ControlOp) error {
	f.enabled = append(f.enabled, op.Characteristic)
	return nil
}

func (f *fakeTransport) WriteCharacteristic(gen uint64, char uuid.UUID, value []byte) error {
	f.writes = append(f.writes, fakeWrite{gen: gen, char: char, value: value})
	return f.writeErr[char]
}

func (f *fakeTransport) Disconnect(gen uint64) error {
	f.disconnects = append(f.disconnects, gen)
	return nil
}

type memLog struct {
	records []storage.Record
	raw     bytes.Buffer
	ends    int
	rawErr  error
}

func (m *memLog) Append(rec storage.Record) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memLog) AppendRaw(b []byte) error {
	if m.rawErr != nil {
		return m.rawErr
	}
	m.raw.Write(b)
	return nil
}

func (m *memLog) EndRaw() error {
	m.ends++
	return nil
}

type sessionHarness struct {
	s        *Session
	tr       *fakeTransport
	log      *memLog
	store    *telemetry.Store
	states   []State
	backlog  []BacklogEvent
	mirrored map[string]int
}

func newHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		tr:       &fakeTransport{writeErr: map[uuid.UUID]error{}},
		log:      &memLog{},
		store:    telemetry.NewStore(telemetry.DefaultSeriesCapacity),
		mirrored: map[string]int{},
	}
	h.s = NewSession(SessionConfig{
		Transport:     h.tr,
		Store:         h.store,
		Log:           h.log,
		OnStateChange: func(c StateChange) { h.states = append(h.states, c.To) },
		OnBacklog:     func(ev BacklogEvent) { h.backlog = append(h.backlog, ev) },
		OnRecord:      func(_ storage.Record, source string) { h.mirrored[source]++ },
		Now:           func() time.Time { return time.Unix(1717243200, 0) },
	})
	return h
}

func (h *sessionHarness) event(ev Event) {
	ev.Gen = h.s.gen
	h.s.handleEvent(ev)
}

// streamWith drives the session into Streaming with the given characteristics,
// completing every subscription.
func (h *sessionHarness) streamWith(t *testing.T, chars ...uuid.UUID) {
	t.Helper()
	if err := h.s.connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.event(Event{Type: EventConnected})
	h.event(Event{Type: EventServicesDiscovered, Characteristics: chars})
	for h.s.state == StateSubscribing {
		op, ok := h.s.queue.InFlight()
		if !ok {
			t.Fatal("Subscribing with nothing in flight")
		}
		h.event(Event{Type: EventDescriptorWritten, Characteristic: op.Characteristic})
	}
	if h.s.state == StateSyncingClock {
		h.event(Event{Type: EventCharacteristicWritten, Characteristic: ClockCharUUID})
	}
	if h.s.state != StateStreaming {
		t.Fatalf("Expected streaming, got %s", h.s.state)
	}
}

func TestSessionTemperatureHumidityDevice(t *testing.T) {
	h := newHarness(t)

	if err := h.s.connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.event(Event{Type: EventConnected})
	if h.tr.discovers != 1 {
		t.Fatalf("Expected one discovery call, got %d", h.tr.discovers)
	}

	h.event(Event{Type: EventServicesDiscovered, Characteristics: []uuid.UUID{TemperatureCharUUID, HumidityCharUUID}})
	if h.s.state != StateSubscribing {
		t.Fatalf("Expected subscribing, got %s", h.s.state)
	}
	if len(h.tr.enabled) != 1 || h.tr.enabled[0] != TemperatureCharUUID {
		t.Fatalf("Expected only temperature in flight, got %v", h.tr.enabled)
	}

	h.event(Event{Type: EventDescriptorWritten, Characteristic: TemperatureCharUUID})
	if len(h.tr.enabled) != 2 || h.tr.enabled[1] != HumidityCharUUID {
		t.Fatalf("Expected humidity dispatched after temperature completed, got %v", h.tr.enabled)
	}
	if h.s.state != StateSubscribing {
		t.Fatalf("Expected to stay subscribing until all writes complete, got %s", h.s.state)
	}

	h.event(Event{Type: EventDescriptorWritten, Characteristic: HumidityCharUUID})
	if h.s.state != StateStreaming {
		t.Fatalf("Expected streaming without a clock characteristic, got %s", h.s.state)
	}

	want := []State{StateConnecting, StateDiscoveringServices, StateSubscribing, StateSyncingClock, StateStreaming}
	if len(h.states) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, h.states)
	}
	for i := range want {
		if h.states[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], h.states[i])
		}
	}

	snap := h.store.Snapshot()
	if !snap.Connected || snap.Device != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected connected store for device, got %+v", snap)
	}

	h.event(Event{Type: EventNotification, Characteristic: TemperatureCharUUID, Value: []byte{0x66, 0x08}})
	h.event(Event{Type: EventNotification, Characteristic: HumidityCharUUID, Value: []byte{0xa0, 0x0f}})

	snap = h.store.Snapshot()
	if v := snap.Value(telemetry.KindTemperature); v == nil || *v != 21.5 {
		t.Errorf("Expected temperature 21.5, got %v", v)
	}
	if v := snap.Value(telemetry.KindHumidity); v == nil || *v != 40 {
		t.Errorf("Expected humidity 40, got %v", v)
	}

	if len(h.log.records) != 2 {
		t.Fatalf("Expected 2 persisted records, got %d", len(h.log.records))
	}
	last := h.log.records[1]
	if last.Temperature == nil || *last.Temperature != 21.5 || last.Humidity == nil || *last.Humidity != 40 {
		t.Errorf("Expected last record to carry both readings, got %+v", last)
	}
	if last.Pressure != nil {
		t.Errorf("Expected unknown pressure, got %v", *last.Pressure)
	}
	if h.mirrored[storage.SourceStream] != 2 {
		t.Errorf("Expected 2 mirrored stream records, got %d", h.mirrored[storage.SourceStream])
	}
}

func TestSessionDropsMalformedNotification(t *testing.T) {
	h := newHarness(t)
	h.streamWith(t, TemperatureCharUUID)

	h.event(Event{Type: EventNotification, Characteristic: TemperatureCharUUID, Value: []byte{0x05}})

	if h.s.state != StateStreaming {
		t.Errorf("Expected to keep streaming, got %s", h.s.state)
	}
	if _, ok := h.store.Snapshot().Reading(telemetry.KindTemperature); ok {
		t.Error("Expected no temperature reading from a short payload")
	}
	if len(h.log.records) != 0 {
		t.Errorf("Expected nothing persisted, got %d records", len(h.log.records))
	}
}

func TestSessionSubscribesAllBeforeStreaming(t *testing.T) {
	h := newHarness(t)
	chars := []uuid.UUID{OxygenCharUUID, PressureCharUUID, BulkChunkCharUUID, BulkRequestUUID, TemperatureCharUUID, HumidityCharUUID, ClockCharUUID}
	h.streamWith(t, chars...)

	want := []uuid.UUID{TemperatureCharUUID, HumidityCharUUID, PressureCharUUID, OxygenCharUUID, BulkChunkCharUUID}
	if len(h.tr.enabled) != len(want) {
		t.Fatalf("Expected %d subscriptions, got %v", len(want), h.tr.enabled)
	}
	for i := range want {
		if h.tr.enabled[i] != want[i] {
			t.Errorf("Subscription %d: expected %s, got %s", i, want[i], h.tr.enabled[i])
		}
	}

	if len(h.tr.writes) != 1 || h.tr.writes[0].char != ClockCharUUID {
		t.Fatalf("Expected one clock write, got %+v", h.tr.writes)
	}
	got, err := DecodeClockSync(h.tr.writes[0].value)
	if err != nil || got.Unix() != 1717243200 {
		t.Errorf("Expected clock payload for 1717243200, got %v (%v)", got, err)
	}
}

func TestSessionNotificationsBeforeStreamingIgnored(t *testing.T) {
	h := newHarness(t)
	h.s.connect("dev")
	h.event(Event{Type: EventConnected})
	h.event(Event{Type: EventServicesDiscovered, Characteristics: []uuid.UUID{TemperatureCharUUID}})

	h.event(Event{Type: EventNotification, Characteristic: TemperatureCharUUID, Value: []byte{0x66, 0x08}})
	if _, ok := h.store.Snapshot().Reading(telemetry.KindTemperature); ok {
		t.Error("Expected notification during subscribing to be dropped")
	}
}

func TestSessionClockFailureProceeds(t *testing.T) {
	h := newHarness(t)
	h.s.connect("dev")
	h.event(Event{Type: EventConnected})
	h.event(Event{Type: EventServicesDiscovered, Characteristics: []uuid.UUID{ClockCharUUID}})
	if h.s.state != StateSyncingClock {
		t.Fatalf("Expected syncing clock, got %s", h.s.state)
	}

	h.event(Event{Type: EventCharacteristicWritten, Characteristic: ClockCharUUID, Err: errors.New("write failed")})
	if h.s.state != StateStreaming {
		t.Errorf("Expected streaming after failed clock write, got %s", h.s.state)
	}
}

func TestSessionCapabilityDeniedDisconnects(t *testing.T) {
	h := newHarness(t)
	h.s.connect("dev")
	h.event(Event{Type: EventConnected})
	h.event(Event{Type: EventServicesDiscovered, Characteristics: []uuid.UUID{TemperatureCharUUID, HumidityCharUUID}})

	h.event(Event{Type: EventDescriptorWritten, Characteristic: TemperatureCharUUID, Err: ErrCapabilityDenied})
	if h.s.state != StateDisconnected {
		t.Fatalf("Expected disconnected, got %s", h.s.state)
	}
	if !h.s.queue.Idle() {
		t.Error("Expected queue cleared on teardown")
	}
	if len(h.tr.disconnects) != 1 {
		t.Errorf("Expected link to be closed once, got %d", len(h.tr.disconnects))
	}
	if st := h.s.Status(); st.LastError == "" {
		t.Error("Expected last error in status")
	}
}

func TestSessionTeardownClearsQueueAndBulk(t *testing.T) {
	h := newHarness(t)
	h.streamWith(t, TemperatureCharUUID, BulkRequestUUID, BulkChunkCharUUID)

	if err := h.s.beginBulk(64); err != nil {
		t.Fatalf("beginBulk failed: %v", err)
	}
	last := h.tr.writes[len(h.tr.writes)-1]
	if last.char != BulkRequestUUID {
		t.Fatalf("Expected offset request write, got %s", last.char)
	}
	if off, _ := DecodeOffsetRequest(last.value); off != 64 {
		t.Errorf("Expected offset 64 requested, got %d", off)
	}

	h.event(Event{Type: EventNotification, Characteristic: BulkChunkCharUUID, Value: []byte("100,1,2,3\n")})
	oldGen := h.s.gen

	h.event(Event{Type: EventDisconnected})
	if h.s.state != StateDisconnected {
		t.Fatalf("Expected disconnected, got %s", h.s.state)
	}
	if h.s.bulk != nil {
		t.Error("Expected bulk state discarded")
	}
	if !h.s.queue.Idle() {
		t.Error("Expected empty operation queue")
	}
	if h.s.gen == oldGen {
		t.Error("Expected generation to advance on teardown")
	}
	if h.store.Snapshot().Connected {
		t.Error("Expected store connectivity cleared")
	}
	if len(h.tr.disconnects) != 0 {
		t.Error("Expected no disconnect call for a link that is already down")
	}

	cancelled := h.backlog[len(h.backlog)-1]
	if cancelled.Phase != BacklogCancelled || cancelled.Offset != 64+10 {
		t.Errorf("Expected cancelled at offset 74, got %+v", cancelled)
	}

	// Late events from the torn-down connection are ignored.
	h.s.handleEvent(Event{Type: EventNotification, Gen: oldGen, Characteristic: TemperatureCharUUID, Value: []byte{0x66, 0x08}})
	if _, ok := h.store.Snapshot().Reading(telemetry.KindTemperature); ok {
		t.Error("Expected stale notification to be dropped")
	}
}

func TestSessionStaleDescriptorWriteIgnored(t *testing.T) {
	h := newHarness(t)
	h.s.connect("dev")
	h.event(Event{Type: EventConnected})
	h.event(Event{Type: EventServicesDiscovered, Characteristics: []uuid.UUID{TemperatureCharUUID, HumidityCharUUID}})
	oldGen := h.s.gen

	h.s.handleCommand(command{kind: cmdDisconnect})
	h.s.handleEvent(Event{Type: EventDescriptorWritten, Gen: oldGen, Characteristic: TemperatureCharUUID})

	if len(h.tr.enabled) != 1 {
		t.Errorf("Expected no dispatch after teardown, got %v", h.tr.enabled)
	}
}

func TestSessionBacklogCompletes(t *testing.T) {
	h := newHarness(t)
	h.streamWith(t, BulkRequestUUID, BulkChunkCharUUID)

	if err := h.s.beginBulk(0); err != nil {
		t.Fatalf("beginBulk failed: %v", err)
	}
	if err := h.s.beginBulk(0); !errors.Is(err, ErrTransferActive) {
		t.Errorf("Expected ErrTransferActive, got %v", err)
	}

	chunks := []string{"1000,20.00,40.00,1000.00\n2000,21", ".00,41.00,1001.00\n"}
	for _, c := range chunks {
		h.event(Event{Type: EventNotification, Characteristic: BulkChunkCharUUID, Value: []byte(c)})
	}
	h.event(Event{Type: EventNotification, Characteristic: BulkChunkCharUUID, Value: nil})

	if h.s.bulk != nil {
		t.Error("Expected transfer finished")
	}
	if got := h.log.raw.String(); got != chunks[0]+chunks[1] {
		t.Errorf("Expected raw chunks persisted in order, got %q", got)
	}
	if h.log.ends != 1 {
		t.Errorf("Expected one EndRaw, got %d", h.log.ends)
	}
	if h.mirrored[storage.SourceBacklog] != 2 {
		t.Errorf("Expected 2 backlog rows mirrored, got %d", h.mirrored[storage.SourceBacklog])
	}

	done := h.backlog[len(h.backlog)-1]
	wantOffset := uint32(len(chunks[0]) + len(chunks[1]))
	if done.Phase != BacklogComplete || done.Offset != wantOffset {
		t.Errorf("Expected complete at %d, got %+v", wantOffset, done)
	}
	if done.Stats.Rows != 2 {
		t.Errorf("Expected 2 rows parsed, got %d", done.Stats.Rows)
	}
}

func TestSessionBacklogRequiresStreaming(t *testing.T) {
	h := newHarness(t)
	if err := h.s.beginBulk(0); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming, got %v", err)
	}

	h.streamWith(t, TemperatureCharUUID)
	if err := h.s.beginBulk(0); !errors.Is(err, ErrBulkUnsupported) {
		t.Errorf("Expected ErrBulkUnsupported, got %v", err)
	}
}

func TestSessionConnectWhileActive(t *testing.T) {
	h := newHarness(t)
	h.s.connect("dev")
	if err := h.s.connect("other"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Expected ErrSessionBusy, got %v", err)
	}

	h.event(Event{Type: EventDisconnected})
	if err := h.s.connect("other"); err != nil {
		t.Errorf("Expected reconnect from disconnected to succeed, got %v", err)
	}
}

func TestSessionRunLoop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.s.Run(ctx) }()

	if err := h.s.Connect(ctx, "dev"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	gen := h.s.Status().Generation
	h.s.Post(Event{Type: EventConnected, Gen: gen})
	h.s.Post(Event{Type: EventServicesDiscovered, Gen: gen})

	// Commands are handled after earlier posted events.
	if err := h.s.FetchBacklog(ctx, 0); !errors.Is(err, ErrBulkUnsupported) {
		t.Errorf("Expected ErrBulkUnsupported once streaming, got %v", err)
	}
	if st := h.s.Status(); st.State != StateStreaming {
		t.Errorf("Expected streaming status, got %s", st.State)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if err := h.s.Disconnect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after Run returns, got %v", err)
	}
}
