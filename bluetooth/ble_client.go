package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BleClient is the BlueZ implementation of Transport. Each request runs its
// D-Bus call on its own goroutine and reports the outcome as an Event; GATT
// notifications and link loss arrive through a single signal goroutine so
// they stay in order.
type BleClient struct {
	conn    *dbus.Conn
	adapter string
	log     zerolog.Logger

	connectTimeout time.Duration
	resolveTimeout time.Duration

	mu         sync.Mutex
	post       func(Event)
	gen        uint64
	address    string
	devicePath dbus.ObjectPath
	chars      map[uuid.UUID]dbus.ObjectPath
	paths      map[dbus.ObjectPath]uuid.UUID
	notifying  []dbus.ObjectPath
	stopChan   chan struct{}
}

func NewBleClient(conn *dbus.Conn, adapter string) *BleClient {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BleClient{
		conn:           conn,
		adapter:        adapter,
		log:            log.With().Str("component", "ble").Str("adapter", adapter).Logger(),
		connectTimeout: ConnectTimeoutSec * time.Second,
		resolveTimeout: 15 * time.Second,
	}
}

// SetEventSink sets where completions are delivered. It must be called
// before the first request.
func (bc *BleClient) SetEventSink(post func(Event)) {
	bc.mu.Lock()
	bc.post = post
	bc.mu.Unlock()
}

func (bc *BleClient) emit(ev Event) {
	bc.mu.Lock()
	post := bc.post
	bc.mu.Unlock()
	if post != nil {
		post(ev)
	}
}

func (bc *BleClient) Connect(gen uint64, address string) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}
	devicePath := adapterDevicePath(bc.adapter, address)

	bc.mu.Lock()
	bc.stopMonitorLocked()
	bc.gen = gen
	bc.address = address
	bc.devicePath = devicePath
	bc.chars = nil
	bc.paths = nil
	bc.notifying = nil
	stop := make(chan struct{})
	bc.stopChan = stop
	bc.mu.Unlock()

	go bc.watch(gen, devicePath, address, stop)
	return nil
}

// watch subscribes to the device subtree, starts the BlueZ connect and then
// forwards signals until stopped or the link drops. The match rule lives and
// dies with this goroutine.
func (bc *BleClient) watch(gen uint64, devicePath dbus.ObjectPath, address string, stop <-chan struct{}) {
	// Subscribe before connecting so a drop during the connect is not missed.
	rule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'",
		BLUEZ_BUS_NAME, DBUS_PROPERTIES_INTERFACE, devicePath,
	)
	if err := bc.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		bc.emit(Event{Type: EventConnected, Gen: gen, Err: fmt.Errorf("add match rule: %w", classify(err))})
		return
	}
	sigChan := make(chan *dbus.Signal, 128)
	bc.conn.Signal(sigChan)
	defer func() {
		bc.conn.RemoveSignal(sigChan)
		bc.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
	}()

	go func() {
		err := bc.connectDevice(devicePath, address)
		bc.emit(Event{Type: EventConnected, Gen: gen, Err: err})
	}()

	bc.monitorSignals(gen, devicePath, sigChan, stop)
}

func (bc *BleClient) connectDevice(devicePath dbus.ObjectPath, address string) error {
	connected, err := getDBusProperty[bool](bc.conn, devicePath, BLUEZ_DEVICE_INTERFACE, "Connected")
	if err == nil && connected {
		bc.log.Info().Str("address", address).Msg("device already connected")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), bc.connectTimeout)
	defer cancel()

	bc.log.Info().Str("address", address).Msg("connecting")
	call := bc.conn.Object(BLUEZ_BUS_NAME, devicePath).CallWithContext(ctx, BLUEZ_DEVICE_INTERFACE+".Connect", 0)
	if call.Err != nil && !isDBusError(call.Err, BLUEZ_ERROR_ALREADY_CONNECTED, BLUEZ_ERROR_IN_PROGRESS) {
		return fmt.Errorf("BlueZ Connect failed for %s: %w", address, classify(call.Err))
	}
	return nil
}

func (bc *BleClient) DiscoverServices(gen uint64) error {
	bc.mu.Lock()
	devicePath := bc.devicePath
	bc.mu.Unlock()
	if devicePath == "" {
		return errors.New("discover services: not connected")
	}

	go func() {
		chars, err := bc.discover(devicePath)
		if err != nil {
			bc.emit(Event{Type: EventServicesDiscovered, Gen: gen, Err: err})
			return
		}

		bc.mu.Lock()
		if bc.gen == gen {
			bc.chars = chars
			bc.paths = make(map[dbus.ObjectPath]uuid.UUID, len(chars))
			for id, p := range chars {
				bc.paths[p] = id
			}
		}
		bc.mu.Unlock()

		found := make([]uuid.UUID, 0, len(chars))
		for id := range chars {
			found = append(found, id)
		}
		bc.emit(Event{Type: EventServicesDiscovered, Gen: gen, Characteristics: found})
	}()
	return nil
}

func (bc *BleClient) discover(devicePath dbus.ObjectPath) (map[uuid.UUID]dbus.ObjectPath, error) {
	if err := bc.waitServicesResolved(devicePath); err != nil {
		return nil, err
	}

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := bc.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_OBJECT_MANAGER+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", classify(err))
	}

	chars := collectCharacteristics(devicePath, objects)
	for id, p := range chars {
		bc.log.Debug().Stringer("uuid", id).Str("path", string(p)).Msg("found characteristic")
	}
	return chars, nil
}

// collectCharacteristics maps every GATT characteristic under devicePath by
// UUID. Unparseable UUIDs are skipped.
func collectCharacteristics(devicePath dbus.ObjectPath, objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) map[uuid.UUID]dbus.ObjectPath {
	prefix := string(devicePath) + "/"
	chars := make(map[uuid.UUID]dbus.ObjectPath)
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[BLUEZ_GATT_CHAR_INTERFACE]
		if !ok {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		s, ok := v.Value().(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		chars[id] = path
	}
	return chars
}

func (bc *BleClient) waitServicesResolved(devicePath dbus.ObjectPath) error {
	deadline := time.After(bc.resolveTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		resolved, err := getDBusProperty[bool](bc.conn, devicePath, BLUEZ_DEVICE_INTERFACE, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("service discovery timed out after %s", bc.resolveTimeout)
		case <-ticker.C:
		}
	}
}

func (bc *BleClient) charPath(char uuid.UUID) (dbus.ObjectPath, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	p, ok := bc.chars[char]
	if !ok {
		return "", fmt.Errorf("characteristic %s not discovered", char)
	}
	return p, nil
}

// EnableNotifications asks BlueZ to start notifying; BlueZ writes the CCCD
// itself.
func (bc *BleClient) EnableNotifications(gen uint64, op ControlOp) error {
	path, err := bc.charPath(op.Characteristic)
	if err != nil {
		return err
	}

	go func() {
		err := bc.conn.Object(BLUEZ_BUS_NAME, path).Call(BLUEZ_GATT_CHAR_INTERFACE+".StartNotify", 0).Err
		if err == nil {
			bc.mu.Lock()
			bc.notifying = append(bc.notifying, path)
			bc.mu.Unlock()
		} else {
			err = fmt.Errorf("StartNotify: %w", classify(err))
		}
		bc.emit(Event{Type: EventDescriptorWritten, Gen: gen, Characteristic: op.Characteristic, Err: err})
	}()
	return nil
}

func (bc *BleClient) WriteCharacteristic(gen uint64, char uuid.UUID, value []byte) error {
	path, err := bc.charPath(char)
	if err != nil {
		return err
	}

	go func() {
		options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
		err := bc.conn.Object(BLUEZ_BUS_NAME, path).Call(BLUEZ_GATT_CHAR_INTERFACE+".WriteValue", 0, value, options).Err
		if err != nil {
			err = fmt.Errorf("WriteValue: %w", classify(err))
		}
		bc.emit(Event{Type: EventCharacteristicWritten, Gen: gen, Characteristic: char, Err: err})
	}()
	return nil
}

func (bc *BleClient) Disconnect(gen uint64) error {
	bc.mu.Lock()
	if bc.gen != gen || bc.devicePath == "" {
		bc.mu.Unlock()
		return nil
	}
	devicePath := bc.devicePath
	notifying := bc.notifying
	bc.notifying = nil
	bc.chars = nil
	bc.paths = nil
	bc.stopMonitorLocked()
	bc.mu.Unlock()

	go func() {
		for _, p := range notifying {
			bc.conn.Object(BLUEZ_BUS_NAME, p).Call(BLUEZ_GATT_CHAR_INTERFACE+".StopNotify", 0)
		}
		if err := bc.conn.Object(BLUEZ_BUS_NAME, devicePath).Call(BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Err; err != nil {
			bc.log.Warn().Err(err).Msg("BlueZ Disconnect failed")
		}
		bc.emit(Event{Type: EventDisconnected, Gen: gen})
	}()
	return nil
}

// Close stops the signal monitor. The D-Bus connection is shared and stays
// open.
func (bc *BleClient) Close() {
	bc.mu.Lock()
	bc.stopMonitorLocked()
	bc.mu.Unlock()
}

// stopMonitorLocked only signals the watch goroutine; it does the D-Bus
// cleanup itself.
func (bc *BleClient) stopMonitorLocked() {
	if bc.stopChan != nil {
		close(bc.stopChan)
		bc.stopChan = nil
	}
}

// monitorSignals forwards translated signals until stop closes, the channel
// closes or the device reports it is no longer connected.
func (bc *BleClient) monitorSignals(gen uint64, devicePath dbus.ObjectPath, sigChan <-chan *dbus.Signal, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			bc.log.Error().Interface("panic", r).Msg("signal monitor panicked")
			bc.emit(Event{Type: EventTransportError, Gen: gen, Err: fmt.Errorf("signal monitor panic: %v", r)})
		}
	}()

	for {
		select {
		case <-stop:
			return
		case sig, ok := <-sigChan:
			if !ok {
				bc.emit(Event{Type: EventTransportError, Gen: gen, Err: errors.New("D-Bus signal channel closed")})
				return
			}
			ev, ok := bc.translateSignal(gen, devicePath, sig)
			if !ok {
				continue
			}
			bc.emit(ev)
			if ev.Type == EventDisconnected {
				return
			}
		}
	}
}

// translateSignal turns a PropertiesChanged signal into a session event.
func (bc *BleClient) translateSignal(gen uint64, devicePath dbus.ObjectPath, sig *dbus.Signal) (Event, bool) {
	if sig == nil || sig.Name != DBUS_PROPERTIES_CHANGED || len(sig.Body) < 2 {
		return Event{}, false
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Event{}, false
	}

	if sig.Path == devicePath && iface == BLUEZ_DEVICE_INTERFACE {
		if v, ok := changed["Connected"]; ok {
			if connected, _ := v.Value().(bool); !connected {
				return Event{Type: EventDisconnected, Gen: gen}, true
			}
		}
		return Event{}, false
	}

	if iface != BLUEZ_GATT_CHAR_INTERFACE {
		return Event{}, false
	}
	v, ok := changed["Value"]
	if !ok {
		return Event{}, false
	}
	value, ok := v.Value().([]byte)
	if !ok {
		return Event{}, false
	}

	bc.mu.Lock()
	char, known := bc.paths[sig.Path]
	bc.mu.Unlock()
	if !known {
		return Event{}, false
	}
	return Event{Type: EventNotification, Gen: gen, Characteristic: char, Value: value}, true
}

// classify marks host-side refusals with ErrCapabilityDenied.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isDBusError(err,
		BLUEZ_ERROR_NOT_PERMITTED,
		BLUEZ_ERROR_NOT_AUTHORIZED,
		"org.freedesktop.DBus.Error.AccessDenied",
	) {
		return fmt.Errorf("%w: %v", ErrCapabilityDenied, err)
	}
	return err
}

func isDBusError(err error, names ...string) bool {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		var ptr *dbus.Error
		if !errors.As(err, &ptr) || ptr == nil {
			return false
		}
		dbusErr = *ptr
	}
	for _, n := range names {
		if dbusErr.Name == n {
			return true
		}
	}
	return false
}

// adapterDevicePath converts a MAC address to a BlueZ object path.
// "AA:BB:CC:DD:EE:FF" on hci0 becomes /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func adapterDevicePath(adapter, address string) dbus.ObjectPath {
	devAddr := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/%s/dev_%s", BLUEZ_OBJECT_PATH, adapter, devAddr))
}

func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(BLUEZ_BUS_NAME, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}

// ValidateAddress checks the XX:XX:XX:XX:XX:XX MAC format.
func ValidateAddress(address string) error {
	if address == "" {
		return errors.New("device address is required")
	}
	parts := strings.Split(address, ":")
	if len(parts) != 6 {
		return fmt.Errorf("invalid device address %q (expected XX:XX:XX:XX:XX:XX)", address)
	}
	for _, part := range parts {
		if len(part) != 2 {
			return fmt.Errorf("invalid device address %q (expected XX:XX:XX:XX:XX:XX)", address)
		}
		for _, c := range part {
			if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')) {
				return fmt.Errorf("invalid device address %q (non-hex character)", address)
			}
		}
	}
	return nil
}
