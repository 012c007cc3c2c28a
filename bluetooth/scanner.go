package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/usenocturne/envsensed/metrics"
)

var ErrScanRunning = errors.New("scan already running")

// DeviceIdentity is one advertising device. Address and Name never change
// once observed; RSSI and LastSeen track the latest advertisement.
type DeviceIdentity struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	RSSI     int16     `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
	Sensor   bool      `json:"sensor"`
}

// Registry deduplicates scan results by address.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceIdentity
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*DeviceIdentity)}
}

// Observe records an advertisement and reports whether the address is new to
// this scan session.
func (r *Registry) Observe(d DeviceIdentity) bool {
	addr := strings.ToUpper(d.Address)
	if addr == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[addr]
	if !ok {
		d.Address = addr
		r.devices[addr] = &d
		metrics.DevicesSeen.Set(float64(len(r.devices)))
		return true
	}

	if existing.Name == "" && d.Name != "" {
		existing.Name = d.Name
	}
	if d.RSSI != 0 {
		existing.RSSI = d.RSSI
	}
	if d.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = d.LastSeen
	}
	existing.Sensor = existing.Sensor || d.Sensor
	return false
}

func (r *Registry) Get(address string) (DeviceIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[strings.ToUpper(address)]
	if !ok {
		return DeviceIdentity{}, false
	}
	return *d, true
}

// FindByName returns the first device whose name matches, case-insensitively.
func (r *Registry) FindByName(name string) (DeviceIdentity, bool) {
	for _, d := range r.List() {
		if d.Name != "" && strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return DeviceIdentity{}, false
}

// List returns devices sorted by address.
func (r *Registry) List() []DeviceIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceIdentity, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.devices = make(map[string]*DeviceIdentity)
	r.mu.Unlock()
	metrics.DevicesSeen.Set(0)
}

// Scanner runs BlueZ LE discovery and feeds the registry.
type Scanner struct {
	conn     *dbus.Conn
	adapter  string
	registry *Registry
	log      zerolog.Logger

	// OnDevice is called for every address seen for the first time.
	OnDevice func(DeviceIdentity)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewScanner(conn *dbus.Conn, adapter string, registry *Registry) *Scanner {
	if adapter == "" {
		adapter = "hci0"
	}
	return &Scanner{
		conn:     conn,
		adapter:  adapter,
		registry: registry,
		log:      log.With().Str("component", "scanner").Logger(),
	}
}

func (s *Scanner) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath(BLUEZ_OBJECT_PATH + "/" + s.adapter)
}

// Start clears the registry and scans until timeout, ctx cancellation or
// Stop. It returns once discovery has started.
func (s *Scanner) Start(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrScanRunning
	}
	s.running = true
	s.mu.Unlock()

	adapter := s.conn.Object(BLUEZ_BUS_NAME, s.adapterPath())

	powered, err := getDBusProperty[bool](s.conn, s.adapterPath(), BLUEZ_ADAPTER_INTERFACE, "Powered")
	if err != nil || !powered {
		s.setStopped()
		if err == nil {
			err = errors.New("adapter not powered")
		}
		return fmt.Errorf("adapter %s unavailable: %w", s.adapter, err)
	}

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		s.log.Warn().Err(err).Msg("failed to set discovery filter")
	}
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Err; err != nil {
		if !isDBusError(err, BLUEZ_ERROR_IN_PROGRESS) {
			s.setStopped()
			return fmt.Errorf("failed to start discovery: %w", classify(err))
		}
		s.log.Info().Msg("discovery already running, observing existing scan")
	}

	s.registry.Clear()

	if timeout <= 0 {
		timeout = ScanTimeoutSec * time.Second
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	rule := fmt.Sprintf("type='signal',sender='%s',path_namespace='%s/%s'", BLUEZ_BUS_NAME, BLUEZ_OBJECT_PATH, s.adapter)
	s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	sigChan := make(chan *dbus.Signal, 64)
	s.conn.Signal(sigChan)

	s.log.Info().Dur("timeout", timeout).Msg("scan started")
	go s.loop(scanCtx, adapter, rule, sigChan)
	return nil
}

func (s *Scanner) loop(ctx context.Context, adapter dbus.BusObject, rule string, sigChan chan *dbus.Signal) {
	defer func() {
		s.conn.RemoveSignal(sigChan)
		s.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0)
		s.setStopped()
		s.log.Info().Int("devices", len(s.registry.List())).Msg("scan stopped")
	}()

	s.observeManaged()

	// Advertisements for cached devices only show up as RSSI changes, so
	// the managed objects are polled as well.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.observeManaged()
		case sig, ok := <-sigChan:
			if !ok {
				return
			}
			s.handleSignal(sig)
		}
	}
}

func (s *Scanner) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case DBUS_INTERFACES_ADDED:
		if len(sig.Body) < 2 {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]; ok {
			s.observe(props)
		}
	case DBUS_PROPERTIES_CHANGED:
		if len(sig.Body) < 2 {
			return
		}
		if iface, _ := sig.Body[0].(string); iface != BLUEZ_DEVICE_INTERFACE {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		if _, ok := changed["RSSI"]; !ok {
			return
		}
		props, err := s.deviceProperties(sig.Path)
		if err != nil {
			return
		}
		for k, v := range changed {
			props[k] = v
		}
		s.observe(props)
	}
}

func (s *Scanner) deviceProperties(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := s.conn.Object(BLUEZ_BUS_NAME, path).Call(DBUS_PROPERTIES_INTERFACE+".GetAll", 0, BLUEZ_DEVICE_INTERFACE).Store(&props)
	return props, err
}

func (s *Scanner) observeManaged() {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := s.conn.Object(BLUEZ_BUS_NAME, "/").Call(DBUS_OBJECT_MANAGER+".GetManagedObjects", 0).Store(&objects); err != nil {
		s.log.Debug().Err(err).Msg("GetManagedObjects failed")
		return
	}
	prefix := string(s.adapterPath()) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		// Only devices seen during this scan carry an RSSI.
		if _, ok := props["RSSI"]; !ok {
			continue
		}
		s.observe(props)
	}
}

func (s *Scanner) observe(props map[string]dbus.Variant) {
	d, ok := parseDevice(props, time.Now())
	if !ok {
		return
	}
	if s.registry.Observe(d) {
		s.log.Info().Str("address", d.Address).Str("name", d.Name).Int16("rssi", d.RSSI).Bool("sensor", d.Sensor).Msg("device found")
		if s.OnDevice != nil {
			if full, ok := s.registry.Get(d.Address); ok {
				s.OnDevice(full)
			}
		}
	}
}

// parseDevice builds an identity from org.bluez.Device1 properties.
func parseDevice(props map[string]dbus.Variant, seen time.Time) (DeviceIdentity, bool) {
	v, ok := props["Address"]
	if !ok {
		return DeviceIdentity{}, false
	}
	addr, ok := v.Value().(string)
	if !ok || addr == "" {
		return DeviceIdentity{}, false
	}

	d := DeviceIdentity{Address: strings.ToUpper(addr), LastSeen: seen}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	} else if v, ok := props["Alias"]; ok {
		// BlueZ falls back to the dashed address for unnamed devices.
		if alias, _ := v.Value().(string); alias != "" && !strings.EqualFold(strings.ReplaceAll(alias, "-", ":"), addr) {
			d.Name = alias
		}
	}
	if v, ok := props["RSSI"]; ok {
		d.RSSI, _ = v.Value().(int16)
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			for _, u := range uuids {
				if strings.EqualFold(u, EnvironmentalServiceUUID.String()) {
					d.Sensor = true
					break
				}
			}
		}
	}
	return d, true
}

func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scanner) setStopped() {
	s.mu.Lock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}
