package bluetooth

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestRegistryDeduplicatesByAddress(t *testing.T) {
	r := NewRegistry()
	t0 := time.Unix(100, 0)

	if !r.Observe(DeviceIdentity{Address: "aa:bb:cc:dd:ee:ff", RSSI: -70, LastSeen: t0}) {
		t.Fatal("Expected first observation to be new")
	}
	if r.Observe(DeviceIdentity{Address: "AA:BB:CC:DD:EE:FF", Name: "EnvSensor", RSSI: -50, LastSeen: t0.Add(time.Second)}) {
		t.Error("Expected repeat observation not to be new")
	}
	r.Observe(DeviceIdentity{Address: "AA:BB:CC:DD:EE:FF", Name: "Renamed", LastSeen: t0})

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("Expected 1 device, got %d", len(list))
	}
	d := list[0]
	if d.Name != "EnvSensor" {
		t.Errorf("Expected name to stay EnvSensor, got %q", d.Name)
	}
	if d.RSSI != -50 {
		t.Errorf("Expected RSSI -50, got %d", d.RSSI)
	}
	if !d.LastSeen.Equal(t0.Add(time.Second)) {
		t.Errorf("Expected LastSeen not to move backwards, got %v", d.LastSeen)
	}

	if _, ok := r.FindByName("envsensor"); !ok {
		t.Error("Expected case-insensitive name lookup")
	}

	r.Clear()
	if len(r.List()) != 0 {
		t.Error("Expected empty registry after Clear")
	}
}

func TestParseDevice(t *testing.T) {
	props := map[string]dbus.Variant{
		"Address": dbus.MakeVariant("aa:bb:cc:dd:ee:01"),
		"Alias":   dbus.MakeVariant("AA-BB-CC-DD-EE-01"),
		"RSSI":    dbus.MakeVariant(int16(-61)),
		"UUIDs":   dbus.MakeVariant([]string{"0000181a-0000-1000-8000-00805f9b34fb"}),
	}
	d, ok := parseDevice(props, time.Unix(5, 0))
	if !ok {
		t.Fatal("Expected device to parse")
	}
	if d.Address != "AA:BB:CC:DD:EE:01" {
		t.Errorf("Expected upper-case address, got %s", d.Address)
	}
	if d.Name != "" {
		t.Errorf("Expected address alias to be ignored, got %q", d.Name)
	}
	if d.RSSI != -61 || !d.Sensor {
		t.Errorf("Unexpected device %+v", d)
	}

	if _, ok := parseDevice(map[string]dbus.Variant{"Name": dbus.MakeVariant("x")}, time.Now()); ok {
		t.Error("Expected device without address to be rejected")
	}
}
