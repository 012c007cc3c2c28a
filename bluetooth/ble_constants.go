package bluetooth

import (
	"time"

	"github.com/google/uuid"
)

// GATT identifiers exposed by the sensor. The 16-bit SIG assignments are
// expanded with the Bluetooth base UUID.
var (
	EnvironmentalServiceUUID = uuid.MustParse("0000181a-0000-1000-8000-00805f9b34fb")
	TemperatureCharUUID      = uuid.MustParse("00002a6e-0000-1000-8000-00805f9b34fb")
	HumidityCharUUID         = uuid.MustParse("00002a6f-0000-1000-8000-00805f9b34fb")
	PressureCharUUID         = uuid.MustParse("00002a6d-0000-1000-8000-00805f9b34fb")
	OxygenCharUUID           = uuid.MustParse("00002a62-0000-1000-8000-00805f9b34fb")
	ClientConfigDescUUID     = uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb")

	ClockServiceUUID  = uuid.MustParse("0000ff10-0000-1000-8000-00805f9b34fb")
	ClockCharUUID     = uuid.MustParse("0000ff11-0000-1000-8000-00805f9b34fb")
	BulkServiceUUID   = uuid.MustParse("0000ff20-0000-1000-8000-00805f9b34fb")
	BulkRequestUUID   = uuid.MustParse("0000ff21-0000-1000-8000-00805f9b34fb")
	BulkChunkCharUUID = uuid.MustParse("0000ff22-0000-1000-8000-00805f9b34fb")
)

// EnableNotificationValue is the CCCD payload that turns notifications on.
var EnableNotificationValue = []byte{0x01, 0x00}

const (
	ScanTimeoutSec    = 30
	ConnectTimeoutSec = 10

	DefaultBulkIdleTimeout = 10 * time.Second

	DefaultReconnectInitial = 2 * time.Second
	DefaultReconnectMax     = time.Minute

	// eventBufferSize bounds the session inbox; transport goroutines block
	// when the loop falls this far behind.
	eventBufferSize = 256
)
