package bluetooth

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrCapabilityDenied means the host refused a link operation, for example
// BlueZ rejecting the call as not permitted or not authorized.
var ErrCapabilityDenied = errors.New("bluetooth capability denied")

// Transport is the link layer the session drives. Every call is
// non-blocking: it returns an error only when the request could not be
// issued, and the outcome arrives later as an Event tagged with gen.
type Transport interface {
	Connect(gen uint64, address string) error
	DiscoverServices(gen uint64) error
	EnableNotifications(gen uint64, op ControlOp) error
	WriteCharacteristic(gen uint64, char uuid.UUID, value []byte) error
	Disconnect(gen uint64) error
}

type EventType int

const (
	EventConnected EventType = iota
	EventServicesDiscovered
	EventDescriptorWritten
	EventCharacteristicWritten
	EventNotification
	EventDisconnected
	EventTransportError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventDescriptorWritten:
		return "descriptor_written"
	case EventCharacteristicWritten:
		return "characteristic_written"
	case EventNotification:
		return "notification"
	case EventDisconnected:
		return "disconnected"
	case EventTransportError:
		return "transport_error"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one transport callback delivered to the session loop. Gen
// identifies the connection the event belongs to; events from an older
// connection are dropped.
type Event struct {
	Type EventType
	Gen  uint64

	// Characteristic is set for descriptor/characteristic writes and
	// notifications.
	Characteristic uuid.UUID
	// Characteristics lists what service discovery found.
	Characteristics []uuid.UUID
	Value           []byte
	Err             error
}
