package bluetooth

const (
	BLUEZ_BUS_NAME                  = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE         = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE          = "org.bluez.Device1"
	BLUEZ_GATT_CHAR_INTERFACE       = "org.bluez.GattCharacteristic1"
	BLUEZ_GATT_DESCRIPTOR_INTERFACE = "org.bluez.GattDescriptor1"
	BLUEZ_OBJECT_PATH               = "/org/bluez"

	DBUS_PROPERTIES_INTERFACE = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER       = "org.freedesktop.DBus.ObjectManager"
	DBUS_PROPERTIES_CHANGED   = DBUS_PROPERTIES_INTERFACE + ".PropertiesChanged"
	DBUS_INTERFACES_ADDED     = DBUS_OBJECT_MANAGER + ".InterfacesAdded"
)

// BlueZ error names that mean the peer or the stack refused the operation
// rather than the link failing.
const (
	BLUEZ_ERROR_NOT_PERMITTED     = "org.bluez.Error.NotPermitted"
	BLUEZ_ERROR_NOT_AUTHORIZED    = "org.bluez.Error.NotAuthorized"
	BLUEZ_ERROR_IN_PROGRESS       = "org.bluez.Error.InProgress"
	BLUEZ_ERROR_ALREADY_CONNECTED = "org.bluez.Error.AlreadyConnected"
)
