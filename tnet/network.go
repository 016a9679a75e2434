package tnet

// Network is an opaque handle to a local network (for example one
// handle for Wi-Fi and another for cellular on a mobile platform).
//
// Handles are assigned by the platform's connectivity layer;
// talon only compares them for equality.
type Network int64

// InvalidNetwork is the sentinel for "no network".
const InvalidNetwork Network = -1

// EventKind enumerates network topology change notifications.
type EventKind uint8

const (
	// NetworkConnected reports a newly usable network.
	NetworkConnected EventKind = iota

	// NetworkDisconnected reports a network that is no longer usable.
	NetworkDisconnected

	// NetworkSoonToDisconnect warns that a network is about to go away,
	// typically preceding a NetworkDisconnected for the same handle.
	NetworkSoonToDisconnect

	// NetworkMadeDefault reports that a network became the system default.
	NetworkMadeDefault

	// IPAddressChanged reports that the local IP address changed
	// without a network handle change.
	IPAddressChanged
)

func (k EventKind) String() string {
	switch k {
	case NetworkConnected:
		return "network_connected"
	case NetworkDisconnected:
		return "network_disconnected"
	case NetworkSoonToDisconnect:
		return "network_soon_to_disconnect"
	case NetworkMadeDefault:
		return "network_made_default"
	case IPAddressChanged:
		return "ip_address_changed"
	default:
		return "unknown"
	}
}

// Event is one topology change notification.
type Event struct {
	Kind EventKind

	// Network is the handle the event concerns.
	// It is InvalidNetwork for IPAddressChanged events.
	Network Network
}

// Notifier publishes network topology changes.
//
// A Notifier implementation is explicitly injected into the factory;
// there is no process-global notifier.
type Notifier interface {
	// Subscribe registers a new subscriber and returns its event channel
	// along with a function to unsubscribe.
	// The notifier must not block forever on a slow subscriber;
	// implementations typically use a buffered channel.
	Subscribe() (<-chan Event, func())

	// ConnectedNetworks lists the currently connected networks.
	ConnectedNetworks() []Network

	// DefaultNetwork reports the current system default network,
	// or InvalidNetwork if there is none.
	DefaultNetwork() Network
}
