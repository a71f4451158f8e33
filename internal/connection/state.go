package connection

// State is the connection state. It is one of Idle, Advertising, Discovering,
// AdvertisingAndDiscovering, Connected or Error.
type State interface {
	isState()
	String() string
}

type (
	Idle                      struct{}
	Advertising               struct{}
	Discovering               struct{}
	AdvertisingAndDiscovering struct{}

	Connected struct {
		EndpointID string
	}

	Error struct {
		Message string
	}
)

func (Idle) isState()                      {}
func (Advertising) isState()               {}
func (Discovering) isState()               {}
func (AdvertisingAndDiscovering) isState() {}
func (Connected) isState()                 {}
func (Error) isState()                     {}

func (Idle) String() string                      { return "Idle" }
func (Advertising) String() string               { return "Advertising" }
func (Discovering) String() string               { return "Discovering" }
func (AdvertisingAndDiscovering) String() string { return "AdvertisingAndDiscovering" }
func (Connected) String() string                 { return "Connected" }
func (Error) String() string                     { return "Error" }

// Device is an endpoint found by discovery.
type Device struct {
	EndpointID string `json:"endpointId"`
	Name       string `json:"deviceName"`
}

type LifecycleKind int

const (
	Started LifecycleKind = iota + 1
	ConnectionRequested
	Requesting
	Initiated
	EndpointConnected
	EndpointDisconnected
	Failed
)

func (k LifecycleKind) String() string {
	switch k {
	case Started:
		return "started"
	case ConnectionRequested:
		return "connection_requested"
	case Requesting:
		return "requesting"
	case Initiated:
		return "initiated"
	case EndpointConnected:
		return "connected"
	case EndpointDisconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleEvent is emitted on advertising and connection request streams.
type LifecycleEvent struct {
	Kind       LifecycleKind
	EndpointID string
	Name       string
	Message    string
	// Incoming is set for connections the remote endpoint asked for.
	Incoming bool
}

func (e LifecycleEvent) String() string {
	if e.EndpointID == "" {
		return e.Kind.String()
	}

	return e.Kind.String() + " " + e.EndpointID
}

// terminal reports whether no further event follows for the endpoint of a connection request.
func (e LifecycleEvent) terminal() bool {
	return e.Kind == Failed || e.Kind == EndpointDisconnected
}

type DiscoveryKind int

const (
	DiscoveryStarted DiscoveryKind = iota + 1
	DeviceFound
	DeviceLost
)

type DiscoveryEvent struct {
	Kind       DiscoveryKind
	EndpointID string
	Name       string
}

func (k DiscoveryKind) String() string {
	switch k {
	case DiscoveryStarted:
		return "discovery_started"
	case DeviceFound:
		return "device_found"
	case DeviceLost:
		return "device_lost"
	default:
		return "unknown"
	}
}

func (e DiscoveryEvent) String() string {
	if e.EndpointID == "" {
		return e.Kind.String()
	}

	return e.Kind.String() + " " + e.EndpointID
}
