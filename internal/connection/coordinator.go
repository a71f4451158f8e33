// Package connection negotiates the single peer session transfers run over.
package connection

import (
	"context"
	"sort"
	"sync"

	"github.com/italolelis/phototransfer/internal/events"
	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/telemetry"
	"github.com/italolelis/phototransfer/internal/transport"
)

const DefaultServiceID = "com.example.phototransfer"

type Config struct {
	ServiceID string
	// AutoAccept accepts every initiated connection without waiting for AcceptConnection.
	AutoAccept bool
}

// Coordinator owns the advertising, discovery and connection lifecycle. Transport connection
// events are consumed by Run; everything else is driven by the caller.
type Coordinator struct {
	transport  transport.Transport
	serviceID  string
	autoAccept bool
	telemetry  *telemetry.Telemetry

	mu        sync.Mutex
	current   string
	connected map[string]struct{}
	devices   map[string]Device
	names     map[string]string
	incoming  map[string]bool

	advertising   bool
	discovering   bool
	stopAdvertise context.CancelFunc
	stopDiscover  context.CancelFunc
	// generations invalidate stop notifications from replaced or explicitly stopped activities
	advGen  uint64
	discGen uint64

	states    *events.Hub[State]
	lifecycle *events.Hub[LifecycleEvent]
}

func NewCoordinator(tr transport.Transport, cfg Config, tel *telemetry.Telemetry) *Coordinator {
	if cfg.ServiceID == "" {
		cfg.ServiceID = DefaultServiceID
	}

	return &Coordinator{
		transport:  tr,
		serviceID:  cfg.ServiceID,
		autoAccept: cfg.AutoAccept,
		telemetry:  tel,
		connected:  make(map[string]struct{}),
		devices:    make(map[string]Device),
		names:      make(map[string]string),
		incoming:   make(map[string]bool),
		states:     events.NewHub[State](Idle{}, events.DefaultBuffer),
		lifecycle:  events.NewHub(LifecycleEvent{}, events.DefaultBuffer),
	}
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	return c.states.Latest()
}

// Subscribe streams the current state and every transition until ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan State {
	return c.states.Subscribe(ctx)
}

func (c *Coordinator) CurrentEndpoint() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current, c.current != ""
}

func (c *Coordinator) ConnectedEndpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.connected))
	for id := range c.connected {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Devices returns the discovered devices ordered by name.
func (c *Coordinator) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	devices := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}

		return devices[i].EndpointID < devices[j].EndpointID
	})

	return devices
}

// EndpointName returns the name an endpoint announced through discovery or connection.
func (c *Coordinator) EndpointName(endpointID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name, ok := c.names[endpointID]

	return name, ok && name != ""
}

func (c *Coordinator) setStateLocked(s State) {
	c.states.Publish(s)
	c.telemetry.RecordConnectionState(s.String())
}

// activityStateLocked is the state implied by the running activities alone.
func (c *Coordinator) activityStateLocked() State {
	switch {
	case c.advertising && c.discovering:
		return AdvertisingAndDiscovering{}
	case c.advertising:
		return Advertising{}
	case c.discovering:
		return Discovering{}
	default:
		return Idle{}
	}
}

// refreshActivityLocked moves to the activity state unless a session state takes precedence.
func (c *Coordinator) refreshActivityLocked(keepError bool) {
	switch c.states.Latest().(type) {
	case Connected:
		return
	case Error:
		if keepError {
			return
		}
	}

	c.setStateLocked(c.activityStateLocked())
}

func failureMessage(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}

	return err.Error()
}

// StartAdvertising makes this device discoverable as localName until ctx is done or
// StopAdvertising is called. The stream starts with Started and carries the lifecycle of
// connections requested by remote endpoints.
func (c *Coordinator) StartAdvertising(ctx context.Context, localName string) (<-chan LifecycleEvent, error) {
	logger := logctx.LoggerFromContext(ctx)

	advCtx, cancel := context.WithCancel(ctx)

	// the stream ends with advertising
	out, stopWatching := c.watchLifecycle(advCtx, func(ev LifecycleEvent) bool {
		return ev.Incoming
	}, nil, LifecycleEvent{Kind: Started})

	err := c.telemetry.InstrumentConnection(ctx, "advertise", func(context.Context) error {
		return c.transport.Advertise(advCtx, localName, c.serviceID)
	})
	if err != nil {
		cancel()
		stopWatching()

		c.mu.Lock()
		c.setStateLocked(Error{Message: failureMessage(err, "Advertising failed")})
		c.mu.Unlock()

		logger.Error("failed to start advertising", "err", err)

		return nil, &ConnectionError{Op: "advertise", Err: err}
	}

	c.mu.Lock()
	if c.stopAdvertise != nil {
		c.stopAdvertise()
	}

	c.advGen++
	gen := c.advGen
	c.stopAdvertise = cancel
	c.advertising = true
	c.refreshActivityLocked(false)
	c.mu.Unlock()

	go func() {
		<-advCtx.Done()
		c.advertisingStopped(gen)
	}()

	logger.Info("advertising started", "local_name", localName, "service_id", c.serviceID)

	return out, nil
}

// StopAdvertising stops advertising; it is a no-op when not advertising.
func (c *Coordinator) StopAdvertising() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopAdvertise == nil {
		return
	}

	c.stopAdvertise()
	c.advGen++
	c.stopAdvertise = nil
	c.advertising = false
	c.refreshActivityLocked(true)
}

func (c *Coordinator) advertisingStopped(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.advGen {
		return
	}

	c.advGen++
	c.stopAdvertise = nil
	c.advertising = false
	c.refreshActivityLocked(true)
}

// StartDiscovery scans for advertising endpoints until ctx is done or StopDiscovery is
// called. The stream starts with DiscoveryStarted and is closed when discovery stops.
func (c *Coordinator) StartDiscovery(ctx context.Context) (<-chan DiscoveryEvent, error) {
	logger := logctx.LoggerFromContext(ctx)
	discCtx, cancel := context.WithCancel(ctx)

	var found <-chan transport.DiscoveryEvent

	err := c.telemetry.InstrumentConnection(ctx, "discover", func(context.Context) error {
		var err error

		found, err = c.transport.Discover(discCtx, c.serviceID)

		return err
	})
	if err != nil {
		cancel()

		c.mu.Lock()
		c.setStateLocked(Error{Message: failureMessage(err, "Discovery failed")})
		c.mu.Unlock()

		logger.Error("failed to start discovery", "err", err)

		return nil, &ConnectionError{Op: "discover", Err: err}
	}

	c.mu.Lock()
	if c.stopDiscover != nil {
		c.stopDiscover()
	}

	c.discGen++
	gen := c.discGen
	c.stopDiscover = cancel
	c.discovering = true
	c.refreshActivityLocked(false)
	c.mu.Unlock()

	out := make(chan DiscoveryEvent, events.DefaultBuffer)
	out <- DiscoveryEvent{Kind: DiscoveryStarted}

	go func() {
		defer close(out)
		defer c.discoveryStopped(gen)

		for ev := range found {
			select {
			case out <- c.recordDiscovery(ev):
			case <-discCtx.Done():
				return
			}
		}
	}()

	logger.Info("discovery started", "service_id", c.serviceID)

	return out, nil
}

// StopDiscovery stops discovery; it is a no-op when not discovering.
func (c *Coordinator) StopDiscovery() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopDiscover == nil {
		return
	}

	c.stopDiscover()
	c.discGen++
	c.stopDiscover = nil
	c.discovering = false
	c.refreshActivityLocked(true)
}

func (c *Coordinator) discoveryStopped(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.discGen {
		return
	}

	c.discGen++
	c.stopDiscover = nil
	c.discovering = false
	c.refreshActivityLocked(true)
}

func (c *Coordinator) recordDiscovery(ev transport.DiscoveryEvent) DiscoveryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case transport.EndpointFound:
		c.devices[ev.EndpointID] = Device{EndpointID: ev.EndpointID, Name: ev.EndpointName}
		if ev.EndpointName != "" {
			c.names[ev.EndpointID] = ev.EndpointName
		}

		return DiscoveryEvent{Kind: DeviceFound, EndpointID: ev.EndpointID, Name: ev.EndpointName}
	default:
		delete(c.devices, ev.EndpointID)

		return DiscoveryEvent{Kind: DeviceLost, EndpointID: ev.EndpointID}
	}
}

// RequestConnection asks endpointID for a session. The stream starts with Requesting and
// carries the lifecycle of that connection until ctx is done.
func (c *Coordinator) RequestConnection(ctx context.Context, endpointID, localName string) (<-chan LifecycleEvent, error) {
	logger := logctx.LoggerFromContext(logctx.WithEndpoint(ctx, endpointID))

	out, stopWatching := c.watchLifecycle(ctx, func(ev LifecycleEvent) bool {
		return !ev.Incoming && ev.EndpointID == endpointID
	}, LifecycleEvent.terminal, LifecycleEvent{Kind: Requesting, EndpointID: endpointID})

	err := c.telemetry.InstrumentConnection(ctx, "connect", func(ctx context.Context) error {
		return c.transport.Connect(ctx, endpointID, localName)
	})
	if err != nil {
		stopWatching()

		c.mu.Lock()
		c.setStateLocked(Error{Message: failureMessage(err, "Request failed")})
		c.mu.Unlock()

		logger.Error("connection request failed", "err", err)

		return nil, &ConnectionError{Op: "connect", EndpointID: endpointID, Err: err}
	}

	logger.Info("connection requested")

	return out, nil
}

func (c *Coordinator) AcceptConnection(ctx context.Context, endpointID string) error {
	if err := c.transport.AcceptConnection(ctx, endpointID); err != nil {
		return &ConnectionError{Op: "accept", EndpointID: endpointID, Err: err}
	}

	return nil
}

func (c *Coordinator) RejectConnection(ctx context.Context, endpointID string) error {
	if err := c.transport.RejectConnection(ctx, endpointID); err != nil {
		return &ConnectionError{Op: "reject", EndpointID: endpointID, Err: err}
	}

	return nil
}

// Disconnect tears the session down and stops advertising and discovery.
func (c *Coordinator) Disconnect(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()

	endpointID := c.current

	endpoints := make([]string, 0, len(c.connected))
	for id := range c.connected {
		endpoints = append(endpoints, id)
	}

	if c.stopAdvertise != nil {
		c.stopAdvertise()
	}

	if c.stopDiscover != nil {
		c.stopDiscover()
	}

	c.advGen++
	c.discGen++
	c.stopAdvertise, c.stopDiscover = nil, nil
	c.advertising, c.discovering = false, false
	c.current = ""
	c.connected = make(map[string]struct{})
	c.devices = make(map[string]Device)
	c.setStateLocked(Idle{})
	c.mu.Unlock()

	for _, id := range endpoints {
		c.transport.Disconnect(id)
	}

	logger.Info("disconnected", "endpoint_id", endpointID, "endpoints", len(endpoints))
}

// Run consumes transport connection events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.transport.Connections():
			if !ok {
				return nil
			}

			c.handleConnectionEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleConnectionEvent(ctx context.Context, ev transport.ConnectionEvent) {
	ctx = logctx.WithEndpoint(ctx, ev.EndpointID)
	logger := logctx.LoggerFromContext(ctx)

	switch ev.Kind {
	case transport.ConnectionInitiated:
		c.mu.Lock()
		if ev.EndpointName != "" {
			c.names[ev.EndpointID] = ev.EndpointName
		}

		c.incoming[ev.EndpointID] = ev.Incoming
		c.mu.Unlock()

		kind := Initiated
		if ev.Incoming {
			kind = ConnectionRequested
		}

		c.lifecycle.Publish(LifecycleEvent{Kind: kind, EndpointID: ev.EndpointID, Name: ev.EndpointName, Incoming: ev.Incoming})

		logger.Info("connection initiated", "remote_name", ev.EndpointName, "incoming", ev.Incoming)

		if c.autoAccept {
			if err := c.AcceptConnection(ctx, ev.EndpointID); err != nil {
				logger.Error("failed to accept connection", "err", err)
			}
		}
	case transport.ConnectionResult:
		c.mu.Lock()
		incoming := c.incoming[ev.EndpointID]

		if ev.Status == transport.StatusOK {
			c.current = ev.EndpointID
			c.connected[ev.EndpointID] = struct{}{}
			c.setStateLocked(Connected{EndpointID: ev.EndpointID})
			c.mu.Unlock()

			logger.Info("connected")
			c.lifecycle.Publish(LifecycleEvent{Kind: EndpointConnected, EndpointID: ev.EndpointID, Name: ev.EndpointName, Incoming: incoming})

			return
		}

		delete(c.incoming, ev.EndpointID)
		c.setStateLocked(Error{Message: "Connection failed"})
		c.mu.Unlock()

		logger.Warn("connection failed", "status", ev.Status)
		c.lifecycle.Publish(LifecycleEvent{Kind: Failed, EndpointID: ev.EndpointID, Message: "Connection failed", Incoming: incoming})
	case transport.ConnectionDisconnected:
		c.mu.Lock()
		incoming := c.incoming[ev.EndpointID]
		delete(c.incoming, ev.EndpointID)

		if _, ok := c.connected[ev.EndpointID]; ok {
			delete(c.connected, ev.EndpointID)

			if c.current == ev.EndpointID {
				c.current = c.promoteLocked()
			}

			if len(c.connected) == 0 {
				c.setStateLocked(Idle{})
			} else {
				c.setStateLocked(Connected{EndpointID: c.current})
			}
		}
		c.mu.Unlock()

		logger.Info("endpoint disconnected")
		c.lifecycle.Publish(LifecycleEvent{Kind: EndpointDisconnected, EndpointID: ev.EndpointID, Incoming: incoming})
	}
}

// promoteLocked picks the next current endpoint from the remaining connections.
func (c *Coordinator) promoteLocked() string {
	next := ""
	for id := range c.connected {
		if next == "" || id < next {
			next = id
		}
	}

	return next
}

// watchLifecycle forwards matching lifecycle events, after first, until ctx is done, stop is
// called or a forwarded event satisfies last.
func (c *Coordinator) watchLifecycle(ctx context.Context, match, last func(LifecycleEvent) bool, first LifecycleEvent) (<-chan LifecycleEvent, context.CancelFunc) {
	wctx, stop := context.WithCancel(ctx)
	in := c.lifecycle.Listen(wctx)
	out := make(chan LifecycleEvent, events.DefaultBuffer)

	out <- first

	go func() {
		defer close(out)

		for ev := range in {
			if !match(ev) {
				continue
			}

			select {
			case out <- ev:
			case <-wctx.Done():
				return
			}

			if last != nil && last(ev) {
				stop()

				return
			}
		}
	}()

	return out, stop
}

// Close ends every state subscription and lifecycle stream.
func (c *Coordinator) Close() {
	c.states.Close()
	c.lifecycle.Close()
}
