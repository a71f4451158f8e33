// Package loopback connects transports living in the same process. It backs TRANSPORT=loopback
// and the integration tests.
package loopback

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/italolelis/phototransfer/internal/media/progress"
	"github.com/italolelis/phototransfer/internal/transport"
)

const (
	eventBuffer = 256
	dirPerm     = 0o755
)

// Network is a shared medium: transports joined to it can see and connect to each other.
type Network struct {
	dir string

	mu          sync.Mutex
	endpoints   map[string]*Transport
	adverts     map[string]*advert
	discoverers map[*discoverer]struct{}
	links       map[[2]string]*link
}

type advert struct {
	name      string
	serviceID string
}

type discoverer struct {
	owner     string
	serviceID string
	ch        chan transport.DiscoveryEvent
}

type link struct {
	names     map[string]string
	accepted  map[string]bool
	connected bool
}

// NewNetwork stores received files under dir, one subdirectory per endpoint.
func NewNetwork(dir string) *Network {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "phototransfer-loopback")
	}

	return &Network{
		dir:         dir,
		endpoints:   make(map[string]*Transport),
		adverts:     make(map[string]*advert),
		discoverers: make(map[*discoverer]struct{}),
		links:       make(map[[2]string]*link),
	}
}

// Join returns the transport of endpointID, creating it on first use.
func (n *Network) Join(endpointID string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.endpoints[endpointID]; ok {
		return t
	}

	t := &Transport{
		id:          endpointID,
		net:         n,
		connections: make(chan transport.ConnectionEvent, eventBuffer),
		payloads:    make(chan transport.PayloadEvent, eventBuffer),
		done:        make(chan struct{}),
	}
	n.endpoints[endpointID] = t

	return t
}

func key(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}

	return [2]string{a, b}
}

// Transport is one endpoint of a Network.
type Transport struct {
	id  string
	net *Network

	connections chan transport.ConnectionEvent
	payloads    chan transport.PayloadEvent

	failNext atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the endpoint id other transports address this one with.
func (t *Transport) ID() string {
	return t.id
}

// FailNextSends makes the next n file payloads sent from t report a failure.
func (t *Transport) FailNextSends(n int) {
	t.failNext.Store(int32(n))
}

// Close stops delivering events to t. Events for it are dropped from then on.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })

	return nil
}

func (t *Transport) emitConnection(ev transport.ConnectionEvent) {
	select {
	case t.connections <- ev:
	case <-t.done:
	}
}

func (t *Transport) emitPayload(ev transport.PayloadEvent) {
	select {
	case t.payloads <- ev:
	case <-t.done:
	}
}

func (t *Transport) Connections() <-chan transport.ConnectionEvent {
	return t.connections
}

func (t *Transport) Payloads() <-chan transport.PayloadEvent {
	return t.payloads
}

func (t *Transport) Advertise(ctx context.Context, localName, serviceID string) error {
	n := t.net
	adv := &advert{name: localName, serviceID: serviceID}

	n.mu.Lock()
	n.adverts[t.id] = adv
	n.notifyLocked(t.id, adv, transport.EndpointFound)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()

		n.mu.Lock()
		defer n.mu.Unlock()

		// a newer Advertise may have replaced this one
		if n.adverts[t.id] == adv {
			delete(n.adverts, t.id)
			n.notifyLocked(t.id, adv, transport.EndpointLost)
		}
	}()

	return nil
}

func (n *Network) notifyLocked(endpointID string, adv *advert, kind transport.DiscoveryEventKind) {
	for d := range n.discoverers {
		if d.owner == endpointID || d.serviceID != adv.serviceID {
			continue
		}

		select {
		case d.ch <- transport.DiscoveryEvent{Kind: kind, EndpointID: endpointID, EndpointName: adv.name}:
		default:
		}
	}
}

func (t *Transport) Discover(ctx context.Context, serviceID string) (<-chan transport.DiscoveryEvent, error) {
	n := t.net
	d := &discoverer{owner: t.id, serviceID: serviceID, ch: make(chan transport.DiscoveryEvent, eventBuffer)}

	n.mu.Lock()
	n.discoverers[d] = struct{}{}

	for id, adv := range n.adverts {
		if id == t.id || adv.serviceID != serviceID {
			continue
		}

		d.ch <- transport.DiscoveryEvent{Kind: transport.EndpointFound, EndpointID: id, EndpointName: adv.name}
	}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()

		n.mu.Lock()
		defer n.mu.Unlock()

		delete(n.discoverers, d)
		close(d.ch)
	}()

	return d.ch, nil
}

func (t *Transport) Connect(_ context.Context, endpointID, localName string) error {
	n := t.net

	n.mu.Lock()

	remote, ok := n.endpoints[endpointID]
	adv, advertising := n.adverts[endpointID]

	if !ok || !advertising {
		n.mu.Unlock()

		return fmt.Errorf("connect to %s: %w", endpointID, transport.ErrEndpointUnknown)
	}

	k := key(t.id, endpointID)
	if _, exists := n.links[k]; exists {
		n.mu.Unlock()

		return fmt.Errorf("connect to %s: %w", endpointID, transport.ErrAlreadyActive)
	}

	n.links[k] = &link{
		names:    map[string]string{t.id: localName, endpointID: adv.name},
		accepted: make(map[string]bool, 2),
	}
	n.mu.Unlock()

	t.emitConnection(transport.ConnectionEvent{
		Kind:         transport.ConnectionInitiated,
		EndpointID:   endpointID,
		EndpointName: adv.name,
	})
	remote.emitConnection(transport.ConnectionEvent{
		Kind:         transport.ConnectionInitiated,
		EndpointID:   t.id,
		EndpointName: localName,
		Incoming:     true,
	})

	return nil
}

func (t *Transport) AcceptConnection(_ context.Context, endpointID string) error {
	n := t.net

	n.mu.Lock()

	l, ok := n.links[key(t.id, endpointID)]
	if !ok {
		n.mu.Unlock()

		return fmt.Errorf("accept %s: %w", endpointID, transport.ErrEndpointUnknown)
	}

	if l.connected {
		n.mu.Unlock()

		return nil
	}

	l.accepted[t.id] = true
	l.connected = l.accepted[endpointID]
	remote := n.endpoints[endpointID]
	connected := l.connected
	names := l.names
	n.mu.Unlock()

	if connected {
		t.emitConnection(transport.ConnectionEvent{
			Kind:         transport.ConnectionResult,
			EndpointID:   endpointID,
			EndpointName: names[endpointID],
			Status:       transport.StatusOK,
		})
		remote.emitConnection(transport.ConnectionEvent{
			Kind:         transport.ConnectionResult,
			EndpointID:   t.id,
			EndpointName: names[t.id],
			Status:       transport.StatusOK,
		})
	}

	return nil
}

func (t *Transport) RejectConnection(_ context.Context, endpointID string) error {
	n := t.net

	n.mu.Lock()

	k := key(t.id, endpointID)

	l, ok := n.links[k]
	if !ok {
		n.mu.Unlock()

		return fmt.Errorf("reject %s: %w", endpointID, transport.ErrEndpointUnknown)
	}

	delete(n.links, k)
	remote := n.endpoints[endpointID]
	n.mu.Unlock()

	t.emitConnection(transport.ConnectionEvent{
		Kind:         transport.ConnectionResult,
		EndpointID:   endpointID,
		EndpointName: l.names[endpointID],
		Status:       transport.StatusRejected,
	})
	remote.emitConnection(transport.ConnectionEvent{
		Kind:         transport.ConnectionResult,
		EndpointID:   t.id,
		EndpointName: l.names[t.id],
		Status:       transport.StatusRejected,
	})

	return nil
}

// Disconnect drops the link. Only the remote side is told, the caller already knows.
func (t *Transport) Disconnect(endpointID string) {
	n := t.net

	n.mu.Lock()

	k := key(t.id, endpointID)
	l, ok := n.links[k]
	delete(n.links, k)
	remote := n.endpoints[endpointID]
	n.mu.Unlock()

	if ok && l.connected {
		remote.emitConnection(transport.ConnectionEvent{
			Kind:       transport.ConnectionDisconnected,
			EndpointID: t.id,
		})
	}
}

func (t *Transport) SendPayload(ctx context.Context, endpointID string, p *transport.Payload) error {
	n := t.net

	n.mu.Lock()
	l, ok := n.links[key(t.id, endpointID)]
	connected := ok && l.connected
	remote := n.endpoints[endpointID]
	n.mu.Unlock()

	if !connected {
		return fmt.Errorf("send payload %d: %w", p.ID, transport.ErrNotConnected)
	}

	if p.Kind == transport.PayloadBytes {
		remote.emitPayload(transport.PayloadEvent{EndpointID: t.id, Payload: p})
		t.update(endpointID, remote, p.ID, transport.UpdateSuccess, int64(len(p.Bytes)), int64(len(p.Bytes)))

		return nil
	}

	src, err := os.Open(p.File.Path)
	if err != nil {
		return fmt.Errorf("send payload %d: %w", p.ID, err)
	}

	go t.copyFile(src, endpointID, remote, p)

	return nil
}

// update reports the same status to both sides of a payload.
func (t *Transport) update(endpointID string, remote *Transport, id transport.PayloadID, status transport.UpdateStatus, transferred, total int64) {
	u := transport.Update{PayloadID: id, Status: status, BytesTransferred: transferred, TotalBytes: total}

	sent, received := u, u
	t.emitPayload(transport.PayloadEvent{EndpointID: endpointID, Update: &sent})
	remote.emitPayload(transport.PayloadEvent{EndpointID: t.id, Update: &received})
}

func (t *Transport) copyFile(src *os.File, endpointID string, remote *Transport, p *transport.Payload) {
	defer src.Close()

	total := p.File.Size
	if total <= 0 {
		if info, err := src.Stat(); err == nil {
			total = info.Size()
		}
	}

	dir := filepath.Join(t.net.dir, remote.id)
	dest := filepath.Join(dir, fmt.Sprintf("%d", p.ID))

	remote.emitPayload(transport.PayloadEvent{
		EndpointID: t.id,
		Payload: &transport.Payload{
			ID:   p.ID,
			Kind: transport.PayloadFile,
			File: &transport.File{Path: dest, Name: p.File.Name, Size: total},
		},
	})

	if t.failNext.Load() > 0 && t.failNext.Add(-1) >= 0 {
		t.update(endpointID, remote, p.ID, transport.UpdateFailure, 0, total)

		return
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		t.update(endpointID, remote, p.ID, transport.UpdateFailure, 0, total)

		return
	}

	out, err := os.Create(dest)
	if err != nil {
		t.update(endpointID, remote, p.ID, transport.UpdateFailure, 0, total)

		return
	}

	reader := progress.NewReader(src, total, progress.DefaultInterval, func(transferred, total int64) {
		t.update(endpointID, remote, p.ID, transport.UpdateInProgress, transferred, total)
	})

	written, err := io.Copy(out, reader)
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(dest)
		t.update(endpointID, remote, p.ID, transport.UpdateFailure, written, total)

		return
	}

	t.update(endpointID, remote, p.ID, transport.UpdateSuccess, written, total)
}

var _ transport.Transport = (*Transport)(nil)
