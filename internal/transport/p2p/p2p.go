// Package p2p implements the peer transport on libp2p. Endpoints find each other with mDNS,
// learn names over a small info protocol, negotiate a connection over a long-lived control
// stream and move every payload over its own stream.
package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"

	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/transport"
)

const (
	infoProtocol    = protocol.ID("/phototransfer/info/1.0.0")
	connectProtocol = protocol.ID("/phototransfer/connect/1.0.0")
	payloadProtocol = protocol.ID("/phototransfer/payload/1.0.0")

	eventBuffer     = 256
	probeTimeout    = 10 * time.Second
	decisionTimeout = time.Minute
)

type Config struct {
	// ListenAddr is a multiaddr such as /ip4/0.0.0.0/tcp/0.
	ListenAddr string
	// InboxDir receives the content of file payloads.
	InboxDir string
}

// Transport is a transport.Transport backed by a libp2p host.
type Transport struct {
	host   host.Host
	inbox  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connections chan transport.ConnectionEvent
	payloads    chan transport.PayloadEvent

	mu          sync.Mutex
	advert      *advertisement
	discoverers map[*discoverer]struct{}
	discovered  map[peer.ID]string
	conns       map[peer.ID]*conn
	receiving   map[transport.PayloadID]struct{}
	mdns        mdns.Service
	mdnsUsers   int
}

type advertisement struct {
	name      string
	serviceID string
}

type discoverer struct {
	serviceID string
	ch        chan transport.DiscoveryEvent
}

// New starts a libp2p host listening on cfg.ListenAddr. The host lives until Close.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	addr, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	t := &Transport{
		host:        h,
		inbox:       cfg.InboxDir,
		logger:      logctx.LoggerFromContext(ctx).With("component", "p2p"),
		ctx:         tctx,
		cancel:      cancel,
		connections: make(chan transport.ConnectionEvent, eventBuffer),
		payloads:    make(chan transport.PayloadEvent, eventBuffer),
		discoverers: make(map[*discoverer]struct{}),
		discovered:  make(map[peer.ID]string),
		conns:       make(map[peer.ID]*conn),
		receiving:   make(map[transport.PayloadID]struct{}),
	}

	h.SetStreamHandler(infoProtocol, t.handleInfo)
	h.SetStreamHandler(connectProtocol, t.handleConnect)
	h.SetStreamHandler(payloadProtocol, t.handlePayload)
	h.Network().Notify(&network.NotifyBundle{DisconnectedF: t.peerDisconnected})

	t.logger.Info("p2p host started", "peer_id", h.ID().String(), "addrs", multiaddrsToStrings(h.Addrs()))

	return t, nil
}

// ID is the endpoint id remote transports address this one with.
func (t *Transport) ID() string {
	return t.host.ID().String()
}

func (t *Transport) Connections() <-chan transport.ConnectionEvent {
	return t.connections
}

func (t *Transport) Payloads() <-chan transport.PayloadEvent {
	return t.payloads
}

// Close stops mDNS and the host, dropping every connection.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	if t.mdns != nil {
		t.mdns.Close()
		t.mdns = nil
	}
	t.mu.Unlock()

	return t.host.Close()
}

// Advertise answers info requests with localName until ctx is done. mDNS failing to start
// is logged: peers that already know our address can still find us.
func (t *Transport) Advertise(ctx context.Context, localName, serviceID string) error {
	adv := &advertisement{name: localName, serviceID: serviceID}

	t.mu.Lock()
	t.advert = adv
	t.acquireMDNSLocked()
	t.mu.Unlock()

	go func() {
		<-ctx.Done()

		t.mu.Lock()
		defer t.mu.Unlock()

		if t.advert == adv {
			t.advert = nil
		}

		t.releaseMDNSLocked()
	}()

	return nil
}

func (t *Transport) Discover(ctx context.Context, serviceID string) (<-chan transport.DiscoveryEvent, error) {
	d := &discoverer{serviceID: serviceID, ch: make(chan transport.DiscoveryEvent, eventBuffer)}

	t.mu.Lock()
	t.discoverers[d] = struct{}{}
	t.acquireMDNSLocked()
	t.mu.Unlock()

	go func() {
		<-ctx.Done()

		t.mu.Lock()
		defer t.mu.Unlock()

		delete(t.discoverers, d)
		close(d.ch)
		t.releaseMDNSLocked()
	}()

	return d.ch, nil
}

func (t *Transport) acquireMDNSLocked() {
	t.mdnsUsers++
	if t.mdns != nil {
		return
	}

	svc := mdns.NewMdnsService(t.host, mdns.ServiceName, t)
	if err := svc.Start(); err != nil {
		t.logger.Warn("failed to start mDNS discovery", "err", err)

		return
	}

	t.mdns = svc
}

func (t *Transport) releaseMDNSLocked() {
	t.mdnsUsers--
	if t.mdnsUsers > 0 || t.mdns == nil {
		return
	}

	if err := t.mdns.Close(); err != nil {
		t.logger.Warn("failed to stop mDNS discovery", "err", err)
	}

	t.mdns = nil
}

// HandlePeerFound implements mdns.Notifee.
func (t *Transport) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == t.host.ID() {
		return
	}

	go t.probe(pi)
}

// probe asks a found peer what it advertises and reports it to matching discoverers.
func (t *Transport) probe(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(t.ctx, probeTimeout)
	defer cancel()

	logger := t.logger.With("peer_id", pi.ID.String())

	if err := t.host.Connect(ctx, pi); err != nil {
		logger.Debug("failed to connect to discovered peer", "err", err)

		return
	}

	s, err := t.host.NewStream(ctx, pi.ID, infoProtocol)
	if err != nil {
		logger.Debug("failed to open info stream", "err", err)

		return
	}
	defer s.Close()

	var info hello
	if err := readFrame(s, &info); err != nil {
		logger.Debug("failed to read peer info", "err", err)

		return
	}

	if !info.Advertising {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.discovered[pi.ID] = info.Name

	for d := range t.discoverers {
		if d.serviceID != info.ServiceID {
			continue
		}

		select {
		case d.ch <- transport.DiscoveryEvent{Kind: transport.EndpointFound, EndpointID: pi.ID.String(), EndpointName: info.Name}:
		default:
			logger.Warn("discovery subscriber is full, dropping event")
		}
	}
}

func (t *Transport) handleInfo(s network.Stream) {
	defer s.Close()

	t.mu.Lock()
	adv := t.advert
	t.mu.Unlock()

	reply := hello{}
	if adv != nil {
		reply = hello{Name: adv.name, ServiceID: adv.serviceID, Advertising: true}
	}

	if err := writeFrame(s, reply); err != nil {
		s.Reset()
	}
}

// peerDisconnected reports a discovered peer as lost once no connection to it remains.
func (t *Transport) peerDisconnected(n network.Network, c network.Conn) {
	pid := c.RemotePeer()
	if n.Connectedness(pid) == network.Connected {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.discovered[pid]; !ok {
		return
	}

	delete(t.discovered, pid)

	for d := range t.discoverers {
		select {
		case d.ch <- transport.DiscoveryEvent{Kind: transport.EndpointLost, EndpointID: pid.String()}:
		default:
		}
	}
}

func (t *Transport) emitConnection(ev transport.ConnectionEvent) {
	select {
	case t.connections <- ev:
	case <-t.ctx.Done():
	}
}

func (t *Transport) emitPayload(ev transport.PayloadEvent) {
	select {
	case t.payloads <- ev:
	case <-t.ctx.Done():
	}
}

func multiaddrsToStrings(addrs []multiaddr.Multiaddr) []string {
	strs := make([]string, len(addrs))
	for i, addr := range addrs {
		strs[i] = addr.String()
	}

	return strs
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ mdns.Notifee        = (*Transport)(nil)
)
