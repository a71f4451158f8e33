package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/italolelis/phototransfer/internal/transport"
)

// conn is one negotiated (or negotiating) connection. Its control stream stays open for the
// lifetime of the connection; the stream ending means the peer is gone.
type conn struct {
	stream    network.Stream
	name      string
	decision  chan bool
	connected bool
}

func (t *Transport) Connect(ctx context.Context, endpointID, localName string) error {
	pid, err := peer.Decode(endpointID)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpointID, transport.ErrEndpointUnknown)
	}

	t.mu.Lock()
	_, exists := t.conns[pid]
	t.mu.Unlock()

	if exists {
		return fmt.Errorf("connect to %s: %w", endpointID, transport.ErrAlreadyActive)
	}

	s, err := t.host.NewStream(ctx, pid, connectProtocol)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpointID, err)
	}

	if err := writeFrame(s, hello{Name: localName}); err != nil {
		s.Reset()

		return fmt.Errorf("connect to %s: %w", endpointID, err)
	}

	go func() {
		var remote hello
		if err := readFrame(s, &remote); err != nil {
			s.Reset()
			t.emitConnection(transport.ConnectionEvent{
				Kind:       transport.ConnectionResult,
				EndpointID: endpointID,
				Status:     transport.StatusError,
			})

			return
		}

		t.negotiate(s, pid, remote.Name, false)
	}()

	return nil
}

func (t *Transport) handleConnect(s network.Stream) {
	var remote hello
	if err := readFrame(s, &remote); err != nil {
		s.Reset()

		return
	}

	t.mu.Lock()
	adv := t.advert
	t.mu.Unlock()

	if adv == nil {
		// not accepting connections while hidden
		s.Reset()

		return
	}

	if err := writeFrame(s, hello{Name: adv.name, ServiceID: adv.serviceID, Advertising: true}); err != nil {
		s.Reset()

		return
	}

	t.negotiate(s, s.Conn().RemotePeer(), remote.Name, true)
}

// negotiate exchanges accept/reject decisions on both sides and, once connected, watches the
// control stream until it ends.
func (t *Transport) negotiate(s network.Stream, pid peer.ID, remoteName string, incoming bool) {
	endpointID := pid.String()
	logger := t.logger.With("endpoint_id", endpointID, "incoming", incoming)

	c := &conn{stream: s, name: remoteName, decision: make(chan bool, 1)}

	t.mu.Lock()
	if _, exists := t.conns[pid]; exists {
		t.mu.Unlock()
		s.Reset()

		return
	}
	t.conns[pid] = c
	t.mu.Unlock()

	t.emitConnection(transport.ConnectionEvent{
		Kind:         transport.ConnectionInitiated,
		EndpointID:   endpointID,
		EndpointName: remoteName,
		Incoming:     incoming,
	})

	var accept bool

	select {
	case accept = <-c.decision:
	case <-time.After(decisionTimeout):
		logger.Warn("connection was neither accepted nor rejected in time")
	case <-t.ctx.Done():
	}

	status := transport.StatusRejected

	var remote decision
	if err := writeFrame(s, decision{Accept: accept}); err != nil {
		status = transport.StatusError
	} else if err := readFrame(s, &remote); err != nil {
		status = transport.StatusError
	} else if accept && remote.Accept {
		status = transport.StatusOK
	}

	if status != transport.StatusOK {
		t.forget(pid, c)
		s.Reset()

		t.emitConnection(transport.ConnectionEvent{
			Kind:         transport.ConnectionResult,
			EndpointID:   endpointID,
			EndpointName: remoteName,
			Status:       status,
		})

		return
	}

	t.mu.Lock()
	c.connected = true
	t.mu.Unlock()

	logger.Info("connection established", "remote_name", remoteName)

	t.emitConnection(transport.ConnectionEvent{
		Kind:         transport.ConnectionResult,
		EndpointID:   endpointID,
		EndpointName: remoteName,
		Status:       transport.StatusOK,
	})

	// nothing else is ever written on the control stream, a read returns when it ends
	var discard decision
	_ = readFrame(s, &discard)

	if t.forget(pid, c) {
		s.Reset()
		logger.Info("connection closed by peer")

		t.emitConnection(transport.ConnectionEvent{
			Kind:       transport.ConnectionDisconnected,
			EndpointID: endpointID,
		})
	}
}

// forget removes c if it is still the connection registered for pid.
func (t *Transport) forget(pid peer.ID, c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conns[pid] != c {
		return false
	}

	delete(t.conns, pid)

	return true
}

func (t *Transport) AcceptConnection(_ context.Context, endpointID string) error {
	return t.decide(endpointID, true)
}

func (t *Transport) RejectConnection(_ context.Context, endpointID string) error {
	return t.decide(endpointID, false)
}

func (t *Transport) decide(endpointID string, accept bool) error {
	pid, err := peer.Decode(endpointID)
	if err != nil {
		return fmt.Errorf("decide %s: %w", endpointID, transport.ErrEndpointUnknown)
	}

	t.mu.Lock()
	c, ok := t.conns[pid]
	connected := ok && c.connected
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("decide %s: %w", endpointID, transport.ErrEndpointUnknown)
	}

	if connected {
		return nil
	}

	select {
	case c.decision <- accept:
	default:
	}

	return nil
}

// Disconnect closes the control stream; the remote side sees it end.
func (t *Transport) Disconnect(endpointID string) {
	pid, err := peer.Decode(endpointID)
	if err != nil {
		return
	}

	t.mu.Lock()
	c, ok := t.conns[pid]
	delete(t.conns, pid)
	t.mu.Unlock()

	if ok {
		c.stream.Close()
	}
}

func (t *Transport) connected(pid peer.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[pid]

	return ok && c.connected
}
