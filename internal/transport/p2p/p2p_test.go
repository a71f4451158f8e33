package p2p

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/phototransfer/internal/transport"
)

const testServiceID = "com.example.phototransfer.test"

func newTestTransport(t *testing.T) *Transport {
	t.Helper()

	tr, err := New(context.Background(), Config{
		ListenAddr: "/ip4/127.0.0.1/tcp/0",
		InboxDir:   t.TempDir(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { tr.Close() })

	return tr
}

func waitConnection(t *testing.T, tr *Transport, kind transport.ConnectionEventKind) transport.ConnectionEvent {
	t.Helper()

	timeout := time.After(10 * time.Second)

	for {
		select {
		case ev := <-tr.Connections():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func waitUpdate(t *testing.T, tr *Transport, id transport.PayloadID) (*transport.Payload, transport.Update) {
	t.Helper()

	var received *transport.Payload

	timeout := time.After(10 * time.Second)

	for {
		select {
		case ev := <-tr.Payloads():
			if ev.Payload != nil && ev.Payload.ID == id {
				received = ev.Payload
			}

			if ev.Update != nil && ev.Update.PayloadID == id && ev.Update.Status != transport.UpdateInProgress {
				return received, *ev.Update
			}
		case <-timeout:
			t.Fatal("timed out waiting for payload update")
		}
	}
}

// connectTransports negotiates a connection from alice to bob without going through mDNS.
func connectTransports(t *testing.T, ctx context.Context, alice, bob *Transport) {
	t.Helper()

	require.NoError(t, bob.Advertise(ctx, "bob", testServiceID))
	require.NoError(t, alice.host.Connect(ctx, peer.AddrInfo{ID: bob.host.ID(), Addrs: bob.host.Addrs()}))
	require.NoError(t, alice.Connect(ctx, bob.ID(), "alice"))

	waitConnection(t, alice, transport.ConnectionInitiated)
	waitConnection(t, bob, transport.ConnectionInitiated)

	require.NoError(t, alice.AcceptConnection(ctx, bob.ID()))
	require.NoError(t, bob.AcceptConnection(ctx, alice.ID()))

	require.Equal(t, transport.StatusOK, waitConnection(t, alice, transport.ConnectionResult).Status)
	require.Equal(t, transport.StatusOK, waitConnection(t, bob, transport.ConnectionResult).Status)
}

// openPayloadStream writes header on a raw payload stream, the way SendPayload starts one.
func openPayloadStream(t *testing.T, ctx context.Context, from, to *Transport, header payloadHeader) network.Stream {
	t.Helper()

	s, err := from.host.NewStream(ctx, to.host.ID(), payloadProtocol)
	require.NoError(t, err)

	t.Cleanup(func() { s.Reset() })

	writeFrame(s, header) //nolint:errcheck

	return s
}

func requireRefused(t *testing.T, s network.Stream) {
	t.Helper()

	s.CloseWrite() //nolint:errcheck

	var ack payloadAck
	require.Error(t, readFrame(s, &ack))
}

func assertNoPayload(t *testing.T, tr *Transport) {
	t.Helper()

	select {
	case ev := <-tr.Payloads():
		t.Fatalf("unexpected payload event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func waitPayload(t *testing.T, tr *Transport, id transport.PayloadID) *transport.Payload {
	t.Helper()

	timeout := time.After(10 * time.Second)

	for {
		select {
		case ev := <-tr.Payloads():
			if ev.Payload != nil && ev.Payload.ID == id {
				return ev.Payload
			}
		case <-timeout:
			t.Fatal("timed out waiting for payload")
		}
	}
}

func TestPayloadFromUnconnectedEndpointIsRefused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newTestTransport(t)
	bob := newTestTransport(t)

	require.NoError(t, alice.host.Connect(ctx, peer.AddrInfo{ID: bob.host.ID(), Addrs: bob.host.Addrs()}))

	s := openPayloadStream(t, ctx, alice, bob, payloadHeader{ID: 42, Kind: int(transport.PayloadFile), Name: "a.jpg", Size: 3})
	s.Write([]byte("abc")) //nolint:errcheck

	requireRefused(t, s)
	assertNoPayload(t, bob)

	entries, _ := os.ReadDir(bob.inbox)
	assert.Empty(t, entries)
}

func TestPayloadWithNegativeSizeIsRefused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newTestTransport(t)
	bob := newTestTransport(t)

	connectTransports(t, ctx, alice, bob)

	tests := []struct {
		name string
		kind transport.PayloadKind
	}{
		{"bytes", transport.PayloadBytes},
		{"file", transport.PayloadFile},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openPayloadStream(t, ctx, alice, bob, payloadHeader{ID: int64(i + 1), Kind: int(tt.kind), Size: -1})

			requireRefused(t, s)
			assertNoPayload(t, bob)
		})
	}

	// bob is still serving payloads
	p := &transport.Payload{ID: transport.NewPayloadID(), Kind: transport.PayloadBytes, Bytes: []byte("still here")}
	require.NoError(t, alice.SendPayload(ctx, bob.ID(), p))

	received, done := waitUpdate(t, bob, p.ID)
	require.NotNil(t, received)
	assert.Equal(t, transport.UpdateSuccess, done.Status)
	assert.Equal(t, "still here", string(received.Bytes))
}

func TestPayloadIDAlreadyBeingReceivedIsRefused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newTestTransport(t)
	bob := newTestTransport(t)

	connectTransports(t, ctx, alice, bob)

	header := payloadHeader{ID: 42, Kind: int(transport.PayloadFile), Name: "a.jpg", Size: 10}

	first := openPayloadStream(t, ctx, alice, bob, header)
	_, err := first.Write([]byte("12345"))
	require.NoError(t, err)

	received := waitPayload(t, bob, 42)

	second := openPayloadStream(t, ctx, alice, bob, header)
	second.Write([]byte("xxxxxxxxxx")) //nolint:errcheck
	requireRefused(t, second)

	_, err = first.Write([]byte("67890"))
	require.NoError(t, err)
	require.NoError(t, first.CloseWrite())

	var ack payloadAck
	require.NoError(t, readFrame(first, &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, int64(10), ack.Received)

	content, err := os.ReadFile(received.File.Path)
	require.NoError(t, err)
	assert.Equal(t, "1234567890", string(content))
	assert.Equal(t, filepath.Join(bob.inbox, alice.ID(), "42"), received.File.Path)
}

func TestNewRejectsInvalidListenAddr(t *testing.T) {
	_, err := New(context.Background(), Config{ListenAddr: "not-a-multiaddr"})
	assert.ErrorContains(t, err, "invalid listen address")
}

func TestDecideUnknownEndpoint(t *testing.T) {
	tr := newTestTransport(t)

	assert.ErrorIs(t, tr.AcceptConnection(context.Background(), "garbage"), transport.ErrEndpointUnknown)
	assert.ErrorIs(t, tr.RejectConnection(context.Background(), tr.ID()), transport.ErrEndpointUnknown)
}

func TestSendPayloadRequiresConnection(t *testing.T) {
	tr := newTestTransport(t)

	err := tr.SendPayload(context.Background(), tr.ID(), transport.NewFilePayload("/nope", "a.jpg", 1))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestTransportEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newTestTransport(t)
	bob := newTestTransport(t)

	require.NoError(t, bob.Advertise(ctx, "bob", testServiceID))

	found, err := alice.Discover(ctx, testServiceID)
	require.NoError(t, err)

	alice.HandlePeerFound(peer.AddrInfo{ID: bob.host.ID(), Addrs: bob.host.Addrs()})

	require.Eventually(t, func() bool {
		select {
		case ev := <-found:
			return ev.Kind == transport.EndpointFound && ev.EndpointID == bob.ID() && ev.EndpointName == "bob"
		default:
			return false
		}
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.Connect(ctx, bob.ID(), "alice"))

	initAlice := waitConnection(t, alice, transport.ConnectionInitiated)
	initBob := waitConnection(t, bob, transport.ConnectionInitiated)

	assert.False(t, initAlice.Incoming)
	assert.Equal(t, "bob", initAlice.EndpointName)
	assert.True(t, initBob.Incoming)
	assert.Equal(t, "alice", initBob.EndpointName)

	require.NoError(t, alice.AcceptConnection(ctx, bob.ID()))
	require.NoError(t, bob.AcceptConnection(ctx, alice.ID()))

	assert.Equal(t, transport.StatusOK, waitConnection(t, alice, transport.ConnectionResult).Status)
	assert.Equal(t, transport.StatusOK, waitConnection(t, bob, transport.ConnectionResult).Status)

	src := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(src, []byte("not really a jpeg"), 0o600))

	p := transport.NewFilePayload(src, "photo.jpg", 17)
	require.NoError(t, alice.SendPayload(ctx, bob.ID(), p))

	_, sent := waitUpdate(t, alice, p.ID)
	assert.Equal(t, transport.UpdateSuccess, sent.Status)

	received, done := waitUpdate(t, bob, p.ID)
	require.NotNil(t, received)
	assert.Equal(t, transport.UpdateSuccess, done.Status)
	assert.Equal(t, "photo.jpg", received.File.Name)

	content, err := os.ReadFile(received.File.Path)
	require.NoError(t, err)
	assert.Equal(t, "not really a jpeg", string(content))

	alice.Disconnect(bob.ID())

	ev := waitConnection(t, bob, transport.ConnectionDisconnected)
	assert.Equal(t, alice.ID(), ev.EndpointID)
}
