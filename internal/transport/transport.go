// Package transport defines the peer transport the connection and transfer layers run on.
// A transport advertises, discovers and connects endpoints addressed by opaque ids and moves
// framed payloads between connected endpoints. It reports everything that happens
// asynchronously on two queues: Connections and Payloads.
package transport

import (
	"context"
	"errors"
	"math/rand/v2"
)

var (
	ErrEndpointUnknown = errors.New("endpoint unknown")
	ErrNotConnected    = errors.New("endpoint not connected")
	ErrAlreadyActive   = errors.New("already active")
)

// PayloadID identifies a payload on both ends of a connection.
type PayloadID int64

// NewPayloadID returns a random positive id.
func NewPayloadID() PayloadID {
	return PayloadID(rand.Int64N(1<<62) + 1)
}

type PayloadKind int

const (
	PayloadFile PayloadKind = iota + 1
	PayloadBytes
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadFile:
		return "file"
	case PayloadBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// File is the content of a file payload. On the receiving side Path is where the transport
// stored the bytes, and is empty when the content could not be kept.
type File struct {
	Path string
	Name string
	Size int64
}

type Payload struct {
	ID    PayloadID
	Kind  PayloadKind
	File  *File
	Bytes []byte
}

// NewFilePayload builds a file payload with a fresh id.
func NewFilePayload(path, name string, size int64) *Payload {
	return &Payload{
		ID:   NewPayloadID(),
		Kind: PayloadFile,
		File: &File{Path: path, Name: name, Size: size},
	}
}

// ConnectionEventKind is the step of a connection lifecycle.
type ConnectionEventKind int

const (
	// ConnectionInitiated means both sides must now accept or reject.
	ConnectionInitiated ConnectionEventKind = iota + 1
	ConnectionResult
	ConnectionDisconnected
)

func (k ConnectionEventKind) String() string {
	switch k {
	case ConnectionInitiated:
		return "initiated"
	case ConnectionResult:
		return "result"
	case ConnectionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type ConnectionStatus int

const (
	StatusOK ConnectionStatus = iota + 1
	StatusRejected
	StatusError
)

type ConnectionEvent struct {
	Kind         ConnectionEventKind
	EndpointID   string
	EndpointName string
	// Incoming is set when the remote endpoint requested the connection.
	Incoming bool
	// Status is only meaningful for ConnectionResult.
	Status ConnectionStatus
}

type DiscoveryEventKind int

const (
	EndpointFound DiscoveryEventKind = iota + 1
	EndpointLost
)

type DiscoveryEvent struct {
	Kind         DiscoveryEventKind
	EndpointID   string
	EndpointName string
}

type UpdateStatus int

const (
	UpdateInProgress UpdateStatus = iota + 1
	UpdateSuccess
	UpdateFailure
	UpdateCanceled
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdateInProgress:
		return "in_progress"
	case UpdateSuccess:
		return "success"
	case UpdateFailure:
		return "failure"
	case UpdateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Update reports the progress of a payload in either direction.
type Update struct {
	PayloadID        PayloadID
	Status           UpdateStatus
	BytesTransferred int64
	TotalBytes       int64
}

// PayloadEvent carries either a received payload or an update, never both.
type PayloadEvent struct {
	EndpointID string
	Payload    *Payload
	Update     *Update
}

// Transport is implemented by loopback and p2p.
type Transport interface {
	// Advertise makes the local endpoint discoverable under serviceID until ctx is done.
	Advertise(ctx context.Context, localName, serviceID string) error
	// Discover reports endpoints advertising serviceID. The channel is closed once ctx is done.
	Discover(ctx context.Context, serviceID string) (<-chan DiscoveryEvent, error)
	// Connect requests a connection; its lifecycle is reported on Connections.
	Connect(ctx context.Context, endpointID, localName string) error
	AcceptConnection(ctx context.Context, endpointID string) error
	RejectConnection(ctx context.Context, endpointID string) error
	Disconnect(endpointID string)
	// SendPayload queues p; its progress is reported on Payloads as updates.
	SendPayload(ctx context.Context, endpointID string, p *Payload) error

	Connections() <-chan ConnectionEvent
	Payloads() <-chan PayloadEvent
}
