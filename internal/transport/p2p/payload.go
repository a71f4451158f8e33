package p2p

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/italolelis/phototransfer/internal/media/progress"
	"github.com/italolelis/phototransfer/internal/transport"
)

const (
	maxBytesPayload = 1 << 20
	dirPerm         = 0o755
	fileMode        = 0o644
)

func (t *Transport) SendPayload(ctx context.Context, endpointID string, p *transport.Payload) error {
	pid, err := peer.Decode(endpointID)
	if err != nil || !t.connected(pid) {
		return fmt.Errorf("send payload %d: %w", p.ID, transport.ErrNotConnected)
	}

	header := payloadHeader{ID: int64(p.ID), Kind: int(p.Kind)}

	var body io.ReadCloser

	switch p.Kind {
	case transport.PayloadFile:
		f, err := os.Open(p.File.Path)
		if err != nil {
			return fmt.Errorf("send payload %d: %w", p.ID, err)
		}

		header.Name = p.File.Name
		header.Size = p.File.Size

		if info, err := f.Stat(); err == nil {
			header.Size = info.Size()
		}

		body = f
	case transport.PayloadBytes:
		if len(p.Bytes) > maxBytesPayload {
			return fmt.Errorf("send payload %d: %d bytes exceeds the bytes payload limit", p.ID, len(p.Bytes))
		}

		header.Size = int64(len(p.Bytes))
		body = io.NopCloser(bytes.NewReader(p.Bytes))
	default:
		return fmt.Errorf("send payload %d: unsupported kind %s", p.ID, p.Kind)
	}

	s, err := t.host.NewStream(ctx, pid, payloadProtocol)
	if err != nil {
		body.Close()

		return fmt.Errorf("send payload %d: %w", p.ID, err)
	}

	go t.sendStream(s, endpointID, p.ID, header, body)

	return nil
}

func (t *Transport) sendStream(s network.Stream, endpointID string, id transport.PayloadID, header payloadHeader, body io.ReadCloser) {
	defer body.Close()

	logger := t.logger.With("endpoint_id", endpointID, "payload_id", int64(id))

	update := func(status transport.UpdateStatus, transferred int64) {
		t.emitPayload(transport.PayloadEvent{
			EndpointID: endpointID,
			Update: &transport.Update{
				PayloadID:        id,
				Status:           status,
				BytesTransferred: transferred,
				TotalBytes:       header.Size,
			},
		})
	}

	fail := func(err error, transferred int64) {
		logger.Warn("payload send failed", "err", err)
		s.Reset()
		update(transport.UpdateFailure, transferred)
	}

	if err := writeFrame(s, header); err != nil {
		fail(err, 0)

		return
	}

	reader := progress.NewReader(body, header.Size, progress.DefaultInterval, func(transferred, _ int64) {
		update(transport.UpdateInProgress, transferred)
	})

	written, err := io.Copy(s, reader)
	if err != nil {
		fail(err, written)

		return
	}

	if err := s.CloseWrite(); err != nil {
		fail(err, written)

		return
	}

	var ack payloadAck
	if err := readFrame(s, &ack); err != nil {
		fail(err, written)

		return
	}

	s.Close()

	if !ack.OK {
		update(transport.UpdateFailure, ack.Received)

		return
	}

	update(transport.UpdateSuccess, written)
}

func (t *Transport) handlePayload(s network.Stream) {
	remote := s.Conn().RemotePeer()
	endpointID := remote.String()
	logger := t.logger.With("endpoint_id", endpointID)

	if !t.connected(remote) {
		logger.Warn("refusing payload from an endpoint that is not connected")
		s.Reset()

		return
	}

	var header payloadHeader
	if err := readFrame(s, &header); err != nil {
		s.Reset()

		return
	}

	id := transport.PayloadID(header.ID)
	logger = logger.With("payload_id", header.ID)

	if header.Size < 0 {
		logger.Warn("refusing payload with a negative size", "size", header.Size)
		s.Reset()

		return
	}

	if !t.beginReceive(id) {
		logger.Warn("refusing payload already being received")
		s.Reset()

		return
	}
	defer t.endReceive(id)

	update := func(status transport.UpdateStatus, transferred int64) {
		t.emitPayload(transport.PayloadEvent{
			EndpointID: endpointID,
			Update: &transport.Update{
				PayloadID:        id,
				Status:           status,
				BytesTransferred: transferred,
				TotalBytes:       header.Size,
			},
		})
	}

	switch transport.PayloadKind(header.Kind) {
	case transport.PayloadBytes:
		if header.Size > maxBytesPayload {
			s.Reset()

			return
		}

		data := make([]byte, header.Size)
		if _, err := io.ReadFull(s, data); err != nil {
			s.Reset()

			return
		}

		t.emitPayload(transport.PayloadEvent{
			EndpointID: endpointID,
			Payload:    &transport.Payload{ID: id, Kind: transport.PayloadBytes, Bytes: data},
		})

		writeFrame(s, payloadAck{OK: true, Received: header.Size}) //nolint:errcheck
		s.Close()
		update(transport.UpdateSuccess, header.Size)
	case transport.PayloadFile:
		dest := filepath.Join(t.inbox, endpointID, strconv.FormatInt(header.ID, 10))

		out, err := createInboxFile(dest)
		if err != nil {
			logger.Warn("payload receive failed", "err", err)
			s.Reset()

			return
		}

		t.emitPayload(transport.PayloadEvent{
			EndpointID: endpointID,
			Payload: &transport.Payload{
				ID:   id,
				Kind: transport.PayloadFile,
				File: &transport.File{Path: dest, Name: header.Name, Size: header.Size},
			},
		})

		received, err := receiveFile(out, s, header.Size, func(transferred, _ int64) {
			update(transport.UpdateInProgress, transferred)
		})
		if err != nil {
			logger.Warn("payload receive failed", "err", err)
			os.Remove(dest)
			writeFrame(s, payloadAck{OK: false, Received: received}) //nolint:errcheck
			s.Reset()
			update(transport.UpdateFailure, received)

			return
		}

		writeFrame(s, payloadAck{OK: true, Received: received}) //nolint:errcheck
		s.Close()
		update(transport.UpdateSuccess, received)
	default:
		s.Reset()
	}
}

// beginReceive claims id for one incoming stream. It fails while another stream holds it.
func (t *Transport) beginReceive(id transport.PayloadID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.receiving[id]; busy {
		return false
	}

	t.receiving[id] = struct{}{}

	return true
}

func (t *Transport) endReceive(id transport.PayloadID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.receiving, id)
}

// createInboxFile creates dest, failing if it already exists.
func createInboxFile(dest string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
}

func receiveFile(out *os.File, r io.Reader, size int64, onProgress func(int64, int64)) (int64, error) {
	written, err := io.Copy(out, progress.NewReader(io.LimitReader(r, size), size, progress.DefaultInterval, onProgress))
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err == nil && written != size {
		err = fmt.Errorf("short payload: %d of %d bytes: %w", written, size, io.ErrUnexpectedEOF)
	}

	return written, err
}
