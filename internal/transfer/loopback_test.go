package transfer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/phototransfer/internal/connection"
	"github.com/italolelis/phototransfer/internal/media"
	"github.com/italolelis/phototransfer/internal/storage"
	"github.com/italolelis/phototransfer/internal/storage/sqlite"
	"github.com/italolelis/phototransfer/internal/transfer"
	"github.com/italolelis/phototransfer/internal/transport/loopback"
)

type device struct {
	transport   *loopback.Transport
	coordinator *connection.Coordinator
	orch        *transfer.Orchestrator
	repo        *sqlite.HistoryRepository
	galleryDir  string
}

func newDevice(t *testing.T, ctx context.Context, network *loopback.Network, id string) *device {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "history.db"))
	require.NoError(t, err)

	d := &device{
		transport:  network.Join(id),
		repo:       sqlite.NewHistoryRepository(db),
		galleryDir: filepath.Join(dir, "gallery"),
	}

	d.coordinator = connection.NewCoordinator(d.transport, connection.Config{AutoAccept: true}, nil)
	d.orch = transfer.New(
		d.transport,
		d.coordinator,
		media.NewFileMaterializer(filepath.Join(dir, "cache")),
		transfer.Targets{
			Primary:  media.NewGalleryTarget(d.galleryDir),
			Fallback: media.NewPrivateTarget(filepath.Join(dir, "private")),
		},
		d.repo,
		nil,
		transfer.Config{RetryBackoff: 10 * time.Millisecond},
	)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, 2)

	go func() {
		d.coordinator.Run(runCtx) //nolint:errcheck
		done <- struct{}{}
	}()

	go func() {
		d.orch.Run(runCtx) //nolint:errcheck
		done <- struct{}{}
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		<-done
		d.orch.Close()
		d.coordinator.Close()
		d.transport.Close()
		d.repo.Close()
		db.Close()
	})

	return d
}

func connectDevices(t *testing.T, ctx context.Context, sender, receiver *device) {
	t.Helper()

	_, err := receiver.coordinator.StartAdvertising(ctx, "bob")
	require.NoError(t, err)

	_, err = sender.coordinator.RequestConnection(ctx, receiver.transport.ID(), "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, a := sender.coordinator.CurrentEndpoint()
		_, b := receiver.coordinator.CurrentEndpoint()

		return a && b
	}, 2*time.Second, 5*time.Millisecond)
}

func waitRecord(t *testing.T, repo storage.HistoryReadRepository, status storage.Status) storage.TransferRecord {
	t.Helper()

	var rec storage.TransferRecord

	require.Eventually(t, func() bool {
		records, err := repo.RecentRecords(context.Background())
		if err != nil || len(records) != 1 || records[0].Status != status {
			return false
		}

		rec = records[0]

		return true
	}, 3*time.Second, 10*time.Millisecond)

	return rec
}

func writePhoto(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "beach.jpg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoopbackTransfer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := loopback.NewNetwork(t.TempDir())
	alice := newDevice(t, ctx, network, "a")
	bob := newDevice(t, ctx, network, "b")

	connectDevices(t, ctx, alice, bob)

	source := writePhoto(t, "sand and sea")
	require.NoError(t, alice.orch.Send(ctx, source, "beach.jpg", ""))

	sent := waitRecord(t, alice.repo, storage.StatusSuccess)
	assert.Equal(t, storage.DirectionSend, sent.Direction)
	assert.Equal(t, "bob", sent.RemoteDeviceName)
	assert.Equal(t, 0, sent.RetryCount)

	received := waitRecord(t, bob.repo, storage.StatusSuccess)
	assert.Equal(t, storage.DirectionReceive, received.Direction)
	assert.Equal(t, "alice", received.RemoteDeviceName)
	assert.Equal(t, filepath.Join(bob.galleryDir, "beach.jpg"), received.FilePath)
	assert.Equal(t, int64(len("sand and sea")), received.FileSize)

	content, err := os.ReadFile(received.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "sand and sea", string(content))
}

func TestLoopbackTransferRecoversAfterTwoFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := loopback.NewNetwork(t.TempDir())
	alice := newDevice(t, ctx, network, "a")
	bob := newDevice(t, ctx, network, "b")

	connectDevices(t, ctx, alice, bob)
	alice.transport.FailNextSends(2)

	require.NoError(t, alice.orch.Send(ctx, writePhoto(t, "waves"), "beach.jpg", ""))

	sent := waitRecord(t, alice.repo, storage.StatusSuccess)
	assert.Equal(t, 2, sent.RetryCount)

	received := waitRecord(t, bob.repo, storage.StatusSuccess)
	assert.Equal(t, "beach.jpg", received.FileName)
}

func TestLoopbackTransferGivesUpAfterThreeFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := loopback.NewNetwork(t.TempDir())
	alice := newDevice(t, ctx, network, "a")
	bob := newDevice(t, ctx, network, "b")

	connectDevices(t, ctx, alice, bob)
	alice.transport.FailNextSends(3)

	require.NoError(t, alice.orch.Send(ctx, writePhoto(t, "waves"), "beach.jpg", ""))

	sent := waitRecord(t, alice.repo, storage.StatusFailed)
	assert.Equal(t, transfer.MaxAttempts, sent.RetryCount)

	records, err := bob.repo.RecentRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
