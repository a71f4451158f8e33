package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/phototransfer/internal/storage"
	"github.com/italolelis/phototransfer/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *HistoryRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	repo := NewHistoryRepository(db)

	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})

	return repo
}

func sendRecord(name string, ts time.Time) storage.TransferRecord {
	return storage.TransferRecord{
		FileName:         name,
		FilePath:         "/photos/" + name,
		Direction:        storage.DirectionSend,
		Status:           storage.StatusPending,
		RemoteDeviceName: "pixel",
		FileSize:         1024,
		Timestamp:        ts,
	}
}

func TestInsertAndRecordByIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	ts := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	rec := sendRecord("a.jpg", ts)
	rec.RetryCount = 2

	id, err := repo.InsertWithCleanup(ctx, rec)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := repo.RecordByID(ctx, id)
	require.NoError(t, err)

	rec.ID = id
	assert.Equal(t, rec, got)
}

func TestInsertDefaultsTimestamp(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id, err := repo.InsertWithCleanup(ctx, sendRecord("a.jpg", time.Time{}))
	require.NoError(t, err)

	got, err := repo.RecordByID(ctx, id)
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now(), got.Timestamp, time.Minute)
}

func TestRecordByIDNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.RecordByID(context.Background(), 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertWithCleanupEvictsOldest(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]int64, 0, 11)

	for i := 1; i <= 11; i++ {
		id, err := repo.InsertWithCleanup(ctx, sendRecord(fmt.Sprintf("t%d.jpg", i), base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)

		ids = append(ids, id)
	}

	_, err := repo.RecordByID(ctx, ids[0])
	assert.ErrorIs(t, err, storage.ErrNotFound, "t1 must be evicted")

	recent, err := repo.RecentRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recent, storage.MaxHistoryRecords)

	for i, rec := range recent {
		assert.Equal(t, fmt.Sprintf("t%d.jpg", 11-i), rec.FileName)
	}
}

func TestInsertWithCleanupEvictsByTimestampNotInsertionOrder(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// oldest record inserted last among the first ten
	for i := 2; i <= 10; i++ {
		_, err := repo.InsertWithCleanup(ctx, sendRecord(fmt.Sprintf("t%d.jpg", i), base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	oldID, err := repo.InsertWithCleanup(ctx, sendRecord("t1.jpg", base.Add(time.Minute)))
	require.NoError(t, err)

	_, err = repo.InsertWithCleanup(ctx, sendRecord("t11.jpg", base.Add(11*time.Minute)))
	require.NoError(t, err)

	_, err = repo.RecordByID(ctx, oldID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	base := time.Now()

	for i := 0; i < 25; i++ {
		_, err := repo.InsertWithCleanup(ctx, sendRecord(fmt.Sprintf("p%d.jpg", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)

		var count int
		require.NoError(t, repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_records`).Scan(&count))
		assert.LessOrEqual(t, count, storage.MaxHistoryRecords)
	}
}

func TestUpdateRecord(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id, err := repo.InsertWithCleanup(ctx, sendRecord("a.jpg", time.Now().UTC()))
	require.NoError(t, err)

	rec, err := repo.RecordByID(ctx, id)
	require.NoError(t, err)

	rec.Status = storage.StatusFailed
	rec.RetryCount = 3

	require.NoError(t, repo.UpdateRecord(ctx, rec))

	got, err := repo.RecordByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestUpdateRecordNotFound(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.UpdateRecord(context.Background(), storage.TransferRecord{ID: 77, Timestamp: time.Now()})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	first, err := repo.InsertWithCleanup(ctx, sendRecord("a.jpg", time.Now()))
	require.NoError(t, err)

	_, err = repo.InsertWithCleanup(ctx, sendRecord("b.jpg", time.Now()))
	require.NoError(t, err)

	require.NoError(t, repo.DeleteRecord(ctx, storage.TransferRecord{ID: first}))

	_, err = repo.RecordByID(ctx, first)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.ClearAll(ctx))

	recent, err := repo.RecentRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestInsertWithExplicitIDReplaces(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id, err := repo.InsertWithCleanup(ctx, sendRecord("a.jpg", time.Now()))
	require.NoError(t, err)

	rec := sendRecord("renamed.jpg", time.Now())
	rec.ID = id

	got, err := repo.InsertWithCleanup(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	recent, err := repo.RecentRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "renamed.jpg", recent[0].FileName)
}

func TestWatchRecentEmitsAfterWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := newTestRepository(t)
	updates := repo.WatchRecent(ctx)

	select {
	case snapshot := <-updates:
		assert.Empty(t, snapshot)
	case <-time.After(2 * time.Second):
		t.Fatal("expected initial snapshot")
	}

	_, err := repo.InsertWithCleanup(ctx, sendRecord("a.jpg", time.Now()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case snapshot := <-updates:
			return len(snapshot) == 1 && snapshot[0].FileName == "a.jpg"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInstrumentedRepositoryDelegates(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	defer db.Close()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	repo := NewInstrumentedHistoryRepository(db, tel)
	defer repo.Close()

	id, err := repo.InsertWithCleanup(ctx, sendRecord("a.jpg", time.Now()))
	require.NoError(t, err)

	got, err := repo.RecordByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", got.FileName)

	_, err = repo.RecordByID(ctx, id+100)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
