package sqlite

import (
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/italolelis/phototransfer/internal/events"
	"github.com/italolelis/phototransfer/internal/storage"
)

const recordColumns = `id, file_name, file_path, direction, status, remote_device_name, retry_count, file_size, timestamp`

// HistoryRepository implements storage.HistoryRepository on top of SQLite.
type HistoryRepository struct {
	db      *sql.DB
	version atomic.Uint64
	changes *events.Hub[uint64]
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{
		db:      dbConn,
		changes: events.NewHub[uint64](0, 1),
	}
}

// Close stops every WatchRecent stream.
func (r *HistoryRepository) Close() {
	r.changes.Close()
}

func (r *HistoryRepository) notify() {
	r.changes.Publish(r.version.Add(1))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (storage.TransferRecord, error) {
	var (
		rec       storage.TransferRecord
		direction string
		status    string
		timestamp int64
	)

	if err := row.Scan(
		&rec.ID,
		&rec.FileName,
		&rec.FilePath,
		&direction,
		&status,
		&rec.RemoteDeviceName,
		&rec.RetryCount,
		&rec.FileSize,
		&timestamp,
	); err != nil {
		return storage.TransferRecord{}, err
	}

	rec.Direction = storage.Direction(direction)
	rec.Status = storage.Status(status)
	rec.Timestamp = time.Unix(0, timestamp).UTC()

	return rec, nil
}

var _ storage.HistoryRepository = (*HistoryRepository)(nil)
