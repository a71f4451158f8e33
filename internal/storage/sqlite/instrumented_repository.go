package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/phototransfer/internal/storage"
	"github.com/italolelis/phototransfer/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedHistoryRepository) Close() {
	r.repo.Close()
}

func (r *InstrumentedHistoryRepository) RecentRecords(ctx context.Context) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "recent_records", func(ctx context.Context) error {
		var err error

		result, err = r.repo.RecentRecords(ctx)

		return err
	})

	return result, err
}

// WatchRecent is not instrumented per snapshot; every snapshot follows an instrumented write.
func (r *InstrumentedHistoryRepository) WatchRecent(ctx context.Context) <-chan []storage.TransferRecord {
	return r.repo.WatchRecent(ctx)
}

func (r *InstrumentedHistoryRepository) RecordByID(ctx context.Context, id int64) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "record_by_id", func(ctx context.Context) error {
		var err error

		result, err = r.repo.RecordByID(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedHistoryRepository) InsertWithCleanup(ctx context.Context, rec storage.TransferRecord) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "insert_with_cleanup", func(ctx context.Context) error {
		var err error

		id, err = r.repo.InsertWithCleanup(ctx, rec)

		return err
	})

	return id, err
}

func (r *InstrumentedHistoryRepository) UpdateRecord(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_record", func(ctx context.Context) error {
		return r.repo.UpdateRecord(ctx, rec)
	})
}

func (r *InstrumentedHistoryRepository) DeleteRecord(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_record", func(ctx context.Context) error {
		return r.repo.DeleteRecord(ctx, rec)
	})
}

func (r *InstrumentedHistoryRepository) ClearAll(ctx context.Context) error {
	return r.telemetry.InstrumentDBOperation(ctx, "clear_all", func(ctx context.Context) error {
		return r.repo.ClearAll(ctx)
	})
}

var _ storage.HistoryRepository = (*InstrumentedHistoryRepository)(nil)
