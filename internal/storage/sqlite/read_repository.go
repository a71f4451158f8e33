package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/storage"
)

// RecentRecords returns up to storage.MaxHistoryRecords records, newest first.
func (r *HistoryRepository) RecentRecords(ctx context.Context) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+`
		FROM transfer_records
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, storage.MaxHistoryRecords)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]storage.TransferRecord, 0, storage.MaxHistoryRecords)

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// RecordByID returns storage.ErrNotFound when no record has the id.
func (r *HistoryRepository) RecordByID(ctx context.Context, id int64) (storage.TransferRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM transfer_records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TransferRecord{}, fmt.Errorf("record %d: %w", id, storage.ErrNotFound)
	}

	return rec, err
}

// WatchRecent emits the recent records now and again after every write, until ctx is done.
// Intermediate snapshots are skipped when the reader falls behind.
func (r *HistoryRepository) WatchRecent(ctx context.Context) <-chan []storage.TransferRecord {
	logger := logctx.LoggerFromContext(ctx)
	out := make(chan []storage.TransferRecord, 1)
	changes := r.changes.Subscribe(ctx)

	go func() {
		defer close(out)

		for range changes {
			records, err := r.RecentRecords(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("failed to load recent transfer records", "err", err)
				}

				continue
			}

			// latest snapshot wins
			select {
			case <-out:
			default:
			}

			select {
			case out <- records:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
