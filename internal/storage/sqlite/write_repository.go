package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/phototransfer/internal/storage"
)

// InsertWithCleanup inserts rec and, in the same transaction, deletes the oldest records by
// timestamp beyond storage.MaxHistoryRecords. A zero Timestamp defaults to now.
func (r *HistoryRepository) InsertWithCleanup(ctx context.Context, rec storage.TransferRecord) (int64, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	args := []any{
		rec.FileName,
		rec.FilePath,
		string(rec.Direction),
		string(rec.Status),
		rec.RemoteDeviceName,
		rec.RetryCount,
		rec.FileSize,
		rec.Timestamp.UnixNano(),
	}

	query := `INSERT INTO transfer_records
		(file_name, file_path, direction, status, remote_device_name, retry_count, file_size, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if rec.ID != 0 {
		query = `INSERT OR REPLACE INTO transfer_records
			(id, file_name, file_path, direction, status, remote_device_name, retry_count, file_size, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args = append([]any{rec.ID}, args...)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}

	if excess := count - storage.MaxHistoryRecords; excess > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM transfer_records WHERE id IN (
				SELECT id FROM transfer_records ORDER BY timestamp ASC, id ASC LIMIT ?
			)`, excess); err != nil {
			return 0, fmt.Errorf("prune records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}

	r.notify()

	return id, nil
}

// UpdateRecord overwrites every column of the record with rec.ID.
func (r *HistoryRepository) UpdateRecord(ctx context.Context, rec storage.TransferRecord) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transfer_records SET
			file_name = ?, file_path = ?, direction = ?, status = ?,
			remote_device_name = ?, retry_count = ?, file_size = ?, timestamp = ?
		WHERE id = ?`,
		rec.FileName, rec.FilePath, string(rec.Direction), string(rec.Status),
		rec.RemoteDeviceName, rec.RetryCount, rec.FileSize, rec.Timestamp.UnixNano(),
		rec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("record %d: %w", rec.ID, storage.ErrNotFound)
	}

	r.notify()

	return nil
}

func (r *HistoryRepository) DeleteRecord(ctx context.Context, rec storage.TransferRecord) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transfer_records WHERE id = ?`, rec.ID); err != nil {
		return err
	}

	r.notify()

	return nil
}

func (r *HistoryRepository) ClearAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transfer_records`); err != nil {
		return err
	}

	r.notify()

	return nil
}
