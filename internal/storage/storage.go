package storage

import (
	"context"
	"errors"
	"time"
)

// MaxHistoryRecords is the retention cap of the transfer history.
const MaxHistoryRecords = 10

var ErrNotFound = errors.New("transfer record not found")

type Direction string

const (
	DirectionSend    Direction = "SEND"
	DirectionReceive Direction = "RECEIVE"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further automatic change is expected for the status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TransferRecord represents the outcome of one send or receive.
type TransferRecord struct {
	ID               int64     `json:"id"`
	FileName         string    `json:"fileName"`
	FilePath         string    `json:"filePath"`
	Direction        Direction `json:"direction"`
	Status           Status    `json:"status"`
	RemoteDeviceName string    `json:"remoteDeviceName"`
	RetryCount       int       `json:"retryCount"`
	FileSize         int64     `json:"fileSize"`
	Timestamp        time.Time `json:"timestamp"`
}

// HistoryReadRepository is the view of the history handed to presentation layers.
type HistoryReadRepository interface {
	RecentRecords(ctx context.Context) ([]TransferRecord, error)
	WatchRecent(ctx context.Context) <-chan []TransferRecord
	RecordByID(ctx context.Context, id int64) (TransferRecord, error)
}

type HistoryWriteRepository interface {
	// InsertWithCleanup stores rec and prunes the oldest records beyond MaxHistoryRecords atomically.
	InsertWithCleanup(ctx context.Context, rec TransferRecord) (int64, error)
	UpdateRecord(ctx context.Context, rec TransferRecord) error
	DeleteRecord(ctx context.Context, rec TransferRecord) error
	ClearAll(ctx context.Context) error
}

type HistoryRepository interface {
	HistoryReadRepository
	HistoryWriteRepository
}
