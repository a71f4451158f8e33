// Package transfer moves files over the current peer session, retries failed sends and
// records every outcome in the transfer history.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/phototransfer/internal/events"
	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/media"
	"github.com/italolelis/phototransfer/internal/storage"
	"github.com/italolelis/phototransfer/internal/telemetry"
	"github.com/italolelis/phototransfer/internal/transport"
)

const (
	// MaxAttempts is the number of transport attempts a send gets before it is failed.
	MaxAttempts = 3

	DefaultRetryBackoff = time.Second

	directionSend    = "send"
	directionReceive = "receive"

	reasonNoDevice       = "No device connected"
	reasonReadFailed     = "Failed to read file"
	reasonSaveFailed     = "Failed to save received file"
	reasonReceiveFailed  = "Transfer failed"
	reasonUnavailable    = "Received file unavailable"
	unknownFileName      = "unknown"
	receivedNameTemplate = "received_%d.jpg"
	primaryTargetLabel   = "primary"
	fallbackTargetLabel  = "fallback"
)

// Coordinator is the part of the connection coordinator transfers depend on.
type Coordinator interface {
	CurrentEndpoint() (string, bool)
	EndpointName(endpointID string) (string, bool)
}

type Config struct {
	RetryBackoff time.Duration
}

// Targets are the durable destinations of received files, tried in order.
type Targets struct {
	Primary  media.Target
	Fallback media.Target
}

// transferInfo tracks one outbound payload. It is replaced by a new one on every retry.
type transferInfo struct {
	payloadID  transport.PayloadID
	endpointID string
	sourceRef  string
	retryCount int
	inProgress bool
	record     storage.TransferRecord
}

type pendingReceive struct {
	payload     *transport.Payload
	endpointID  string
	displayName string
	fileName    string
}

// Orchestrator runs sends and receives over the transport.
type Orchestrator struct {
	transport    transport.Transport
	coordinator  Coordinator
	materializer media.Materializer
	targets      Targets
	history      storage.HistoryRepository
	telemetry    *telemetry.Telemetry
	backoff      time.Duration

	activeMu sync.Mutex
	active   map[transport.PayloadID]*transferInfo

	pendingMu sync.Mutex
	pending   map[transport.PayloadID]*pendingReceive

	progress *events.Hub[Progress]

	// lifetime of background retries
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	tr transport.Transport,
	coordinator Coordinator,
	materializer media.Materializer,
	targets Targets,
	history storage.HistoryRepository,
	tel *telemetry.Telemetry,
	cfg Config,
) *Orchestrator {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		transport:    tr,
		coordinator:  coordinator,
		materializer: materializer,
		targets:      targets,
		history:      history,
		telemetry:    tel,
		backoff:      cfg.RetryBackoff,
		active:       make(map[transport.PayloadID]*transferInfo),
		pending:      make(map[transport.PayloadID]*pendingReceive),
		progress:     events.NewHub[Progress](Idle{}, events.DefaultBuffer),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Current returns the latest transfer progress.
func (o *Orchestrator) Current() Progress {
	return o.progress.Latest()
}

// Subscribe streams the current progress and every change until ctx is done.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan Progress {
	return o.progress.Subscribe(ctx)
}

// Listen streams progress changes published after the call until ctx is done.
func (o *Orchestrator) Listen(ctx context.Context) <-chan Progress {
	return o.progress.Listen(ctx)
}

func (o *Orchestrator) ResetProgress() {
	o.progress.Publish(Idle{})
}

// Send transfers the content behind sourceRef to the current peer. It returns once the first
// attempt is submitted; the outcome is reported through progress and the history.
func (o *Orchestrator) Send(ctx context.Context, sourceRef, fileName, remoteName string) error {
	endpointID, err := o.currentEndpoint()
	if err != nil {
		return err
	}

	ctx = logctx.WithEndpoint(ctx, endpointID)
	logger := logctx.LoggerFromContext(ctx)

	localRef, size, err := o.materialize(ctx, sourceRef)
	if err != nil {
		o.progress.Publish(Failed{Reason: reasonReadFailed})
		logger.Error("failed to read file", "reference", sourceRef, "err", err)

		return err
	}

	if remoteName == "" {
		remoteName = o.remoteName(endpointID)
	}

	rec := storage.TransferRecord{
		FileName:         fileName,
		FilePath:         sourceRef,
		Direction:        storage.DirectionSend,
		Status:           storage.StatusPending,
		RemoteDeviceName: remoteName,
		FileSize:         size,
		Timestamp:        time.Now().UTC(),
	}

	id, err := o.history.InsertWithCleanup(ctx, rec)
	if err != nil {
		// the transfer still runs without a history entry
		logger.Error("failed to record transfer", "file_name", fileName, "err", err)
	}

	rec.ID = id

	logger.Info("sending file", "file_name", fileName, "size", humanize.Bytes(uint64(size)), "record_id", id)

	o.submit(ctx, &transferInfo{endpointID: endpointID, sourceRef: sourceRef, record: rec}, localRef)

	return nil
}

// Resend starts a fresh send of a recorded outbound transfer to the current peer, resetting
// its status and retry count.
func (o *Orchestrator) Resend(ctx context.Context, recordID int64) error {
	rec, err := o.history.RecordByID(ctx, recordID)
	if err != nil {
		return fmt.Errorf("failed to load transfer record %d: %w", recordID, err)
	}

	if rec.Direction != storage.DirectionSend {
		return ErrNotResendable
	}

	endpointID, err := o.currentEndpoint()
	if err != nil {
		return err
	}

	ctx = logctx.WithEndpoint(ctx, endpointID)
	logger := logctx.LoggerFromContext(ctx)

	localRef, size, err := o.materialize(ctx, rec.FilePath)
	if err != nil {
		o.progress.Publish(Failed{Reason: reasonReadFailed})
		logger.Error("failed to read file", "reference", rec.FilePath, "err", err)

		return err
	}

	rec.Status = storage.StatusPending
	rec.RetryCount = 0
	rec.FileSize = size
	rec.RemoteDeviceName = o.remoteName(endpointID)
	o.updateRecord(ctx, rec)

	logger.Info("resending file", "file_name", rec.FileName, "record_id", rec.ID)

	o.submit(ctx, &transferInfo{endpointID: endpointID, sourceRef: rec.FilePath, record: rec}, localRef)

	return nil
}

func (o *Orchestrator) currentEndpoint() (string, error) {
	endpointID, ok := o.coordinator.CurrentEndpoint()
	if !ok {
		o.progress.Publish(Failed{Reason: reasonNoDevice})

		return "", ErrNoDeviceConnected
	}

	return endpointID, nil
}

func (o *Orchestrator) remoteName(endpointID string) string {
	if name, ok := o.coordinator.EndpointName(endpointID); ok {
		return name
	}

	return endpointID
}

// materialize copies the content behind ref into a local temporary file.
func (o *Orchestrator) materialize(ctx context.Context, ref string) (string, int64, error) {
	r, err := o.materializer.Read(ctx, ref)
	if err != nil {
		return "", 0, &MaterializationError{Reference: ref, Err: err}
	}
	defer r.Close()

	size := media.FileSize(r)

	localRef, err := o.materializer.WriteTemp(ctx, r)
	if err != nil {
		return "", 0, &MaterializationError{Reference: ref, Err: err}
	}

	return localRef, size, nil
}

// submit registers info under a new payload and hands the payload to the transport.
func (o *Orchestrator) submit(ctx context.Context, info *transferInfo, localRef string) {
	payload := transport.NewFilePayload(localRef, info.record.FileName, info.record.FileSize)
	info.payloadID = payload.ID

	ctx = logctx.WithPayload(ctx, int64(payload.ID))
	logger := logctx.LoggerFromContext(ctx)

	// registered before submission so no update can arrive for an unknown payload
	o.activeMu.Lock()
	o.active[payload.ID] = info
	o.activeMu.Unlock()

	o.telemetry.IncrementActiveTransfers(directionSend)
	o.progress.Publish(Sending{PayloadID: payload.ID, FileName: info.record.FileName, RetryCount: info.retryCount})

	err := o.telemetry.InstrumentTransfer(ctx, directionSend, "submit", func(ctx context.Context) error {
		return o.transport.SendPayload(ctx, info.endpointID, payload)
	})
	if err == nil {
		logger.Debug("payload submitted", "attempt", info.retryCount+1)

		return
	}

	if taken := o.takeActive(payload.ID); taken != nil {
		o.handleSendFailure(ctx, taken, &TransientError{PayloadID: payload.ID, Attempt: taken.retryCount + 1, Err: err})
	}
}

func (o *Orchestrator) takeActive(id transport.PayloadID) *transferInfo {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()

	info, ok := o.active[id]
	if !ok {
		return nil
	}

	delete(o.active, id)
	o.telemetry.DecrementActiveTransfers(directionSend)

	return info
}

func (o *Orchestrator) takePending(id transport.PayloadID) *pendingReceive {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	pr, ok := o.pending[id]
	if !ok {
		return nil
	}

	delete(o.pending, id)
	o.telemetry.DecrementActiveTransfers(directionReceive)

	return pr
}

// Run consumes transport payload events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("transfer orchestrator panic",
				"operation", "run",
				"panic", r,
				"stack", string(debug.Stack()))

			err = fmt.Errorf("transfer orchestrator panic: %v", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("transfer orchestrator shutdown", "reason", "context_cancelled")

			return nil
		case ev, ok := <-o.transport.Payloads():
			if !ok {
				return nil
			}

			o.handlePayloadEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handlePayloadEvent(ctx context.Context, ev transport.PayloadEvent) {
	ctx = logctx.WithEndpoint(ctx, ev.EndpointID)

	switch {
	case ev.Payload != nil:
		o.payloadReceived(ctx, ev.EndpointID, ev.Payload)
	case ev.Update != nil:
		o.payloadUpdated(ctx, *ev.Update)
	}
}

func (o *Orchestrator) payloadReceived(ctx context.Context, endpointID string, p *transport.Payload) {
	logger := logctx.LoggerFromContext(logctx.WithPayload(ctx, int64(p.ID)))

	if p.Kind != transport.PayloadFile || p.File == nil {
		logger.Debug("ignoring payload", "kind", p.Kind)

		return
	}

	pr := &pendingReceive{
		payload:     p,
		endpointID:  endpointID,
		displayName: p.File.Name,
		fileName:    p.File.Name,
	}

	if pr.fileName == "" {
		pr.displayName = unknownFileName
		pr.fileName = fmt.Sprintf(receivedNameTemplate, time.Now().UnixMilli())
	}

	o.pendingMu.Lock()
	if _, exists := o.pending[p.ID]; exists {
		o.pendingMu.Unlock()
		logger.Warn("ignoring payload already being received")

		return
	}
	o.pending[p.ID] = pr
	o.pendingMu.Unlock()

	o.telemetry.IncrementActiveTransfers(directionReceive)
	o.progress.Publish(Receiving{PayloadID: p.ID, FileName: pr.displayName})

	logger.Info("receiving file", "file_name", pr.fileName, "size", humanize.Bytes(uint64(max(p.File.Size, 0))))
}

func (o *Orchestrator) payloadUpdated(ctx context.Context, u transport.Update) {
	ctx = logctx.WithPayload(ctx, int64(u.PayloadID))

	switch u.Status {
	case transport.UpdateInProgress:
		o.inProgress(ctx, u)
	case transport.UpdateSuccess:
		if info := o.takeActive(u.PayloadID); info != nil {
			o.sendSucceeded(ctx, info, u)

			return
		}

		if pr := o.takePending(u.PayloadID); pr != nil {
			o.receiveSucceeded(ctx, pr, u)
		}
	case transport.UpdateFailure, transport.UpdateCanceled:
		if info := o.takeActive(u.PayloadID); info != nil {
			o.handleSendFailure(ctx, info, &TransientError{
				PayloadID: u.PayloadID,
				Attempt:   info.retryCount + 1,
				Err:       fmt.Errorf("transport reported %s", u.Status),
			})

			return
		}

		if pr := o.takePending(u.PayloadID); pr != nil {
			o.progress.Publish(Failed{Reason: reasonReceiveFailed})
			o.telemetry.RecordTransfer(directionReceive, "failed")
			logctx.LoggerFromContext(ctx).Warn("receive failed", "file_name", pr.fileName, "status", u.Status)
		}
	}
}

func (o *Orchestrator) inProgress(ctx context.Context, u transport.Update) {
	pct := percent(u.BytesTransferred, u.TotalBytes)

	o.activeMu.Lock()
	info, ok := o.active[u.PayloadID]

	var (
		rec         storage.TransferRecord
		firstUpdate bool
	)

	if ok {
		firstUpdate = !info.inProgress
		info.inProgress = true

		if firstUpdate {
			info.record.Status = storage.StatusInProgress
		}

		rec = info.record
	}
	o.activeMu.Unlock()

	if ok {
		if firstUpdate {
			o.updateRecord(ctx, rec)
		}

		o.progress.Publish(Sending{PayloadID: u.PayloadID, FileName: rec.FileName, Percent: pct, RetryCount: info.retryCount})

		return
	}

	o.pendingMu.Lock()
	pr, ok := o.pending[u.PayloadID]
	o.pendingMu.Unlock()

	if ok {
		o.progress.Publish(Receiving{PayloadID: u.PayloadID, FileName: pr.displayName, Percent: pct})
	}
}

func (o *Orchestrator) sendSucceeded(ctx context.Context, info *transferInfo, u transport.Update) {
	logger := logctx.LoggerFromContext(ctx)

	rec := info.record
	rec.Status = storage.StatusSuccess
	rec.RetryCount = info.retryCount
	o.updateRecord(ctx, rec)

	o.telemetry.RecordTransfer(directionSend, "success")
	o.telemetry.RecordTransferBytes(directionSend, u.BytesTransferred)
	o.progress.Publish(Success{FileName: rec.FileName})

	logger.Info("file sent",
		"file_name", rec.FileName,
		"size", humanize.Bytes(uint64(max(u.BytesTransferred, 0))),
		"attempts", info.retryCount+1)
}

// handleSendFailure applies the retry policy to a failed attempt of info.
func (o *Orchestrator) handleSendFailure(ctx context.Context, info *transferInfo, cause error) {
	logger := logctx.LoggerFromContext(ctx)
	next := info.retryCount + 1

	if next < MaxAttempts && o.ctx.Err() != nil {
		logger.Warn("orchestrator closed, dropping retry", "file_name", info.record.FileName)

		return
	}

	if next < MaxAttempts {
		o.telemetry.RecordTransferRetry()
		o.progress.Publish(Retrying{FileName: info.record.FileName, RetryCount: next})

		logger.Warn("send attempt failed, retrying",
			"file_name", info.record.FileName,
			"retry", next,
			"backoff", o.backoff,
			"err", cause)

		retryCtx := logctx.WithLogger(o.ctx, logger)

		o.wg.Add(1)

		go o.retry(retryCtx, info, next)

		return
	}

	rec := info.record
	rec.Status = storage.StatusFailed
	rec.RetryCount = MaxAttempts
	o.updateRecord(ctx, rec)

	err := &TerminalError{
		FileName: rec.FileName,
		Reason:   fmt.Sprintf("Transfer failed after %d retries", MaxAttempts),
		Err:      cause,
	}

	o.telemetry.RecordTransfer(directionSend, "failed")
	o.progress.Publish(Failed{Reason: err.Reason})

	logger.Error("send failed", "file_name", rec.FileName, "err", err)
}

// retry waits the backoff and submits a new attempt carrying retryCount.
func (o *Orchestrator) retry(ctx context.Context, prev *transferInfo, retryCount int) {
	defer o.wg.Done()

	timer := time.NewTimer(o.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	info := &transferInfo{
		endpointID: prev.endpointID,
		sourceRef:  prev.sourceRef,
		retryCount: retryCount,
		record:     prev.record,
	}
	info.record.RetryCount = retryCount
	o.updateRecord(ctx, info.record)

	localRef, _, err := o.materialize(ctx, info.sourceRef)
	if err != nil {
		o.handleSendFailure(ctx, info, err)

		return
	}

	o.submit(ctx, info, localRef)
}

func (o *Orchestrator) receiveSucceeded(ctx context.Context, pr *pendingReceive, u transport.Update) {
	logger := logctx.LoggerFromContext(ctx)
	f := pr.payload.File

	size, err := o.probe(ctx, f.Path)
	if err != nil {
		o.telemetry.RecordTransfer(directionReceive, "failed")
		o.progress.Publish(Failed{Reason: reasonUnavailable})
		logger.Warn("received file unavailable", "file_name", pr.fileName, "err", err)

		return
	}

	if size == 0 {
		size = max(u.BytesTransferred, 0)
	}

	rec := storage.TransferRecord{
		FileName:         pr.fileName,
		Direction:        storage.DirectionReceive,
		RemoteDeviceName: o.remoteName(pr.endpointID),
		FileSize:         size,
		Timestamp:        time.Now().UTC(),
	}

	savedRef, saveErr := o.persist(ctx, f.Path, pr.fileName)
	if saveErr != nil {
		rec.Status = storage.StatusFailed
		rec.FilePath = f.Path
	} else {
		rec.Status = storage.StatusSuccess
		rec.FilePath = savedRef
	}

	if _, err := o.history.InsertWithCleanup(ctx, rec); err != nil {
		logger.Error("failed to record received file", "file_name", pr.fileName, "err", err)
	}

	if saveErr != nil {
		o.telemetry.RecordTransfer(directionReceive, "failed")
		o.progress.Publish(Failed{Reason: reasonSaveFailed})
		logger.Error("failed to save received file", "file_name", pr.fileName, "err", saveErr)

		return
	}

	o.telemetry.RecordTransfer(directionReceive, "success")
	o.telemetry.RecordTransferBytes(directionReceive, size)
	o.progress.Publish(Success{FileName: pr.fileName})

	logger.Info("file received", "file_name", pr.fileName, "path", savedRef, "size", humanize.Bytes(uint64(size)))
}

// probe checks that a received reference resolves and returns its size when known.
func (o *Orchestrator) probe(ctx context.Context, ref string) (int64, error) {
	if ref == "" {
		return 0, media.ErrNotFound
	}

	r, err := o.materializer.Read(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	return media.FileSize(r), nil
}

// persist saves localRef to the primary target, then to the fallback one.
func (o *Orchestrator) persist(ctx context.Context, localRef, fileName string) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	ref, err := o.targets.Primary.Save(ctx, localRef, fileName)
	if err == nil {
		return ref, nil
	}

	primaryErr := &PersistenceError{Target: primaryTargetLabel, FileName: fileName, Err: err}
	logger.Warn("primary target failed, trying fallback", "err", primaryErr)

	if o.targets.Fallback == nil {
		return "", &TerminalError{FileName: fileName, Reason: reasonSaveFailed, Err: primaryErr}
	}

	ref, err = o.targets.Fallback.Save(ctx, localRef, fileName)
	if err != nil {
		fallbackErr := &PersistenceError{Target: fallbackTargetLabel, FileName: fileName, Err: err}

		return "", &TerminalError{FileName: fileName, Reason: reasonSaveFailed, Err: errors.Join(primaryErr, fallbackErr)}
	}

	return ref, nil
}

func (o *Orchestrator) updateRecord(ctx context.Context, rec storage.TransferRecord) {
	if rec.ID == 0 {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	if err := o.history.UpdateRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("transfer record no longer exists", "record_id", rec.ID)

			return
		}

		logger.Error("failed to update transfer record", "record_id", rec.ID, "status", rec.Status, "err", err)
	}
}

// Close stops pending retries and ends every progress stream.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	o.progress.Close()
}
