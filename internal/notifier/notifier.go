// Package notifier pushes transfer outcomes to the user outside the API.
package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/transfer"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// LogNotifier writes notifications to the context logger. It is used when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, content string) error {
	logctx.LoggerFromContext(ctx).Info("notification", "content", content)

	return nil
}

// Message renders the notification text for p. Progress that is not worth a notification
// yields false.
func Message(p transfer.Progress) (string, bool) {
	switch p := p.(type) {
	case transfer.Success:
		return fmt.Sprintf("Transfer of %s completed", p.FileName), true
	case transfer.Failed:
		return "Transfer failed: " + p.Reason, true
	case transfer.Retrying:
		return fmt.Sprintf("Retrying %s (attempt %d of %d)", p.FileName, p.RetryCount+1, transfer.MaxAttempts), true
	default:
		return "", false
	}
}

// Forward notifies every notable progress change until the stream closes.
func Forward(ctx context.Context, n Notifier, progress <-chan transfer.Progress) {
	logger := logctx.LoggerFromContext(ctx)

	for p := range progress {
		msg, ok := Message(p)
		if !ok {
			continue
		}

		if err := n.Notify(ctx, msg); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}
}
