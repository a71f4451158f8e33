package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/phototransfer/internal/connection"
	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/transfer"
	"github.com/italolelis/phototransfer/internal/transport"
)

type stateView struct {
	State              string   `json:"state"`
	EndpointID         string   `json:"endpointId,omitempty"`
	Message            string   `json:"message,omitempty"`
	ConnectedEndpoints []string `json:"connectedEndpoints,omitempty"`
}

func newStateView(s connection.State) stateView {
	view := stateView{State: s.String()}

	switch s := s.(type) {
	case connection.Connected:
		view.EndpointID = s.EndpointID
	case connection.Error:
		view.Message = s.Message
	}

	return view
}

type progressView struct {
	State      string              `json:"state"`
	PayloadID  transport.PayloadID `json:"payloadId,omitempty"`
	FileName   string              `json:"fileName,omitempty"`
	Percent    int                 `json:"percent"`
	RetryCount int                 `json:"retryCount"`
	Reason     string              `json:"reason,omitempty"`
}

func newProgressView(p transfer.Progress) progressView {
	switch p := p.(type) {
	case transfer.Sending:
		return progressView{State: "sending", PayloadID: p.PayloadID, FileName: p.FileName, Percent: p.Percent, RetryCount: p.RetryCount}
	case transfer.Receiving:
		return progressView{State: "receiving", PayloadID: p.PayloadID, FileName: p.FileName, Percent: p.Percent}
	case transfer.Retrying:
		return progressView{State: "retrying", FileName: p.FileName, RetryCount: p.RetryCount}
	case transfer.Success:
		return progressView{State: "success", FileName: p.FileName, Percent: 100}
	case transfer.Failed:
		return progressView{State: "failed", Reason: p.Reason}
	default:
		return progressView{State: "idle"}
	}
}

// stream writes every value of values as a server-sent event until the request ends.
func stream[T, V any](w http.ResponseWriter, r *http.Request, values <-chan T, view func(T) V) {
	logger := logctx.LoggerFromContext(r.Context())

	rc := http.NewResponseController(w)

	// streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		logger.Error("streaming unsupported", "err", err)

		return
	}

	for v := range values {
		data, err := json.Marshal(view(v))
		if err != nil {
			logger.Error("failed to marshal event", "err", err)

			continue
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			logger.Debug("stream closed by client", "err", err)

			return
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}
