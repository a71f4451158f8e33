package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/phototransfer/internal/transfer"
)

func TestDiscordNotifier(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "hello")
	assert.EqualError(t, err, "webhook failed with status 429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "hello")
	assert.EqualError(t, err, "webhook URL is not set")
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name     string
		progress transfer.Progress
		want     string
		notify   bool
	}{
		{name: "success", progress: transfer.Success{FileName: "a.jpg"}, want: "Transfer of a.jpg completed", notify: true},
		{name: "failed", progress: transfer.Failed{Reason: "No device connected"}, want: "Transfer failed: No device connected", notify: true},
		{name: "retrying", progress: transfer.Retrying{FileName: "a.jpg", RetryCount: 1}, want: "Retrying a.jpg (attempt 2 of 3)", notify: true},
		{name: "sending", progress: transfer.Sending{FileName: "a.jpg", Percent: 40}},
		{name: "idle", progress: transfer.Idle{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Message(tt.progress)
			assert.Equal(t, tt.notify, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, content)

	return nil
}

func TestForwardSkipsIntermediateProgress(t *testing.T) {
	progress := make(chan transfer.Progress, 4)
	progress <- transfer.Sending{FileName: "a.jpg"}
	progress <- transfer.Retrying{FileName: "a.jpg", RetryCount: 1}
	progress <- transfer.Success{FileName: "a.jpg"}
	close(progress)

	n := &recordingNotifier{}
	Forward(context.Background(), n, progress)

	assert.Equal(t, []string{"Retrying a.jpg (attempt 2 of 3)", "Transfer of a.jpg completed"}, n.messages)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), "hello"))
}
