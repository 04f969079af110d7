package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	title    string
	priority string
	tags     string
	body     string
}

func newRecorder(t *testing.T, status int) (*httptest.Server, func() []recorded) {
	t.Helper()
	var mu sync.Mutex
	var got []recorded
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/alerts", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, recorded{
			title:    r.Header.Get("Title"),
			priority: r.Header.Get("Priority"),
			tags:     r.Header.Get("Tags"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), got...)
	}
}

func TestNtfyClient_Send(t *testing.T) {
	server, got := newRecorder(t, http.StatusOK)

	client := NewNtfyClient(server.URL+"/", "alerts")
	err := client.Send(context.Background(), Message{
		Title:    "Test Title",
		Body:     "Test Message",
		Priority: PriorityHigh,
		Tags:     []string{"tag1", "tag2"},
	})
	require.NoError(t, err)

	require.Len(t, got(), 1)
	msg := got()[0]
	assert.Equal(t, "Test Title", msg.title)
	assert.Equal(t, "high", msg.priority)
	assert.Equal(t, "tag1,tag2", msg.tags)
	assert.Equal(t, "Test Message", msg.body)
}

func TestNtfyClient_SendErrorStatus(t *testing.T) {
	server, _ := newRecorder(t, http.StatusForbidden)

	err := NewNtfyClient(server.URL, "alerts").Send(context.Background(), Message{Title: "x"})
	assert.ErrorContains(t, err, "status 403")
}

func TestNtfyClient_Disabled(t *testing.T) {
	client := NewNtfyClient("", "")
	assert.False(t, client.Enabled())
	assert.NoError(t, client.Send(context.Background(), Message{Title: "ignored"}))

	var nilClient *NtfyClient
	assert.False(t, nilClient.Enabled())
}

func TestAlerter(t *testing.T) {
	server, got := newRecorder(t, http.StatusOK)
	alerter := NewAlerter(NewNtfyClient(server.URL, "alerts"), slog.New(slog.NewTextHandler(io.Discard, nil)))

	alerter.TaskFailed("task-1", "text_processing", "U123", 3, "attempt 3: boom")
	alerter.CircuitChanged("closed", "open")
	alerter.CircuitChanged("open", "half-open")
	alerter.CircuitChanged("half-open", "closed")

	msgs := got()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0].title, "text_processing task failed")
	assert.Contains(t, msgs[0].body, "U123")
	assert.Contains(t, msgs[0].body, "attempt 3: boom")
	assert.Equal(t, PriorityUrgent, msgs[1].priority)
	assert.Contains(t, msgs[2].title, "circuit closed")
}

func TestAlerter_ServerErrorIsSwallowed(t *testing.T) {
	server, got := newRecorder(t, http.StatusInternalServerError)
	alerter := NewAlerter(NewNtfyClient(server.URL, "alerts"), slog.New(slog.NewTextHandler(io.Discard, nil)))

	alerter.TaskFailed("task-2", "command_processing", "U1", 1, "no handler")
	assert.Len(t, got(), 1)
}
