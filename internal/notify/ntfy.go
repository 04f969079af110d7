package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	PriorityUrgent  = "urgent"
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
	PriorityMin     = "min"
)

// Message is a single ntfy notification.
type Message struct {
	Title    string
	Body     string
	Priority string
	Tags     []string
}

// NtfyClient posts notifications to an ntfy topic. A client without a
// server URL or topic is disabled and Send is a no-op.
type NtfyClient struct {
	serverURL  string
	topic      string
	httpClient *http.Client
}

// NewNtfyClient creates a new NtfyClient.
func NewNtfyClient(serverURL, topic string) *NtfyClient {
	return &NtfyClient{
		serverURL:  strings.TrimRight(serverURL, "/"),
		topic:      topic,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether notifications are delivered.
func (c *NtfyClient) Enabled() bool {
	return c != nil && c.serverURL != "" && c.topic != ""
}

// Send delivers msg.
func (c *NtfyClient) Send(ctx context.Context, msg Message) error {
	if !c.Enabled() {
		return nil
	}

	url := fmt.Sprintf("%s/%s", c.serverURL, c.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(msg.Body))
	if err != nil {
		return err
	}

	req.Header.Set("Title", msg.Title)
	if msg.Priority != "" {
		req.Header.Set("Priority", msg.Priority)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ntfy request failed: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}
