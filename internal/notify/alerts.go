package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Alerter turns bot incidents into ntfy messages. Delivery is best effort;
// errors are logged, never returned.
type Alerter struct {
	client  *NtfyClient
	logger  *slog.Logger
	timeout time.Duration
}

// NewAlerter creates an Alerter. A disabled client makes every method a no-op.
func NewAlerter(client *NtfyClient, logger *slog.Logger) *Alerter {
	return &Alerter{
		client:  client,
		logger:  logger.With("component", "alerts"),
		timeout: 5 * time.Second,
	}
}

// TaskFailed reports a task that exhausted its retries.
func (a *Alerter) TaskFailed(taskID, taskType, userID string, retries int, reason string) {
	a.send(Message{
		Title:    fmt.Sprintf("smebot: %s task failed", taskType),
		Body:     fmt.Sprintf("task %s for user %s failed after %d attempt(s)\n%s", taskID, userID, retries, reason),
		Priority: PriorityHigh,
		Tags:     []string{"warning", taskType},
	})
}

// CircuitChanged reports a circuit breaker transition. Only openings and
// recoveries are sent.
func (a *Alerter) CircuitChanged(from, to string) {
	switch to {
	case "open":
		a.send(Message{
			Title:    "smebot: Azure OpenAI circuit open",
			Body:     fmt.Sprintf("circuit moved %s -> %s; LLM requests are being rejected", from, to),
			Priority: PriorityUrgent,
			Tags:     []string{"rotating_light", "circuit"},
		})
	case "closed":
		a.send(Message{
			Title:    "smebot: Azure OpenAI circuit closed",
			Body:     fmt.Sprintf("circuit moved %s -> %s; LLM requests resumed", from, to),
			Priority: PriorityDefault,
			Tags:     []string{"white_check_mark", "circuit"},
		})
	}
}

func (a *Alerter) send(msg Message) {
	if !a.client.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.client.Send(ctx, msg); err != nil {
		a.logger.Warn("failed to send alert", "title", msg.Title, "err", err)
	}
}
