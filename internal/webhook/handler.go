// Package webhook receives LINE webhook calls, admits or rejects each event
// and routes it to the batch layer or straight onto the task queue.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"smebot-go/internal/batch"
	"smebot-go/internal/bot"
	"smebot-go/internal/breaker"
	"smebot-go/internal/conversation"
	"smebot-go/internal/logging"
	"smebot-go/internal/metrics"
	"smebot-go/internal/queue"
	"smebot-go/internal/ratelimit"
	"smebot-go/internal/tracing"
)

// DefaultMaxEvents caps the events handled from one webhook call.
const DefaultMaxEvents = 100

// Event kinds passed to the batch layer.
const (
	kindFollow   = "follow"
	kindUnfollow = "unfollow"
	kindPostback = "postback"
)

// Producer is the enqueue side of the task queue.
type Producer interface {
	EnqueueTextProcessing(userID, message, replyToken string, userContext map[string]any) (string, error)
	EnqueueImageProcessing(userID, messageID, replyToken string, userContext map[string]any) (string, error)
	EnqueueFileProcessing(userID, messageID, fileName, replyToken string, userContext map[string]any) (string, error)
	EnqueueCommand(userID, command, replyToken string) (string, error)
	EnqueueFollow(userID, replyToken string) (string, error)
}

// Replier sends best-effort notices to users.
type Replier interface {
	ReplyOrPush(ctx context.Context, replyToken, userID string, texts ...string) error
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Producer Producer
	Replier  Replier
	Store    conversation.Store
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.CircuitBreaker
	Logger   *slog.Logger
}

// Config configures a Handler.
type Config struct {
	ChannelSecret string
	MaxEvents     int
	Batch         batch.Config
}

// Handler serves POST /webhook.
type Handler struct {
	channelSecret string
	maxEvents     int
	producer      Producer
	replier       Replier
	store         conversation.Store
	limiter       *ratelimit.Limiter
	breaker       *breaker.CircuitBreaker
	logger        *slog.Logger
	batches       *batch.Processor
	wg            sync.WaitGroup
}

// NewHandler creates a Handler with its own batch processor.
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	h := &Handler{
		channelSecret: cfg.ChannelSecret,
		maxEvents:     cfg.MaxEvents,
		producer:      deps.Producer,
		replier:       deps.Replier,
		store:         deps.Store,
		limiter:       deps.Limiter,
		breaker:       deps.Breaker,
		logger:        deps.Logger.With("component", "webhook"),
	}
	h.batches = batch.New(cfg.Batch, h.handleBatch, deps.Logger)
	return h
}

// Start begins batch flushing.
func (h *Handler) Start(ctx context.Context) {
	h.batches.Start(ctx)
}

// BatchStats exposes the batch layer counters.
func (h *Handler) BatchStats() batch.Stats {
	return h.batches.Stats()
}

// Shutdown waits for in-flight webhook calls, then flushes the batch layer.
func (h *Handler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.batches.Stop(ctx)
}

// Handle is the gin handler for the webhook endpoint. It answers 200 as soon
// as the signature is verified and dispatches events in the background.
func (h *Handler) Handle(c *gin.Context) {
	cb, err := webhook.ParseRequest(h.channelSecret, c.Request)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			h.logger.Warn("invalid webhook signature", "remote_addr", c.ClientIP())
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to parse webhook request", "err", err)
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	events := cb.Events
	if len(events) > h.maxEvents {
		h.logger.Warn("too many events in webhook call, truncating", "count", len(events), "limit", h.maxEvents)
		events = events[:h.maxEvents]
	}
	requestID := c.GetString(requestIDKey)

	c.Status(http.StatusOK)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("panic while dispatching webhook events", "panic", r)
			}
		}()

		ctx := logging.WithRequestID(context.Background(), requestID)
		ctx, span := tracing.WebhookSpan(ctx, len(events))
		defer span.End()
		for _, event := range events {
			h.dispatch(ctx, event)
		}
	}()
}

// dispatch routes one event and records the route taken.
func (h *Handler) dispatch(ctx context.Context, event webhook.EventInterface) {
	eventType, route := "unknown", "ignored"
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, route).Inc()
	}()

	switch e := event.(type) {
	case webhook.MessageEvent:
		eventType = "message"
		userID := sourceUserID(e.Source)
		if text, ok := e.Message.(webhook.TextMessageContent); ok && strings.HasPrefix(strings.TrimSpace(text.Text), "/") {
			route = h.enqueueCommand(ctx, userID, strings.TrimSpace(text.Text), e.ReplyToken)
			return
		}
		switch e.Message.(type) {
		case webhook.TextMessageContent, webhook.ImageMessageContent, webhook.FileMessageContent:
		default:
			h.logger.Debug("unsupported message type", "type", e.Message.GetType())
			return
		}
		if !h.admit(ctx, userID, e.ReplyToken) {
			route = "rejected"
			return
		}
		route = "batched"
		h.submit(ctx, batch.Event{UserID: userID, Kind: batch.KindMessage, ReplyToken: e.ReplyToken, Payload: e})

	case webhook.PostbackEvent:
		eventType = kindPostback
		userID := sourceUserID(e.Source)
		if e.Postback == nil || e.Postback.Data == "" {
			return
		}
		if !h.admit(ctx, userID, e.ReplyToken) {
			route = "rejected"
			return
		}
		route = "queued"
		h.submit(ctx, batch.Event{UserID: userID, Kind: kindPostback, ReplyToken: e.ReplyToken, Payload: e})

	case webhook.FollowEvent:
		eventType, route = kindFollow, "queued"
		h.submit(ctx, batch.Event{UserID: sourceUserID(e.Source), Kind: kindFollow, ReplyToken: e.ReplyToken, Payload: e})

	case webhook.UnfollowEvent:
		eventType, route = kindUnfollow, "cleared"
		h.submit(ctx, batch.Event{UserID: sourceUserID(e.Source), Kind: kindUnfollow, Payload: e})

	default:
		h.logger.Debug("unsupported event type", "type", fmt.Sprintf("%T", e))
	}
}

func (h *Handler) submit(ctx context.Context, ev batch.Event) {
	if err := h.batches.Submit(ctx, ev); err != nil {
		logging.FromContext(ctx).Warn("failed to handle event", "kind", ev.Kind, "user_id", ev.UserID, "err", err)
	}
}

// admit applies the per-user bucket and the circuit breaker. Rejected users
// get a best-effort notice on the reply token.
func (h *Handler) admit(ctx context.Context, userID, replyToken string) bool {
	if userID == "" {
		return true
	}

	notice := ""
	switch {
	case !h.limiter.AllowUser(userID):
		metrics.RateLimitRejectionsTotal.WithLabelValues("user").Inc()
		logging.FromContext(ctx).Info("user rate limited", "user_id", userID, "retry_after", h.limiter.UserRetryAfter(userID))
		notice = bot.MsgPleaseWait
	case h.breaker.IsOpen():
		metrics.RateLimitRejectionsTotal.WithLabelValues("circuit").Inc()
		logging.FromContext(ctx).Info("circuit open, rejecting event", "user_id", userID)
		notice = bot.MsgBusy
	default:
		return true
	}

	h.notify(ctx, replyToken, notice)
	return false
}

func (h *Handler) notify(ctx context.Context, replyToken, text string) {
	if replyToken == "" {
		return
	}
	if err := h.replier.ReplyOrPush(ctx, replyToken, "", text); err != nil {
		logging.FromContext(ctx).Debug("failed to send notice", "err", err)
	}
}

func (h *Handler) enqueueCommand(ctx context.Context, userID, command, replyToken string) string {
	if userID != "" && !h.limiter.AllowUser(userID) {
		metrics.RateLimitRejectionsTotal.WithLabelValues("user").Inc()
		h.notify(ctx, replyToken, bot.MsgPleaseWait)
		return "rejected"
	}
	if _, err := h.producer.EnqueueCommand(userID, command, replyToken); err != nil {
		h.enqueueFailed(ctx, err, replyToken)
		return "dropped"
	}
	return "queued"
}

// handleBatch turns a flushed batch, or a single bypassing event, into tasks.
func (h *Handler) handleBatch(ctx context.Context, events []batch.Event) error {
	var errs []error
	for _, ev := range events {
		if err := h.handleEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) handleEvent(ctx context.Context, ev batch.Event) error {
	userContext := map[string]any{"source": "line"}

	var err error
	switch e := ev.Payload.(type) {
	case webhook.MessageEvent:
		switch m := e.Message.(type) {
		case webhook.TextMessageContent:
			_, err = h.producer.EnqueueTextProcessing(ev.UserID, m.Text, ev.ReplyToken, userContext)
		case webhook.ImageMessageContent:
			_, err = h.producer.EnqueueImageProcessing(ev.UserID, m.Id, ev.ReplyToken, userContext)
		case webhook.FileMessageContent:
			_, err = h.producer.EnqueueFileProcessing(ev.UserID, m.Id, m.FileName, ev.ReplyToken, userContext)
		}
	case webhook.PostbackEvent:
		_, err = h.producer.EnqueueTextProcessing(ev.UserID, e.Postback.Data, ev.ReplyToken, userContext)
	case webhook.FollowEvent:
		if ev.UserID == "" {
			return nil
		}
		_, err = h.producer.EnqueueFollow(ev.UserID, ev.ReplyToken)
	case webhook.UnfollowEvent:
		if ev.UserID == "" {
			return nil
		}
		if err := h.store.Clear(ctx, ev.UserID); err != nil {
			return fmt.Errorf("clear history for %s: %w", ev.UserID, err)
		}
		logging.FromContext(ctx).Info("user unfollowed, history cleared", "user_id", ev.UserID)
		return nil
	default:
		return fmt.Errorf("unexpected batch payload %T", ev.Payload)
	}

	if err != nil {
		h.enqueueFailed(ctx, err, ev.ReplyToken)
		return fmt.Errorf("enqueue %s event for %s: %w", ev.Kind, ev.UserID, err)
	}
	return nil
}

func (h *Handler) enqueueFailed(ctx context.Context, err error, replyToken string) {
	logging.FromContext(ctx).Error("failed to enqueue task", "err", err)
	if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueStopped) {
		h.notify(ctx, replyToken, bot.MsgPleaseWait)
	}
}

// sourceUserID returns the sending user's id for any chat type.
func sourceUserID(source webhook.SourceInterface) string {
	switch s := source.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	default:
		return ""
	}
}

const requestIDKey = "request_id"

// RequestID tags every request with an id, reusing X-Request-ID when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
