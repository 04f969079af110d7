// Package bot implements the queue task handlers: LLM replies to text,
// images and files, slash commands and the follow greeting.
package bot

import (
	"context"
	"errors"
	"log/slog"

	"smebot-go"
	"smebot-go/internal/breaker"
	"smebot-go/internal/conversation"
	"smebot-go/internal/line"
	"smebot-go/internal/notify"
	"smebot-go/internal/queue"
	"smebot-go/internal/ratelimit"
)

// LLM produces chat completions.
type LLM interface {
	Complete(ctx context.Context, messages []smebot.ChatMessage) (*smebot.Completion, error)
}

// Messenger delivers replies and fetches uploaded content.
type Messenger interface {
	ReplyOrPush(ctx context.Context, replyToken, userID string, texts ...string) error
	ShowLoading(ctx context.Context, chatID string, seconds int32) error
	Content(ctx context.Context, messageID string) (*line.Content, error)
}

// TaskQueue is the part of the queue the bot registers with and reports on.
type TaskQueue interface {
	RegisterHandler(taskType string, fn queue.Handler)
	Stats() queue.Stats
	UserTasks(userID string) []queue.Task
}

// Deps are the collaborators of a Bot.
type Deps struct {
	LLM       LLM
	Messenger Messenger
	Store     conversation.Store
	Limiter   *ratelimit.Limiter
	Breaker   *breaker.CircuitBreaker
	// Alerter is optional.
	Alerter *notify.Alerter
	Logger  *slog.Logger
}

// Options tune prompt construction.
type Options struct {
	SystemPrompt string
	HistoryLimit int
	// MaxFileRunes caps file text sent to the model.
	MaxFileRunes int
}

// Bot holds the handlers' shared state.
type Bot struct {
	llm       LLM
	messenger Messenger
	store     conversation.Store
	limiter   *ratelimit.Limiter
	breaker   *breaker.CircuitBreaker
	alerter   *notify.Alerter
	logger    *slog.Logger
	opts      Options
	queue     TaskQueue
}

// New creates a Bot.
func New(deps Deps, opts Options) *Bot {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.MaxFileRunes <= 0 {
		opts.MaxFileRunes = 12000
	}
	return &Bot{
		llm:       deps.LLM,
		messenger: deps.Messenger,
		store:     deps.Store,
		limiter:   deps.Limiter,
		breaker:   deps.Breaker,
		alerter:   deps.Alerter,
		logger:    deps.Logger.With("component", "bot"),
		opts:      opts,
	}
}

// Register installs every task handler on q.
func (b *Bot) Register(q TaskQueue) {
	b.queue = q
	q.RegisterHandler(queue.TypeTextProcessing, b.HandleText)
	q.RegisterHandler(queue.TypeImageProcessing, b.HandleImage)
	q.RegisterHandler(queue.TypeFileProcessing, b.HandleFile)
	q.RegisterHandler(queue.TypeCommand, b.HandleCommand)
	q.RegisterHandler(queue.TypeFollow, b.HandleFollow)
}

// ask sends messages through the circuit breaker and the global API bucket.
// A granted trial is released if no outcome gets recorded, including when
// the client panics.
func (b *Bot) ask(ctx context.Context, messages []smebot.ChatMessage) (*smebot.Completion, error) {
	if !b.breaker.CanProceed() {
		return nil, breaker.ErrOpen
	}
	recorded := false
	defer func() {
		if !recorded {
			b.breaker.Release()
		}
	}()

	if err := b.limiter.WaitAPI(ctx); err != nil {
		return nil, err
	}

	completion, err := b.llm.Complete(ctx, messages)
	switch {
	case err == nil:
		b.breaker.RecordSuccess()
		recorded = true
	case smebot.IsContentFiltered(err), errors.Is(err, context.Canceled):
		// The service answered or the caller gave up; neither says the backend is unhealthy.
	default:
		b.breaker.RecordFailure()
		recorded = true
	}
	return completion, err
}

// prompt builds system prompt, recent history and the new user turn.
func (b *Bot) prompt(ctx context.Context, userID string, turn smebot.ChatMessage) []smebot.ChatMessage {
	messages := []smebot.ChatMessage{smebot.TextMessage(smebot.RoleSystem, b.opts.SystemPrompt)}

	history, err := b.store.History(ctx, userID, b.opts.HistoryLimit)
	if err != nil {
		b.logger.Warn("failed to load history, continuing without it", "user_id", userID, "err", err)
	}
	for _, m := range history {
		messages = append(messages, smebot.TextMessage(m.Role, m.Content))
	}
	return append(messages, turn)
}

// remember stores a completed exchange. Storage failures do not fail the task.
func (b *Bot) remember(ctx context.Context, userID, userText, answer string) {
	err := b.store.Append(ctx, userID,
		conversation.Message{Role: conversation.RoleUser, Content: userText},
		conversation.Message{Role: conversation.RoleAssistant, Content: answer},
	)
	if err != nil {
		b.logger.Warn("failed to save conversation", "user_id", userID, "err", err)
	}
}

func (b *Bot) showLoading(ctx context.Context, userID string) {
	if err := b.messenger.ShowLoading(ctx, userID, 30); err != nil {
		b.logger.Debug("loading animation failed", "user_id", userID, "err", err)
	}
}
