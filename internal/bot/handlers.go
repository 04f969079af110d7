package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"smebot-go"
	"smebot-go/internal/logging"
	"smebot-go/internal/queue"
)

var textFileTypes = map[string]bool{
	".txt":  true,
	".csv":  true,
	".md":   true,
	".json": true,
}

// HandleText answers a text message using the user's recent history.
func (b *Bot) HandleText(ctx context.Context, task *queue.Task) (any, error) {
	text := strings.TrimSpace(task.String(queue.KeyUserMessage))
	if text == "" {
		return nil, errors.New("empty user message")
	}
	b.showLoading(ctx, task.UserID)

	turn := smebot.TextMessage(smebot.RoleUser, text)
	return b.answer(ctx, task, turn, text)
}

// HandleImage describes an uploaded image with the vision model.
func (b *Bot) HandleImage(ctx context.Context, task *queue.Task) (any, error) {
	messageID := task.String(queue.KeyMessageID)
	if messageID == "" {
		return nil, errors.New("image task without message id")
	}
	b.showLoading(ctx, task.UserID)

	content, err := b.messenger.Content(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("download image %s: %w", messageID, err)
	}

	turn := smebot.ImageMessage(imagePrompt, content.ContentType, content.Data)
	return b.answer(ctx, task, turn, "[รูปภาพ]")
}

// HandleFile summarises a text-like file. Other file types get a polite refusal.
func (b *Bot) HandleFile(ctx context.Context, task *queue.Task) (any, error) {
	name := task.String(queue.KeyFileName)
	messageID := task.String(queue.KeyMessageID)
	logger := logging.FromContext(ctx).With("task_id", task.ID, "file_name", name)

	if !textFileTypes[strings.ToLower(filepath.Ext(name))] {
		logger.Info("unsupported file type")
		return b.reply(ctx, task, msgUnsupportedFile)
	}
	b.showLoading(ctx, task.UserID)

	content, err := b.messenger.Content(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", messageID, err)
	}
	if !utf8.Valid(content.Data) {
		logger.Info("file is not valid UTF-8")
		return b.reply(ctx, task, msgUnreadableFile)
	}

	body := string(content.Data)
	if runes := []rune(body); len(runes) > b.opts.MaxFileRunes {
		body = string(runes[:b.opts.MaxFileRunes])
		logger.Debug("file truncated", "runes", len(runes), "kept", b.opts.MaxFileRunes)
	}

	turn := smebot.TextMessage(smebot.RoleUser, fmt.Sprintf(filePrompt, name, body))
	return b.answer(ctx, task, turn, "[ไฟล์ "+name+"]")
}

// HandleCommand runs /help, /clear or /status.
func (b *Bot) HandleCommand(ctx context.Context, task *queue.Task) (any, error) {
	fields := strings.Fields(task.String(queue.KeyCommand))
	if len(fields) == 0 {
		return b.reply(ctx, task, msgUnknownCommand)
	}

	switch strings.ToLower(fields[0]) {
	case "/help", "/start":
		return b.reply(ctx, task, msgHelp)
	case "/clear", "/reset":
		if err := b.store.Clear(ctx, task.UserID); err != nil {
			return nil, fmt.Errorf("clear history: %w", err)
		}
		return b.reply(ctx, task, msgCleared)
	case "/status":
		return b.reply(ctx, task, b.statusText(task.UserID))
	default:
		return b.reply(ctx, task, msgUnknownCommand)
	}
}

// HandleFollow greets a new follower.
func (b *Bot) HandleFollow(ctx context.Context, task *queue.Task) (any, error) {
	return b.reply(ctx, task, msgWelcome)
}

// answer runs one LLM exchange, replies and stores it under historyText.
func (b *Bot) answer(ctx context.Context, task *queue.Task, turn smebot.ChatMessage, historyText string) (any, error) {
	messages := b.prompt(ctx, task.UserID, turn)
	if extra := contextNote(task.Payload[queue.KeyUserContext]); extra != "" {
		messages[0] = smebot.TextMessage(smebot.RoleSystem, b.opts.SystemPrompt+"\n"+extra)
	}

	completion, err := b.ask(ctx, messages)
	if err != nil {
		if smebot.IsContentFiltered(err) {
			_, message := classifyFailure(err.Error())
			return b.reply(ctx, task, message)
		}
		return nil, err
	}

	text := completion.Text
	if text == "" {
		text = msgEmptyAnswer
	}
	if err := b.messenger.ReplyOrPush(ctx, task.ReplyToken, task.UserID, text); err != nil {
		return nil, fmt.Errorf("deliver answer: %w", err)
	}
	if completion.Text != "" {
		b.remember(ctx, task.UserID, historyText, completion.Text)
	}

	logging.FromContext(ctx).Info("answer delivered",
		"task_id", task.ID,
		"user_id", task.UserID,
		"total_tokens", completion.Usage.TotalTokens,
		"attempts", completion.Attempts)
	return completion.Text, nil
}

func (b *Bot) reply(ctx context.Context, task *queue.Task, text string) (any, error) {
	if err := b.messenger.ReplyOrPush(ctx, task.ReplyToken, task.UserID, text); err != nil {
		return nil, fmt.Errorf("deliver reply: %w", err)
	}
	return text, nil
}

func (b *Bot) statusText(userID string) string {
	var sb strings.Builder
	sb.WriteString("สถานะระบบ\n")
	fmt.Fprintf(&sb, "AI: %s\n", b.breaker.State())

	if b.queue != nil {
		stats := b.queue.Stats()
		fmt.Fprintf(&sb, "คิวรอ: %d กำลังประมวลผล: %d\n", stats.Pending+stats.Retrying, stats.Processing)

		var open int
		for _, t := range b.queue.UserTasks(userID) {
			if !t.Status.Terminal() {
				open++
			}
		}
		fmt.Fprintf(&sb, "งานของคุณที่ค้างอยู่: %d", open)
	}
	return strings.TrimSpace(sb.String())
}

// contextNote renders the known user details for the system prompt.
func contextNote(v any) string {
	uc, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := uc[queue.KeyDisplayName].(string)
	if name == "" {
		return ""
	}
	return fmt.Sprintf("The user's display name is %s.", name)
}
