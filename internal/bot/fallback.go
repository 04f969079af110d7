package bot

import (
	"context"
	"strings"
	"time"

	"smebot-go/internal/queue"
)

// failureClass maps an error text fragment to the reply a user gets when
// their task fails for good.
type failureClass struct {
	pattern  string
	category string
	message  string
}

var failureClasses = []failureClass{
	{pattern: "timed out", category: "timeout", message: "ขออภัยค่ะ การประมวลผลใช้เวลานานเกินไป กรุณาลองถามใหม่อีกครั้ง หรือแบ่งคำถามให้สั้นลงนะคะ"},
	{pattern: "deadline exceeded", category: "timeout", message: "ขออภัยค่ะ การประมวลผลใช้เวลานานเกินไป กรุณาลองถามใหม่อีกครั้ง หรือแบ่งคำถามให้สั้นลงนะคะ"},
	{pattern: "circuit breaker is open", category: "circuit_open", message: MsgBusy},
	{pattern: "status 429", category: "rate_limit", message: MsgPleaseWait},
	{pattern: "rate limit", category: "rate_limit", message: MsgPleaseWait},
	{pattern: "content_filter", category: "content_filter", message: "ขออภัยค่ะ ไม่สามารถตอบคำถามนี้ได้ เนื่องจากเนื้อหาไม่เป็นไปตามนโยบายการใช้งาน"},
	{pattern: "no handler registered", category: "config", message: "ขออภัยค่ะ ระบบยังไม่รองรับคำขอประเภทนี้"},
}

const genericFailure = "ขออภัยค่ะ เกิดข้อผิดพลาดในการประมวลผล กรุณาลองใหม่อีกครั้งนะคะ"

// classifyFailure returns the category and user message for a task error.
func classifyFailure(errText string) (string, string) {
	lower := strings.ToLower(errText)
	for _, c := range failureClasses {
		if strings.Contains(lower, c.pattern) {
			return c.category, c.message
		}
	}
	return "generic", genericFailure
}

// OnTaskFailed sends the user a fallback message and raises an ops alert.
// It is the queue's failure hook.
func (b *Bot) OnTaskFailed(task queue.Task) {
	category, message := classifyFailure(task.Error)
	logger := b.logger.With("task_id", task.ID, "task_type", task.Type, "user_id", task.UserID, "category", category)

	if task.UserID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.messenger.ReplyOrPush(ctx, task.ReplyToken, task.UserID, message); err != nil {
			logger.Warn("failed to deliver fallback message", "err", err)
		} else {
			logger.Info("fallback message delivered")
		}
	}

	if b.alerter != nil {
		b.alerter.TaskFailed(task.ID, task.Type, task.UserID, task.RetryCount, task.Error)
	}
}
