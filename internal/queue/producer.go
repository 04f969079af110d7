package queue

// Payload keys shared by producers and handlers.
const (
	KeyUserMessage = "user_message"
	KeyUserContext = "user_context"
	KeyMessageID   = "message_id"
	KeyFileName    = "file_name"
	KeyCommand     = "command"
	KeyDisplayName = "display_name"
)

// EnqueueTextProcessing queues an LLM reply to a text message.
func (q *MessageQueue) EnqueueTextProcessing(userID, message, replyToken string, userContext map[string]any) (string, error) {
	task := NewTask(TypeTextProcessing, userID, map[string]any{
		KeyUserMessage: message,
		KeyUserContext: userContext,
	})
	task.ReplyToken = replyToken
	return q.Enqueue(task)
}

// EnqueueImageProcessing queues a vision request for an uploaded image.
func (q *MessageQueue) EnqueueImageProcessing(userID, messageID, replyToken string, userContext map[string]any) (string, error) {
	task := NewTask(TypeImageProcessing, userID, map[string]any{
		KeyMessageID:   messageID,
		KeyUserContext: userContext,
	})
	task.ReplyToken = replyToken
	return q.Enqueue(task)
}

// EnqueueFileProcessing queues a summary of an uploaded file.
func (q *MessageQueue) EnqueueFileProcessing(userID, messageID, fileName, replyToken string, userContext map[string]any) (string, error) {
	task := NewTask(TypeFileProcessing, userID, map[string]any{
		KeyMessageID:   messageID,
		KeyFileName:    fileName,
		KeyUserContext: userContext,
	})
	task.ReplyToken = replyToken
	return q.Enqueue(task)
}

// EnqueueCommand queues a slash command. Commands jump no queue; the
// higher priority is informational.
func (q *MessageQueue) EnqueueCommand(userID, command, replyToken string) (string, error) {
	task := NewTask(TypeCommand, userID, map[string]any{
		KeyCommand: command,
	})
	task.ReplyToken = replyToken
	task.Priority = PriorityHigh
	return q.Enqueue(task)
}

// EnqueueFollow queues the welcome flow for a new follower.
func (q *MessageQueue) EnqueueFollow(userID, replyToken string) (string, error) {
	task := NewTask(TypeFollow, userID, nil)
	task.ReplyToken = replyToken
	task.Priority = PriorityHigh
	return q.Enqueue(task)
}
