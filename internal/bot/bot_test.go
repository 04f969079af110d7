package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smebot-go"
	"smebot-go/internal/breaker"
	"smebot-go/internal/conversation"
	"smebot-go/internal/line"
	"smebot-go/internal/notify"
	"smebot-go/internal/queue"
	"smebot-go/internal/ratelimit"
)

type fakeLLM struct {
	mu       sync.Mutex
	answer   string
	err      error
	requests [][]smebot.ChatMessage
}

func (f *fakeLLM) Complete(ctx context.Context, messages []smebot.ChatMessage) (*smebot.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, messages)
	if f.err != nil {
		return nil, f.err
	}
	return &smebot.Completion{Text: f.answer, Attempts: 1}, nil
}

func (f *fakeLLM) last() []smebot.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

type sent struct {
	replyToken string
	userID     string
	texts      []string
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sent
	loading []string
	content map[string]*line.Content
	sendErr error
}

func (f *fakeMessenger) ReplyOrPush(ctx context.Context, replyToken, userID string, texts ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sent{replyToken, userID, texts})
	return nil
}

func (f *fakeMessenger) ShowLoading(ctx context.Context, chatID string, seconds int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loading = append(f.loading, chatID)
	return nil
}

func (f *fakeMessenger) Content(ctx context.Context, messageID string) (*line.Content, error) {
	c, ok := f.content[messageID]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.texts...)
	}
	return out
}

type fakeQueue struct {
	handlers map[string]queue.Handler
	stats    queue.Stats
	tasks    []queue.Task
}

func (f *fakeQueue) RegisterHandler(taskType string, fn queue.Handler) {
	if f.handlers == nil {
		f.handlers = make(map[string]queue.Handler)
	}
	f.handlers[taskType] = fn
}

func (f *fakeQueue) Stats() queue.Stats                   { return f.stats }
func (f *fakeQueue) UserTasks(userID string) []queue.Task { return f.tasks }

type fixture struct {
	bot       *Bot
	llm       *fakeLLM
	messenger *fakeMessenger
	store     *conversation.MemoryStore
	breaker   *breaker.CircuitBreaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		llm:       &fakeLLM{answer: "คำตอบ"},
		messenger: &fakeMessenger{content: map[string]*line.Content{}},
		store:     conversation.NewMemoryStore(50),
		breaker:   breaker.New(2, time.Minute),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.bot = New(Deps{
		LLM:       f.llm,
		Messenger: f.messenger,
		Store:     f.store,
		Limiter:   ratelimit.New(ratelimit.Config{}),
		Breaker:   f.breaker,
		Logger:    logger,
	}, Options{SystemPrompt: "be nice", HistoryLimit: 4})
	return f
}

func textTask(userID, text string) *queue.Task {
	task := queue.NewTask(queue.TypeTextProcessing, userID, map[string]any{queue.KeyUserMessage: text})
	task.ID = "task-1"
	task.ReplyToken = "rt"
	return task
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	q := &fakeQueue{}
	f.bot.Register(q)

	for _, typ := range []string{
		queue.TypeTextProcessing,
		queue.TypeImageProcessing,
		queue.TypeFileProcessing,
		queue.TypeCommand,
		queue.TypeFollow,
	} {
		assert.Contains(t, q.handlers, typ)
	}
}

func TestHandleText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Append(ctx, "U1",
		conversation.Message{Role: conversation.RoleUser, Content: "ก่อนหน้า"},
		conversation.Message{Role: conversation.RoleAssistant, Content: "ตอบก่อนหน้า"},
	))

	result, err := f.bot.HandleText(ctx, textTask("U1", "ราคาเท่าไหร่"))
	require.NoError(t, err)
	assert.Equal(t, "คำตอบ", result)
	assert.Equal(t, []string{"คำตอบ"}, f.messenger.texts())
	assert.Equal(t, []string{"U1"}, f.messenger.loading)

	prompt := f.llm.last()
	require.Len(t, prompt, 4)
	assert.Equal(t, smebot.RoleSystem, prompt[0].Role)
	assert.Equal(t, "be nice", prompt[0].Content)
	assert.Equal(t, "ก่อนหน้า", prompt[1].Content)
	assert.Equal(t, "ราคาเท่าไหร่", prompt[3].Content)

	history, err := f.store.History(ctx, "U1", 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "คำตอบ", history[3].Content)
}

func TestHandleText_UserContext(t *testing.T) {
	f := newFixture(t)
	task := textTask("U1", "hi")
	task.Payload[queue.KeyUserContext] = map[string]any{queue.KeyDisplayName: "Somchai"}

	_, err := f.bot.HandleText(context.Background(), task)
	require.NoError(t, err)
	assert.Contains(t, f.llm.last()[0].Content, "Somchai")
}

func TestHandleText_LLMErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	f.llm.err = &smebot.APIError{StatusCode: http.StatusInternalServerError, Message: "boom"}

	_, err := f.bot.HandleText(context.Background(), textTask("U1", "hi"))
	require.Error(t, err)
	assert.Empty(t, f.messenger.texts())
	assert.Equal(t, 1, f.breaker.Failures())

	history, _ := f.store.History(context.Background(), "U1", 10)
	assert.Empty(t, history)
}

func TestHandleText_ContentFilterRepliesWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.llm.err = &smebot.APIError{StatusCode: http.StatusBadRequest, Code: "content_filter", Message: "filtered"}

	_, err := f.bot.HandleText(context.Background(), textTask("U1", "hi"))
	require.NoError(t, err)
	require.Len(t, f.messenger.texts(), 1)
	assert.Contains(t, f.messenger.texts()[0], "นโยบาย")
	assert.Zero(t, f.breaker.Failures())
}

func TestHandleText_OpenBreaker(t *testing.T) {
	f := newFixture(t)
	f.breaker.RecordFailure()
	f.breaker.RecordFailure()

	_, err := f.bot.HandleText(context.Background(), textTask("U1", "hi"))
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Empty(t, f.llm.requests)
}

func TestHandleText_EmptyAnswer(t *testing.T) {
	f := newFixture(t)
	f.llm.answer = ""

	_, err := f.bot.HandleText(context.Background(), textTask("U1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{msgEmptyAnswer}, f.messenger.texts())

	history, _ := f.store.History(context.Background(), "U1", 10)
	assert.Empty(t, history)
}

func TestHandleImage(t *testing.T) {
	f := newFixture(t)
	f.messenger.content["m1"] = &line.Content{Data: []byte{0xff, 0xd8}, ContentType: "image/jpeg"}
	task := queue.NewTask(queue.TypeImageProcessing, "U1", map[string]any{queue.KeyMessageID: "m1"})

	_, err := f.bot.HandleImage(context.Background(), task)
	require.NoError(t, err)

	prompt := f.llm.last()
	parts, ok := prompt[len(prompt)-1].Content.([]smebot.ContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Contains(t, parts[1].ImageURL.URL, "data:image/jpeg;base64,")
}

func TestHandleImage_DownloadFailure(t *testing.T) {
	f := newFixture(t)
	task := queue.NewTask(queue.TypeImageProcessing, "U1", map[string]any{queue.KeyMessageID: "missing"})

	_, err := f.bot.HandleImage(context.Background(), task)
	assert.Error(t, err)
	assert.Empty(t, f.llm.requests)
}

func TestHandleFile(t *testing.T) {
	tests := []struct {
		name      string
		fileName  string
		data      []byte
		wantReply string
		wantLLM   bool
	}{
		{"csv is summarised", "sales.csv", []byte("month,total\njan,100\n"), "คำตอบ", true},
		{"pdf is refused", "report.pdf", []byte("%PDF"), msgUnsupportedFile, false},
		{"invalid utf8 is refused", "notes.txt", []byte{0xff, 0xfe, 0xfd}, msgUnreadableFile, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.messenger.content["m1"] = &line.Content{Data: tt.data, ContentType: "application/octet-stream"}
			task := queue.NewTask(queue.TypeFileProcessing, "U1", map[string]any{
				queue.KeyMessageID: "m1",
				queue.KeyFileName:  tt.fileName,
			})

			_, err := f.bot.HandleFile(context.Background(), task)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.wantReply}, f.messenger.texts())
			assert.Equal(t, tt.wantLLM, len(f.llm.requests) > 0)
		})
	}
}

func TestHandleFile_Truncates(t *testing.T) {
	f := newFixture(t)
	f.bot.opts.MaxFileRunes = 5
	f.messenger.content["m1"] = &line.Content{Data: []byte("abcdefghij")}
	task := queue.NewTask(queue.TypeFileProcessing, "U1", map[string]any{
		queue.KeyMessageID: "m1",
		queue.KeyFileName:  "a.txt",
	})

	_, err := f.bot.HandleFile(context.Background(), task)
	require.NoError(t, err)

	prompt := f.llm.last()
	content := prompt[len(prompt)-1].Content.(string)
	assert.Contains(t, content, "abcde")
	assert.NotContains(t, content, "abcdef")
}

func TestHandleCommand(t *testing.T) {
	f := newFixture(t)
	f.bot.Register(&fakeQueue{
		stats: queue.Stats{Pending: 2, Processing: 1},
		tasks: []queue.Task{{Status: queue.StatusPending}, {Status: queue.StatusCompleted}},
	})
	ctx := context.Background()
	require.NoError(t, f.store.Append(ctx, "U1", conversation.Message{Role: conversation.RoleUser, Content: "x"}))

	run := func(command string) string {
		task := queue.NewTask(queue.TypeCommand, "U1", map[string]any{queue.KeyCommand: command})
		result, err := f.bot.HandleCommand(ctx, task)
		require.NoError(t, err)
		return result.(string)
	}

	assert.Equal(t, msgHelp, run("/help"))
	assert.Equal(t, msgUnknownCommand, run("/dance"))

	assert.Equal(t, msgCleared, run("/CLEAR"))
	history, _ := f.store.History(ctx, "U1", 10)
	assert.Empty(t, history)

	status := run("/status")
	assert.Contains(t, status, "closed")
	assert.Contains(t, status, "คิวรอ: 2")
	assert.Contains(t, status, "ค้างอยู่: 1")
}

func TestHandleFollow(t *testing.T) {
	f := newFixture(t)
	task := queue.NewTask(queue.TypeFollow, "U1", nil)
	task.ReplyToken = "rt"

	_, err := f.bot.HandleFollow(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, []string{msgWelcome}, f.messenger.texts())
}

func TestHandleFollow_DeliveryError(t *testing.T) {
	f := newFixture(t)
	f.messenger.sendErr = errors.New("line down")

	_, err := f.bot.HandleFollow(context.Background(), queue.NewTask(queue.TypeFollow, "U1", nil))
	assert.ErrorContains(t, err, "line down")
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		errText  string
		category string
	}{
		{"attempt 1: task timed out after 30s", "timeout"},
		{"attempt 3: circuit breaker is open", "circuit_open"},
		{"azure openai: status 429: Rate limit reached", "rate_limit"},
		{"No handler registered for task type: x", "config"},
		{"something odd", "generic"},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			category, message := classifyFailure(tt.errText)
			assert.Equal(t, tt.category, category)
			assert.NotEmpty(t, message)
		})
	}
}

func TestOnTaskFailed(t *testing.T) {
	var mu sync.Mutex
	var alerts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		alerts++
		mu.Unlock()
	}))
	defer server.Close()

	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.bot.alerter = notify.NewAlerter(notify.NewNtfyClient(server.URL, "ops"), logger)

	f.bot.OnTaskFailed(queue.Task{
		ID:         "t1",
		Type:       queue.TypeTextProcessing,
		UserID:     "U1",
		ReplyToken: "rt",
		RetryCount: 3,
		Error:      "attempt 3: circuit breaker is open",
	})

	assert.Equal(t, []string{MsgBusy}, f.messenger.texts())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, alerts)
}

type panickingLLM struct{}

func (panickingLLM) Complete(ctx context.Context, messages []smebot.ChatMessage) (*smebot.Completion, error) {
	panic("client bug")
}

func TestAsk_PanicReleasesHalfOpenTrial(t *testing.T) {
	circuit := breaker.New(1, time.Millisecond)
	b := New(Deps{
		LLM:       panickingLLM{},
		Messenger: &fakeMessenger{content: map[string]*line.Content{}},
		Store:     conversation.NewMemoryStore(10),
		Limiter:   ratelimit.New(ratelimit.Config{}),
		Breaker:   circuit,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Options{})

	circuit.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	assert.Panics(t, func() {
		_, _ = b.ask(context.Background(), []smebot.ChatMessage{smebot.TextMessage(smebot.RoleUser, "hi")})
	})
	assert.Equal(t, breaker.StateHalfOpen, circuit.State())
	assert.False(t, circuit.IsOpen(), "trial slot should be free after the panic")
	assert.True(t, circuit.CanProceed())
}
