// Package line wraps the LINE Messaging API for replies, pushes, loading
// indicators and message content downloads.
package line

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

const (
	// MaxTextRunes is the LINE limit for a single text message.
	MaxTextRunes = 5000
	// MaxMessagesPerCall is the LINE limit for messages in one reply or push.
	MaxMessagesPerCall = 5
	// DefaultMaxContentBytes caps downloaded message content.
	DefaultMaxContentBytes = 10 << 20
	// DefaultTimeout bounds a single LINE API call.
	DefaultTimeout = 15 * time.Second

	truncationMark = "…"
)

// ErrContentTooLarge is returned when message content exceeds the download cap.
var ErrContentTooLarge = errors.New("message content too large")

// Content is a downloaded image or file.
type Content struct {
	Data        []byte
	ContentType string
}

// Client sends messages through the LINE Messaging API. Every call is bound
// to the caller's context and to the client timeout.
type Client struct {
	channelToken    string
	httpClient      *http.Client
	apiOpts         []messaging_api.MessagingApiAPIOption
	blobOpts        []messaging_api.MessagingApiBlobAPIOption
	logger          *slog.Logger
	maxContentBytes int64
}

type options struct {
	apiEndpoint     string
	blobEndpoint    string
	maxContentBytes int64
	timeout         time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithEndpoints points the client at alternative API hosts.
func WithEndpoints(api, blob string) Option {
	return func(o *options) {
		o.apiEndpoint = api
		o.blobEndpoint = blob
	}
}

// WithMaxContentBytes overrides DefaultMaxContentBytes.
func WithMaxContentBytes(n int64) Option {
	return func(o *options) {
		o.maxContentBytes = n
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// NewClient creates a Client for the channel access token.
func NewClient(channelToken string, logger *slog.Logger, opts ...Option) (*Client, error) {
	o := options{maxContentBytes: DefaultMaxContentBytes, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}

	c := &Client{
		channelToken:    channelToken,
		httpClient:      &http.Client{Timeout: o.timeout},
		logger:          logger.With("component", "line"),
		maxContentBytes: o.maxContentBytes,
	}
	c.apiOpts = []messaging_api.MessagingApiAPIOption{messaging_api.WithHTTPClient(c.httpClient)}
	if o.apiEndpoint != "" {
		c.apiOpts = append(c.apiOpts, messaging_api.WithEndpoint(o.apiEndpoint))
	}
	c.blobOpts = []messaging_api.MessagingApiBlobAPIOption{messaging_api.WithBlobHTTPClient(c.httpClient)}
	if o.blobEndpoint != "" {
		c.blobOpts = append(c.blobOpts, messaging_api.WithBlobEndpoint(o.blobEndpoint))
	}

	// Fail fast on bad endpoints instead of on the first message.
	if _, err := c.api(context.Background()); err != nil {
		return nil, err
	}
	if _, err := c.blob(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// api returns a messaging API value bound to ctx. The SDK stores the context
// on the client value, so each call gets its own.
func (c *Client) api(ctx context.Context) (*messaging_api.MessagingApiAPI, error) {
	api, err := messaging_api.NewMessagingApiAPI(c.channelToken, c.apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("create messaging API client: %w", err)
	}
	return api.WithContext(ctx), nil
}

func (c *Client) blob(ctx context.Context) (*messaging_api.MessagingApiBlobAPI, error) {
	blob, err := messaging_api.NewMessagingApiBlobAPI(c.channelToken, c.blobOpts...)
	if err != nil {
		return nil, fmt.Errorf("create messaging blob API client: %w", err)
	}
	return blob.WithContext(ctx), nil
}

// Reply answers an event with texts. Reply tokens are single use and expire quickly.
func (c *Client) Reply(ctx context.Context, replyToken string, texts ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if replyToken == "" {
		return errors.New("empty reply token")
	}
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	_, err = api.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   BuildMessages(texts...),
	})
	if err != nil {
		return fmt.Errorf("reply message: %w", err)
	}
	return nil
}

// Push sends texts to a user without a reply token.
func (c *Client) Push(ctx context.Context, to string, texts ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	_, err = api.PushMessage(&messaging_api.PushMessageRequest{
		To:       to,
		Messages: BuildMessages(texts...),
	}, "")
	if err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

// ReplyOrPush tries the reply token first and falls back to a push to userID.
func (c *Client) ReplyOrPush(ctx context.Context, replyToken, userID string, texts ...string) error {
	if replyToken != "" {
		err := c.Reply(ctx, replyToken, texts...)
		if err == nil {
			return nil
		}
		if userID == "" {
			return err
		}
		c.logger.Debug("reply failed, falling back to push", "user_id", userID, "err", err)
	}
	return c.Push(ctx, userID, texts...)
}

// ShowLoading displays the typing indicator in a one-to-one chat. LINE
// accepts 5 to 60 seconds in steps of 5.
func (c *Client) ShowLoading(ctx context.Context, chatID string, seconds int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seconds = max(5, min(60, seconds-seconds%5))
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	_, err = api.ShowLoadingAnimation(&messaging_api.ShowLoadingAnimationRequest{
		ChatId:         chatID,
		LoadingSeconds: seconds,
	})
	if err != nil {
		return fmt.Errorf("show loading animation: %w", err)
	}
	return nil
}

// Content downloads the binary content of an image or file message.
func (c *Client) Content(ctx context.Context, messageID string) (*Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, err := c.blob(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := blob.GetMessageContent(messageID)
	if err != nil {
		return nil, fmt.Errorf("get message content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get message content: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxContentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read message content: %w", err)
	}
	if int64(len(data)) > c.maxContentBytes {
		return nil, ErrContentTooLarge
	}

	return &Content{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// BuildMessages converts texts into at most MaxMessagesPerCall text messages,
// splitting long texts. Overflow is dropped and the last message is marked
// as truncated.
func BuildMessages(texts ...string) []messaging_api.MessageInterface {
	var chunks []string
	for _, text := range texts {
		chunks = append(chunks, SplitText(text, MaxTextRunes)...)
	}

	if len(chunks) > MaxMessagesPerCall {
		chunks = chunks[:MaxMessagesPerCall]
		last := []rune(chunks[MaxMessagesPerCall-1])
		if len(last) >= MaxTextRunes {
			last = last[:MaxTextRunes-utf8.RuneCountInString(truncationMark)]
		}
		chunks[MaxMessagesPerCall-1] = string(last) + truncationMark
	}

	messages := make([]messaging_api.MessageInterface, 0, len(chunks))
	for _, chunk := range chunks {
		messages = append(messages, messaging_api.TextMessage{Text: chunk})
	}
	return messages
}

// SplitText cuts text into pieces of at most limit runes, preferring to
// break after a newline or space. Blank input yields no pieces.
func SplitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' || runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		if part := strings.TrimSpace(string(runes[:cut])); part != "" {
			parts = append(parts, part)
		}
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
