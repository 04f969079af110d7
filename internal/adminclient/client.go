// Package adminclient calls the smebot admin API.
package adminclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"smebot-go/internal/queue"
	"smebot-go/internal/webhook"
)

// ErrNotFound is returned for unknown tasks.
var ErrNotFound = errors.New("not found")

// Client is an admin API client.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
}

// New creates a Client for baseURL, e.g. http://localhost:8080.
func New(baseURL, user, password string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Health is the body of GET /healthz.
type Health struct {
	Status  string `json:"status"`
	Circuit string `json:"circuit"`
}

// UserTasks is the body of GET /admin/users/:id/tasks.
type UserTasks struct {
	UserID string       `json:"user_id"`
	Tasks  []queue.Task `json:"tasks"`
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats fetches the combined runtime counters.
func (c *Client) Stats(ctx context.Context) (*webhook.StatsResponse, error) {
	var s webhook.StatsResponse
	if err := c.get(ctx, "/admin/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Task fetches one task by id.
func (c *Client) Task(ctx context.Context, id string) (*queue.Task, error) {
	var t queue.Task
	if err := c.get(ctx, "/admin/tasks/"+url.PathEscape(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UserTasks lists the tasks recorded for a user.
func (c *Client) UserTasks(ctx context.Context, userID string) (*UserTasks, error) {
	var u UserTasks
	if err := c.get(ctx, "/admin/users/"+url.PathEscape(userID)+"/tasks", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
