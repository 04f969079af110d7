package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"smebot-go"
	"smebot-go/internal/adminclient"
	"smebot-go/internal/config"
	"smebot-go/internal/conversation"
	"smebot-go/internal/logging"
	"smebot-go/internal/queue"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := logging.NewLogger("info", "text", "smebot-cli")
	slog.SetDefault(logger)

	statsCmd := flag.NewFlagSet("stats", flag.ExitOnError)
	statsFormat := statsCmd.String("format", "table", "Output format: table, json")

	taskCmd := flag.NewFlagSet("task", flag.ExitOnError)

	tasksCmd := flag.NewFlagSet("tasks", flag.ExitOnError)
	tasksFormat := tasksCmd.String("format", "table", "Output format: table, json")

	historyCmd := flag.NewFlagSet("history", flag.ExitOnError)
	historyLimit := historyCmd.Int("limit", 20, "Number of messages to show")
	historyConfig := historyCmd.String("config", "config.yaml", "Path to config file")

	clearCmd := flag.NewFlagSet("clear", flag.ExitOnError)
	clearConfig := clearCmd.String("config", "config.yaml", "Path to config file")

	askCmd := flag.NewFlagSet("ask", flag.ExitOnError)
	askConfig := askCmd.String("config", "config.yaml", "Path to config file")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	admin := adminclient.New(
		envOr("SMEBOT_URL", "http://localhost:8080"),
		os.Getenv("ADMIN_USER"),
		os.Getenv("ADMIN_PASSWORD"),
	)

	switch os.Args[1] {
	case "health":
		health, err := admin.Health(ctx)
		if err != nil {
			fail("health check failed", err)
		}
		fmt.Printf("status: %s, circuit: %s\n", health.Status, health.Circuit)

	case "stats":
		statsCmd.Parse(os.Args[2:])
		stats, err := admin.Stats(ctx)
		if err != nil {
			fail("failed to get stats", err)
		}
		if *statsFormat == "json" {
			printJSON(stats)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Queue\tpending=%d retrying=%d processing=%d\n", stats.Queue.Pending, stats.Queue.Retrying, stats.Queue.Processing)
		fmt.Fprintf(w, "Totals\tenqueued=%d completed=%d failed=%d retried=%d dropped=%d\n",
			stats.Queue.TotalEnqueued, stats.Queue.TotalCompleted, stats.Queue.TotalFailed, stats.Queue.TotalRetried, stats.Queue.TotalDropped)
		fmt.Fprintf(w, "Batches\tprocessed=%d failed=%d avg=%s buffered=%d\n",
			stats.Batch.Processed, stats.Batch.Failed, stats.Batch.AvgProcessingTime, stats.Batch.BufferedEvents)
		fmt.Fprintf(w, "Circuit\t%s (failures %d/%d)\n", stats.Circuit.State, stats.Circuit.Failures, stats.Circuit.Threshold)
		fmt.Fprintf(w, "Rate limit\tusers=%d global_tokens=%.1f/%d\n",
			stats.RateLimit.TrackedUsers, stats.RateLimit.GlobalTokens, stats.RateLimit.GlobalCapacity)
		fmt.Fprintf(w, "Conversations\t%s users=%d messages=%d\n",
			stats.Conversation.Backend, stats.Conversation.Users, stats.Conversation.Messages)
		w.Flush()

	case "task":
		taskCmd.Parse(os.Args[2:])
		if taskCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: smebot-cli task <task-id>")
			os.Exit(1)
		}
		task, err := admin.Task(ctx, taskCmd.Arg(0))
		if err != nil {
			fail("failed to get task", err)
		}
		printJSON(task)

	case "tasks":
		tasksCmd.Parse(os.Args[2:])
		if tasksCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: smebot-cli tasks <user-id> [--format table|json]")
			os.Exit(1)
		}
		tasks, err := admin.UserTasks(ctx, tasksCmd.Arg(0))
		if err != nil {
			fail("failed to list tasks", err)
		}
		printTasks(tasks.Tasks, *tasksFormat)

	case "history":
		historyCmd.Parse(os.Args[2:])
		if historyCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: smebot-cli history <user-id> [--limit N]")
			os.Exit(1)
		}
		store := openStore(ctx, *historyConfig)
		defer store.Close()
		msgs, err := store.History(ctx, historyCmd.Arg(0), *historyLimit)
		if err != nil {
			fail("failed to read history", err)
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Content)
		}

	case "clear":
		clearCmd.Parse(os.Args[2:])
		if clearCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: smebot-cli clear <user-id>")
			os.Exit(1)
		}
		store := openStore(ctx, *clearConfig)
		defer store.Close()
		if err := store.Clear(ctx, clearCmd.Arg(0)); err != nil {
			fail("failed to clear history", err)
		}
		fmt.Printf("History cleared for %s\n", clearCmd.Arg(0))

	case "ask":
		askCmd.Parse(os.Args[2:])
		if askCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: smebot-cli ask \"<question>\"")
			os.Exit(1)
		}
		cfg := loadConfig(*askConfig)
		client, err := smebot.NewClient(smebot.Config{
			Endpoint:     cfg.Azure.Endpoint,
			Deployment:   cfg.Azure.Deployment,
			APIVersion:   cfg.Azure.APIVersion,
			APIKey:       cfg.Azure.APIKey,
			TenantID:     cfg.Azure.TenantID,
			ClientID:     cfg.Azure.ClientID,
			ClientSecret: cfg.Azure.ClientSecret,
			MaxTokens:    cfg.Azure.MaxTokens,
			Temperature:  cfg.Azure.Temperature,
			Timeout:      cfg.Azure.Timeout.Duration,
		})
		if err != nil {
			fail("failed to create client", err)
		}
		completion, err := client.Complete(ctx, []smebot.ChatMessage{
			smebot.TextMessage(smebot.RoleUser, strings.Join(askCmd.Args(), " ")),
		})
		if err != nil {
			fail("completion failed", err)
		}
		fmt.Println(completion.Text)
		fmt.Fprintf(os.Stderr, "(%d tokens, %d attempt(s), finish: %s)\n",
			completion.Usage.TotalTokens, completion.Attempts, completion.FinishReason)

	case "version":
		fmt.Printf("smebot-cli %s (commit: %s, built: %s)\n", version, commit, date)

	case "help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`smebot CLI - operate the LINE chatbot

Usage: smebot-cli <command> [options]

Commands:
  health      Check the server
  stats       Show queue, batch, circuit and storage stats [--format table|json]
  task        Show one task <task-id>
  tasks       List a user's tasks <user-id> [--format table|json]
  history     Show a user's conversation <user-id> [--limit N] [--config path]
  clear       Clear a user's conversation <user-id> [--config path]
  ask         Send one question to the Azure OpenAI deployment [--config path]
  version     Show version information
  help        Show this help message

Environment:
  SMEBOT_URL      Server base URL (default http://localhost:8080)
  ADMIN_USER      Admin API user
  ADMIN_PASSWORD  Admin API password`)
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fail("failed to load configuration", err)
	}
	return cfg
}

func openStore(ctx context.Context, path string) conversation.Store {
	cfg := loadConfig(path)
	store, err := conversation.Open(ctx, conversation.Options{
		Driver:      cfg.Storage.Driver,
		RedisURL:    cfg.Storage.RedisURL,
		PostgresDSN: cfg.Storage.PostgresDSN,
	})
	if err != nil {
		fail("failed to open conversation store", err)
	}
	return store
}

func printTasks(tasks []queue.Task, format string) {
	if format == "json" {
		printJSON(tasks)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRETRIES\tCREATED\tERROR")
	fmt.Fprintln(w, "--\t----\t------\t-------\t-------\t-----")
	for _, t := range tasks {
		errText := t.Error
		if len(errText) > 50 {
			errText = errText[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Type, t.Status, t.RetryCount, t.MaxRetries, t.CreatedAt.Format(time.TimeOnly), errText)
	}
	w.Flush()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fail(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
