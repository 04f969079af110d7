package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"smebot-go/internal/conversation"
)

func main() {
	driver := flag.String("driver", "redis", "Storage driver: memory, redis, postgres")
	redisURL := flag.String("redis-url", envOr("REDIS_URL", "redis://localhost:6379/0"), "Redis URL")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("=== Conversation Store Verification (%s) ===\n", *driver)

	store, err := conversation.Open(ctx, conversation.Options{
		Driver:      *driver,
		RedisURL:    *redisURL,
		PostgresDSN: *dsn,
		MaxPerUser:  4,
	})
	if err != nil {
		fmt.Printf("❌ Connection FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ Connected")
	defer store.Close()

	userID := fmt.Sprintf("verify-%d", time.Now().Unix())

	err = store.Append(ctx, userID,
		conversation.Message{Role: conversation.RoleUser, Content: "สวัสดีค่ะ"},
		conversation.Message{Role: conversation.RoleAssistant, Content: "สวัสดีค่ะ มีอะไรให้ช่วยไหมคะ"},
	)
	if err != nil {
		fmt.Printf("❌ Append FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Appended 2 messages for %s\n", userID)

	history, err := store.History(ctx, userID, 10)
	if err != nil || len(history) != 2 {
		fmt.Printf("❌ History FAILED: got %d messages, err=%v\n", len(history), err)
		os.Exit(1)
	}
	fmt.Printf("✅ History oldest first: %s -> %s\n", history[0].Role, history[1].Role)

	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Printf("❌ Stats FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Stats: backend=%s users=%d messages=%d\n", stats.Backend, stats.Users, stats.Messages)

	if err := store.Clear(ctx, userID); err != nil {
		fmt.Printf("❌ Clear FAILED: %v\n", err)
		os.Exit(1)
	}
	history, err = store.History(ctx, userID, 10)
	if err != nil || len(history) != 0 {
		fmt.Printf("❌ History still present after clear: %d messages, err=%v\n", len(history), err)
		os.Exit(1)
	}
	fmt.Println("✅ Confirmed history cleared")

	fmt.Println("\n=== Conversation Store: ALL OPERATIONS VERIFIED ===")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
