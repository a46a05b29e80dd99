// notifywatch tails a user's notification stream from a terminal. It is
// the reference consumer of pkg/notify: it pulls the initial list, opens
// the delivery channel and prints pushed notifications as they arrive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/opsdesk/backend/pkg/notify"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	baseURL := getEnv("OPSDESK_API_URL", "http://localhost:8080/api/v1")
	streamURL := getEnv("OPSDESK_STREAM_URL", "ws://localhost:8080/api/v1/notifications/stream")
	token := os.Getenv("OPSDESK_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "OPSDESK_TOKEN is required")
		os.Exit(1)
	}

	credential := func() string { return token }

	store := notify.NewRESTStore(baseURL, credential, nil)
	manager := notify.NewManager(store, logger)
	supervisor := notify.NewSupervisor(
		&notify.WSDialer{URL: streamURL, Credential: credential, Logger: logger},
		manager,
		notify.SupervisorConfig{},
		logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := manager.Refresh(ctx); err != nil {
		logger.Fatal("initial refresh failed", zap.Error(err))
	}
	cancel()

	snap := manager.Snapshot()
	fmt.Printf("%d notifications, %d unread\n", len(snap.Items), snap.Unread)
	for _, n := range snap.Items {
		printNotification(n)
	}

	supervisor.Start()

	// Poll the snapshot for new items; pkg/notify owns the merge, we just
	// render what changed.
	seen := make(map[string]bool, len(snap.Items))
	for _, n := range snap.Items {
		seen[n.ID] = true
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			for _, n := range manager.Snapshot().Items {
				if !seen[n.ID] {
					seen[n.ID] = true
					printNotification(n)
				}
			}
		case <-quit:
			supervisor.Stop()
			fmt.Println("bye")
			return
		}
	}
}

func printNotification(n notify.Notification) {
	marker := "*"
	if n.Read {
		marker = " "
	}
	fmt.Printf("%s [%s] %s - %s (%s)\n",
		marker, n.Kind, n.Title, n.Body, n.CreatedAt.Local().Format(time.RFC822))
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
