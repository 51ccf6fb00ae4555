package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/krisalay/client-cache/app"
	"github.com/krisalay/client-cache/config"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/facade"
)

// ================= DEMO DATA =================

func seed(ctx context.Context, store docstore.Store) error {
	now := time.Now()
	writes := []docstore.Write{
		docstore.SetDoc(facade.UsersCollection, "ada", map[string]any{"displayName": "Ada", "username": "ada"}),
		docstore.SetDoc(facade.UsersCollection, "linus", map[string]any{"displayName": "Linus", "username": "linus"}),
		docstore.SetDoc(facade.UsersCollection, "grace", map[string]any{"displayName": "Grace", "username": "grace"}),
	}
	for i, title := range []string{"Jazz Night", "Taco Stand", "Rooftop Cinema"} {
		writes = append(writes, docstore.SetDoc(facade.HotSpotsCollection, fmt.Sprintf("spot%d", i), map[string]any{
			"title":            title,
			"type":             "event",
			"category":         "city",
			"isActive":         true,
			"isFeatured":       i == 0,
			"participantCount": 10 * (i + 1),
			"stats":            map[string]any{"joined": 10 * (i + 1), "rating": 4.5},
			"createdAt":        now.Add(-time.Duration(i) * time.Hour),
		}))
	}
	authors := []string{"ada", "linus", "grace"}
	for i := range 6 {
		writes = append(writes, docstore.SetDoc(facade.PostsCollection, fmt.Sprintf("post%d", i), map[string]any{
			"userId":    authors[i%3],
			"content":   fmt.Sprintf("post number %d #golang", i),
			"hashtags":  []any{"#golang"},
			"likes":     []any{},
			"timestamp": now.Add(-time.Duration(i) * time.Minute),
		}))
	}
	for i := range 4 {
		writes = append(writes, docstore.SetDoc(facade.NotificationsCollection, fmt.Sprintf("n%d", i), map[string]any{
			"receiverId": "ada",
			"senderId":   "linus",
			"type":       "like",
			"title":      "New like",
			"message":    "Linus liked your post",
			"isRead":     false,
			"timestamp":  now.Add(-time.Duration(i) * time.Minute),
		}))
	}
	writes = append(writes, docstore.SetDoc("rooms/lobby/messages", "m1", map[string]any{
		"text": "hello", "status": "sent", "createdAt": now,
	}))
	return store.BatchWrite(ctx, writes)
}

// ================= MAIN =================

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	serve := flag.Bool("serve", false, "keep running the background services until interrupted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *serve); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, serve bool) (err error) {
	fmt.Println("\n==================== SYSTEM BOOT ====================")
	fmt.Println("STORE DRIVER    :", cfg.Store.Driver)
	fmt.Println("WRITE MODE      :", map[bool]string{true: "WRITE-THROUGH", false: "WRITE-BACK"}[cfg.Batch.WriteThrough])
	fmt.Println("MAX CONNECTIONS :", cfg.Connections.Max)
	fmt.Println("USERS TTL       :", cfg.Caches.Users.TTL)

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		fmt.Println("\n==================== SHUTDOWN ====================")
		err = errors.Join(err, a.Close(context.Background()))
	}()

	if err := seed(ctx, a.Store); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	// ====================================================
	fmt.Println("\n==================== 1) CACHE MISS / HIT ====================")
	u, err := a.Users.GetOne(ctx, "ada")
	if err != nil {
		return err
	}
	fmt.Println("USERS  → GET ada =", u.DisplayName)
	u, _ = a.Users.GetOne(ctx, "ada")
	fmt.Println("USERS  → GET ada again (cached) =", u.DisplayName)

	// ====================================================
	fmt.Println("\n==================== 2) DEDUPLICATED FETCH ====================")
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			usr, err := a.Users.GetOne(ctx, "grace")
			fmt.Printf("GOROUTINE-%d → GET grace = %s %v\n", i, usr.DisplayName, err)
		}()
	}
	wg.Wait()

	// ====================================================
	fmt.Println("\n==================== 3) HOT SPOTS ====================")
	spots, err := a.HotSpots.List(ctx, facade.HotSpotFilter{Type: "all"}, 10)
	if err != nil {
		return err
	}
	for _, s := range spots.Items {
		fmt.Printf("HOTSPOT → %-15s joined=%d\n", s.Title, s.Stats.Joined)
	}
	if err := a.HotSpots.Join(ctx, "ada", "spot1"); err != nil {
		return err
	}
	fmt.Println("HOTSPOT → ada joined spot1")

	// ====================================================
	fmt.Println("\n==================== 4) FEED + LIKE ====================")
	feed, err := a.Posts.Feed(ctx, "ada", facade.PostsLatest, "")
	if err != nil {
		return err
	}
	for _, p := range feed.Items {
		author := "unknown"
		if p.Author != nil {
			author = p.Author.DisplayName
		}
		fmt.Printf("POST   → %s by %s: %s\n", p.ID, author, p.Content)
	}
	if err := a.Posts.ToggleLike(ctx, "post0", "ada", true); err != nil {
		return err
	}
	fmt.Println("POST   → ada liked post0")

	// ====================================================
	fmt.Println("\n==================== 5) HASHTAGS ====================")
	tags := a.Hashtags.ProcessPost(ctx, "Shipping the new cache #GoLang #release")
	fmt.Println("HASHTAG → extracted", tags)
	a.Hashtags.Wait()
	trending, err := a.Hashtags.Trending(ctx, 5)
	if err != nil {
		return err
	}
	for _, h := range trending {
		fmt.Printf("HASHTAG → %s (%d)\n", h.Tag, h.Count)
	}

	// ====================================================
	fmt.Println("\n==================== 6) NOTIFICATIONS ====================")
	err = a.Notifications.Listen(ctx, "ada", "", func(n facade.Notification) {
		fmt.Println("LISTEN → notification", n.ID)
	})
	if err != nil {
		return err
	}
	if err := a.Notifications.MarkAllRead(ctx, "ada"); err != nil {
		return err
	}
	if err := a.Messages.MarkRead(ctx, "lobby", []string{"m1"}, "ada"); err != nil {
		return err
	}
	fmt.Println("BATCH  → receipts queued; flushing")
	if err := a.Writer.Flush(ctx); err != nil {
		return err
	}
	unread, err := a.Notifications.UnreadCount(ctx, "ada", "")
	if err != nil {
		return err
	}
	fmt.Println("NOTIFY → unread after flush =", unread)

	// ====================================================
	fmt.Println("\n==================== 7) CONNECTIONS ====================")
	stats := a.Conns.Stats()
	fmt.Printf("CONNS  → %d/%d live %v\n", stats.Total, stats.Max, stats.ByCategory)

	if !serve {
		return nil
	}
	fmt.Println("\n==================== SERVING ====================")
	if cfg.HTTP.Enabled {
		fmt.Println("HTTP   →", cfg.HTTP.Addr)
	}
	return a.Run(ctx)
}
